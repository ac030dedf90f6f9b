package protocol

import "bytes"

// Named response terminators. Sample streams end on exactly one of these.
var (
	TermTransfer  = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	TermTransient = []byte{0xFE, 0xFE, 0xFE, 0xFE, 0xFE, 0xFE, 0xFE, 0xFE}
	TermOutput    = []byte{0xCD, 0xAB, 0xEF, 0xCD, 0xAB, 0xEF, 0xCD, 0xAB}
	TermIdentity  = []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xC0, 0xFF, 0xEE, 0x00}
	TermDone      = []byte("DONE!!!")
)

// Terminator pairs a name with its byte sequence for tail matching.
type Terminator struct {
	Name  string
	Bytes []byte
}

// sampleTerminators are the sequences DecodeSamples strips off the tail.
var sampleTerminators = []Terminator{
	{Name: "transfer", Bytes: TermTransfer},
	{Name: "transient", Bytes: TermTransient},
	{Name: "output", Bytes: TermOutput},
	{Name: "identity", Bytes: TermIdentity},
}

// identityTerminators are the sequences an identity response may end with.
var identityTerminators = []Terminator{
	{Name: "identity", Bytes: TermIdentity},
	{Name: "done", Bytes: TermDone},
	{Name: "transient", Bytes: TermTransient},
	{Name: "transfer", Bytes: TermTransfer},
}

// SampleTerminators returns the terminator set for sample streams.
func SampleTerminators() []Terminator {
	out := make([]Terminator, len(sampleTerminators))
	copy(out, sampleTerminators)
	return out
}

// IdentityTerminators returns the terminator set for identity responses.
func IdentityTerminators() []Terminator {
	out := make([]Terminator, len(identityTerminators))
	copy(out, identityTerminators)
	return out
}

// TerminatorFor returns the terminator a command kind's response ends with.
func TerminatorFor(kind CommandKind) Terminator {
	switch kind {
	case CmdTransfer:
		return Terminator{Name: "transfer", Bytes: TermTransfer}
	case CmdTransient:
		return Terminator{Name: "transient", Bytes: TermTransient}
	default:
		return Terminator{Name: "identity", Bytes: TermIdentity}
	}
}

// MatchTail reports which terminator, if any, the buffer currently ends with.
// Only the tail is examined; earlier occurrences do not count.
func MatchTail(buf []byte, terms []Terminator) (Terminator, bool) {
	for _, t := range terms {
		if bytes.HasSuffix(buf, t.Bytes) {
			return t, true
		}
	}
	return Terminator{}, false
}

// StripTerminator removes one trailing terminator from raw if present.
// A second call on the stripped buffer is a no-op unless the data itself
// happens to end with a terminator sequence.
func StripTerminator(raw []byte, terms []Terminator) []byte {
	if t, ok := MatchTail(raw, terms); ok {
		return raw[:len(raw)-len(t.Bytes)]
	}
	return raw
}
