// Package pipeline moves acquisition data from devices to disk and to
// subscribed clients in three stages. Stage A drives tests against devices
// and emits envelopes. Stage B aggregates raw chunks into save tasks and
// fans status out to subscribers. Stage C persists to CSV and JSON.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/Durian-leader/minitest-oect/internal/workflow"
)

// EnvelopeKind discriminates the payload carried by an Envelope.
type EnvelopeKind string

const (
	KindProgress     EnvelopeKind = "progress"
	KindData         EnvelopeKind = "data"
	KindResult       EnvelopeKind = "result"
	KindDeviceStatus EnvelopeKind = "device_status"
	KindMeta         EnvelopeKind = "meta"
	KindSaveResult   EnvelopeKind = "save_result"
)

var (
	ErrBadEnvelope = errors.New("pipeline: envelope payload does not match kind")
	ErrClosed      = errors.New("pipeline: stage is shut down")
)

// Envelope is the unit of transfer from Stage A to Stage B. Exactly one
// payload pointer matching Kind is set.
type Envelope struct {
	Kind EnvelopeKind

	Progress     *workflow.Progress
	Data         *workflow.DataChunk
	Result       *workflow.Result
	DeviceStatus *workflow.DeviceStatus
	Meta         *MetaSave
	Save         *SaveResult
}

// MetaSave asks Stage C to write a JSON document.
type MetaSave struct {
	Path    string
	Payload any
}

// Validate checks that the envelope carries the payload its kind promises.
func (e Envelope) Validate() error {
	ok := false
	switch e.Kind {
	case KindProgress:
		ok = e.Progress != nil
	case KindData:
		ok = e.Data != nil
	case KindResult:
		ok = e.Result != nil
	case KindDeviceStatus:
		ok = e.DeviceStatus != nil
	case KindMeta:
		ok = e.Meta != nil
	case KindSaveResult:
		ok = e.Save != nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadEnvelope, e.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: kind %q with nil payload", ErrBadEnvelope, e.Kind)
	}
	return nil
}

// SaveKind discriminates Stage C work.
type SaveKind string

const (
	SaveCSV  SaveKind = "csv"
	SaveJSON SaveKind = "json"
)

// SaveTask is the unit of transfer from Stage B to Stage C.
type SaveTask struct {
	Kind   SaveKind
	TestID string

	// CSV fields.
	File       string
	PacketSize int
	Transient  bool
	GateTrace  bool
	Column     string
	Raw        []byte

	// JSON fields.
	Path    string
	Payload any
}

// Validate checks required fields per kind.
func (t SaveTask) Validate() error {
	switch t.Kind {
	case SaveCSV:
		if t.File == "" || t.PacketSize <= 0 {
			return fmt.Errorf("pipeline: csv task missing file or packet size")
		}
	case SaveJSON:
		if t.Path == "" {
			return fmt.Errorf("pipeline: json task missing path")
		}
	default:
		return fmt.Errorf("pipeline: unknown save kind %q", t.Kind)
	}
	return nil
}

// SaveResult is Stage C's acknowledgement back to Stage B.
type SaveResult struct {
	TestID string
	Kind   SaveKind
	File   string
	Rows   int
	Err    error
}
