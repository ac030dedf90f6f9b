package pipeline

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Durian-leader/minitest-oect/internal/observability"
	"github.com/Durian-leader/minitest-oect/internal/workflow"
)

// AggregatorOptions tunes Stage B's flush policy and queue sizes.
type AggregatorOptions struct {
	// FlushPackets flushes a buffer once it holds this many packets.
	FlushPackets int
	// FlushInterval flushes all non-empty buffers periodically, so slow
	// transient streams still reach disk between flushes.
	FlushInterval time.Duration
	// TaskQueueSize caps the save-task channel toward Stage C.
	TaskQueueSize int
	// UIQueueSize caps the subscriber broadcast channel.
	UIQueueSize int
}

// Aggregator is Stage B. It buffers raw data chunks per test and step,
// turns them into save tasks for Stage C, and relays everything else,
// untouched, to the UI queue.
type Aggregator struct {
	in   <-chan Envelope
	acks chan SaveResult
	task chan SaveTask
	ui   chan Envelope

	mu      sync.Mutex
	buffers map[string]*chunkBuffer

	opts AggregatorOptions
	log  zerolog.Logger
}

// chunkBuffer accumulates raw bytes for one (test, step, column) stream.
type chunkBuffer struct {
	testID     string
	file       string
	packetSize int
	transient  bool
	gateTrace  bool
	column     string
	raw        []byte
}

func (b *chunkBuffer) packets() int {
	return len(b.raw) / b.packetSize
}

func NewAggregator(in <-chan Envelope, opts AggregatorOptions, log zerolog.Logger) *Aggregator {
	if opts.FlushPackets <= 0 {
		opts.FlushPackets = 200
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.TaskQueueSize <= 0 {
		opts.TaskQueueSize = 128
	}
	if opts.UIQueueSize <= 0 {
		opts.UIQueueSize = 256
	}
	return &Aggregator{
		in:      in,
		acks:    make(chan SaveResult, opts.TaskQueueSize),
		task:    make(chan SaveTask, opts.TaskQueueSize),
		ui:      make(chan Envelope, opts.UIQueueSize),
		buffers: make(map[string]*chunkBuffer),
		opts:    opts,
		log:     log,
	}
}

// SetFlushPackets swaps the packet-count flush threshold. Takes effect on
// the next ingest; the interval flusher keeps its startup period.
func (a *Aggregator) SetFlushPackets(n int) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	a.opts.FlushPackets = n
	a.mu.Unlock()
}

// Tasks is the channel Stage C consumes. Closed when the inbound stream
// ends and all buffers are flushed.
func (a *Aggregator) Tasks() <-chan SaveTask { return a.task }

// Acks is where Stage C reports save outcomes.
func (a *Aggregator) Acks() chan<- SaveResult { return a.acks }

// UI is the relay stream for subscribers. Closed after both the inbound
// stream and the ack stream are fully drained.
func (a *Aggregator) UI() <-chan Envelope { return a.ui }

// Run consumes until the inbound channel closes, then flushes what is
// left, closes the task channel and drains remaining acks. Blocking.
// The ack channel must be closed once Stage C is done (the persister does
// this when wired; call CloseAcks otherwise) or Run never returns.
func (a *Aggregator) Run() {
	var wg sync.WaitGroup

	tick := time.NewTicker(a.opts.FlushInterval)
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-tick.C:
				a.flushAll()
			case <-done:
				return
			}
		}
	}()

	ackDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(ackDone)
		for res := range a.acks {
			if res.Err != nil {
				a.log.Error().Err(res.Err).Str("test", res.TestID).Str("file", res.File).Msg("save failed")
			}
			r := res
			a.ui <- Envelope{Kind: KindSaveResult, Save: &r}
		}
	}()

	for env := range a.in {
		a.handle(env)
	}

	tick.Stop()
	close(done)
	a.flushAll()
	close(a.task)

	<-ackDone
	wg.Wait()
	close(a.ui)
}

// CloseAcks signals that Stage C has finished reporting.
func (a *Aggregator) CloseAcks() { close(a.acks) }

func (a *Aggregator) handle(env Envelope) {
	if err := env.Validate(); err != nil {
		a.log.Error().Err(err).Msg("dropping malformed envelope")
		return
	}
	switch env.Kind {
	case KindData:
		a.ingest(env.Data)
	case KindResult:
		// Data must land before the terminal status does.
		a.flushTest(env.Result.TestID)
		a.ui <- env
	case KindMeta:
		a.task <- SaveTask{
			Kind:    SaveJSON,
			Path:    env.Meta.Path,
			Payload: env.Meta.Payload,
		}
	default:
		a.ui <- env
	}
}

// ingest buffers a chunk. A chunk for a different step or scan column than
// the one buffered for its test flushes the old buffer first; streams are
// never merged across step boundaries.
func (a *Aggregator) ingest(c *workflow.DataChunk) {
	observability.RecordSerialBytes(c.DeviceID, len(c.Raw))
	a.mu.Lock()
	key := c.TestID
	buf := a.buffers[key]
	if buf != nil && (buf.file != c.File || buf.column != c.Column) {
		task := buf.toTask()
		delete(a.buffers, key)
		a.mu.Unlock()
		a.task <- task
		a.mu.Lock()
		buf = nil
	}
	if buf == nil {
		buf = &chunkBuffer{
			testID:     c.TestID,
			file:       c.File,
			packetSize: c.PacketSize,
			transient:  c.Transient,
			gateTrace:  c.GateTrace,
			column:     c.Column,
		}
		a.buffers[key] = buf
	}
	buf.raw = append(buf.raw, c.Raw...)

	var full *SaveTask
	if buf.packets() >= a.opts.FlushPackets {
		t := buf.toTask()
		full = &t
		delete(a.buffers, key)
	}
	a.mu.Unlock()
	if full != nil {
		a.task <- *full
	}
}

func (b *chunkBuffer) toTask() SaveTask {
	return SaveTask{
		Kind:       SaveCSV,
		TestID:     b.testID,
		File:       b.file,
		PacketSize: b.packetSize,
		Transient:  b.transient,
		GateTrace:  b.gateTrace,
		Column:     b.column,
		Raw:        b.raw,
	}
}

func (a *Aggregator) flushTest(testID string) {
	a.mu.Lock()
	buf, ok := a.buffers[testID]
	if ok {
		delete(a.buffers, testID)
	}
	a.mu.Unlock()
	if ok && len(buf.raw) > 0 {
		a.task <- buf.toTask()
	}
}

func (a *Aggregator) flushAll() {
	a.mu.Lock()
	pending := make([]SaveTask, 0, len(a.buffers))
	for key, buf := range a.buffers {
		if len(buf.raw) == 0 {
			continue
		}
		pending = append(pending, buf.toTask())
		delete(a.buffers, key)
	}
	a.mu.Unlock()
	for _, t := range pending {
		a.task <- t
	}
}
