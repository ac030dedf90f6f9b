package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Durian-leader/minitest-oect/internal/observability"
	"github.com/Durian-leader/minitest-oect/internal/storage"
	"github.com/Durian-leader/minitest-oect/internal/syncbar"
	"github.com/Durian-leader/minitest-oect/internal/transport"
	"github.com/Durian-leader/minitest-oect/internal/workflow"
)

var (
	ErrUnknownDevice = errors.New("pipeline: unknown device")
	ErrUnknownTest   = errors.New("pipeline: unknown test")
	ErrTestRunning   = errors.New("pipeline: device already has a running test")
)

// DriverOptions tunes Stage A.
type DriverOptions struct {
	// Root is the storage root for run directories.
	Root string
	// QueueSize caps the envelope channel toward Stage B.
	QueueSize int
	// Engine is passed through to every per-device engine.
	Engine workflow.EngineOptions
	// Unroll bounds workflow expansion.
	Unroll workflow.UnrollOptions
}

// Driver is Stage A. It owns the device registry, runs one engine goroutine
// per active test, and forwards everything the engines emit as envelopes.
// It is the workflow Sink and MetaSaver for all engines it creates.
type Driver struct {
	mu      sync.Mutex
	devices map[string]*deviceSlot
	active  map[string]*activeTest

	coord *syncbar.Coordinator
	out   chan Envelope
	opts  DriverOptions
	log   zerolog.Logger

	wg     sync.WaitGroup
	done   chan struct{}
	closed bool
}

type deviceSlot struct {
	dev *transport.Device
	eng *workflow.Engine
}

type activeTest struct {
	test     *workflow.Test
	deviceID string
	cancel   context.CancelFunc
}

func NewDriver(coord *syncbar.Coordinator, opts DriverOptions, log zerolog.Logger) *Driver {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Root == "" {
		opts.Root = "data"
	}
	return &Driver{
		devices: make(map[string]*deviceSlot),
		active:  make(map[string]*activeTest),
		coord:   coord,
		out:     make(chan Envelope, opts.QueueSize),
		opts:    opts,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Envelopes is the channel Stage B consumes.
func (d *Driver) Envelopes() <-chan Envelope { return d.out }

// AddDevice registers a device and builds its engine. The device is not
// connected here; call ConnectDevice or let Submit connect lazily.
func (d *Driver) AddDevice(dev *transport.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[dev.ID] = &deviceSlot{
		dev: dev,
		eng: workflow.NewEngine(dev, d, d, d.coord, d.opts.Engine, d.log.With().Str("device", dev.ID).Logger()),
	}
}

// ConnectDevice opens the serial link for a registered device.
func (d *Driver) ConnectDevice(id string) error {
	slot, err := d.slot(id)
	if err != nil {
		return err
	}
	if err := slot.dev.Connect(); err != nil {
		return err
	}
	d.SendDeviceStatus(workflow.DeviceStatus{
		DeviceID: id,
		Port:     slot.dev.PortName(),
		State:    slot.dev.State().String(),
	})
	return nil
}

// Identify queries the hardware identity string of a connected device.
func (d *Driver) Identify(ctx context.Context, id string, timeout time.Duration) (string, error) {
	slot, err := d.slot(id)
	if err != nil {
		return "", err
	}
	return slot.dev.Identify(ctx, timeout)
}

// RegisterBatch declares a synchronized batch before its tests are
// submitted. Every listed test must later run with the same batch id.
func (d *Driver) RegisterBatch(batchID string, testIDs []string) {
	d.coord.Register(batchID, testIDs)
}

// Submit unrolls the workflow, creates the run directory and starts the
// test on its device's goroutine. One running test per device. The test runs
// under the driver's own lifecycle, not the caller's context, so it survives
// the submitting request; StopTest or Close cancel it.
func (d *Driver) Submit(spec workflow.TestSpec) (*workflow.Test, error) {
	slot, err := d.slot(spec.DeviceID)
	if err != nil {
		return nil, err
	}

	test, err := workflow.NewTest(spec, d.opts.Unroll)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	for _, at := range d.active {
		if at.deviceID == spec.DeviceID {
			d.mu.Unlock()
			return nil, ErrTestRunning
		}
	}
	test.Dir = storage.RunDir(d.opts.Root, test.DeviceID, test.Type, test.ID, time.Now())
	if err := os.MkdirAll(test.Dir, 0o755); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("pipeline: create run dir: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	d.active[test.ID] = &activeTest{test: test, deviceID: spec.DeviceID, cancel: cancel}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer cancel()
		slot.dev.ClearStop()
		d.SendDeviceStatus(workflow.DeviceStatus{DeviceID: spec.DeviceID, State: slot.dev.State().String(), Busy: true})
		slot.eng.ExecuteTest(runCtx, test)
		d.SendDeviceStatus(workflow.DeviceStatus{DeviceID: spec.DeviceID, State: slot.dev.State().String(), Busy: false})

		d.mu.Lock()
		delete(d.active, test.ID)
		d.mu.Unlock()
	}()
	return test, nil
}

// StopTest requests a running test to stop. The engine finishes its
// current receive loop, persists what it has and exits on its own.
func (d *Driver) StopTest(testID string) error {
	d.mu.Lock()
	at, ok := d.active[testID]
	d.mu.Unlock()
	if !ok {
		return ErrUnknownTest
	}
	slot, err := d.slot(at.deviceID)
	if err != nil {
		return err
	}
	slot.dev.Stop()
	at.cancel()
	return nil
}

// Tests snapshots the active tests.
func (d *Driver) Tests() []*workflow.Test {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*workflow.Test, 0, len(d.active))
	for _, at := range d.active {
		out = append(out, at.test)
	}
	return out
}

// DeviceStates snapshots every registered device's connection state.
func (d *Driver) DeviceStates() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.devices))
	for id, slot := range d.devices {
		out[id] = slot.dev.State().String()
	}
	return out
}

// Close stops all running tests, waits for their engines and closes the
// envelope channel so downstream stages can drain and exit.
func (d *Driver) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, at := range d.active {
		if slot, ok := d.devices[at.deviceID]; ok {
			slot.dev.Stop()
		}
		at.cancel()
	}
	d.mu.Unlock()

	d.wg.Wait()
	close(d.done)
	close(d.out)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, slot := range d.devices {
		if err := slot.dev.Disconnect(); err != nil {
			d.log.Warn().Err(err).Str("device", slot.dev.ID).Msg("disconnect failed")
		}
	}
}

func (d *Driver) slot(id string) (*deviceSlot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	slot, ok := d.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return slot, nil
}

// emit blocks until Stage B accepts the envelope, giving real backpressure.
// A closed driver drops instead, so late engine callbacks cannot hang.
func (d *Driver) emit(env Envelope) {
	select {
	case <-d.done:
		return
	default:
	}
	observability.RecordEnvelope(string(env.Kind))
	select {
	case d.out <- env:
		observability.SetQueueDepth("envelopes", len(d.out))
	case <-d.done:
	}
}

// SendProgress implements workflow.Sink.
func (d *Driver) SendProgress(p workflow.Progress) {
	d.emit(Envelope{Kind: KindProgress, Progress: &p})
}

// SendData implements workflow.Sink.
func (d *Driver) SendData(c workflow.DataChunk) {
	d.emit(Envelope{Kind: KindData, Data: &c})
}

// SendResult implements workflow.Sink.
func (d *Driver) SendResult(r workflow.Result) {
	d.emit(Envelope{Kind: KindResult, Result: &r})
}

// SendDeviceStatus implements workflow.Sink.
func (d *Driver) SendDeviceStatus(s workflow.DeviceStatus) {
	d.emit(Envelope{Kind: KindDeviceStatus, DeviceStatus: &s})
}

// SaveJSON implements workflow.MetaSaver by routing metadata writes through
// the pipeline so Stage C serializes them with the CSV appends.
func (d *Driver) SaveJSON(path string, payload any) {
	d.emit(Envelope{Kind: KindMeta, Meta: &MetaSave{Path: path, Payload: payload}})
}
