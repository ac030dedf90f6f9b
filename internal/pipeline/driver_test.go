package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Durian-leader/minitest-oect/internal/protocol"
	"github.com/Durian-leader/minitest-oect/internal/storage"
	"github.com/Durian-leader/minitest-oect/internal/syncbar"
	"github.com/Durian-leader/minitest-oect/internal/transport"
	"github.com/Durian-leader/minitest-oect/internal/workflow"
)

type loopPort struct {
	mu      sync.Mutex
	pending []byte
	reply   func(cmd []byte) []byte
}

func (p *loopPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return 0, nil
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *loopPort) Write(cmd []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reply != nil {
		p.pending = append(p.pending, p.reply(cmd)...)
	}
	return len(cmd), nil
}

func (p *loopPort) Close() error { return nil }
func (p *loopPort) Flush() error { return nil }

func fakeDevice(t *testing.T, id string, reply func(cmd []byte) []byte) *transport.Device {
	t.Helper()
	node := filepath.Join(t.TempDir(), "ttyUSB0")
	if err := os.WriteFile(node, nil, 0o600); err != nil {
		t.Fatalf("fake node: %v", err)
	}
	return transport.NewDevice(id, transport.PortConfig{Name: node}, transport.DeviceOptions{
		PollInterval: time.Millisecond,
		Opener: func(transport.PortConfig) (transport.Port, error) {
			return &loopPort{reply: reply}, nil
		},
	}, zerolog.Nop())
}

func transferReply(cmd []byte) []byte {
	out := make([]byte, 0, 3*5+8)
	out = append(out, make([]byte, 15)...)
	return append(out, protocol.TermTransfer...)
}

func transferSpec(id, device string) workflow.TestSpec {
	return workflow.TestSpec{
		ID:       id,
		DeviceID: device,
		Type:     "transfer",
		Nodes: []workflow.Node{{
			Type: "step",
			Kind: "transfer",
			Params: map[string]int{
				"timeStep":         5,
				"sourceVoltage":    0,
				"drainVoltage":     -100,
				"gateVoltageStart": -500,
				"gateVoltageEnd":   500,
				"gateVoltageStep":  10,
			},
		}},
	}
}

func TestDriverRunsTestThroughPipeline(t *testing.T) {
	root := t.TempDir()
	drv := NewDriver(syncbar.NewCoordinator(), DriverOptions{
		Root:   root,
		Engine: workflow.EngineOptions{StepTimeout: time.Second},
	}, zerolog.Nop())
	drv.AddDevice(fakeDevice(t, "dev0", transferReply))

	agg := NewAggregator(drv.Envelopes(), AggregatorOptions{FlushPackets: 1, FlushInterval: 10 * time.Millisecond}, zerolog.Nop())
	pers := NewPersister(agg.Tasks(), agg.Acks(), storage.NewStore(), PersisterOptions{Workers: 1}, zerolog.Nop())

	var mu sync.Mutex
	var kinds []EnvelopeKind
	uiDone := make(chan struct{})
	go func() {
		defer close(uiDone)
		for env := range agg.UI() {
			mu.Lock()
			kinds = append(kinds, env.Kind)
			mu.Unlock()
		}
	}()
	go agg.Run()
	go pers.Run()

	if err := drv.ConnectDevice("dev0"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	test, err := drv.Submit(transferSpec("t1", "dev0"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for len(drv.Tests()) > 0 {
		select {
		case <-deadline:
			t.Fatal("test never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}
	drv.Close()
	select {
	case <-uiDone:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not drain")
	}

	if test.Status != workflow.StatusCompleted {
		t.Fatalf("status: %v", test.Status)
	}
	csv := filepath.Join(test.Dir, storage.StepCSVName(0, "transfer"))
	if _, err := os.Stat(csv); err != nil {
		t.Fatalf("missing csv: %v", err)
	}
	if _, err := os.Stat(filepath.Join(test.Dir, storage.TestInfoFile)); err != nil {
		t.Fatalf("missing test info: %v", err)
	}

	seen := map[EnvelopeKind]bool{}
	mu.Lock()
	for _, k := range kinds {
		seen[k] = true
	}
	mu.Unlock()
	for _, want := range []EnvelopeKind{KindProgress, KindResult, KindDeviceStatus, KindSaveResult} {
		if !seen[want] {
			t.Fatalf("ui stream missing %s (saw %v)", want, kinds)
		}
	}
}

func TestDriverRejectsUnknownDevice(t *testing.T) {
	drv := NewDriver(syncbar.NewCoordinator(), DriverOptions{Root: t.TempDir()}, zerolog.Nop())
	if _, err := drv.Submit(transferSpec("t1", "nope")); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestDriverOneTestPerDevice(t *testing.T) {
	drv := NewDriver(syncbar.NewCoordinator(), DriverOptions{
		Root:   t.TempDir(),
		Engine: workflow.EngineOptions{StepTimeout: time.Second},
	}, zerolog.Nop())
	// Never replies, so the first test occupies the device.
	drv.AddDevice(fakeDevice(t, "dev0", func([]byte) []byte { return nil }))

	drain := make(chan struct{})
	go func() {
		defer close(drain)
		for range drv.Envelopes() {
		}
	}()

	if err := drv.ConnectDevice("dev0"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first, err := drv.Submit(transferSpec("t1", "dev0"))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := drv.Submit(transferSpec("t2", "dev0")); !errors.Is(err, ErrTestRunning) {
		t.Fatalf("expected ErrTestRunning, got %v", err)
	}
	// A rejected submission must not leave a run directory behind.
	entries, err := os.ReadDir(filepath.Dir(first.Dir))
	if err != nil {
		t.Fatalf("read run root: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("run dirs: got %d want 1", len(entries))
	}

	if err := drv.StopTest("t1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	drv.Close()
	<-drain
}

func TestDriverStopUnknownTest(t *testing.T) {
	drv := NewDriver(syncbar.NewCoordinator(), DriverOptions{Root: t.TempDir()}, zerolog.Nop())
	if err := drv.StopTest("ghost"); !errors.Is(err, ErrUnknownTest) {
		t.Fatalf("expected ErrUnknownTest, got %v", err)
	}
}
