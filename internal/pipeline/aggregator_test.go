package pipeline

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Durian-leader/minitest-oect/internal/workflow"
)

func TestEnvelopeValidate(t *testing.T) {
	good := Envelope{Kind: KindProgress, Progress: &workflow.Progress{}}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
	bad := Envelope{Kind: KindData}
	if err := bad.Validate(); err == nil {
		t.Fatal("nil payload accepted")
	}
	unknown := Envelope{Kind: "bogus"}
	if err := unknown.Validate(); err == nil {
		t.Fatal("unknown kind accepted")
	}
}

func TestSaveTaskValidate(t *testing.T) {
	if err := (SaveTask{Kind: SaveCSV, File: "a.csv", PacketSize: 5}).Validate(); err != nil {
		t.Fatalf("valid csv task rejected: %v", err)
	}
	if err := (SaveTask{Kind: SaveCSV}).Validate(); err == nil {
		t.Fatal("csv task without file accepted")
	}
	if err := (SaveTask{Kind: SaveJSON}).Validate(); err == nil {
		t.Fatal("json task without path accepted")
	}
}

type aggHarness struct {
	in       chan Envelope
	agg      *Aggregator
	tasks    []SaveTask
	ui       []Envelope
	taskDone chan struct{}
	uiDone   chan struct{}
}

func startAggregator(t *testing.T, opts AggregatorOptions) *aggHarness {
	t.Helper()
	h := &aggHarness{
		in:       make(chan Envelope),
		taskDone: make(chan struct{}),
		uiDone:   make(chan struct{}),
	}
	h.agg = NewAggregator(h.in, opts, zerolog.Nop())

	go func() {
		defer close(h.taskDone)
		for task := range h.agg.Tasks() {
			h.tasks = append(h.tasks, task)
		}
	}()
	go func() {
		defer close(h.uiDone)
		for env := range h.agg.UI() {
			h.ui = append(h.ui, env)
		}
	}()
	go h.agg.Run()
	return h
}

func (h *aggHarness) finish(t *testing.T) {
	t.Helper()
	close(h.in)
	select {
	case <-h.taskDone:
	case <-time.After(2 * time.Second):
		t.Fatal("task channel never closed")
	}
	h.agg.CloseAcks()
	select {
	case <-h.uiDone:
	case <-time.After(2 * time.Second):
		t.Fatal("aggregator did not shut down")
	}
}

func chunk(testID, file, column string, packetSize, packets int) Envelope {
	return Envelope{Kind: KindData, Data: &workflow.DataChunk{
		TestID:     testID,
		File:       file,
		PacketSize: packetSize,
		Column:     column,
		Raw:        make([]byte, packetSize*packets),
	}}
}

func TestAggregatorFlushOnPacketCount(t *testing.T) {
	h := startAggregator(t, AggregatorOptions{FlushPackets: 4, FlushInterval: time.Hour})

	h.in <- chunk("t1", "a.csv", "", 5, 3)
	h.in <- chunk("t1", "a.csv", "", 5, 3)
	h.finish(t)

	// The second chunk pushes the buffer past the threshold; one flush
	// carries all six packets.
	if len(h.tasks) != 1 {
		t.Fatalf("tasks: got %d want 1", len(h.tasks))
	}
	if got := len(h.tasks[0].Raw) / 5; got != 6 {
		t.Fatalf("flush packets: got %d want 6", got)
	}
}

func TestAggregatorFlushOnStepChange(t *testing.T) {
	h := startAggregator(t, AggregatorOptions{FlushPackets: 1000, FlushInterval: time.Hour})

	h.in <- chunk("t1", "0_transfer.csv", "", 5, 2)
	h.in <- chunk("t1", "1_transient.csv", "", 7, 2)
	h.finish(t)

	if len(h.tasks) != 2 {
		t.Fatalf("tasks: got %d want 2", len(h.tasks))
	}
	if h.tasks[0].File != "0_transfer.csv" || h.tasks[1].File != "1_transient.csv" {
		t.Fatalf("flush order: %q then %q", h.tasks[0].File, h.tasks[1].File)
	}
	if h.tasks[0].PacketSize != 5 || h.tasks[1].PacketSize != 7 {
		t.Fatal("packet sizes not preserved across step boundary")
	}
}

func TestAggregatorFlushOnColumnChange(t *testing.T) {
	h := startAggregator(t, AggregatorOptions{FlushPackets: 1000, FlushInterval: time.Hour})

	h.in <- chunk("t1", "2_output.csv", "Id(Vg=-0.300)", 5, 2)
	h.in <- chunk("t1", "2_output.csv", "Id(Vg=-0.600)", 5, 2)
	h.finish(t)

	if len(h.tasks) != 2 {
		t.Fatalf("tasks: got %d want 2", len(h.tasks))
	}
	if h.tasks[0].Column != "Id(Vg=-0.300)" || h.tasks[1].Column != "Id(Vg=-0.600)" {
		t.Fatalf("columns: %q, %q", h.tasks[0].Column, h.tasks[1].Column)
	}
}

func TestAggregatorResultFlushesBeforeRelay(t *testing.T) {
	h := startAggregator(t, AggregatorOptions{FlushPackets: 1000, FlushInterval: time.Hour})

	h.in <- chunk("t1", "0_transfer.csv", "", 5, 2)
	h.in <- Envelope{Kind: KindResult, Result: &workflow.Result{TestID: "t1", Status: workflow.StatusCompleted}}
	h.finish(t)

	if len(h.tasks) != 1 {
		t.Fatalf("tasks: got %d want 1", len(h.tasks))
	}
	if len(h.ui) != 1 || h.ui[0].Kind != KindResult {
		t.Fatalf("ui stream: %+v", h.ui)
	}
}

func TestAggregatorPeriodicFlush(t *testing.T) {
	h := startAggregator(t, AggregatorOptions{FlushPackets: 1000, FlushInterval: 10 * time.Millisecond})

	h.in <- chunk("t1", "0_transfer.csv", "", 5, 2)

	deadline := time.After(2 * time.Second)
	for {
		h.agg.mu.Lock()
		n := len(h.agg.buffers)
		h.agg.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("interval flush never happened")
		case <-time.After(5 * time.Millisecond):
		}
	}
	h.finish(t)

	if len(h.tasks) != 1 {
		t.Fatalf("tasks: got %d want 1", len(h.tasks))
	}
}

func TestAggregatorMetaBecomesJSONTask(t *testing.T) {
	h := startAggregator(t, AggregatorOptions{FlushInterval: time.Hour})

	h.in <- Envelope{Kind: KindMeta, Meta: &MetaSave{Path: "/tmp/x/test_info.json", Payload: map[string]int{"a": 1}}}
	h.finish(t)

	if len(h.tasks) != 1 || h.tasks[0].Kind != SaveJSON || h.tasks[0].Path != "/tmp/x/test_info.json" {
		t.Fatalf("tasks: %+v", h.tasks)
	}
}

func TestAggregatorRelaysAcks(t *testing.T) {
	h := startAggregator(t, AggregatorOptions{FlushInterval: time.Hour})

	h.agg.Acks() <- SaveResult{TestID: "t1", Kind: SaveCSV, File: "a.csv", Rows: 12}
	h.finish(t)

	if len(h.ui) != 1 || h.ui[0].Kind != KindSaveResult || h.ui[0].Save.Rows != 12 {
		t.Fatalf("ui stream: %+v", h.ui)
	}
}
