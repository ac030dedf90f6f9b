package workflow

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Durian-leader/minitest-oect/internal/observability"
	"github.com/Durian-leader/minitest-oect/internal/storage"
	"github.com/Durian-leader/minitest-oect/internal/transport"
)

// Engine executes tests against one device. All collaborators are injected
// at construction; the engine holds no global state.
type Engine struct {
	dev     *transport.Device
	sink    Sink
	meta    MetaSaver
	barrier Barrier
	log     zerolog.Logger

	stepTimeout time.Duration
}

// EngineOptions tunes execution behavior.
type EngineOptions struct {
	// StepTimeout bounds each scan's receive window.
	StepTimeout time.Duration
}

func NewEngine(dev *transport.Device, sink Sink, meta MetaSaver, barrier Barrier, opts EngineOptions, log zerolog.Logger) *Engine {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 5 * time.Minute
	}
	return &Engine{
		dev:         dev,
		sink:        sink,
		meta:        meta,
		barrier:     barrier,
		log:         log.With().Str("device", dev.ID).Logger(),
		stepTimeout: opts.StepTimeout,
	}
}

// ExecuteTest runs every step of t in declared order. A stop request ends
// the test with StatusStopped; a single step failure marks that step failed
// and execution proceeds. Data collected so far is always persisted before
// a failure is reported upward.
func (e *Engine) ExecuteTest(ctx context.Context, t *Test) {
	t.Status = StatusRunning
	t.StartedAt = time.Now()
	log := e.log.With().Str("test", t.ID).Logger()

	e.meta.SaveJSON(filepath.Join(t.Dir, storage.WorkflowFile), t.Nodes)

	failures := 0
	for i := range t.Steps {
		step := t.Steps[i]

		if e.dev.StopRequested() {
			t.Status = StatusStopped
			log.Info().Int("step", i).Msg("stop requested before step, aborting test")
			break
		}
		if t.SyncMode {
			observability.RecordBarrierWait()
			if err := e.barrier.Wait(ctx, t.BatchID, t.ID, strconv.Itoa(i)); err != nil {
				t.Status = StatusStopped
				log.Warn().Err(err).Int("step", i).Msg("barrier wait aborted")
				break
			}
		}

		res := e.runStep(ctx, t, step)
		t.Results = append(t.Results, res)
		if !res.OK {
			failures++
			log.Warn().Int("step", i).Str("reason", res.Reason).Msg("step failed")
		}

		// Crash-recovery snapshot after every completed step.
		e.meta.SaveJSON(filepath.Join(t.Dir, storage.TestInfoTempFile), t.Info())

		if res.Reason == transport.ReasonStopped {
			t.Status = StatusStopped
			break
		}
		if t.SyncMode {
			observability.RecordBarrierWait()
			if err := e.barrier.Wait(ctx, t.BatchID, t.ID, "complete_"+strconv.Itoa(i)); err != nil {
				t.Status = StatusStopped
				break
			}
		}
	}

	if t.Status == StatusRunning {
		if failures == len(t.Steps) && failures > 0 {
			t.Status = StatusFailed
		} else {
			t.Status = StatusCompleted
		}
	}
	t.FinishedAt = time.Now()
	if t.SyncMode {
		e.barrier.Leave(t.BatchID, t.ID)
	}

	e.meta.SaveJSON(filepath.Join(t.Dir, storage.TestInfoFile), t.Info())
	e.sink.SendResult(Result{
		TestID:     t.ID,
		DeviceID:   t.DeviceID,
		Status:     t.Status,
		Completion: t.Completion(),
		Dir:        t.Dir,
	})
	log.Info().Str("status", string(t.Status)).Float64("completion", t.Completion()).Msg("test finished")
}

// runStep executes one step, streaming progress and data through the sink.
// Output steps run one scan per gate voltage and share a combined file.
func (e *Engine) runStep(ctx context.Context, t *Test, step Step) StepResult {
	res := StepResult{
		Index:     step.Index,
		Kind:      step.Kind.String(),
		Path:      step.Path,
		Iteration: step.Iteration,
	}
	defer func() { res.CompletedAt = time.Now() }()

	cmds, err := step.BuildCommands()
	if err != nil {
		res.Reason = "error:" + err.Error()
		return res
	}

	file := filepath.Join(t.Dir, storage.StepCSVName(step.Index, step.Kind.String()))
	res.File = file
	expected := step.ExpectedTotalBytes()

	for scan, cmd := range cmds {
		column := ""
		if step.Kind == StepOutput {
			column = storage.ColumnLabel(float64(step.GateVoltages[scan]) / 1000.0)
		}

		raw, reason, err := e.dev.SendAndReceiveUntil(ctx, cmd, transport.ReceiveOptions{
			Timeout:     e.stepTimeout,
			PacketSize:  step.PacketSize(),
			Terminators: step.Terminators(),
			OnProgress: func(total int) {
				e.sink.SendProgress(Progress{
					TestID:    t.ID,
					DeviceID:  t.DeviceID,
					StepIndex: step.Index,
					Bytes:     res.Bytes + total,
					Expected:  expected,
				})
			},
			OnData: func(chunk []byte) {
				raw := make([]byte, len(chunk))
				copy(raw, chunk)
				e.sink.SendData(DataChunk{
					TestID:       t.ID,
					DeviceID:     t.DeviceID,
					StepIndex:    step.Index,
					StepKind:     step.Kind.String(),
					WorkflowPath: step.Path,
					File:         file,
					PacketSize:   step.PacketSize(),
					Transient:    step.Kind == StepTransient,
					GateTrace:    step.GateTrace,
					Column:       column,
					Raw:          raw,
				})
			},
		})
		res.Bytes += len(raw)
		if err != nil {
			res.Reason = "error:" + err.Error()
			return res
		}
		res.Reason = reason
		if reason == transport.ReasonStopped || reason == transport.ReasonTimeout {
			return res
		}
		if strings.HasPrefix(reason, "error:") {
			return res
		}
	}

	res.OK = true
	return res
}
