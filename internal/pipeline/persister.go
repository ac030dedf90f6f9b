package pipeline

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Durian-leader/minitest-oect/internal/observability"
	"github.com/Durian-leader/minitest-oect/internal/protocol"
	"github.com/Durian-leader/minitest-oect/internal/storage"
)

// PersisterOptions tunes Stage C.
type PersisterOptions struct {
	// Workers sizes the save worker pool.
	Workers int
	// Calibration converts raw ADC words to physical currents.
	Calibration protocol.Calibration
}

// Persister is Stage C. A fixed pool of workers pulls save tasks off a
// shared channel, decodes raw packets and appends to CSV through the
// accumulation cache; metadata tasks write JSON atomically. Every task
// gets a success or failure report on the ack channel.
type Persister struct {
	tasks <-chan SaveTask
	acks  chan<- SaveResult
	store *storage.Store
	opts  PersisterOptions
	log   zerolog.Logger

	calMu sync.RWMutex
	cal   protocol.Calibration
}

func NewPersister(tasks <-chan SaveTask, acks chan<- SaveResult, store *storage.Store, opts PersisterOptions, log zerolog.Logger) *Persister {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Calibration.TransimpedanceOhms == 0 {
		opts.Calibration.TransimpedanceOhms = protocol.DefaultTransimpedanceOhms
	}
	return &Persister{
		tasks: tasks,
		acks:  acks,
		store: store,
		opts:  opts,
		log:   log,
		cal:   opts.Calibration,
	}
}

// SetCalibration swaps the decode calibration. Applies to tasks picked up
// after the call.
func (p *Persister) SetCalibration(cal protocol.Calibration) {
	if cal.TransimpedanceOhms <= 0 {
		return
	}
	p.calMu.Lock()
	p.cal = cal
	p.calMu.Unlock()
}

func (p *Persister) calibration() protocol.Calibration {
	p.calMu.RLock()
	defer p.calMu.RUnlock()
	return p.cal
}

// Run works the task channel until it closes, then closes the ack channel.
// Blocking.
func (p *Persister) Run() {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for task := range p.tasks {
				p.acks <- p.execute(worker, task)
			}
		}(i)
	}
	wg.Wait()
	close(p.acks)
}

func (p *Persister) execute(worker int, task SaveTask) SaveResult {
	start := time.Now()
	res := SaveResult{TestID: task.TestID, Kind: task.Kind, File: task.File}
	if err := task.Validate(); err != nil {
		res.Err = err
		return res
	}
	switch task.Kind {
	case SaveJSON:
		res.File = task.Path
		res.Err = storage.WriteJSONAtomic(task.Path, task.Payload)
	case SaveCSV:
		res.Rows, res.Err = p.saveCSV(task)
	}
	observability.RecordSave(string(task.Kind), time.Since(start), res.Err != nil)
	if res.Err != nil {
		p.log.Error().Err(res.Err).Int("worker", worker).Str("file", res.File).Msg("save task failed")
	}
	return res
}

func (p *Persister) saveCSV(task SaveTask) (int, error) {
	mode := protocol.ModeSweep
	if task.Transient {
		mode = protocol.ModeTransient
	}
	samples := protocol.DecodeSamples(task.Raw, task.PacketSize, mode, p.calibration())
	observability.RecordSamplesDecoded(len(samples))
	if len(samples) == 0 {
		return 0, nil
	}

	if task.Column != "" {
		axis := make([]float64, len(samples))
		values := make([]float64, len(samples))
		for i, s := range samples {
			axis[i] = s.Voltage
			values[i] = s.Current
		}
		if err := p.store.MergeColumn(task.File, task.Column, axis, values); err != nil {
			return 0, err
		}
		return len(samples), nil
	}

	header, rows := sampleRows(task, samples)
	return p.store.AppendRows(task.File, header, rows)
}

func sampleRows(task SaveTask, samples []protocol.Sample) ([]string, [][]string) {
	var header []string
	switch {
	case task.Transient && task.GateTrace:
		header = []string{"Time", "Id", "Vg"}
	case task.Transient:
		header = []string{"Time", "Id"}
	default:
		header = []string{"Vg", "Id"}
	}

	rows := make([][]string, 0, len(samples))
	for _, s := range samples {
		switch {
		case task.Transient && task.GateTrace:
			rows = append(rows, []string{
				storage.FormatSeconds(s.Time),
				storage.FormatAmps(s.Current),
				gateField(s),
			})
		case task.Transient:
			rows = append(rows, []string{
				storage.FormatSeconds(s.Time),
				storage.FormatAmps(s.Current),
			})
		default:
			rows = append(rows, []string{
				storage.FormatVolts(s.Voltage),
				storage.FormatAmps(s.Current),
			})
		}
	}
	return header, rows
}

func gateField(s protocol.Sample) string {
	if !s.HasGate {
		return ""
	}
	return storage.FormatVolts(s.Gate)
}
