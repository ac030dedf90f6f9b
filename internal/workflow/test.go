package workflow

import (
	"time"
)

// Status is the lifecycle state of a test.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// StepResult records the outcome of one executed step.
type StepResult struct {
	Index       int       `json:"index"`
	Kind        string    `json:"kind"`
	Path        string    `json:"path"`
	Iteration   int       `json:"iteration"`
	Reason      string    `json:"reason"`
	OK          bool      `json:"ok"`
	Bytes       int       `json:"bytes"`
	File        string    `json:"file,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Test is one workflow run against one device. Created at workflow start,
// mutated only by the executing engine goroutine, finalized and persisted
// as JSON.
type Test struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	Type     string `json:"type"`

	// Nodes is the original user workflow, persisted verbatim.
	Nodes []Node `json:"nodes"`
	// Steps is the unrolled flat execution list.
	Steps []Step `json:"steps"`

	SyncMode bool   `json:"sync_mode"`
	BatchID  string `json:"batch_id,omitempty"`

	Dir        string       `json:"dir"`
	Status     Status       `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
	Results    []StepResult `json:"results"`
}

// TestSpec is what a caller submits to start a test.
type TestSpec struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	Type     string `json:"type,omitempty"`
	Nodes    []Node `json:"nodes"`
	SyncMode bool   `json:"sync_mode,omitempty"`
	BatchID  string `json:"batch_id,omitempty"`
}

// NewTest unrolls spec's workflow into an executable test.
func NewTest(spec TestSpec, opts UnrollOptions) (*Test, error) {
	steps, err := Unroll(spec.Nodes, opts)
	if err != nil {
		return nil, err
	}
	testType := spec.Type
	if testType == "" {
		testType = "workflow"
	}
	return &Test{
		ID:       spec.ID,
		DeviceID: spec.DeviceID,
		Type:     testType,
		Nodes:    spec.Nodes,
		Steps:    steps,
		SyncMode: spec.SyncMode,
		BatchID:  spec.BatchID,
		Status:   StatusCreated,
	}, nil
}

// Info is the serialized status document written after every step
// (crash-recovery snapshot) and at completion.
type Info struct {
	ID         string       `json:"id"`
	DeviceID   string       `json:"device_id"`
	Type       string       `json:"type"`
	Status     Status       `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Steps      []StepResult `json:"steps"`
	TotalSteps int          `json:"total_steps"`
	Completion float64      `json:"completion"`
	Dir        string       `json:"dir"`
}

// Info builds the current status document.
func (t *Test) Info() Info {
	info := Info{
		ID:         t.ID,
		DeviceID:   t.DeviceID,
		Type:       t.Type,
		Status:     t.Status,
		StartedAt:  t.StartedAt,
		Steps:      t.Results,
		TotalSteps: len(t.Steps),
		Completion: t.Completion(),
		Dir:        t.Dir,
	}
	if !t.FinishedAt.IsZero() {
		ft := t.FinishedAt
		info.FinishedAt = &ft
	}
	return info
}

// Completion is the fraction of steps that finished, successful or not.
func (t *Test) Completion() float64 {
	if len(t.Steps) == 0 {
		return 0
	}
	return float64(len(t.Results)) / float64(len(t.Steps))
}
