package workflow

import "context"

// Progress reports the monotonic byte count of an in-flight step.
type Progress struct {
	TestID    string `json:"test_id"`
	DeviceID  string `json:"device_id"`
	StepIndex int    `json:"step_index"`
	Bytes     int    `json:"bytes"`
	Expected  int    `json:"expected,omitempty"`
}

// DataChunk carries packetized raw bytes from one step toward persistence.
type DataChunk struct {
	TestID       string `json:"test_id"`
	DeviceID     string `json:"device_id"`
	StepIndex    int    `json:"step_index"`
	StepKind     string `json:"step_kind"`
	WorkflowPath string `json:"workflow_path"`

	// File is the CSV path the decoded samples belong in.
	File string `json:"file"`
	// PacketSize and Transient drive downstream decoding.
	PacketSize int  `json:"packet_size"`
	Transient  bool `json:"transient"`
	GateTrace  bool `json:"gate_trace,omitempty"`
	// Column labels the current column for output scans, empty otherwise.
	Column string `json:"column,omitempty"`

	Raw []byte `json:"raw"`
}

// Result is the terminal report for one test.
type Result struct {
	TestID     string  `json:"test_id"`
	DeviceID   string  `json:"device_id"`
	Status     Status  `json:"status"`
	Reason     string  `json:"reason,omitempty"`
	Completion float64 `json:"completion"`
	Dir        string  `json:"dir"`
}

// DeviceStatus is a connection-state snapshot for the monitoring surface.
type DeviceStatus struct {
	DeviceID string `json:"device_id"`
	Port     string `json:"port,omitempty"`
	State    string `json:"state"`
	Busy     bool   `json:"busy"`
	Identity string `json:"identity,omitempty"`
}

// Sink receives everything a running test emits. Injected at engine
// construction; there are no process-wide sinks.
type Sink interface {
	SendProgress(Progress)
	SendData(DataChunk)
	SendResult(Result)
	SendDeviceStatus(DeviceStatus)
}

// MetaSaver persists metadata JSON documents (status snapshots, workflow
// copies). Implementations may write synchronously or queue the work.
type MetaSaver interface {
	SaveJSON(path string, payload any)
}

// Barrier is the rendezvous point for sync-mode batches.
type Barrier interface {
	Wait(ctx context.Context, batchID, testID, key string) error
	Leave(batchID, testID string)
}
