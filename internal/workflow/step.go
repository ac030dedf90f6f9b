// Package workflow owns the step model: the closed set of sweep operations,
// loop unrolling of user workflows, and ordered test execution against one
// device.
package workflow

import (
	"fmt"

	"github.com/Durian-leader/minitest-oect/internal/protocol"
)

// StepKind is the closed set of sweep operations. Dispatch is by switch,
// never by probing.
type StepKind int

const (
	StepTransfer StepKind = iota + 1
	StepTransient
	StepOutput
)

func (k StepKind) String() string {
	switch k {
	case StepTransfer:
		return "transfer"
	case StepTransient:
		return "transient"
	case StepOutput:
		return "output"
	default:
		return "unknown"
	}
}

// ParseStepKind maps a workflow file kind string to its variant.
func ParseStepKind(s string) (StepKind, error) {
	switch s {
	case "transfer":
		return StepTransfer, nil
	case "transient":
		return StepTransient, nil
	case "output":
		return StepOutput, nil
	default:
		return 0, fmt.Errorf("workflow: unknown step kind %q", s)
	}
}

// Step is one fully resolved sweep operation. Loop unrolling produces these;
// nothing about a Step changes during execution.
type Step struct {
	Kind      StepKind       `json:"kind"`
	Index     int            `json:"index"`
	Params    map[string]int `json:"params"`
	Path      string         `json:"path"`
	Iteration int            `json:"iteration"`

	// CommandID is the wire type id for output scans.
	CommandID byte `json:"command_id,omitempty"`
	// GateVoltages lists the fixed gate points of an output curve, in mV.
	GateVoltages []int `json:"gate_voltages,omitempty"`
	// GateTrace selects 9-byte transient packets carrying a gate column.
	GateTrace bool `json:"gate_trace,omitempty"`
}

// PacketSize returns the raw packet size of this step's sample stream.
func (s Step) PacketSize() int {
	switch s.Kind {
	case StepTransient:
		if s.GateTrace {
			return protocol.PacketTransientGate
		}
		return protocol.PacketTransient
	default:
		return protocol.PacketSweep
	}
}

// Mode returns the decode mode for this step's packets.
func (s Step) Mode() protocol.Mode {
	if s.Kind == StepTransient {
		return protocol.ModeTransient
	}
	return protocol.ModeSweep
}

// Terminators returns the terminator set ending this step's response.
func (s Step) Terminators() []protocol.Terminator {
	switch s.Kind {
	case StepTransfer:
		return []protocol.Terminator{{Name: "transfer", Bytes: protocol.TermTransfer}}
	case StepTransient:
		return []protocol.Terminator{{Name: "transient", Bytes: protocol.TermTransient}}
	default:
		return []protocol.Terminator{{Name: "output", Bytes: protocol.TermOutput}}
	}
}

// BuildCommands encodes the command frames this step sends, one per scan.
// Transfer and transient steps issue a single frame; an output step issues
// one scan per gate voltage under its own command id. Validation happens
// here, before any hardware I/O.
func (s Step) BuildCommands() ([][]byte, error) {
	switch s.Kind {
	case StepTransfer:
		cmd, err := protocol.EncodeCommand(protocol.CmdTransfer, s.Params)
		if err != nil {
			return nil, err
		}
		return [][]byte{cmd}, nil
	case StepTransient:
		cmd, err := protocol.EncodeCommand(protocol.CmdTransient, s.Params)
		if err != nil {
			return nil, err
		}
		return [][]byte{cmd}, nil
	case StepOutput:
		if len(s.GateVoltages) == 0 {
			return nil, protocol.ErrEmptyGateList
		}
		cmds := make([][]byte, 0, len(s.GateVoltages))
		for _, vg := range s.GateVoltages {
			params := make(map[string]int, len(s.Params)+1)
			for k, v := range s.Params {
				params[k] = v
			}
			params["gateVoltage"] = vg
			cmd, err := protocol.EncodeCommandAs(s.CommandID, protocol.OutputScanParams, params)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, cmd)
		}
		return cmds, nil
	default:
		return nil, protocol.ErrUnknownCommand
	}
}

// ExpectedTotalBytes estimates the response size for progress reporting.
// It is advisory only; correctness never depends on it.
func (s Step) ExpectedTotalBytes() int {
	switch s.Kind {
	case StepTransient:
		ts := s.Params["timeStep"]
		if ts <= 0 {
			return 0
		}
		period := s.Params["bottomTime"] + s.Params["topTime"]
		cycles := s.Params["cycles"]
		if cycles <= 0 {
			cycles = 1
		}
		return period / ts * cycles * s.PacketSize()
	case StepTransfer:
		return sweepPoints(s.Params["gateVoltageStart"], s.Params["gateVoltageEnd"], s.Params["gateVoltageStep"]) * s.PacketSize()
	case StepOutput:
		points := sweepPoints(s.Params["drainVoltageStart"], s.Params["drainVoltageEnd"], s.Params["drainVoltageStep"])
		return points * s.PacketSize() * len(s.GateVoltages)
	default:
		return 0
	}
}

func sweepPoints(start, end, step int) int {
	if step == 0 {
		return 0
	}
	span := end - start
	if span < 0 {
		span = -span
	}
	if step < 0 {
		step = -step
	}
	return span/step + 1
}
