package workflow

import (
	"errors"
	"fmt"

	"github.com/antonmedv/expr"
)

var (
	ErrLoopBound   = errors.New("workflow: loop count exceeds configured bound")
	ErrBadNode     = errors.New("workflow: malformed workflow node")
	ErrEmptyUnroll = errors.New("workflow: workflow unrolled to zero steps")
)

// Node is one entry of a user-authored workflow tree: a step or a loop
// wrapping further nodes.
type Node struct {
	Type string `json:"type"` // "step" or "loop"

	// Step configuration, set when Type is "step".
	Kind         string         `json:"kind,omitempty"`
	Params       map[string]int `json:"params,omitempty"`
	CommandID    byte           `json:"command_id,omitempty"`
	GateVoltages []int          `json:"gate_voltages,omitempty"`
	GateTrace    bool           `json:"gate_trace,omitempty"`

	// Loop configuration, set when Type is "loop".
	Count    int    `json:"count,omitempty"`
	Children []Node `json:"children,omitempty"`

	// Rule optionally gates the node. It is an expr expression evaluated
	// against the unroll environment at build time; false skips the node.
	Rule string `json:"rule,omitempty"`
}

// UnrollOptions bounds and parameterizes workflow expansion.
type UnrollOptions struct {
	// MaxIterations caps any single loop's count.
	MaxIterations int
	// Env is what node rules see: test attributes plus, inside loops,
	// "iteration" (1-based).
	Env map[string]any
}

// Unroll expands a workflow tree depth-first into the flat ordered step
// list executed against the device. Loops are fully expanded before any
// execution begins; each produced step carries its workflow path and
// 1-based iteration index.
func Unroll(nodes []Node, opts UnrollOptions) ([]Step, error) {
	u := &unroller{opts: opts}
	if err := u.expand(nodes, "", 0); err != nil {
		return nil, err
	}
	if len(u.steps) == 0 {
		return nil, ErrEmptyUnroll
	}
	for i := range u.steps {
		u.steps[i].Index = i
	}
	return u.steps, nil
}

type unroller struct {
	opts  UnrollOptions
	steps []Step
}

func (u *unroller) expand(nodes []Node, path string, iteration int) error {
	for i, n := range nodes {
		seg := fmt.Sprintf("%s/%d", path, i)
		run, err := u.evalRule(n.Rule, iteration)
		if err != nil {
			return fmt.Errorf("workflow: rule at %s: %w", seg, err)
		}
		if !run {
			continue
		}

		switch n.Type {
		case "step":
			step, err := stepFromNode(n)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrBadNode, seg, err)
			}
			step.Path = seg
			step.Iteration = iteration
			u.steps = append(u.steps, step)
		case "loop":
			if n.Count <= 0 {
				return fmt.Errorf("%w: %s: loop count %d", ErrBadNode, seg, n.Count)
			}
			if u.opts.MaxIterations > 0 && n.Count > u.opts.MaxIterations {
				return fmt.Errorf("%w: %s: %d > %d", ErrLoopBound, seg, n.Count, u.opts.MaxIterations)
			}
			for it := 1; it <= n.Count; it++ {
				loopPath := fmt.Sprintf("%s[%d]", seg, it)
				if err := u.expand(n.Children, loopPath, it); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("%w: %s: type %q", ErrBadNode, seg, n.Type)
		}
	}
	return nil
}

// evalRule compiles and runs a node rule. A failed rule is a build error,
// not a silent skip: the workflow never reaches the hardware.
func (u *unroller) evalRule(rule string, iteration int) (bool, error) {
	if rule == "" {
		return true, nil
	}
	env := make(map[string]any, len(u.opts.Env)+1)
	for k, v := range u.opts.Env {
		env[k] = v
	}
	env["iteration"] = iteration

	program, err := expr.Compile(rule, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	run, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("rule result is not a boolean")
	}
	return run, nil
}

func stepFromNode(n Node) (Step, error) {
	kind, err := ParseStepKind(n.Kind)
	if err != nil {
		return Step{}, err
	}
	step := Step{
		Kind:         kind,
		Params:       n.Params,
		CommandID:    n.CommandID,
		GateVoltages: n.GateVoltages,
		GateTrace:    n.GateTrace,
	}
	if kind == StepOutput && step.CommandID == 0 {
		return Step{}, fmt.Errorf("output step missing command_id")
	}
	// Reject bad parameter sets at build time; encoding repeats this check.
	if _, err := step.BuildCommands(); err != nil {
		return Step{}, err
	}
	return step, nil
}
