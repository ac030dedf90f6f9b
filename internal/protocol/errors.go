package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownCommand = errors.New("protocol: unknown command kind")
	ErrEmptyGateList  = errors.New("protocol: output command needs at least one gate voltage")
)

// MissingParamError indicates a required command parameter was not present.
// Encoding fails before any bytes reach the hardware.
type MissingParamError struct {
	Kind  CommandKind
	Param string
}

func (e MissingParamError) Error() string {
	return fmt.Sprintf("protocol: %s command missing required parameter %q", e.Kind, e.Param)
}

// RangeError indicates a parameter value does not fit the 16-bit wire field.
// Values are validated explicitly rather than silently masked.
type RangeError struct {
	Param string
	Value int
}

func (e RangeError) Error() string {
	return fmt.Sprintf("protocol: parameter %q value %d outside int16 range", e.Param, e.Value)
}
