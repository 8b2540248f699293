package control

import (
	"fmt"
)

// OutOfRangeError reports an axis target outside its limits at start.
type OutOfRangeError struct {
	Axis   string
	Target int
	Min    int
	Max    int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%s target %d outside limits [%d, %d]", e.Axis, e.Target, e.Min, e.Max)
}

// InvalidStateError reports an operation the session refuses in its
// current state or mode.
type InvalidStateError struct {
	Op    string
	State State
	Mode  Mode
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s while %s (%s mode)", e.Op, e.State, e.Mode)
}

// HardwareFault wraps a device or sensor failure. It never reaches a
// command caller; the controller turns it into an Error state.
type HardwareFault struct {
	Source string
	Err    error
}

func (e *HardwareFault) Error() string {
	return e.Source + ": " + e.Err.Error()
}

func (e *HardwareFault) Unwrap() error { return e.Err }
