package control

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/banshee-data/positioning.control/internal/config"
)

// State is the lifecycle state of a control session.
type State string

const (
	StateStopped State = "Stopped"
	StateRunning State = "Running"
	StateError   State = "Error"
)

// Mode selects where axis targets come from.
type Mode string

const (
	ModeTracking Mode = config.ModeTracking
	ModeManual   Mode = config.ModeManual
)

// ParseMode accepts the two mode names exactly as they appear in
// configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTracking, ModeManual:
		return Mode(s), nil
	}
	return "", &config.ValidationError{Field: "control_mode", Reason: "must be Tracking or Manual"}
}

// Session is the control state machine. It owns both axes. A Session is not
// safe for concurrent use; the Controller is its only writer.
type Session struct {
	state    State
	mode     Mode
	errMsg   string
	faultSeq uint64
	runID    string

	Coax  *Axis
	Cross *Axis
}

// NewSession returns a stopped session in mode.
func NewSession(mode Mode) *Session {
	return &Session{
		state: StateStopped,
		mode:  mode,
		Coax:  NewAxis(AxisCoax),
		Cross: NewAxis(AxisCross),
	}
}

func (s *Session) State() State     { return s.state }
func (s *Session) Mode() Mode       { return s.mode }
func (s *Session) Err() string      { return s.errMsg }
func (s *Session) FaultSeq() uint64 { return s.faultSeq }
func (s *Session) RunID() string    { return s.runID }
func (s *Session) Axes() [2]*Axis   { return [2]*Axis{s.Coax, s.Cross} }

// Axis looks up an axis by name.
func (s *Session) Axis(name string) (*Axis, error) {
	switch name {
	case AxisCoax:
		return s.Coax, nil
	case AxisCross:
		return s.Cross, nil
	}
	return nil, &config.ValidationError{Field: "axis", Reason: fmt.Sprintf("unknown axis %q", name)}
}

func (s *Session) invalid(op string) error {
	return &InvalidStateError{Op: op, State: s.state, Mode: s.mode}
}

// Start moves a stopped session to Running under a fresh run ID. Both
// targets must lie within their limits.
func (s *Session) Start() error {
	if s.state != StateStopped {
		return s.invalid("start")
	}
	for _, a := range s.Axes() {
		if !a.InRange() {
			return &OutOfRangeError{Axis: a.name, Target: a.target, Min: a.limitMin, Max: a.limitMax}
		}
	}
	s.state = StateRunning
	s.errMsg = ""
	s.runID = uuid.NewString()
	for _, a := range s.Axes() {
		a.Engage()
	}
	return nil
}

// Stop returns the session to Stopped and clears any error. It reports
// whether the session was active; stopping a stopped session does nothing.
func (s *Session) Stop() bool {
	if s.state == StateStopped {
		return false
	}
	s.state = StateStopped
	s.errMsg = ""
	for _, a := range s.Axes() {
		a.Halt()
	}
	return true
}

// SetMode switches between Tracking and Manual. Only a stopped session may
// change mode.
func (s *Session) SetMode(m Mode) error {
	if s.state != StateStopped {
		return s.invalid("change mode")
	}
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}
	s.mode = m
	return nil
}

// ReportError forces the Error state. It returns true when the fault is
// new: a repeat of the current error message is not alert-worthy and does
// not advance the fault sequence.
func (s *Session) ReportError(msg string) bool {
	if msg == "" {
		msg = "unknown error"
	}
	if s.state == StateError && s.errMsg == msg {
		return false
	}
	s.state = StateError
	s.errMsg = msg
	s.faultSeq++
	for _, a := range s.Axes() {
		a.Halt()
	}
	return true
}

// SetTarget accepts an operator target. Manual mode takes targets in any
// state; Tracking mode only while stopped, where the target is staged for
// the next start. The value is clamped into the axis limits.
func (s *Session) SetTarget(axis string, steps int) (int, error) {
	a, err := s.Axis(axis)
	if err != nil {
		return 0, err
	}
	switch {
	case s.state == StateRunning && s.mode == ModeManual:
		return a.SetTarget(steps), nil
	case s.state == StateStopped, s.mode == ModeManual:
		return a.Stage(steps), nil
	}
	return 0, s.invalid("set target")
}

// Track sets both targets from the tracking formulas.
func (s *Session) Track(coax, cross int) {
	if s.state != StateRunning || s.mode != ModeTracking {
		return
	}
	s.Coax.SetTarget(coax)
	s.Cross.SetTarget(cross)
}

// ApplyLimits changes one axis's travel bounds while stopped.
func (s *Session) ApplyLimits(axis string, min, max int) error {
	if s.state != StateStopped {
		return s.invalid("change limits")
	}
	a, err := s.Axis(axis)
	if err != nil {
		return err
	}
	return a.ApplyLimits(min, max)
}

// SetSpeedProfile changes one axis's maxspeed and accel while stopped.
func (s *Session) SetSpeedProfile(axis string, maxSpeed, accel int) error {
	if s.state != StateStopped {
		return s.invalid("change speed")
	}
	a, err := s.Axis(axis)
	if err != nil {
		return err
	}
	return a.SetSpeedProfile(maxSpeed, accel)
}
