package control

import (
	"github.com/banshee-data/positioning.control/internal/config"
	"github.com/banshee-data/positioning.control/internal/units"
)

// Axis names as used in configuration keys and telemetry.
const (
	AxisCoax  = "coax"
	AxisCross = "cross"
)

// DefaultTolerance is the position error, in steps, at which an axis
// counts as arrived.
const DefaultTolerance = 1

// Axis tracks one linear axis: where it should be, where the hardware last
// said it is, and whether it is still on its way. Only the controller
// goroutine touches an Axis.
type Axis struct {
	name      string
	limitMin  int
	limitMax  int
	target    int
	position  int
	busy      bool
	maxSpeed  int
	accel     int
	tolerance int
}

// NewAxis returns an axis spanning the full travel with device default
// speeds.
func NewAxis(name string) *Axis {
	return &Axis{
		name:      name,
		limitMin:  0,
		limitMax:  units.MaxPos,
		maxSpeed:  units.MaxSpeed,
		accel:     50,
		tolerance: DefaultTolerance,
	}
}

func (a *Axis) Name() string  { return a.name }
func (a *Axis) Target() int   { return a.target }
func (a *Axis) Position() int { return a.position }
func (a *Axis) Busy() bool    { return a.busy }
func (a *Axis) MaxSpeed() int { return a.maxSpeed }
func (a *Axis) Accel() int    { return a.accel }

// Limits returns the travel bounds in steps.
func (a *Axis) Limits() (min, max int) { return a.limitMin, a.limitMax }

// InRange reports whether the target lies within the limits.
func (a *Axis) InRange() bool {
	return a.target >= a.limitMin && a.target <= a.limitMax
}

// ApplyLimits replaces the travel bounds and pulls the target inside them.
func (a *Axis) ApplyLimits(min, max int) error {
	if !units.InRange(min) {
		return &config.ValidationError{Field: "limit_min_" + a.name, Reason: "must be between 0 and 201574"}
	}
	if !units.InRange(max) {
		return &config.ValidationError{Field: "limit_max_" + a.name, Reason: "must be between 0 and 201574"}
	}
	if min >= max {
		return &config.ValidationError{Field: "limit_min_" + a.name, Reason: "must be less than limit_max_" + a.name}
	}
	a.limitMin, a.limitMax = min, max
	a.target = units.Clamp(a.target, min, max)
	return nil
}

// SetSpeedProfile sets maxspeed and accel in native units.
func (a *Axis) SetSpeedProfile(maxSpeed, accel int) error {
	if maxSpeed <= 0 {
		return &config.ValidationError{Field: "maxspeed_" + a.name, Reason: "must be positive"}
	}
	if accel <= 0 {
		return &config.ValidationError{Field: "accel_" + a.name, Reason: "must be positive"}
	}
	a.maxSpeed, a.accel = maxSpeed, accel
	return nil
}

// SetTarget clamps steps into the limits, stores it and marks the axis busy
// if it is not already there. It returns the accepted target.
func (a *Axis) SetTarget(steps int) int {
	a.target = units.Clamp(steps, a.limitMin, a.limitMax)
	if a.offTarget() {
		a.busy = true
	}
	return a.target
}

// Stage stores a clamped target without engaging the axis.
func (a *Axis) Stage(steps int) int {
	a.target = units.Clamp(steps, a.limitMin, a.limitMax)
	return a.target
}

// Engage marks the axis busy if it has somewhere to go.
func (a *Axis) Engage() {
	a.busy = a.offTarget()
}

// Halt clears busy; the axis is no longer seeking its target.
func (a *Axis) Halt() {
	a.busy = false
}

// ObservePosition records a hardware position reading. Busy clears once
// the reading is within tolerance of the target.
func (a *Axis) ObservePosition(pos int) {
	a.position = pos
	if !a.offTarget() {
		a.busy = false
	}
}

func (a *Axis) offTarget() bool {
	d := a.position - a.target
	if d < 0 {
		d = -d
	}
	return d > a.tolerance
}
