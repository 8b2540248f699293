// Package units converts between Zaber device units and the physical units
// shown to operators.
package units

import "math"

// Device constants for the coax/cross slides.
const (
	// MicrostepSize is the travel of one microstep in micrometres.
	MicrostepSize = 0.49609375
	// MaxPos is the largest addressable position in microsteps.
	MaxPos = 201574
	// MaxSpeed is the device maxspeed ceiling in native units.
	MaxSpeed = 153600
	// VelocityFactor converts native velocity units into microsteps/s.
	VelocityFactor = 1.6384
)

// MaxPosMM is MaxPos expressed in millimetres.
var MaxPosMM = StepsToMM(MaxPos)

// StepsToMM converts a microstep position into millimetres.
func StepsToMM(steps int) float64 {
	return float64(steps) * MicrostepSize / 1000
}

// MMToSteps converts millimetres into the nearest microstep position.
// Half steps round away from zero.
func MMToSteps(mm float64) int {
	return int(math.Round(mm * 1000 / MicrostepSize))
}

// VelocityToMMS converts a native maxspeed value into mm/s.
func VelocityToMMS(v int) float64 {
	return float64(v) * MicrostepSize / VelocityFactor / 1000
}

// MMSToVelocity converts mm/s into the native maxspeed value.
func MMSToVelocity(mms float64) int {
	return int(math.Round(mms * 1000 * VelocityFactor / MicrostepSize))
}

// StepsPerSecond converts a native maxspeed value into microsteps/s.
func StepsPerSecond(v int) float64 {
	return float64(v) / VelocityFactor
}

// AccelToMMS2 converts a native accel value into mm/s².
func AccelToMMS2(a int) float64 {
	return float64(a) * MicrostepSize * 10 / VelocityFactor
}

// MMS2ToAccel converts mm/s² into the nearest native accel value.
func MMS2ToAccel(mms2 float64) int {
	return int(math.Round(mms2 * VelocityFactor / (MicrostepSize * 10)))
}

// InRange reports whether steps lies within the addressable travel.
func InRange(steps int) bool {
	return steps >= 0 && steps <= MaxPos
}

// Clamp limits steps to [lo, hi].
func Clamp(steps, lo, hi int) int {
	if steps < lo {
		return lo
	}
	if steps > hi {
		return hi
	}
	return steps
}
