package control

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/positioning.control/internal/config"
)

func TestSessionStartFromStopped(t *testing.T) {
	s := NewSession(ModeTracking)
	require.NoError(t, s.Start())

	assert.Equal(t, StateRunning, s.State())
	assert.Empty(t, s.Err())
	assert.NotEmpty(t, s.RunID())

	first := s.RunID()
	s.Stop()
	require.NoError(t, s.Start())
	assert.NotEqual(t, first, s.RunID(), "each run gets a fresh id")
}

func TestSessionStartRejectsOutOfRangeTarget(t *testing.T) {
	s := NewSession(ModeManual)
	s.Cross.target = -10

	err := s.Start()
	var oor *OutOfRangeError
	require.ErrorAs(t, err, &oor)
	assert.Equal(t, AxisCross, oor.Axis)
	assert.Equal(t, -10, oor.Target)
	assert.Equal(t, StateStopped, s.State())
	assert.Empty(t, s.RunID())
}

func TestSessionStartOnlyFromStopped(t *testing.T) {
	s := NewSession(ModeTracking)
	require.NoError(t, s.Start())

	var ise *InvalidStateError
	require.ErrorAs(t, s.Start(), &ise)
	assert.Equal(t, StateRunning, ise.State)

	s.ReportError("stall")
	require.ErrorAs(t, s.Start(), &ise)
	assert.Equal(t, StateError, ise.State)
	assert.Equal(t, StateError, s.State())
}

func TestSessionStopIsIdempotent(t *testing.T) {
	s := NewSession(ModeTracking)
	assert.False(t, s.Stop())
	assert.False(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())

	require.NoError(t, s.Start())
	s.ReportError("driver unplugged")
	assert.True(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())
	assert.Empty(t, s.Err())
}

func TestSessionReportErrorDedup(t *testing.T) {
	s := NewSession(ModeTracking)
	require.NoError(t, s.Start())

	assert.True(t, s.ReportError("poll: timeout"))
	assert.False(t, s.ReportError("poll: timeout"))
	assert.Equal(t, uint64(1), s.FaultSeq())

	assert.True(t, s.ReportError("move coax: BADDATA"))
	assert.Equal(t, uint64(2), s.FaultSeq())
	assert.Equal(t, "move coax: BADDATA", s.Err())

	// a repeat after a reset alerts again
	s.Stop()
	assert.True(t, s.ReportError("move coax: BADDATA"))
	assert.Equal(t, uint64(3), s.FaultSeq())
}

func TestSessionReportErrorNeverEmpty(t *testing.T) {
	s := NewSession(ModeTracking)
	s.ReportError("")
	assert.Equal(t, StateError, s.State())
	assert.NotEmpty(t, s.Err())
}

func TestSessionSetModeWhileRunning(t *testing.T) {
	s := NewSession(ModeTracking)
	require.NoError(t, s.Start())

	err := s.SetMode(ModeManual)
	var ise *InvalidStateError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, "change mode", ise.Op)
	assert.Equal(t, ModeTracking, s.Mode())
}

func TestSessionSetModeUnknown(t *testing.T) {
	s := NewSession(ModeTracking)
	var ve *config.ValidationError
	require.ErrorAs(t, s.SetMode("Auto"), &ve)
	assert.Equal(t, ModeTracking, s.Mode())
}

func TestSessionSetTargetGating(t *testing.T) {
	s := NewSession(ModeTracking)

	// staging while stopped, clamped and not engaged
	got, err := s.SetTarget(AxisCoax, 300000)
	require.NoError(t, err)
	assert.Equal(t, s.Coax.limitMax, got)
	assert.False(t, s.Coax.Busy())

	require.NoError(t, s.Start())
	_, err = s.SetTarget(AxisCoax, 100)
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)

	s.Stop()
	require.NoError(t, s.SetMode(ModeManual))
	require.NoError(t, s.Start())
	got, err = s.SetTarget(AxisCross, 90000)
	require.NoError(t, err)
	assert.Equal(t, 90000, got)
	assert.True(t, s.Cross.Busy())

	_, err = s.SetTarget("vertical", 1)
	assert.Error(t, err)
}

func TestSessionTrackOnlyInTrackingRun(t *testing.T) {
	s := NewSession(ModeTracking)
	s.Track(10, 20)
	assert.Equal(t, 0, s.Coax.Target(), "ignored while stopped")

	require.NoError(t, s.Start())
	s.Track(10, 20)
	assert.Equal(t, 10, s.Coax.Target())
	assert.Equal(t, 20, s.Cross.Target())
}

func TestSessionConfigurationWhileRunning(t *testing.T) {
	s := NewSession(ModeManual)
	require.NoError(t, s.ApplyLimits(AxisCoax, 0, 1000))
	require.NoError(t, s.Start())

	var ise *InvalidStateError
	require.ErrorAs(t, s.ApplyLimits(AxisCoax, 0, 500), &ise)
	require.ErrorAs(t, s.SetSpeedProfile(AxisCross, 10, 10), &ise)
	_, max := s.Coax.Limits()
	assert.Equal(t, 1000, max)
}

func TestInvalidStateErrorMessage(t *testing.T) {
	err := &InvalidStateError{Op: "change mode", State: StateRunning, Mode: ModeTracking}
	assert.Equal(t, "cannot change mode while Running (Tracking mode)", err.Error())

	oor := &OutOfRangeError{Axis: AxisCoax, Target: 250000, Min: 0, Max: 201574}
	assert.Equal(t, "coax target 250000 outside limits [0, 201574]", oor.Error())

	hf := &HardwareFault{Source: "poll", Err: errors.New("timeout")}
	assert.Equal(t, "poll: timeout", hf.Error())
	assert.ErrorIs(t, hf, hf.Err)
}
