package adc

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/positioning.control/internal/serialmux"
	"github.com/banshee-data/positioning.control/internal/timeutil"
)

func TestParseLine(t *testing.T) {
	v, err := ParseLine("32767 -16384\r")
	require.NoError(t, err)
	assert.InDelta(t, FullScaleVolts, v[0], 1e-9)
	assert.InDelta(t, -FullScaleVolts/2, v[1], 1e-3)

	for _, bad := range []string{"", "1", "1 2 3", "a 2"} {
		_, err := ParseLine(bad)
		assert.Error(t, err, bad)
	}
}

func TestWindowMean(t *testing.T) {
	w := NewWindow(3)
	assert.Equal(t, 0.0, w.Mean())

	w.Add(1)
	w.Add(2)
	assert.Equal(t, 2, w.Len())
	assert.InDelta(t, 1.5, w.Mean(), 1e-12)

	w.Add(3)
	w.Add(10) // evicts 1
	assert.Equal(t, 3, w.Len())
	assert.InDelta(t, 5.0, w.Mean(), 1e-12)
}

func TestSerialSource(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	mux, port := serialmux.NewMockSerialMux(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	src := NewSerialSource(mux, clock, 2, time.Second)

	_, err := src.Voltages(ctx)
	assert.ErrorIs(t, err, ErrNoSample)

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	// Run subscribes asynchronously; keep feeding until a sample lands.
	require.Eventually(t, func() bool {
		port.Feed("0 0\r\n")
		_, err := src.Voltages(ctx)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	port.Feed("garbage\r\n")
	port.Feed("8192 16384\r\n")
	port.Feed("8192 16384\r\n")
	require.Eventually(t, func() bool {
		v, err := src.Voltages(ctx)
		return err == nil && math.Abs(v[0]-CountsToVolts(8192)) < 1e-9
	}, 2*time.Second, 10*time.Millisecond)

	clock.Sleep(2 * time.Second)
	_, err = src.Voltages(ctx)
	assert.ErrorIs(t, err, ErrStale)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestCalibrate(t *testing.T) {
	src := NewMockSource([2]float64{0.12, 1.5})

	c, err := Calibrate(context.Background(), src, 2)
	require.NoError(t, err)
	assert.Equal(t, Calibration{Index: 2, RawVoltage: 1.5, Offset: 1.5}, c)

	_, err = Calibrate(context.Background(), src, 3)
	assert.True(t, errors.Is(err, ErrBadChannel))
}
