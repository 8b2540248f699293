// Package adc provides the two voltage channels that drive tracking mode.
// Readings come from a serial bridge in front of two ADS1115 converters,
// or from a mock when no hardware is attached.
package adc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/positioning.control/internal/monitoring"
	"github.com/banshee-data/positioning.control/internal/serialmux"
	"github.com/banshee-data/positioning.control/internal/timeutil"
)

// Calibrated full scale of the bridge's ADS1115 channels. This is the
// measured span, not the nominal 4.096 V gain setting.
const (
	FullScaleVolts  = 4.069
	FullScaleCounts = 32767
)

var (
	ErrNoSample   = errors.New("no adc sample received")
	ErrStale      = errors.New("adc samples are stale")
	ErrBadChannel = errors.New("adc channel must be 1 or 2")
)

// Source yields the latest smoothed voltages of both channels.
type Source interface {
	Voltages(ctx context.Context) ([2]float64, error)
}

// CountsToVolts converts a signed ADS1115 reading to volts.
func CountsToVolts(counts int) float64 {
	return float64(counts) * FullScaleVolts / FullScaleCounts
}

// ParseLine decodes one bridge line of the form "<counts1> <counts2>".
func ParseLine(line string) ([2]float64, error) {
	var v [2]float64
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return v, fmt.Errorf("adc line %q: want 2 fields, got %d", line, len(fields))
	}
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return v, fmt.Errorf("adc line %q: %w", line, err)
		}
		v[i] = CountsToVolts(n)
	}
	return v, nil
}

// Window keeps the last n samples of one channel.
type Window struct {
	buf  []float64
	next int
	full bool
}

// NewWindow returns a Window of size n (at least 1).
func NewWindow(n int) *Window {
	if n < 1 {
		n = 1
	}
	return &Window{buf: make([]float64, n)}
}

// Add records a sample, evicting the oldest once full.
func (w *Window) Add(v float64) {
	w.buf[w.next] = v
	w.next = (w.next + 1) % len(w.buf)
	if w.next == 0 {
		w.full = true
	}
}

// Len is the number of samples held.
func (w *Window) Len() int {
	if w.full {
		return len(w.buf)
	}
	return w.next
}

// Mean is the arithmetic mean of the held samples, 0 when empty.
func (w *Window) Mean() float64 {
	n := w.Len()
	if n == 0 {
		return 0
	}
	return stat.Mean(w.buf[:n], nil)
}

// SerialSource reads the ADC bridge through a serial mux.
type SerialSource struct {
	mux        serialmux.SerialMuxInterface
	clock      timeutil.Clock
	staleAfter time.Duration

	mu      sync.Mutex
	windows [2]*Window
	last    time.Time
}

// NewSerialSource creates a source smoothing over window samples. Readings
// older than staleAfter are reported as ErrStale.
func NewSerialSource(mux serialmux.SerialMuxInterface, clock timeutil.Clock, window int, staleAfter time.Duration) *SerialSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SerialSource{
		mux:        mux,
		clock:      clock,
		staleAfter: staleAfter,
		windows:    [2]*Window{NewWindow(window), NewWindow(window)},
	}
}

// Run consumes bridge lines until ctx is done or the mux closes.
func (s *SerialSource) Run(ctx context.Context) error {
	id, lines := s.mux.Subscribe()
	defer s.mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			v, err := ParseLine(line)
			if err != nil {
				monitoring.Debugf("adc: %v", err)
				continue
			}
			s.record(v)
		}
	}
}

func (s *SerialSource) record(v [2]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[0].Add(v[0])
	s.windows[1].Add(v[1])
	s.last = s.clock.Now()
}

func (s *SerialSource) Voltages(ctx context.Context) ([2]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last.IsZero() {
		return [2]float64{}, ErrNoSample
	}
	if s.staleAfter > 0 && s.clock.Since(s.last) > s.staleAfter {
		return [2]float64{}, fmt.Errorf("%w: last sample %s ago", ErrStale, s.clock.Since(s.last))
	}
	return [2]float64{s.windows[0].Mean(), s.windows[1].Mean()}, nil
}

// MockSource returns fixed voltages, zero unless set.
type MockSource struct {
	mu sync.Mutex
	v  [2]float64
}

// NewMockSource returns a MockSource reporting v.
func NewMockSource(v [2]float64) *MockSource {
	return &MockSource{v: v}
}

// Set replaces the reported voltages.
func (m *MockSource) Set(v [2]float64) {
	m.mu.Lock()
	m.v = v
	m.mu.Unlock()
}

func (m *MockSource) Voltages(context.Context) ([2]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v, nil
}

// Calibration is the outcome of zeroing one channel.
type Calibration struct {
	Index      int     `json:"index"`
	RawVoltage float64 `json:"raw_voltage"`
	Offset     float64 `json:"offset"`
}

// Calibrate reads src and returns the offset that zeroes channel index
// (1-based).
func Calibrate(ctx context.Context, src Source, index int) (Calibration, error) {
	if index != 1 && index != 2 {
		return Calibration{}, fmt.Errorf("%w: %d", ErrBadChannel, index)
	}
	v, err := src.Voltages(ctx)
	if err != nil {
		return Calibration{}, err
	}
	raw := v[index-1]
	return Calibration{Index: index, RawVoltage: raw, Offset: raw}, nil
}
