package zaber

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/positioning.control/internal/serialmux"
	"github.com/banshee-data/positioning.control/internal/timeutil"
	"github.com/banshee-data/positioning.control/internal/units"
)

// Simulator emulates the two-controller chain well enough to run the stage
// without hardware. It implements serialmux.SerialPorter: commands written
// to it are answered on the read side.
//
// Axes move at maxspeed with no acceleration ramp. Positions advance with
// the supplied clock, so tests can drive motion with a MockClock.
type Simulator struct {
	mu     sync.Mutex
	cond   *sync.Cond
	clock  timeutil.Clock
	last   time.Time
	out    bytes.Buffer
	closed bool

	devices  map[int]*simDevice
	lockstep bool
	lockGap  float64
	rejects  map[string]string
}

var _ serialmux.SerialPorter = (*Simulator)(nil)

type simDevice struct {
	pos      []float64
	target   []float64
	maxSpeed int
	accel    int
	limitMin int
	limitMax int
}

func newSimDevice(axes int) *simDevice {
	return &simDevice{
		pos:      make([]float64, axes),
		target:   make([]float64, axes),
		maxSpeed: units.MaxSpeed,
		accel:    205,
		limitMin: 0,
		limitMax: units.MaxPos,
	}
}

func (d *simDevice) busy() bool {
	for i := range d.pos {
		if d.pos[i] != d.target[i] {
			return true
		}
	}
	return false
}

func (d *simDevice) stop() {
	copy(d.target, d.pos)
}

// NewSimulator returns a simulator with device 1 carrying two axes and
// device 2 carrying one, all at position 0.
func NewSimulator(clock timeutil.Clock) *Simulator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Simulator{
		clock:   clock,
		last:    clock.Now(),
		rejects: make(map[string]string),
	}
	s.cond = sync.NewCond(&s.mu)
	s.reset()
	return s
}

func (s *Simulator) reset() {
	s.devices = map[int]*simDevice{
		DeviceCoax:  newSimDevice(2),
		DeviceCross: newSimDevice(1),
	}
	s.lockstep = false
	s.lockGap = 0
}

// Reject makes every command containing substr answer RJ with reason.
// An empty reason clears the rule.
func (s *Simulator) Reject(substr, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == "" {
		delete(s.rejects, substr)
		return
	}
	s.rejects[substr] = reason
}

// Position returns the current integer position of an axis (1-based).
func (s *Simulator) Position(device, axis int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return int(math.Round(s.devices[device].pos[axis-1]))
}

// Lockstep reports whether the coax pair is locked together.
func (s *Simulator) Lockstep() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockstep
}

func (s *Simulator) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.closed && s.out.Len() == 0 {
		s.cond.Wait()
	}
	if s.closed {
		return 0, serialmux.ErrPortClosed
	}
	return s.out.Read(b)
}

func (s *Simulator) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, serialmux.ErrPortClosed
	}
	for _, line := range strings.Split(string(b), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.handle(line)
	}
	s.cond.Broadcast()
	return len(b), nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}

// advance integrates axis motion up to the clock's current time.
func (s *Simulator) advance() {
	now := s.clock.Now()
	dt := now.Sub(s.last).Seconds()
	s.last = now
	if dt <= 0 {
		return
	}
	for _, d := range s.devices {
		v := units.StepsPerSecond(d.maxSpeed)
		for i := range d.pos {
			d.pos[i] = moveAxis(d.pos[i], d.target[i], v, dt)
		}
	}
}

// moveAxis moves pos towards target at velocity v for dt seconds without
// overshooting.
func moveAxis(pos, target, v, dt float64) float64 {
	if pos == target {
		return target
	}
	step := v * dt
	if math.Abs(target-pos) <= step {
		return target
	}
	if target < pos {
		return pos - step
	}
	return pos + step
}

func (s *Simulator) handle(line string) {
	device, cmd, err := ParseCommand(line)
	if err != nil {
		return
	}
	s.advance()

	targets := []int{device}
	if device == 0 {
		targets = []int{DeviceCoax, DeviceCross}
	}
	for _, dev := range targets {
		d, ok := s.devices[dev]
		if !ok {
			continue
		}
		s.reply(dev, d, cmd)
	}
}

func (s *Simulator) reply(dev int, d *simDevice, cmd string) {
	for substr, reason := range s.rejects {
		if strings.Contains(cmd, substr) {
			s.write(dev, 0, FlagRejected, d, reason)
			return
		}
	}

	fields := strings.Fields(cmd)
	axis := 0
	if len(fields) > 0 {
		if n, err := strconv.Atoi(fields[0]); err == nil {
			axis = n
			fields = fields[1:]
		}
	}
	if axis > len(d.pos) {
		s.write(dev, axis, FlagRejected, d, "BADAXIS")
		return
	}

	ok := func(data string) { s.write(dev, axis, FlagOK, d, data) }
	rj := func(reason string) { s.write(dev, axis, FlagRejected, d, reason) }

	switch {
	case len(fields) == 0:
		ok("0")

	case match(fields, "system", "restore"):
		if dev == DeviceCoax {
			s.lockstep = false
		}
		fresh := newSimDevice(len(d.pos))
		copy(fresh.pos, d.pos)
		copy(fresh.target, d.pos)
		*d = *fresh
		ok("0")

	case match(fields, "home"):
		if dev == DeviceCoax && s.lockstep {
			rj("LOCKSTEP")
			return
		}
		for i := range d.target {
			d.target[i] = 0
		}
		ok("0")

	case match(fields, "get", "pos"):
		vals := make([]string, len(d.pos))
		for i, p := range d.pos {
			vals[i] = strconv.Itoa(int(math.Round(p)))
		}
		if axis > 0 {
			vals = vals[axis-1 : axis]
		}
		ok(strings.Join(vals, " "))

	case match(fields, "set", "comm.alert") && len(fields) == 3:
		ok("0")

	case match(fields, "set") && len(fields) == 3:
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			rj("BADDATA")
			return
		}
		if !s.set(d, fields[1], n) {
			rj("BADDATA")
			return
		}
		ok("0")

	case match(fields, "move", "rel") && len(fields) == 3:
		if dev == DeviceCoax && s.lockstep {
			rj("LOCKSTEP")
			return
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			rj("BADDATA")
			return
		}
		for i := range d.target {
			if axis != 0 && i != axis-1 {
				continue
			}
			t := d.pos[i] + float64(n)
			if t < float64(d.limitMin) || t > float64(d.limitMax) {
				rj("BADDATA")
				return
			}
			d.target[i] = t
		}
		ok("0")

	case match(fields, "move", "abs") && len(fields) == 3:
		if dev == DeviceCoax && s.lockstep {
			rj("LOCKSTEP")
			return
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil || n < d.limitMin || n > d.limitMax {
			rj("BADDATA")
			return
		}
		for i := range d.target {
			if axis == 0 || i == axis-1 {
				d.target[i] = float64(n)
			}
		}
		ok("0")

	case match(fields, "stop"):
		if dev == DeviceCoax && s.lockstep {
			rj("LOCKSTEP")
			return
		}
		d.stop()
		ok("0")

	case match(fields, "lockstep", "1", "setup", "enable", "1", "2") && dev == DeviceCoax:
		s.lockstep = true
		s.lockGap = d.pos[1] - d.pos[0]
		ok("0")

	case match(fields, "lockstep", "1", "move", "abs") && len(fields) == 5 && dev == DeviceCoax:
		if !s.lockstep {
			rj("BADCOMMAND")
			return
		}
		n, err := strconv.Atoi(fields[4])
		if err != nil || n < d.limitMin || n > d.limitMax {
			rj("BADDATA")
			return
		}
		d.target[0] = float64(n)
		d.target[1] = float64(n) + s.lockGap
		ok("0")

	case match(fields, "lockstep", "1", "stop") && dev == DeviceCoax:
		if !s.lockstep {
			rj("BADCOMMAND")
			return
		}
		d.stop()
		ok("0")

	default:
		rj("BADCOMMAND")
	}
}

func (s *Simulator) set(d *simDevice, setting string, n int) bool {
	switch setting {
	case "maxspeed":
		if n <= 0 || n > units.MaxSpeed {
			return false
		}
		d.maxSpeed = n
	case "accel":
		if n <= 0 || n > 32767 {
			return false
		}
		d.accel = n
	case "limit.min":
		if n < 0 || n > units.MaxPos {
			return false
		}
		d.limitMin = n
	case "limit.max":
		if n < 0 || n > units.MaxPos {
			return false
		}
		d.limitMax = n
	default:
		return false
	}
	return true
}

func (s *Simulator) write(dev, axis int, flag string, d *simDevice, data string) {
	status := StatusIdle
	if d.busy() {
		status = StatusBusy
	}
	r := Reply{Device: dev, Axis: axis, Flag: flag, Status: status, Warning: NoWarning, Data: data}
	fmt.Fprintf(&s.out, "%s\r\n", r)
}

func match(fields []string, want ...string) bool {
	if len(fields) < len(want) {
		return false
	}
	for i, w := range want {
		if fields[i] != w {
			return false
		}
	}
	return true
}
