package control

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/positioning.control/internal/adc"
	"github.com/banshee-data/positioning.control/internal/config"
	"github.com/banshee-data/positioning.control/internal/monitoring"
	"github.com/banshee-data/positioning.control/internal/telemetry"
	"github.com/banshee-data/positioning.control/internal/timeutil"
	"github.com/banshee-data/positioning.control/internal/zaber"
)

// ErrNotRunning is returned by commands issued after Run has returned.
var ErrNotRunning = errors.New("controller is not running")

// stopTimeout bounds the driver stop issued on shutdown or after a fault.
const stopTimeout = 5 * time.Second

// Driver moves the stage. *zaber.Device is the production implementation.
type Driver interface {
	Init(ctx context.Context, s zaber.Settings) error
	Positions(ctx context.Context) (pos [2]int, busy [2]bool, err error)
	MoveCoax(ctx context.Context, steps int) error
	MoveCross(ctx context.Context, steps int) error
	Stop(ctx context.Context) error
}

// ConfigStore persists accepted configuration.
type ConfigStore interface {
	SaveConfig(cfg config.Config) error
}

// Journal records runs and alert-worthy faults.
type Journal interface {
	StartRun(runID, mode string, at time.Time) error
	EndRun(runID, reason string, at time.Time) error
	RecordFault(seq uint64, runID, message string, at time.Time) error
}

// Publisher receives a snapshot after every tick and every command.
type Publisher interface {
	Publish(s telemetry.Snapshot)
}

// Options wires a Controller. Store, Journal and Publisher may be nil.
type Options struct {
	Config    config.Config
	Driver    Driver
	Voltages  adc.Source
	Store     ConfigStore
	Journal   Journal
	Publisher Publisher
	Clock     timeutil.Clock
}

type command struct {
	fn    func(ctx context.Context) error
	reply chan error
}

type initResult struct {
	gen uint64
	err error
}

// Controller is the single writer of session and axis state. Every
// mutation runs on the Run goroutine, either from a queued command or from
// the periodic tick.
type Controller struct {
	driver    Driver
	voltages  adc.Source
	store     ConfigStore
	journal   Journal
	publisher Publisher
	clock     timeutil.Clock

	cmds     chan command
	initDone chan initResult
	done     chan struct{}

	manualMu sync.Mutex
	manual   *[2]int

	cfgView  atomic.Pointer[config.Config]
	snapView atomic.Pointer[telemetry.Snapshot]

	// Owned by the Run goroutine.
	session      *Session
	cfg          config.Config
	formulas     [2]*Formula
	voltage      [2]float64
	commanded    [2]int
	hasCommanded [2]bool
	initGen      uint64
	initCancel   context.CancelFunc
	initializing bool
	ready        bool
	seq          uint64
	ticker       timeutil.Ticker
}

// New builds a stopped controller from cfg. Run must be called before any
// command.
func New(opts Options) (*Controller, error) {
	if opts.Driver == nil {
		return nil, errors.New("control: driver is required")
	}
	if opts.Voltages == nil {
		return nil, errors.New("control: voltage source is required")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	formulas, err := compileFormulas(opts.Config)
	if err != nil {
		return nil, err
	}
	mode, err := ParseMode(opts.Config.ControlMode)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		driver:    opts.Driver,
		voltages:  opts.Voltages,
		store:     opts.Store,
		journal:   opts.Journal,
		publisher: opts.Publisher,
		clock:     opts.Clock,
		cmds:      make(chan command),
		initDone:  make(chan initResult, 1),
		done:      make(chan struct{}),
		session:   NewSession(mode),
	}
	c.applyConfig(opts.Config, formulas)
	c.publish()
	return c, nil
}

func compileFormulas(cfg config.Config) ([2]*Formula, error) {
	var out [2]*Formula
	for i, f := range []struct{ field, src string }{
		{"formula_coax", cfg.FormulaCoax},
		{"formula_cross", cfg.FormulaCross},
	} {
		compiled, err := CompileFormula(f.src)
		if err != nil {
			return out, &config.ValidationError{Field: f.field, Reason: err.Error()}
		}
		out[i] = compiled
	}
	return out, nil
}

// applyConfig pushes a validated configuration into the stopped session.
func (c *Controller) applyConfig(cfg config.Config, formulas [2]*Formula) {
	for _, a := range []struct {
		name                   string
		min, max, speed, accel int
	}{
		{AxisCoax, cfg.LimitMinCoax, cfg.LimitMaxCoax, cfg.MaxSpeedCoax, cfg.AccelCoax},
		{AxisCross, cfg.LimitMinCross, cfg.LimitMaxCross, cfg.MaxSpeedCross, cfg.AccelCross},
	} {
		if err := c.session.ApplyLimits(a.name, a.min, a.max); err != nil {
			monitoring.Logf("control: apply %s limits: %v", a.name, err)
		}
		if err := c.session.SetSpeedProfile(a.name, a.speed, a.accel); err != nil {
			monitoring.Logf("control: apply %s speed: %v", a.name, err)
		}
	}
	if mode, err := ParseMode(cfg.ControlMode); err == nil && mode != c.session.Mode() {
		c.setMode(mode)
	}
	if c.ticker != nil && cfg.CycleTime() != c.cfg.CycleTime() {
		c.ticker.Reset(cfg.CycleTime())
	}
	c.cfg = cfg
	c.formulas = formulas
	c.cfgView.Store(&cfg)
}

// Run drives the control loop until ctx is done. On exit an active session
// is stopped.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	c.ticker = c.clock.NewTicker(c.cfg.CycleTime())
	defer c.ticker.Stop()

	monitoring.Logf("control: loop started, cycle %s, %s mode", c.cfg.CycleTime(), c.session.Mode())
	for {
		select {
		case <-ctx.Done():
			c.halt(context.Background(), "shutdown")
			monitoring.Logf("control: loop stopped")
			return nil
		case cmd := <-c.cmds:
			cmd.reply <- cmd.fn(ctx)
			c.publish()
		case res := <-c.initDone:
			c.finishInit(res)
			c.publish()
		case <-c.ticker.C():
			c.tick(ctx)
			c.publish()
		}
	}
}

// do runs fn on the loop goroutine and waits for its result.
func (c *Controller) do(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins a run. Precondition failures are returned; hardware
// failures during initialisation show up later as Error telemetry.
func (c *Controller) Start(ctx context.Context) error {
	return c.do(ctx, func(loop context.Context) error {
		if err := c.session.Start(); err != nil {
			return err
		}
		monitoring.Logf("control: run %s started in %s mode", c.session.RunID(), c.session.Mode())
		c.hasCommanded = [2]bool{}
		if c.journal != nil {
			if err := c.journal.StartRun(c.session.RunID(), string(c.session.Mode()), c.clock.Now()); err != nil {
				monitoring.Logf("control: journal start: %v", err)
			}
		}
		c.beginInit(loop)
		return nil
	})
}

func (c *Controller) beginInit(loop context.Context) {
	c.initGen++
	gen := c.initGen
	ctx, cancel := context.WithCancel(loop)
	c.initCancel = cancel
	c.initializing = true
	c.ready = false
	settings := c.settings()

	go func() {
		err := c.driver.Init(ctx, settings)
		select {
		case c.initDone <- initResult{gen: gen, err: err}:
		case <-loop.Done():
		}
	}()
}

func (c *Controller) finishInit(res initResult) {
	if res.gen != c.initGen || !c.initializing {
		return
	}
	c.initializing = false
	c.initCancel()
	if res.err != nil {
		c.fault(&HardwareFault{Source: "init", Err: res.err})
		return
	}
	c.ready = true
	monitoring.Logf("control: stage initialised")
}

func (c *Controller) settings() zaber.Settings {
	return zaber.Settings{
		OffsetCoax: c.cfg.OffsetCoax,
		Coax: zaber.AxisSettings{
			LimitMin: c.session.Coax.limitMin,
			LimitMax: c.session.Coax.limitMax,
			MaxSpeed: c.session.Coax.maxSpeed,
			Accel:    c.session.Coax.accel,
		},
		Cross: zaber.AxisSettings{
			LimitMin: c.session.Cross.limitMin,
			LimitMax: c.session.Cross.limitMax,
			MaxSpeed: c.session.Cross.maxSpeed,
			Accel:    c.session.Cross.accel,
		},
	}
}

// Stop ends the current run. It never fails; if the loop is gone the
// request is only logged.
func (c *Controller) Stop(ctx context.Context) {
	err := c.do(ctx, func(loop context.Context) error {
		c.halt(loop, "stop")
		return nil
	})
	if err != nil {
		monitoring.Logf("control: stop not delivered: %v", err)
	}
}

func (c *Controller) halt(ctx context.Context, reason string) {
	runID := c.session.RunID()
	if c.initCancel != nil {
		c.initCancel()
	}
	c.initializing = false
	c.hasCommanded = [2]bool{}
	if !c.session.Stop() {
		return
	}
	c.stopDriver(ctx)
	c.endRun(runID, reason)
	monitoring.Logf("control: run %s stopped (%s)", runID, reason)
}

func (c *Controller) stopDriver(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := c.driver.Stop(ctx); err != nil {
		monitoring.Logf("control: driver stop: %v", err)
	}
}

func (c *Controller) endRun(runID, reason string) {
	if c.journal == nil || runID == "" {
		return
	}
	if err := c.journal.EndRun(runID, reason, c.clock.Now()); err != nil {
		monitoring.Logf("control: journal end: %v", err)
	}
}

// fault moves the session to Error. Repeats of the current error are
// absorbed by the session and not journalled again.
func (c *Controller) fault(err error) {
	if !c.session.ReportError(err.Error()) {
		monitoring.Debugf("control: repeated fault: %v", err)
		return
	}
	seq, runID := c.session.FaultSeq(), c.session.RunID()
	monitoring.Logf("control: fault %d: %v", seq, err)

	if c.initCancel != nil {
		c.initCancel()
	}
	c.initializing = false
	c.hasCommanded = [2]bool{}
	c.stopDriver(context.Background())

	if c.journal != nil {
		if err := c.journal.RecordFault(seq, runID, err.Error(), c.clock.Now()); err != nil {
			monitoring.Logf("control: journal fault: %v", err)
		}
	}
	c.endRun(runID, "fault")
}

// ReportError forces the Error state from outside the loop, for faults
// detected by collaborators such as the ADC reader.
func (c *Controller) ReportError(ctx context.Context, err error) error {
	return c.do(ctx, func(context.Context) error {
		c.fault(err)
		return nil
	})
}

// SetMode switches the control mode while stopped and persists it.
func (c *Controller) SetMode(ctx context.Context, mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	return c.do(ctx, func(context.Context) error {
		if c.session.State() != StateStopped {
			return c.session.invalid("change mode")
		}
		if mode == c.session.Mode() {
			return nil
		}
		next := c.cfg
		next.ControlMode = string(mode)
		if err := c.save(next); err != nil {
			return err
		}
		c.cfg = next
		c.cfgView.Store(&next)
		return c.setMode(mode)
	})
}

func (c *Controller) setMode(mode Mode) error {
	prev := c.session.Mode()
	if err := c.session.SetMode(mode); err != nil {
		return err
	}
	if prev == ModeManual && mode == ModeTracking {
		c.takeManual()
	}
	monitoring.Logf("control: mode %s -> %s", prev, mode)
	return nil
}

// SetTarget sets one axis target and returns the clamped value actually
// stored.
func (c *Controller) SetTarget(ctx context.Context, axis string, steps int) (int, error) {
	var accepted int
	err := c.do(ctx, func(context.Context) error {
		var err error
		accepted, err = c.session.SetTarget(axis, steps)
		return err
	})
	return accepted, err
}

// SubmitTarget queues a streamed manual target pair. Only the newest pair
// survives until the next tick. Pairs are refused up front while a
// tracking run owns the targets.
func (c *Controller) SubmitTarget(coax, cross int) error {
	if s := c.snapView.Load(); s != nil && s.ControlState != string(StateStopped) && s.ControlMode == string(ModeTracking) {
		return &InvalidStateError{Op: "set target", State: State(s.ControlState), Mode: ModeTracking}
	}
	c.manualMu.Lock()
	c.manual = &[2]int{coax, cross}
	c.manualMu.Unlock()
	return nil
}

func (c *Controller) takeManual() *[2]int {
	c.manualMu.Lock()
	defer c.manualMu.Unlock()
	m := c.manual
	c.manual = nil
	return m
}

// ApplyConfig validates form values against the current configuration,
// persists the result and applies it. Nothing changes on error.
func (c *Controller) ApplyConfig(ctx context.Context, values url.Values) (config.Config, error) {
	var applied config.Config
	err := c.do(ctx, func(context.Context) error {
		if c.session.State() != StateStopped {
			return c.session.invalid("change configuration")
		}
		next, err := config.ParseForm(values, c.cfg)
		if err != nil {
			return err
		}
		formulas, err := compileFormulas(next)
		if err != nil {
			return err
		}
		if err := c.save(next); err != nil {
			return err
		}
		c.applyConfig(next, formulas)
		applied = next
		monitoring.Logf("control: configuration updated (%d fields)", len(values))
		return nil
	})
	return applied, err
}

func (c *Controller) save(cfg config.Config) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveConfig(cfg); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	return nil
}

// Calibrate zeroes ADC channel index against its current raw reading and
// persists the offset.
func (c *Controller) Calibrate(ctx context.Context, index int) (adc.Calibration, error) {
	var cal adc.Calibration
	err := c.do(ctx, func(loop context.Context) error {
		if c.session.State() != StateStopped {
			return c.session.invalid("calibrate")
		}
		var err error
		cal, err = adc.Calibrate(loop, c.voltages, index)
		if err != nil {
			return err
		}
		next := c.cfg
		if index == 1 {
			next.ADCOffset1 = cal.Offset
		} else {
			next.ADCOffset2 = cal.Offset
		}
		if err := next.Validate(); err != nil {
			return err
		}
		if err := c.save(next); err != nil {
			return err
		}
		c.applyConfig(next, c.formulas)
		monitoring.Logf("control: adc channel %d offset %.4f V", index, cal.Offset)
		return nil
	})
	return cal, err
}

// Config returns the configuration in effect.
func (c *Controller) Config() config.Config {
	return *c.cfgView.Load()
}

// Snapshot returns the most recently published snapshot.
func (c *Controller) Snapshot() telemetry.Snapshot {
	return *c.snapView.Load()
}

func (c *Controller) tick(ctx context.Context) {
	verr := c.readVoltages(ctx)

	state := c.session.State()
	if state == StateRunning && c.session.Mode() == ModeTracking {
		// a tracking run never moves on missing or stale voltages
		if verr != nil {
			c.fault(&HardwareFault{Source: "adc", Err: verr})
			return
		}
		if err := c.track(); err != nil {
			c.fault(err)
			return
		}
	}
	if m := c.takeManual(); m != nil {
		for i, name := range []string{AxisCoax, AxisCross} {
			if _, err := c.session.SetTarget(name, m[i]); err != nil {
				monitoring.Debugf("control: manual target dropped: %v", err)
			}
		}
	}

	switch {
	case state == StateRunning && !c.initializing:
		if err := c.poll(ctx); err != nil {
			c.fault(err)
			return
		}
		if err := c.move(ctx); err != nil {
			c.fault(err)
		}
	case state == StateStopped && c.ready:
		if err := c.poll(ctx); err != nil {
			monitoring.Debugf("control: idle poll: %v", err)
		}
	}
}

// readVoltages refreshes c.voltage. On error the previous reading is kept
// and the error returned.
func (c *Controller) readVoltages(ctx context.Context) error {
	v, err := c.voltages.Voltages(ctx)
	if err != nil {
		monitoring.Debugf("control: read voltages: %v", err)
		return err
	}
	c.voltage = [2]float64{v[0] - c.cfg.ADCOffset1, v[1] - c.cfg.ADCOffset2}
	return nil
}

func (c *Controller) track() error {
	var steps [2]int
	for i, f := range c.formulas {
		s, err := f.Steps(c.voltage[0], c.voltage[1])
		if err != nil {
			return fmt.Errorf("tracking %s: %w", c.session.Axes()[i].Name(), err)
		}
		steps[i] = s
	}
	c.session.Track(steps[0], steps[1])
	return nil
}

func (c *Controller) poll(ctx context.Context) error {
	pos, _, err := c.driver.Positions(ctx)
	if err != nil {
		return &HardwareFault{Source: "poll", Err: err}
	}
	c.session.Coax.ObservePosition(pos[0])
	c.session.Cross.ObservePosition(pos[1])
	return nil
}

// move commands every axis whose target changed since the last move.
func (c *Controller) move(ctx context.Context) error {
	moves := [2]func(context.Context, int) error{c.driver.MoveCoax, c.driver.MoveCross}
	for i, a := range c.session.Axes() {
		target := a.Target()
		if c.hasCommanded[i] && c.commanded[i] == target {
			continue
		}
		if err := moves[i](ctx, target); err != nil {
			return &HardwareFault{Source: "move " + a.Name(), Err: err}
		}
		c.commanded[i] = target
		c.hasCommanded[i] = true
	}
	return nil
}

func (c *Controller) snapshot() telemetry.Snapshot {
	c.seq++
	s := c.session
	snap := telemetry.Snapshot{
		Seq:          c.seq,
		ControlState: string(s.State()),
		ControlMode:  string(s.Mode()),
		Position:     [2]int{s.Coax.Position(), s.Cross.Position()},
		Target:       [2]int{s.Coax.Target(), s.Cross.Target()},
		Voltage:      c.voltage,
		IsBusy:       [2]bool{s.Coax.Busy(), s.Cross.Busy()},
		BusyCoax:     s.Coax.Busy(),
		BusyCross:    s.Cross.Busy(),
		Limits: telemetry.Limits{
			Coax:  [2]int{s.Coax.limitMin, s.Coax.limitMax},
			Cross: [2]int{s.Cross.limitMin, s.Cross.limitMax},
		},
		FaultSeq:  s.FaultSeq(),
		RunID:     s.RunID(),
		Timestamp: c.clock.Now(),
	}
	if msg := s.Err(); msg != "" {
		snap.Error = &msg
	}
	return snap
}

func (c *Controller) publish() {
	snap := c.snapshot()
	c.snapView.Store(&snap)
	if c.publisher != nil {
		c.publisher.Publish(snap)
	}
}
