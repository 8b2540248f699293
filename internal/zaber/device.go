package zaber

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/positioning.control/internal/monitoring"
	"github.com/banshee-data/positioning.control/internal/timeutil"
)

// Device numbers on the daisy chain.
const (
	DeviceCoax  = 1
	DeviceCross = 2
)

// AxisSettings are the per-device motion parameters written during Init.
type AxisSettings struct {
	LimitMin int
	LimitMax int
	MaxSpeed int
	Accel    int
}

// Settings is everything Init needs to bring the stage into a known state.
// OffsetCoax is a relative move applied to the first coax axis before the
// pair is locked together; a negative offset moves the second axis instead.
type Settings struct {
	OffsetCoax int
	Coax       AxisSettings
	Cross      AxisSettings
}

var ErrIdleTimeout = errors.New("device did not become idle")

// Device drives the coax/cross stage through a Port.
type Device struct {
	port         *Port
	clock        timeutil.Clock
	pollInterval time.Duration
	idleTimeout  time.Duration
}

// NewDevice returns a Device using clock for idle polling.
func NewDevice(port *Port, clock timeutil.Clock) *Device {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Device{
		port:         port,
		clock:        clock,
		pollInterval: 50 * time.Millisecond,
		idleTimeout:  2 * time.Minute,
	}
}

// Init restores both controllers, homes them, applies the coax offset,
// writes limits and speeds and finally enables lockstep on device 1.
func (d *Device) Init(ctx context.Context, s Settings) error {
	monitoring.Logf("zaber: initialising stage")
	if _, err := d.port.CommandUnchecked(ctx, 0, "system restore", 2); err != nil {
		return fmt.Errorf("system restore: %w", err)
	}

	if _, err := d.port.Command(ctx, 0, "home", 2); err != nil {
		var rj *RejectedError
		if !errors.As(err, &rj) {
			return fmt.Errorf("home: %w", err)
		}
		monitoring.Logf("zaber: home rejected, continuing: %v", err)
	}
	for _, dev := range []int{DeviceCoax, DeviceCross} {
		if err := d.WaitIdle(ctx, dev); err != nil {
			return err
		}
	}

	if _, err := d.port.Command(ctx, 0, "set comm.alert 0", 2); err != nil {
		return fmt.Errorf("disable alerts: %w", err)
	}

	if s.OffsetCoax != 0 {
		cmd := fmt.Sprintf("1 move rel %d", s.OffsetCoax)
		if s.OffsetCoax < 0 {
			cmd = fmt.Sprintf("2 move rel %d", -s.OffsetCoax)
		}
		if _, err := d.port.Command(ctx, DeviceCoax, cmd, 1); err != nil {
			return fmt.Errorf("coax offset: %w", err)
		}
		if err := d.WaitIdle(ctx, DeviceCoax); err != nil {
			return err
		}
	}

	for _, a := range []struct {
		device int
		s      AxisSettings
	}{
		{DeviceCoax, s.Coax},
		{DeviceCross, s.Cross},
	} {
		for _, cmd := range []string{
			fmt.Sprintf("set maxspeed %d", a.s.MaxSpeed),
			fmt.Sprintf("set limit.max %d", a.s.LimitMax),
			fmt.Sprintf("set limit.min %d", a.s.LimitMin),
			fmt.Sprintf("set accel %d", a.s.Accel),
		} {
			if _, err := d.port.Command(ctx, a.device, cmd, 1); err != nil {
				return fmt.Errorf("configure device %d: %w", a.device, err)
			}
		}
	}

	if _, err := d.port.Command(ctx, DeviceCoax, "lockstep 1 setup enable 1 2", 1); err != nil {
		return fmt.Errorf("enable lockstep: %w", err)
	}
	monitoring.Logf("zaber: stage ready")
	return nil
}

// WaitIdle polls device status until it reports IDLE.
func (d *Device) WaitIdle(ctx context.Context, device int) error {
	start := d.clock.Now()
	for {
		replies, err := d.port.Command(ctx, device, "", 1)
		if err != nil {
			return fmt.Errorf("poll device %d: %w", device, err)
		}
		if !replies[0].Busy() {
			return nil
		}
		if d.clock.Since(start) > d.idleTimeout {
			return fmt.Errorf("%w: device %d after %s", ErrIdleTimeout, device, d.idleTimeout)
		}
		d.clock.Sleep(d.pollInterval)
	}
}

// Positions reads both devices. Device 1 reports one value per lockstepped
// axis; the first one is the coax position.
func (d *Device) Positions(ctx context.Context) (pos [2]int, busy [2]bool, err error) {
	replies, err := d.port.Command(ctx, 0, "get pos", 2)
	if err != nil {
		return pos, busy, fmt.Errorf("get pos: %w", err)
	}
	for _, r := range replies {
		var idx int
		switch r.Device {
		case DeviceCoax:
			idx = 0
		case DeviceCross:
			idx = 1
		default:
			return pos, busy, fmt.Errorf("get pos: unknown device %d", r.Device)
		}
		v, err := r.Int()
		if err != nil {
			return pos, busy, fmt.Errorf("get pos: %w", err)
		}
		pos[idx] = v
		busy[idx] = r.Busy()
	}
	return pos, busy, nil
}

// MoveCoax moves the lockstepped coax pair to an absolute position.
func (d *Device) MoveCoax(ctx context.Context, steps int) error {
	_, err := d.port.Command(ctx, DeviceCoax, fmt.Sprintf("lockstep 1 move abs %d", steps), 1)
	return err
}

// MoveCross moves the cross axis to an absolute position.
func (d *Device) MoveCross(ctx context.Context, steps int) error {
	_, err := d.port.Command(ctx, DeviceCross, fmt.Sprintf("move abs %d", steps), 1)
	return err
}

// Stop halts both devices. The coax stop falls back to a plain stop when
// lockstep is not enabled yet.
func (d *Device) Stop(ctx context.Context) error {
	var errs []error
	if _, err := d.port.Command(ctx, DeviceCoax, "lockstep 1 stop", 1); err != nil {
		var rj *RejectedError
		if !errors.As(err, &rj) {
			errs = append(errs, err)
		} else if _, err := d.port.Command(ctx, DeviceCoax, "stop", 1); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := d.port.Command(ctx, DeviceCross, "stop", 1); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
