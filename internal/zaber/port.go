package zaber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/positioning.control/internal/monitoring"
	"github.com/banshee-data/positioning.control/internal/serialmux"
)

// DefaultReplyTimeout bounds how long Command waits for each reply.
const DefaultReplyTimeout = 2 * time.Second

var (
	ErrReplyTimeout = errors.New("timed out waiting for zaber reply")
	ErrPortClosed   = errors.New("zaber port closed")
)

// Port performs request/reply exchanges over a serial mux. One exchange is
// in flight at a time; unsolicited lines are discarded.
type Port struct {
	mux     serialmux.SerialMuxInterface
	subID   string
	lines   chan string
	timeout time.Duration

	mu sync.Mutex
}

// NewPort subscribes to mux. The mux's Monitor must be running for replies
// to arrive.
func NewPort(mux serialmux.SerialMuxInterface, timeout time.Duration) *Port {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	id, ch := mux.Subscribe()
	return &Port{mux: mux, subID: id, lines: ch, timeout: timeout}
}

// Close unsubscribes from the mux. It does not close the mux itself.
func (p *Port) Close() {
	p.mux.Unsubscribe(p.subID)
}

// Command sends cmd to device and collects n replies. Any RJ reply makes
// the call fail with a *RejectedError after all n replies are read.
func (p *Port) Command(ctx context.Context, device int, cmd string, n int) ([]Reply, error) {
	replies, err := p.CommandUnchecked(ctx, device, cmd, n)
	if err != nil {
		return replies, err
	}
	for _, r := range replies {
		if r.Rejected() {
			return replies, &RejectedError{Device: r.Device, Command: cmd, Reason: r.Data}
		}
	}
	return replies, nil
}

// CommandUnchecked is Command without the RJ check.
func (p *Port) CommandUnchecked(ctx context.Context, device int, cmd string, n int) ([]Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.drain()

	line := FormatCommand(device, cmd)
	monitoring.Debugf("zaber -> %s", line)
	if err := p.mux.SendCommand(line); err != nil {
		return nil, fmt.Errorf("send %q: %w", line, err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	replies := make([]Reply, 0, n)
	for len(replies) < n {
		select {
		case <-ctx.Done():
			return replies, ctx.Err()
		case <-timer.C:
			return replies, fmt.Errorf("%w: %q (%d of %d replies)", ErrReplyTimeout, line, len(replies), n)
		case raw, ok := <-p.lines:
			if !ok {
				return replies, ErrPortClosed
			}
			monitoring.Debugf("zaber <- %s", raw)
			r, err := ParseReply(raw)
			if err != nil {
				// alerts and info lines
				continue
			}
			replies = append(replies, r)
		}
	}
	return replies, nil
}

// drain discards lines left over from a previous exchange that timed out.
func (p *Port) drain() {
	for {
		select {
		case _, ok := <-p.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
