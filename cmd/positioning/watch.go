package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/banshee-data/positioning.control/internal/telemetry"
	"github.com/banshee-data/positioning.control/internal/units"
)

// watch prints telemetry from a running server until ctx is done or the
// connection drops.
func watch(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	url := fs.String("url", "ws://localhost:8085/ws", "Telemetry endpoint")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := telemetry.Dial(ctx, *url)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		client.Close()
	}()

	for {
		f, err := client.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, telemetry.ErrConnectionLost) {
				return fmt.Errorf("server went away: %w", err)
			}
			return err
		}
		fmt.Fprintln(out, formatFrame(f))
	}
}

func formatFrame(f telemetry.Frame) string {
	if f.State == nil {
		return "rejected: " + f.Error
	}
	s := f.State
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-8s %-8s coax %8.3f -> %8.3f mm  cross %8.3f -> %8.3f mm  v %.3f %.3f",
		s.Timestamp.Format("15:04:05.000"), s.ControlState, s.ControlMode,
		units.StepsToMM(s.Position[0]), units.StepsToMM(s.Target[0]),
		units.StepsToMM(s.Position[1]), units.StepsToMM(s.Target[1]),
		s.Voltage[0], s.Voltage[1])
	if s.BusyCoax || s.BusyCross {
		b.WriteString("  busy")
	}
	if msg := s.ErrorText(); msg != "" {
		fmt.Fprintf(&b, "  error: %s", msg)
	}
	return b.String()
}
