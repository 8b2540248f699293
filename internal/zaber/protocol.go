// Package zaber speaks the Zaber ASCII protocol to the coax/cross stage: a
// lockstepped pair of axes on device 1 and a single axis on device 2.
package zaber

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Reply flags and device statuses.
const (
	FlagOK       = "OK"
	FlagRejected = "RJ"
	StatusIdle   = "IDLE"
	StatusBusy   = "BUSY"
	NoWarning    = "--"
)

var ErrMalformedReply = errors.New("malformed zaber reply")

// Reply is one decoded "@" reply line, e.g. "@01 0 OK BUSY -- 1000".
type Reply struct {
	Device  int
	Axis    int
	Flag    string
	Status  string
	Warning string
	Data    string
}

// Busy reports whether the replying device or axis is still moving.
func (r Reply) Busy() bool { return r.Status == StatusBusy }

// Rejected reports whether the device refused the command.
func (r Reply) Rejected() bool { return r.Flag == FlagRejected }

// String renders the reply in wire format without the line terminator.
func (r Reply) String() string {
	return fmt.Sprintf("@%02d %d %s %s %s %s", r.Device, r.Axis, r.Flag, r.Status, r.Warning, r.Data)
}

// Int parses the first whitespace separated field of Data.
func (r Reply) Int() (int, error) {
	fields := strings.Fields(r.Data)
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: no data in %q", ErrMalformedReply, r.String())
	}
	return strconv.Atoi(fields[0])
}

// ParseReply decodes a reply line. Lines that are not replies (alerts "!"
// and info "#") return ErrMalformedReply.
func ParseReply(line string) (Reply, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "@") {
		return Reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}
	fields := strings.SplitN(line[1:], " ", 6)
	if len(fields) < 5 {
		return Reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}
	device, err := strconv.Atoi(fields[0])
	if err != nil {
		return Reply{}, fmt.Errorf("%w: device in %q", ErrMalformedReply, line)
	}
	axis, err := strconv.Atoi(fields[1])
	if err != nil {
		return Reply{}, fmt.Errorf("%w: axis in %q", ErrMalformedReply, line)
	}
	r := Reply{
		Device:  device,
		Axis:    axis,
		Flag:    fields[2],
		Status:  fields[3],
		Warning: fields[4],
	}
	if len(fields) == 6 {
		r.Data = strings.TrimSpace(fields[5])
	}
	if r.Flag != FlagOK && r.Flag != FlagRejected {
		return Reply{}, fmt.Errorf("%w: flag %q", ErrMalformedReply, r.Flag)
	}
	return r, nil
}

// FormatCommand builds a command line. Device 0 addresses every device on
// the chain; an empty cmd is the status poll.
func FormatCommand(device int, cmd string) string {
	var b strings.Builder
	b.WriteByte('/')
	if device > 0 {
		b.WriteString(strconv.Itoa(device))
		if cmd != "" {
			b.WriteByte(' ')
		}
	}
	b.WriteString(cmd)
	return b.String()
}

// ParseCommand splits a command line into device and command text.
func ParseCommand(line string) (device int, cmd string, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return 0, "", fmt.Errorf("not a command: %q", line)
	}
	rest := strings.TrimSpace(line[1:])
	head, tail, _ := strings.Cut(rest, " ")
	if n, convErr := strconv.Atoi(head); convErr == nil {
		return n, strings.TrimSpace(tail), nil
	}
	return 0, rest, nil
}

// RejectedError is returned when a device answers RJ.
type RejectedError struct {
	Device  int
	Command string
	Reason  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("device %d rejected %q: %s", e.Device, e.Command, e.Reason)
}
