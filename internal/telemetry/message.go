// Package telemetry carries control state to observers: the snapshot
// published every tick, the latest-only broadcaster that fans it out, and
// the WebSocket channel that also accepts manual targets.
package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Version is the message format version sent and accepted on the wire.
const Version = 1

// Message types.
const (
	TypeState  = "state"
	TypeError  = "error"
	TypeTarget = "target"
)

var (
	// ErrConnectionLost is returned to a client when the server side of the
	// channel goes away.
	ErrConnectionLost = errors.New("telemetry connection lost")

	ErrBadFrame = errors.New("malformed frame")
)

// Limits holds [min, max] per axis in steps.
type Limits struct {
	Coax  [2]int `json:"coax"`
	Cross [2]int `json:"cross"`
}

// Snapshot is a single consistent read of the session and both axes.
// Index 0 of each pair is coax, index 1 is cross.
type Snapshot struct {
	Seq          uint64     `json:"seq"`
	ControlState string     `json:"control_state"`
	ControlMode  string     `json:"control_mode"`
	Error        *string    `json:"error"`
	Position     [2]int     `json:"position"`
	Target       [2]int     `json:"target"`
	Voltage      [2]float64 `json:"voltage"`
	IsBusy       [2]bool    `json:"is_busy"`
	BusyCoax     bool       `json:"busy_coax"`
	BusyCross    bool       `json:"busy_cross"`
	Limits       Limits     `json:"limits"`
	FaultSeq     uint64     `json:"fault_seq"`
	RunID        string     `json:"run_id,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// ErrorText returns the error message or "".
func (s Snapshot) ErrorText() string {
	if s.Error == nil {
		return ""
	}
	return *s.Error
}

// StateMessage is the server to client snapshot frame.
type StateMessage struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	Snapshot
}

func NewStateMessage(s Snapshot) StateMessage {
	return StateMessage{Type: TypeState, Version: Version, Snapshot: s}
}

// ErrorMessage tells a client its last frame was rejected.
type ErrorMessage struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	Error   string `json:"error"`
}

func NewErrorMessage(err error) ErrorMessage {
	return ErrorMessage{Type: TypeError, Version: Version, Error: err.Error()}
}

// TargetMessage is the JSON form of a manual target frame.
type TargetMessage struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	Coax    *int   `json:"coax"`
	Cross   *int   `json:"cross"`
}

// ParseTarget decodes a client frame into a coax/cross target pair. Two
// forms are accepted: the plain text "<coax> <cross>" and a version 1
// TargetMessage.
func ParseTarget(frame []byte) (coax, cross int, err error) {
	text := strings.TrimSpace(string(frame))
	if strings.HasPrefix(text, "{") {
		return parseTargetJSON([]byte(text))
	}
	fields := strings.Fields(text)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("%w: want \"<coax> <cross>\", got %d fields", ErrBadFrame, len(fields))
	}
	coax, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: coax %q is not an integer", ErrBadFrame, fields[0])
	}
	cross, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: cross %q is not an integer", ErrBadFrame, fields[1])
	}
	return coax, cross, nil
}

func parseTargetJSON(frame []byte) (int, int, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.DisallowUnknownFields()
	var m TargetMessage
	if err := dec.Decode(&m); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	switch {
	case m.Type != TypeTarget:
		return 0, 0, fmt.Errorf("%w: unsupported message type %q", ErrBadFrame, m.Type)
	case m.Version != Version:
		return 0, 0, fmt.Errorf("%w: unsupported version %d", ErrBadFrame, m.Version)
	case m.Coax == nil || m.Cross == nil:
		return 0, 0, fmt.Errorf("%w: coax and cross are required", ErrBadFrame)
	}
	return *m.Coax, *m.Cross, nil
}
