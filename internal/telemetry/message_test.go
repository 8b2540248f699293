package telemetry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name        string
		frame       string
		coax, cross int
		wantErr     bool
	}{
		{"text", "90000 90000", 90000, 90000, false},
		{"text with padding", "  12\t-4 \n", 12, -4, false},
		{"json", `{"type":"target","version":1,"coax":5,"cross":6}`, 5, 6, false},
		{"one field", "90000", 0, 0, true},
		{"three fields", "1 2 3", 0, 0, true},
		{"not a number", "1 x", 0, 0, true},
		{"float", "1.5 2", 0, 0, true},
		{"empty", "", 0, 0, true},
		{"json wrong type", `{"type":"state","version":1,"coax":5,"cross":6}`, 0, 0, true},
		{"json wrong version", `{"type":"target","version":2,"coax":5,"cross":6}`, 0, 0, true},
		{"json missing axis", `{"type":"target","version":1,"coax":5}`, 0, 0, true},
		{"json unknown field", `{"type":"target","version":1,"coax":5,"cross":6,"z":1}`, 0, 0, true},
		{"json broken", `{"type":`, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coax, cross, err := ParseTarget([]byte(tt.frame))
			if tt.wantErr {
				if !errors.Is(err, ErrBadFrame) {
					t.Fatalf("ParseTarget(%q) error = %v, want ErrBadFrame", tt.frame, err)
				}
				return
			}
			require.NoError(t, err)
			if coax != tt.coax || cross != tt.cross {
				t.Errorf("ParseTarget(%q) = %d, %d, want %d, %d", tt.frame, coax, cross, tt.coax, tt.cross)
			}
		})
	}
}

func TestStateMessageShape(t *testing.T) {
	msg := "poll: timeout"
	s := Snapshot{
		Seq:          7,
		ControlState: "Error",
		ControlMode:  "Manual",
		Error:        &msg,
		Position:     [2]int{1, 2},
		Target:       [2]int{3, 4},
		Voltage:      [2]float64{0.5, 1},
		IsBusy:       [2]bool{true, false},
		BusyCoax:     true,
		Limits:       Limits{Coax: [2]int{0, 10}, Cross: [2]int{5, 20}},
		FaultSeq:     2,
		RunID:        "run-1",
		Timestamp:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(NewStateMessage(s))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "state", got["type"])
	assert.EqualValues(t, 1, got["version"])
	assert.Equal(t, "Error", got["control_state"])
	assert.Equal(t, "poll: timeout", got["error"])
	assert.Equal(t, []any{1.0, 2.0}, got["position"])
	assert.Equal(t, []any{true, false}, got["is_busy"])
	assert.Equal(t, true, got["busy_coax"])
	assert.Equal(t, map[string]any{"coax": []any{0.0, 10.0}, "cross": []any{5.0, 20.0}}, got["limits"])
	assert.Equal(t, "2025-03-01T12:00:00Z", got["timestamp"])
	assert.Equal(t, "poll: timeout", s.ErrorText())
}

func TestStateMessageNullError(t *testing.T) {
	data, err := json.Marshal(NewStateMessage(Snapshot{ControlState: "Stopped"}))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"error":null`)
	assert.NotContains(t, string(data), "run_id")
	assert.Empty(t, Snapshot{}.ErrorText())
}

func TestErrorMessage(t *testing.T) {
	data, err := json.Marshal(NewErrorMessage(errors.New("nope")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","version":1,"error":"nope"}`, string(data))
}
