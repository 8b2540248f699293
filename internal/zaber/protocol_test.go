package zaber

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		line string
		want Reply
	}{
		{"@01 0 OK BUSY -- 1000 1000\r\n", Reply{Device: 1, Flag: FlagOK, Status: StatusBusy, Warning: NoWarning, Data: "1000 1000"}},
		{"@02 0 OK IDLE -- 0", Reply{Device: 2, Flag: FlagOK, Status: StatusIdle, Warning: NoWarning, Data: "0"}},
		{"@01 1 RJ IDLE -- BADDATA", Reply{Device: 1, Axis: 1, Flag: FlagRejected, Status: StatusIdle, Warning: NoWarning, Data: "BADDATA"}},
		{"@02 0 OK IDLE FZ", Reply{Device: 2, Flag: FlagOK, Status: StatusIdle, Warning: "FZ"}},
	}
	for _, tt := range tests {
		got, err := ParseReply(tt.line)
		if err != nil {
			t.Errorf("ParseReply(%q) error = %v", tt.line, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseReply(%q) mismatch (-want +got):\n%s", tt.line, diff)
		}
	}
}

func TestParseReplyRejectsOtherLines(t *testing.T) {
	for _, line := range []string{"", "!01 0 IDLE --", "#01 0 info", "@01 0", "@xx 0 OK IDLE -- 0", "@01 0 NO IDLE -- 0"} {
		if _, err := ParseReply(line); !errors.Is(err, ErrMalformedReply) {
			t.Errorf("ParseReply(%q) error = %v, want ErrMalformedReply", line, err)
		}
	}
}

func TestReplyInt(t *testing.T) {
	r := Reply{Data: "100787 100800"}
	got, err := r.Int()
	if err != nil || got != 100787 {
		t.Errorf("Int() = %d, %v; want 100787", got, err)
	}
	if _, err := (Reply{}).Int(); err == nil {
		t.Error("Int() on empty data should fail")
	}
}

func TestFormatAndParseCommand(t *testing.T) {
	tests := []struct {
		device int
		cmd    string
		line   string
	}{
		{0, "get pos", "/get pos"},
		{1, "lockstep 1 move abs 500", "/1 lockstep 1 move abs 500"},
		{2, "move abs 7", "/2 move abs 7"},
		{1, "", "/1"},
		{1, "1 move rel 30", "/1 1 move rel 30"},
	}
	for _, tt := range tests {
		if got := FormatCommand(tt.device, tt.cmd); got != tt.line {
			t.Errorf("FormatCommand(%d, %q) = %q, want %q", tt.device, tt.cmd, got, tt.line)
		}
		dev, cmd, err := ParseCommand(tt.line + "\n")
		if err != nil || dev != tt.device || cmd != tt.cmd {
			t.Errorf("ParseCommand(%q) = %d, %q, %v", tt.line, dev, cmd, err)
		}
	}
	if _, _, err := ParseCommand("get pos"); err == nil {
		t.Error("ParseCommand without slash should fail")
	}
}
