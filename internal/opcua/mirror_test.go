package opcua

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/positioning.control/internal/httputil"
	"github.com/banshee-data/positioning.control/internal/telemetry"
	"github.com/banshee-data/positioning.control/internal/units"
)

func runningSnapshot() telemetry.Snapshot {
	return telemetry.Snapshot{
		ControlState: "Running",
		ControlMode:  "Tracking",
		Position:     [2]int{units.MMToSteps(50), 0},
		Target:       [2]int{units.MMToSteps(60), 2016},
		BusyCoax:     true,
		FaultSeq:     3,
	}
}

func TestLocalTags(t *testing.T) {
	got := LocalTags(runningSnapshot())
	want := Tags{
		FolderCoax:    {"position": 50.0, "target": 60.0, "busy": true},
		FolderCross:   {"position": 0.0, "target": 1.0, "busy": false},
		FolderGeneral: {"status": "Running", "mode": "Tracking", "fault_seq": uint64(3)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LocalTags mismatch (-want +got):\n%s", diff)
	}
}

func TestLocalTagsError(t *testing.T) {
	s := runningSnapshot()
	msg := "poll: timeout"
	s.ControlState, s.Error = "Error", &msg
	assert.Equal(t, "poll: timeout", LocalTags(s)[FolderGeneral]["error"])
}

func TestMirrorWithoutBridge(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	tags := NewMirror(mock).Tags(context.Background(), runningSnapshot(), "")
	assert.Equal(t, 0, mock.RequestCount())
	assert.Len(t, tags, 3)
}

func TestMirrorMergesBridge(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, `{
		"general": {"status": "stale", "plc": "ok"},
		"vacuum": {"pressure": 0.002}
	}`)
	tags := NewMirror(mock).Tags(context.Background(), runningSnapshot(), "http://bridge:4840/tags")

	require.Equal(t, 1, mock.RequestCount())
	assert.Equal(t, "http://bridge:4840/tags", mock.GetRequest(0).URL.String())
	assert.Equal(t, "Running", tags[FolderGeneral]["status"], "local tags win")
	assert.Equal(t, "ok", tags[FolderGeneral]["plc"])
	assert.Equal(t, 0.002, tags["vacuum"]["pressure"])
	assert.Equal(t, true, tags[FolderCoax]["busy"])
}

func TestMirrorBridgeFailure(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddErrorResponse(errors.New("connection refused"))
	tags := NewMirror(mock).Tags(context.Background(), runningSnapshot(), "http://bridge:4840/tags")

	assert.Contains(t, tags[FolderGeneral]["bridge_error"], "connection refused")
	assert.Equal(t, "Running", tags[FolderGeneral]["status"])
}

func TestMergeDoesNotModifyInputs(t *testing.T) {
	base := Tags{"general": {"a": 1}}
	top := Tags{"general": {"b": 2}}
	out := Merge(base, top)
	assert.Equal(t, Tags{"general": {"a": 1, "b": 2}}, out)
	assert.Len(t, base["general"], 1)
	assert.Len(t, top["general"], 1)
}
