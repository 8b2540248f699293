// Package opcua publishes the stage state in the folder layout of the
// plant's OPC-UA address space (coax-slide, cross-slide, general) and
// merges in tags served by an external OPC-UA bridge.
package opcua

import (
	"context"
	"math"
	"time"

	"github.com/banshee-data/positioning.control/internal/httputil"
	"github.com/banshee-data/positioning.control/internal/monitoring"
	"github.com/banshee-data/positioning.control/internal/telemetry"
	"github.com/banshee-data/positioning.control/internal/units"
)

// Folder names.
const (
	FolderCoax    = "coax-slide"
	FolderCross   = "cross-slide"
	FolderGeneral = "general"
)

// DefaultBridgeTimeout bounds a bridge fetch.
const DefaultBridgeTimeout = 2 * time.Second

// Tags maps folder name to variable name to value.
type Tags map[string]map[string]any

// LocalTags builds the stage's own tags from a snapshot. Positions are in
// millimetres.
func LocalTags(s telemetry.Snapshot) Tags {
	general := map[string]any{
		"status":    s.ControlState,
		"mode":      s.ControlMode,
		"fault_seq": s.FaultSeq,
	}
	if s.Error != nil {
		general["error"] = *s.Error
	}
	return Tags{
		FolderCoax: {
			"position": roundMM(units.StepsToMM(s.Position[0])),
			"target":   roundMM(units.StepsToMM(s.Target[0])),
			"busy":     s.BusyCoax,
		},
		FolderCross: {
			"position": roundMM(units.StepsToMM(s.Position[1])),
			"target":   roundMM(units.StepsToMM(s.Target[1])),
			"busy":     s.BusyCross,
		},
		FolderGeneral: general,
	}
}

func roundMM(mm float64) float64 {
	return math.Round(mm*1000) / 1000
}

// Mirror serves merged tag sets.
type Mirror struct {
	client  httputil.HTTPClient
	timeout time.Duration
}

// NewMirror uses client to reach the bridge.
func NewMirror(client httputil.HTTPClient) *Mirror {
	return &Mirror{client: client, timeout: DefaultBridgeTimeout}
}

// Tags returns the local tags for s, merged over the bridge's tags when
// bridgeURL is set. Local values win on conflict. A bridge failure is
// reported as general.bridge_error rather than failing the whole read.
func (m *Mirror) Tags(ctx context.Context, s telemetry.Snapshot, bridgeURL string) Tags {
	local := LocalTags(s)
	if bridgeURL == "" {
		return local
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var remote Tags
	if err := httputil.GetJSON(ctx, m.client, bridgeURL, &remote); err != nil {
		monitoring.Debugf("opcua: bridge %s: %v", bridgeURL, err)
		local[FolderGeneral]["bridge_error"] = err.Error()
		return local
	}
	return Merge(remote, local)
}

// Merge overlays top on base folder by folder. Neither input is modified.
func Merge(base, top Tags) Tags {
	out := make(Tags, len(base)+len(top))
	for _, src := range []Tags{base, top} {
		for folder, vars := range src {
			if out[folder] == nil {
				out[folder] = make(map[string]any, len(vars))
			}
			for k, v := range vars {
				out[folder][k] = v
			}
		}
	}
	return out
}
