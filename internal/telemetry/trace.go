package telemetry

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// TraceHandler renders the retained history as a position/target chart.
func (b *Broadcaster) TraceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps := b.History()

		x := make([]string, 0, len(snaps))
		series := map[string][]opts.LineData{}
		names := []string{"coax position", "coax target", "cross position", "cross target"}
		for _, s := range snaps {
			x = append(x, s.Timestamp.Format("15:04:05.000"))
			series[names[0]] = append(series[names[0]], opts.LineData{Value: s.Position[0]})
			series[names[1]] = append(series[names[1]], opts.LineData{Value: s.Target[0]})
			series[names[2]] = append(series[names[2]], opts.LineData{Value: s.Position[1]})
			series[names[3]] = append(series[names[3]], opts.LineData{Value: s.Target[1]})
		}

		subtitle := "no samples yet"
		if n := len(snaps); n > 0 {
			last := snaps[n-1]
			subtitle = fmt.Sprintf("%s %s, %d samples", last.ControlState, last.ControlMode, n)
		}

		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{PageTitle: "Stage trace", Width: "100%", Height: "640px"}),
			charts.WithTitleOpts(opts.Title{Title: "Stage position", Subtitle: subtitle}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
			charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
			charts.WithYAxisOpts(opts.YAxis{Name: "steps"}),
		)
		line.SetXAxis(x)
		for _, name := range names {
			line.AddSeries(name, series[name])
		}

		var buf bytes.Buffer
		if err := line.Render(&buf); err != nil {
			http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	}
}
