package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// speedChart renders an HTML line chart of persisted speeds over a recent
// window. Debugging aid, not part of the JSON API.
// Query params:
//   - hours (optional; default 24, max 168)
func (s *Server) speedChart(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 168 {
			hours = v
		}
	}

	now := float64(time.Now().UnixNano()) / 1e9
	from := now - float64(hours)*3600

	detections, err := s.store.RecentDetections(r.Context(), 1000)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	// Oldest first for a left-to-right time axis.
	var labels []string
	var points []opts.LineData
	for i := len(detections) - 1; i >= 0; i-- {
		d := detections[i]
		if d.Timestamp < from {
			continue
		}
		labels = append(labels, time.Unix(int64(d.Timestamp), 0).UTC().Format("01-02 15:04:05"))
		points = append(points, opts.LineData{Value: d.SpeedMph})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Vehicle Speeds", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Vehicle Speeds",
			Subtitle: fmt.Sprintf("last %dh, %d detections (signed; negative = approaching)", hours, len(points)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "mph"}),
	)
	line.SetXAxis(labels)
	line.AddSeries("speed_mph", points, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := line.Render(w); err != nil {
		s.log.WithError(err).Warn("chart render failed")
	}
}
