package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/moldmap/internal/planner"
	"github.com/banshee-data/moldmap/internal/store"
)

// showPathChart renders a quick plan view (HTML) of a waypoint path using go-echarts.
// This is a debugging-only endpoint (no auth) to eyeball a plan without the UI.
// Points are plotted X/Y with height (Z) on the colour scale.
// Query params:
//   - job_id (optional; defaults to the live session's job)
func (s *Server) showPathChart(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	var wps []planner.Waypoint

	if jobID == "" {
		cur := s.manager.Current()
		if cur == nil {
			s.writeJSONError(w, http.StatusNotFound, "no live session; pass ?job_id=")
			return
		}
		snap := cur.Snapshot()
		jobID = snap.JobID
		wps = snap.Waypoints
	} else {
		var err error
		wps, err = s.db.LoadPlan(jobID)
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load plan: %v", err))
			return
		}
	}
	if len(wps) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "job has no plan")
		return
	}

	data := make([]opts.ScatterData, 0, len(wps))
	xMin, xMax := wps[0].Pos.X, wps[0].Pos.X
	yMin, yMax := wps[0].Pos.Y, wps[0].Pos.Y
	zMin, zMax := wps[0].Pos.Z, wps[0].Pos.Z
	for _, wp := range wps {
		p := wp.Pos
		if p.X < xMin {
			xMin = p.X
		}
		if p.X > xMax {
			xMax = p.X
		}
		if p.Y < yMin {
			yMin = p.Y
		}
		if p.Y > yMax {
			yMax = p.Y
		}
		if p.Z < zMin {
			zMin = p.Z
		}
		if p.Z > zMax {
			zMax = p.Z
		}
		data = append(data, opts.ScatterData{Value: []interface{}{p.X, p.Y, p.Z}})
	}

	// Add a small padding so points at the edges are visible
	padX := (xMax - xMin) * 0.05
	padY := (yMax - yMin) * 0.05
	if padX == 0 {
		padX = 1.0
	}
	if padY == 0 {
		padY = 1.0
	}
	if zMax == zMin {
		zMax = zMin + 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Mapping Path (Plan View)", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Planned Mapping Path", Subtitle: fmt.Sprintf("job=%s points=%d", jobID, len(data))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: xMin - padX, Max: xMax + padX, Name: "X (mm)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: yMin - padY, Max: yMax + padY, Name: "Y (mm)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(zMin),
			Max:        float32(zMax),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}},
		}),
	)

	scatter.AddSeries("path", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
