// planpath plans a mapping path for a geometry file without the
// daemon, for inspecting planner output offline:
//
//	planpath -in mold.json -mode edge_sample -spacing 5 -out path.json
//	planpath -sample-cube 100 -png path.png -html path.html
//
// The JSON output carries the ordered waypoints; -png draws a plan
// view of the path and -html renders an interactive chart.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/moldmap/internal/geom"
	"github.com/banshee-data/moldmap/internal/planner"
)

var (
	inFile     = flag.String("in", "", "Geometry document to plan")
	sampleCube = flag.Float64("sample-cube", 0, "Plan the sample cube with this side length in mm instead of -in")
	mode       = flag.String("mode", string(planner.ModeGreedy), "Planner mode: greedy or edge_sample")
	spacing    = flag.Float64("spacing", 10.0, "Sample spacing along edges in mm (edge_sample mode)")
	startIdx   = flag.Int("start", 0, "Vertex index the path starts from")
	outFile    = flag.String("out", "-", "Waypoint JSON output file (- for stdout)")
	htmlFile   = flag.String("html", "", "Write an interactive chart of the path to this HTML file")
	pngFile    = flag.String("png", "", "Write a plan view of the path to this PNG file")
)

type waypointDoc struct {
	Seq          int        `json:"seq"`
	Pos          [3]float64 `json:"pos"`
	SourceVertex int        `json:"source_vertex"`
}

type planDoc struct {
	Geometry        string        `json:"geometry,omitempty"`
	Mode            planner.Mode  `json:"mode"`
	SpacingMM       float64       `json:"spacing_mm,omitempty"`
	Count           int           `json:"count"`
	TotalDistanceMM float64       `json:"total_distance_mm"`
	Waypoints       []waypointDoc `json:"waypoints"`
}

func main() {
	flag.Parse()

	var g *geom.Geometry
	switch {
	case *inFile != "" && *sampleCube > 0:
		log.Fatal("Pass either -in or -sample-cube, not both")
	case *inFile != "":
		var err error
		g, err = geom.Load(*inFile)
		if err != nil {
			log.Fatalf("Failed to load geometry: %v", err)
		}
	case *sampleCube > 0:
		g = geom.SampleCube(*sampleCube)
	default:
		log.Fatal("A geometry is required: pass -in <file> or -sample-cube <size>")
	}

	result, err := planner.Plan(g, planner.Config{
		Mode:       planner.Mode(*mode),
		Spacing:    *spacing,
		StartIndex: *startIdx,
	})
	if err != nil {
		log.Fatalf("Planning failed: %v", err)
	}
	log.Printf("Planned %d waypoints over %d vertices / %d edges: %.1fmm of travel",
		len(result.Waypoints), len(g.Vertices), len(g.Edges), result.TotalDistance)

	doc := planDoc{
		Geometry:        g.Name,
		Mode:            result.Mode,
		Count:           len(result.Waypoints),
		TotalDistanceMM: result.TotalDistance,
		Waypoints:       make([]waypointDoc, len(result.Waypoints)),
	}
	if result.Mode == planner.ModeEdgeSample {
		doc.SpacingMM = *spacing
	}
	for i, wp := range result.Waypoints {
		doc.Waypoints[i] = waypointDoc{
			Seq:          wp.Seq,
			Pos:          [3]float64{wp.Pos.X, wp.Pos.Y, wp.Pos.Z},
			SourceVertex: wp.SourceVertex,
		}
	}

	if err := writeJSON(doc, *outFile); err != nil {
		log.Fatalf("Failed to write waypoints: %v", err)
	}
	if *htmlFile != "" {
		if err := writeHTML(doc, *htmlFile); err != nil {
			log.Fatalf("Failed to write chart: %v", err)
		}
		log.Printf("Wrote chart to %s", *htmlFile)
	}
	if *pngFile != "" {
		if err := writePNG(doc, *pngFile); err != nil {
			log.Fatalf("Failed to write plot: %v", err)
		}
		log.Printf("Wrote plot to %s", *pngFile)
	}
}

func writeJSON(doc planDoc, path string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// writeHTML renders the path as an interactive plan-view scatter with
// height on the colour scale.
func writeHTML(doc planDoc, path string) error {
	data := make([]opts.ScatterData, 0, len(doc.Waypoints))
	zMin, zMax := 0.0, 0.0
	for i, wp := range doc.Waypoints {
		z := wp.Pos[2]
		if i == 0 || z < zMin {
			zMin = z
		}
		if i == 0 || z > zMax {
			zMax = z
		}
		data = append(data, opts.ScatterData{Value: []interface{}{wp.Pos[0], wp.Pos[1], z}})
	}
	if zMax == zMin {
		zMax = zMin + 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Planned Path", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Planned Mapping Path",
			Subtitle: fmt.Sprintf("mode=%s points=%d travel=%.1fmm", doc.Mode, doc.Count, doc.TotalDistanceMM),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X (mm)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Y (mm)", NameLocation: "middle", NameGap: 30}),
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

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return scatter.Render(f)
}

// writePNG draws the visit order as a connected line over the waypoint
// positions in plan view.
func writePNG(doc planDoc, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Planned Path (%s, %d points)", doc.Mode, doc.Count)
	p.X.Label.Text = "X (mm)"
	p.Y.Label.Text = "Y (mm)"

	pts := make(plotter.XYs, len(doc.Waypoints))
	for i, wp := range doc.Waypoints {
		pts[i] = plotter.XY{X: wp.Pos[0], Y: wp.Pos[1]}
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 70, G: 130, B: 180, A: 255}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("visit order", line)

	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	scatter.GlyphStyle.Color = color.RGBA{R: 253, G: 231, B: 37, A: 255}
	scatter.GlyphStyle.Radius = vg.Points(2)
	p.Add(scatter)

	return p.Save(8*vg.Inch, 8*vg.Inch, path)
}
