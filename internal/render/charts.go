// Package render turns analysis results into charts: interactive HTML through
// go-echarts and static PNG images through gonum/plot.
package render

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/muon.report/internal/muon/analysis"
	"github.com/banshee-data/muon.report/internal/muon/density"
	"github.com/banshee-data/muon.report/internal/muon/geom"
	"github.com/banshee-data/muon.report/internal/muon/sampler"
	"github.com/banshee-data/muon.report/internal/muon/summary"
)

// Cached plot names.
const (
	PlotPathTrack    = "path_track"
	PlotDensitySlice = "density_slice"
	PlotDensityDist  = "density_dist"
)

// PlotNames lists the plots produced by Plots, in display order.
var PlotNames = []string{PlotPathTrack, PlotDensitySlice, PlotDensityDist}

// viridis ramp, low to high.
var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

const (
	pathColor     = "#1f77b4"
	occluderColor = "#d62728"
)

// Options controls chart initialization.
type Options struct {
	// AssetsHost is where the echarts javascript is served from. Empty uses
	// the go-echarts default CDN.
	AssetsHost string
	Width      string
	Height     string
}

func (o Options) init(title string) opts.Initialization {
	w, h := o.Width, o.Height
	if w == "" {
		w = "900px"
	}
	if h == "" {
		h = "700px"
	}
	return opts.Initialization{PageTitle: title, Width: w, Height: h, AssetsHost: o.AssetsHost}
}

// Renderer is implemented by every go-echarts chart and page.
type Renderer interface {
	Render(w io.Writer) error
}

// HTML renders a chart or page to a byte slice.
func HTML(r Renderer) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.Render(&buf); err != nil {
		return nil, fmt.Errorf("render error: %w", err)
	}
	return buf.Bytes(), nil
}

func unitAxes() []charts.GlobalOpts {
	return []charts.GlobalOpts{
		charts.WithXAxis3DOpts(opts.XAxis3D{Name: "x", Min: 0, Max: 1}),
		charts.WithYAxis3DOpts(opts.YAxis3D{Name: "y", Min: 0, Max: 1}),
		charts.WithZAxis3DOpts(opts.ZAxis3D{Name: "z", Min: 0, Max: 1}),
	}
}

func segment(p geom.Path) []opts.Chart3DData {
	return []opts.Chart3DData{
		{Value: []interface{}{p.Xi, p.Yi, p.Zi}},
		{Value: []interface{}{p.Xf, p.Yf, p.Zf}},
	}
}

// PathTracks draws each path as a 3D segment inside the unit cube, with the
// edges of every occluder drawn over them.
func PathTracks(paths []geom.Path, rules []sampler.OcclusionRule, o Options) *charts.Line3D {
	line := charts.NewLine3D()
	global := []charts.GlobalOpts{
		charts.WithInitializationOpts(o.init("muon paths")),
		charts.WithTitleOpts(opts.Title{Title: "muon paths", Subtitle: fmt.Sprintf("paths=%d occluders=%d", len(paths), len(rules))}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
	}
	line.SetGlobalOptions(append(global, unitAxes()...)...)

	for i, p := range paths {
		line.AddSeries(fmt.Sprintf("path %d", i), segment(p),
			charts.WithLineStyleOpts(opts.LineStyle{Color: pathColor, Width: 1}))
	}
	for i, r := range rules {
		for _, e := range r.Box.Edges() {
			line.AddSeries(fmt.Sprintf("occluder %d", i), segment(e),
				charts.WithLineStyleOpts(opts.LineStyle{Color: occluderColor, Width: 3}))
		}
	}
	return line
}

func densityVisualMap(g *density.Grid) charts.GlobalOpts {
	return charts.WithVisualMapOpts(opts.VisualMap{
		Show:       opts.Bool(true),
		Calculable: opts.Bool(true),
		Min:        0,
		Max:        float32(max(g.Max, 1)),
		InRange:    &opts.VisualMapInRange{Color: viridis},
	})
}

func densityTitle(g *density.Grid) string {
	return fmt.Sprintf("Path density at z=%.2f", g.Spec.DepthZ)
}

// DensitySurface plots the grid counts as a surface over the cell centres.
func DensitySurface(g *density.Grid, o Options) *charts.Surface3D {
	title := densityTitle(g)
	surface := charts.NewSurface3D()
	global := []charts.GlobalOpts{
		charts.WithInitializationOpts(o.init(title)),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("resolution=%d total=%d max=%d", g.Spec.Resolution, g.Total, g.Max)}),
		densityVisualMap(g),
		charts.WithXAxis3DOpts(opts.XAxis3D{Name: "x", Min: 0, Max: 1}),
		charts.WithYAxis3DOpts(opts.YAxis3D{Name: "y", Min: 0, Max: 1}),
		charts.WithZAxis3DOpts(opts.ZAxis3D{Name: "paths"}),
	}
	surface.SetGlobalOptions(global...)

	res := g.Spec.Resolution
	data := make([]opts.Chart3DData, 0, res*res)
	half := g.Spec.CellSize() / 2
	for ix, row := range g.Counts {
		for iy, c := range row {
			cell := g.Cell(ix, iy)
			data = append(data, opts.Chart3DData{Value: []interface{}{cell.X + half, cell.Y + half, c}})
		}
	}
	surface.AddSeries("density", data)
	return surface
}

// DensityHeatmap plots the grid counts as a flat heat map, x along the
// horizontal axis.
func DensityHeatmap(g *density.Grid, o Options) *charts.HeatMap {
	title := densityTitle(g)
	res := g.Spec.Resolution
	labels := make([]string, res)
	for i := range labels {
		labels[i] = strconv.FormatFloat(g.Cell(i, 0).X, 'f', -1, 64)
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(o.init(title)),
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Name: "x", Data: labels, SplitArea: &opts.SplitArea{Show: opts.Bool(true)}}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Name: "y", Data: labels, SplitArea: &opts.SplitArea{Show: opts.Bool(true)}}),
		densityVisualMap(g),
	)

	data := make([]opts.HeatMapData, 0, res*res)
	for ix, row := range g.Counts {
		for iy, c := range row {
			data = append(data, opts.HeatMapData{Value: [3]interface{}{ix, iy, c}})
		}
	}
	hm.SetXAxis(labels).AddSeries("density", data)
	return hm
}

// DistributionLine plots the sorted cell counts against their rank.
func DistributionLine(d summary.Distribution, o Options) *charts.Line {
	const title = "Intersection distribution"
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(o.init(title)),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("cells=%d mean=%.2f median=%.1f p90=%.1f", len(d.Sorted), d.Mean, d.Median, d.P90)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "rank", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "paths", NameLocation: "middle", NameGap: 30}),
	)

	data := make([]opts.LineData, len(d.Sorted))
	for i, v := range d.Sorted {
		data[i] = opts.LineData{Value: v}
	}
	line.SetXAxis(d.Ranks()).AddSeries("cells", data)
	return line
}

// Page lays out the track, density and distribution charts of a result on
// one HTML page.
func Page(res *analysis.Result, o Options) *components.Page {
	page := components.NewPage()
	page.PageTitle = "muon.report"
	if o.AssetsHost != "" {
		page.SetAssetsHost(o.AssetsHost)
	}
	page.AddCharts(
		PathTracks(res.Display, res.Rules, o),
		DensitySurface(res.Grid, o),
		DensityHeatmap(res.Grid, o),
		DistributionLine(res.Distribution, o),
	)
	return page
}

// Plots renders the cached chart set of a result, keyed by plot name.
func Plots(res *analysis.Result, o Options) (map[string][]byte, error) {
	rs := map[string]Renderer{
		PlotPathTrack:    PathTracks(res.Display, res.Rules, o),
		PlotDensitySlice: DensitySurface(res.Grid, o),
		PlotDensityDist:  DistributionLine(res.Distribution, o),
	}
	out := make(map[string][]byte, len(rs))
	for _, name := range PlotNames {
		b, err := HTML(rs[name])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = b
	}
	return out, nil
}
