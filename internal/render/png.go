package render

import (
	"bytes"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/muon.report/internal/muon/density"
	"github.com/banshee-data/muon.report/internal/muon/summary"
)

const pngSize = 6 * vg.Inch

// gridXYZ adapts a density grid to plotter.GridXYZ. Columns are ix, rows iy.
type gridXYZ struct {
	g *density.Grid
}

func (d gridXYZ) Dims() (c, r int)   { return d.g.Spec.Resolution, d.g.Spec.Resolution }
func (d gridXYZ) Z(c, r int) float64 { return float64(d.g.Counts[c][r]) }
func (d gridXYZ) X(c int) float64    { return d.g.Cell(c, 0).X + d.g.Spec.CellSize()/2 }
func (d gridXYZ) Y(r int) float64    { return d.g.Cell(0, r).Y + d.g.Spec.CellSize()/2 }

func savePNG(p *plot.Plot) ([]byte, error) {
	wt, err := p.WriterTo(pngSize, pngSize, "png")
	if err != nil {
		return nil, fmt.Errorf("create png writer: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write png: %w", err)
	}
	return buf.Bytes(), nil
}

// DensityPNG draws the grid as a heat map image.
func DensityPNG(g *density.Grid) ([]byte, error) {
	if g == nil || g.Spec.Resolution == 0 {
		return nil, fmt.Errorf("empty density grid")
	}
	p := plot.New()
	p.Title.Text = densityTitle(g)
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1

	hm := plotter.NewHeatMap(gridXYZ{g: g}, palette.Heat(12, 1))
	if hm.Max <= hm.Min {
		// A flat grid has no range for the palette to span.
		hm.Max = hm.Min + 1
	}
	p.Add(hm)
	return savePNG(p)
}

// DistributionPNG draws the sorted cell counts against rank.
func DistributionPNG(d summary.Distribution) ([]byte, error) {
	if len(d.Sorted) == 0 {
		return nil, fmt.Errorf("empty distribution")
	}
	p := plot.New()
	p.Title.Text = "Intersection distribution"
	p.X.Label.Text = "rank"
	p.Y.Label.Text = "paths"

	pts := make(plotter.XYs, len(d.Sorted))
	for i, v := range d.Sorted {
		pts[i] = plotter.XY{X: float64(i), Y: float64(v)}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	line.Width = vg.Points(1.5)
	p.Add(line)
	p.Add(plotter.NewGrid())
	return savePNG(p)
}
