package render

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/muon.report/internal/config"
	"github.com/banshee-data/muon.report/internal/monitoring"
	"github.com/banshee-data/muon.report/internal/muon/analysis"
	"github.com/banshee-data/muon.report/internal/muon/density"
	"github.com/banshee-data/muon.report/internal/muon/geom"
	"github.com/banshee-data/muon.report/internal/muon/sampler"
	"github.com/banshee-data/muon.report/internal/muon/summary"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func testResult(t *testing.T) *analysis.Result {
	t.Helper()
	cfg := config.EmptyAnalysisConfig()
	require.NoError(t, cfg.ApplyOverrides(map[string]string{
		"target_paths":  "500",
		"display_paths": "20",
		"resolution":    "4",
	}))
	res, err := analysis.Run(context.Background(), cfg)
	require.NoError(t, err)
	return res
}

func testGrid() *density.Grid {
	return &density.Grid{
		Spec:   density.GridSpec{Resolution: 2, DepthZ: 0.25, Thickness: 0.25},
		Counts: [][]int{{2, 0}, {0, 1}},
		Max:    2,
		Total:  3,
	}
}

func TestPathTracks(t *testing.T) {
	t.Parallel()

	paths := []geom.Path{geom.NewPath(0.1, 0.1, 1, 0.2, 0.2, 0)}
	html, err := HTML(PathTracks(paths, sampler.DefaultOcclusionRules(), Options{}))
	require.NoError(t, err)
	s := string(html)
	assert.Contains(t, s, "muon paths")
	assert.Contains(t, s, "occluders=2")
	assert.Contains(t, s, occluderColor)
}

func TestDensityCharts(t *testing.T) {
	t.Parallel()

	g := testGrid()
	testCases := []struct {
		name string
		r    Renderer
	}{
		{"surface", DensitySurface(g, Options{})},
		{"heatmap", DensityHeatmap(g, Options{})},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			html, err := HTML(tc.r)
			require.NoError(t, err)
			assert.Contains(t, string(html), "Path density at z=0.25")
		})
	}
}

func TestDistributionLine(t *testing.T) {
	t.Parallel()

	html, err := HTML(DistributionLine(summary.Summarize(testGrid()), Options{Width: "400px"}))
	require.NoError(t, err)
	s := string(html)
	assert.Contains(t, s, "Intersection distribution")
	assert.Contains(t, s, "cells=4")
	assert.Contains(t, s, "400px")
}

func TestAssetsHost(t *testing.T) {
	t.Parallel()

	const host = "/static/echarts/"
	html, err := HTML(DistributionLine(summary.Summarize(testGrid()), Options{AssetsHost: host}))
	require.NoError(t, err)
	assert.Contains(t, string(html), host)
}

func TestPageAndPlots(t *testing.T) {
	t.Parallel()

	res := testResult(t)

	html, err := HTML(Page(res, Options{}))
	require.NoError(t, err)
	s := string(html)
	for _, want := range []string{"muon paths", "Path density at z=0.00", "Intersection distribution"} {
		assert.Contains(t, s, want)
	}

	plots, err := Plots(res, Options{})
	require.NoError(t, err)
	require.Len(t, plots, len(PlotNames))
	for _, name := range PlotNames {
		assert.True(t, strings.Contains(string(plots[name]), "<html"), name)
	}
}

func TestPNG(t *testing.T) {
	t.Parallel()

	g := testGrid()
	img, err := DensityPNG(g)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(img, pngMagic))

	img, err = DistributionPNG(summary.Summarize(g))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(img, pngMagic))

	flat := &density.Grid{Spec: density.GridSpec{Resolution: 2, Thickness: 0.5}, Counts: [][]int{{0, 0}, {0, 0}}}
	img, err = DensityPNG(flat)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(img, pngMagic))
}

func TestPNG_Empty(t *testing.T) {
	t.Parallel()

	_, err := DensityPNG(nil)
	assert.Error(t, err)
	_, err = DistributionPNG(summary.Distribution{})
	assert.Error(t, err)
}
