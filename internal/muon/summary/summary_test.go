package summary

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/muon.report/internal/muon/density"
	"github.com/banshee-data/muon.report/internal/muon/geom"
)

func TestSummarize_TwoByTwoScenario(t *testing.T) {
	t.Parallel()

	a := geom.NewPath(0.25, 0.25, 1, 0.25, 0.25, 0)
	b := geom.NewPath(0.75, 0.75, 1, 0.75, 0.75, 0)
	g, err := density.Accumulate(context.Background(), []geom.Path{a, a, b},
		density.GridSpec{Resolution: 2, DepthZ: 0.25, Thickness: 0.25})
	require.NoError(t, err)

	d := Summarize(g)
	assert.Equal(t, []int{0, 0, 1, 2}, d.Sorted)
	assert.Equal(t, 3, d.Total)
	assert.Equal(t, 2, d.Max)
	assert.Equal(t, 0, d.Min)
	assert.InDelta(t, 0.75, d.Mean, 1e-12)
	assert.Equal(t, []int{0, 1, 2, 3}, d.Ranks())
}

func TestSummarize_DoesNotMutateGrid(t *testing.T) {
	t.Parallel()

	g := &density.Grid{
		Spec:   density.GridSpec{Resolution: 2, Thickness: 0.5},
		Counts: [][]int{{5, 1}, {3, 0}},
		Max:    5,
		Total:  9,
	}
	d := Summarize(g)
	assert.Equal(t, []int{0, 1, 3, 5}, d.Sorted)
	assert.Equal(t, [][]int{{5, 1}, {3, 0}}, g.Counts)
	assert.Equal(t, 9, d.Total)
	assert.Equal(t, 5, d.Max)
	assert.Equal(t, 1.0, d.Median)
	assert.Equal(t, 5.0, d.P90)
}

func TestSummarize_Empty(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Distribution{}, Summarize(nil))
	assert.Equal(t, Distribution{}, Summarize(&density.Grid{}))
}

func TestSummarize_SingleCell(t *testing.T) {
	t.Parallel()

	d := Summarize(&density.Grid{Spec: density.GridSpec{Resolution: 1, Thickness: 1}, Counts: [][]int{{4}}})
	assert.Equal(t, []int{4}, d.Sorted)
	assert.Zero(t, d.StdDev)
	assert.Equal(t, 4.0, d.Median)
}
