// Package summary derives rank-order and aggregate statistics from a density grid.
package summary

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/muon.report/internal/muon/density"
)

// Distribution is the sorted view of every cell count of a grid.
type Distribution struct {
	// Sorted holds all cell counts in ascending order.
	Sorted []int   `json:"sorted"`
	Total  int     `json:"total"`
	Max    int     `json:"max"`
	Min    int     `json:"min"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
}

// Summarize sorts the cell counts of g and computes their aggregates.
// A nil or empty grid yields a zero Distribution.
func Summarize(g *density.Grid) Distribution {
	if g == nil {
		return Distribution{}
	}
	values := g.Values()
	if len(values) == 0 {
		return Distribution{}
	}
	sort.Ints(values)

	d := Distribution{
		Sorted: values,
		Min:    values[0],
		Max:    values[len(values)-1],
	}
	xs := make([]float64, len(values))
	for i, v := range values {
		d.Total += v
		xs[i] = float64(v)
	}

	d.Mean = stat.Mean(xs, nil)
	if len(xs) > 1 {
		d.StdDev = stat.StdDev(xs, nil)
	}
	// xs is already sorted, as stat.Quantile requires.
	d.Median = stat.Quantile(0.5, stat.Empirical, xs, nil)
	d.P90 = stat.Quantile(0.9, stat.Empirical, xs, nil)
	return d
}

// Ranks returns the x axis of a rank-order plot: 0..len(Sorted)-1.
func (d Distribution) Ranks() []int {
	out := make([]int, len(d.Sorted))
	for i := range out {
		out[i] = i
	}
	return out
}
