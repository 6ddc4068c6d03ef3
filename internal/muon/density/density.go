// Package density accumulates a path population into a resolution×resolution
// grid of crossing counts at a fixed depth of the detector volume.
//
// Cell (ix, iy) is the box anchored at (ix/res, iy/res, depth) with extents
// (1/res, 1/res, thickness). Its count is the number of paths whose segment
// touches that box.
package density

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/banshee-data/muon.report/internal/muon/geom"
)

// ErrInvalidGridSpec is returned for a non-positive resolution or thickness.
var ErrInvalidGridSpec = errors.New("invalid grid spec")

// PathPolicy selects which paths take part in the count.
type PathPolicy int

const (
	// AllPaths counts every path that crosses a cell.
	AllPaths PathPolicy = iota
	// VerticalOnly counts only paths whose projected (x, y) start and end
	// coincide. Sampled paths drift laterally, so under this policy the
	// grid is mostly empty; it exists to reproduce historical results.
	VerticalOnly
)

// String implements fmt.Stringer.
func (p PathPolicy) String() string {
	switch p {
	case AllPaths:
		return "all"
	case VerticalOnly:
		return "vertical_only"
	default:
		return fmt.Sprintf("PathPolicy(%d)", int(p))
	}
}

// GridSpec describes the slice of the volume to scan.
type GridSpec struct {
	Resolution int
	DepthZ     float64
	Thickness  float64
	Policy     PathPolicy
}

// Validate checks the resolution and thickness.
func (s GridSpec) Validate() error {
	if s.Resolution <= 0 {
		return fmt.Errorf("%w: resolution must be positive, got %d", ErrInvalidGridSpec, s.Resolution)
	}
	if !(s.Thickness > 0) {
		return fmt.Errorf("%w: thickness must be positive, got %g", ErrInvalidGridSpec, s.Thickness)
	}
	if s.Policy != AllPaths && s.Policy != VerticalOnly {
		return fmt.Errorf("%w: unknown path policy %d", ErrInvalidGridSpec, int(s.Policy))
	}
	return nil
}

// CellSize is the lateral extent of one cell.
func (s GridSpec) CellSize() float64 {
	return 1 / float64(s.Resolution)
}

// Cell returns the box covered by cell (ix, iy).
func (s GridSpec) Cell(ix, iy int) geom.Box {
	d := s.CellSize()
	return geom.Box{
		X: float64(ix) / float64(s.Resolution), Y: float64(iy) / float64(s.Resolution), Z: s.DepthZ,
		DX: d, DY: d, DZ: s.Thickness,
	}
}

// Grid is the result of an accumulation run. Counts is indexed [ix][iy].
type Grid struct {
	Spec   GridSpec
	Counts [][]int
	Max    int
	Total  int
}

// Cell returns the box covered by cell (ix, iy).
func (g *Grid) Cell(ix, iy int) geom.Box {
	return g.Spec.Cell(ix, iy)
}

// Values returns all counts in row-major order.
func (g *Grid) Values() []int {
	out := make([]int, 0, g.Spec.Resolution*g.Spec.Resolution)
	for _, row := range g.Counts {
		out = append(out, row...)
	}
	return out
}

type options struct {
	workers int
}

// Option configures Accumulate.
type Option func(*options)

// WithWorkers sets the number of goroutines scanning rows. Values <= 0 use
// GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// indexedPath is a path with its bounds computed once for the whole scan.
type indexedPath struct {
	path   geom.Path
	bounds geom.Bounds
}

// Accumulate counts, for every cell of the grid, the paths that cross it.
//
// Rows are scanned concurrently. Each worker owns whole rows of Counts and
// paths is only read, so no locking is needed. The context is checked
// between cells; on cancellation no partial grid is returned.
func Accumulate(ctx context.Context, paths []geom.Path, spec GridSpec, opts ...Option) (*Grid, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	workers := o.workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > spec.Resolution {
		workers = spec.Resolution
	}

	candidates := make([]indexedPath, 0, len(paths))
	for _, p := range paths {
		if spec.Policy == VerticalOnly && !p.IsVertical() {
			continue
		}
		candidates = append(candidates, indexedPath{path: p, bounds: p.Bounds()})
	}

	counts := make([][]int, spec.Resolution)
	for ix := range counts {
		counts[ix] = make([]int, spec.Resolution)
	}

	rows := make(chan int, spec.Resolution)
	for ix := 0; ix < spec.Resolution; ix++ {
		rows <- ix
	}
	close(rows)

	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for ix := range rows {
				if err := scanRow(ctx, candidates, spec, ix, counts[ix]); err != nil {
					errs[w] = err
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	g := &Grid{Spec: spec, Counts: counts}
	for _, row := range counts {
		for _, c := range row {
			g.Total += c
			if c > g.Max {
				g.Max = c
			}
		}
	}
	return g, nil
}

// scanRow fills row ix of the grid.
func scanRow(ctx context.Context, candidates []indexedPath, spec GridSpec, ix int, row []int) error {
	for iy := range row {
		if err := ctx.Err(); err != nil {
			return err
		}
		cell := spec.Cell(ix, iy)
		n := 0
		for i := range candidates {
			c := &candidates[i]
			if !c.bounds.Overlaps(cell) {
				continue
			}
			if geom.Intersects(c.path, cell) {
				n++
			}
		}
		row[iy] = n
	}
	return nil
}
