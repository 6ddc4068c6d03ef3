package density

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/muon.report/internal/muon/geom"
)

// bruteForce is the reference: every (path, cell) pair through the exact
// test, no pre-filter, no concurrency.
func bruteForce(paths []geom.Path, spec GridSpec) [][]int {
	out := make([][]int, spec.Resolution)
	for ix := range out {
		out[ix] = make([]int, spec.Resolution)
		for iy := range out[ix] {
			for _, p := range paths {
				if spec.Policy == VerticalOnly && !p.IsVertical() {
					continue
				}
				if geom.Intersects(p, spec.Cell(ix, iy)) {
					out[ix][iy]++
				}
			}
		}
	}
	return out
}

func randomPaths(rng *rand.Rand, n int) []geom.Path {
	paths := make([]geom.Path, n)
	for i := range paths {
		paths[i] = geom.NewPath(rng.Float64(), rng.Float64(), 1, rng.Float64(), rng.Float64(), 0)
	}
	return paths
}

func TestAccumulate_TwoByTwoScenario(t *testing.T) {
	t.Parallel()

	spec := GridSpec{Resolution: 2, DepthZ: 0.25, Thickness: 0.25}
	// A: vertical through the middle of cell (0,0), counted twice.
	a := geom.NewPath(0.25, 0.25, 1, 0.25, 0.25, 0)
	// B: vertical through the middle of cell (1,1).
	b := geom.NewPath(0.75, 0.75, 1, 0.75, 0.75, 0)

	g, err := Accumulate(context.Background(), []geom.Path{a, a, b}, spec)
	require.NoError(t, err)

	if diff := cmp.Diff([][]int{{2, 0}, {0, 1}}, g.Counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, g.Total)
	assert.Equal(t, 2, g.Max)
}

func TestAccumulate_MatchesBruteForce(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	paths := randomPaths(rng, 300)
	// Add some vertical and boundary-aligned paths so shared cell faces are hit.
	for i := 0; i <= 8; i++ {
		v := float64(i) / 8
		paths = append(paths, geom.NewPath(v, v, 1, v, v, 0))
	}

	testCases := []struct {
		name string
		spec GridSpec
	}{
		{"res_8_floor", GridSpec{Resolution: 8, DepthZ: 0, Thickness: 0.125}},
		{"res_5_mid", GridSpec{Resolution: 5, DepthZ: 0.5, Thickness: 0.05}},
		{"res_1", GridSpec{Resolution: 1, DepthZ: 0.2, Thickness: 0.1}},
		{"vertical_only", GridSpec{Resolution: 8, DepthZ: 0, Thickness: 0.125, Policy: VerticalOnly}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			want := bruteForce(paths, tc.spec)
			g, err := Accumulate(context.Background(), paths, tc.spec, WithWorkers(3))
			require.NoError(t, err)
			if diff := cmp.Diff(want, g.Counts); diff != "" {
				t.Fatalf("counts mismatch (-want +got):\n%s", diff)
			}

			total := 0
			for _, row := range want {
				for _, c := range row {
					total += c
				}
			}
			assert.Equal(t, total, g.Total)
		})
	}
}

func TestAccumulate_OrderAndWorkerInvariance(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	paths := randomPaths(rng, 400)
	spec := GridSpec{Resolution: 10, DepthZ: 0, Thickness: 0.1}

	base, err := Accumulate(context.Background(), paths, spec, WithWorkers(1))
	require.NoError(t, err)

	shuffled := append([]geom.Path(nil), paths...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	for _, workers := range []int{1, 2, 4, 16, 0} {
		g, err := Accumulate(context.Background(), shuffled, spec, WithWorkers(workers))
		require.NoError(t, err)
		assert.Equal(t, base.Counts, g.Counts, "workers=%d", workers)
		assert.Equal(t, base.Total, g.Total)
		assert.Equal(t, base.Max, g.Max)
	}
}

func TestAccumulate_VerticalOnlyIgnoresDriftedPaths(t *testing.T) {
	t.Parallel()

	drifted := geom.NewPath(0.15, 0.15, 1, 0.25, 0.15, 0)
	spec := GridSpec{Resolution: 10, DepthZ: 0, Thickness: 0.1}

	all, err := Accumulate(context.Background(), []geom.Path{drifted}, spec)
	require.NoError(t, err)
	assert.Positive(t, all.Total)

	spec.Policy = VerticalOnly
	vert, err := Accumulate(context.Background(), []geom.Path{drifted}, spec)
	require.NoError(t, err)
	assert.Zero(t, vert.Total)
}

func TestAccumulate_InvalidSpec(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		spec GridSpec
	}{
		{"zero_resolution", GridSpec{Resolution: 0, Thickness: 0.1}},
		{"negative_resolution", GridSpec{Resolution: -2, Thickness: 0.1}},
		{"zero_thickness", GridSpec{Resolution: 4, Thickness: 0}},
		{"negative_thickness", GridSpec{Resolution: 4, Thickness: -1}},
		{"unknown_policy", GridSpec{Resolution: 4, Thickness: 0.1, Policy: PathPolicy(9)}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Accumulate(context.Background(), nil, tc.spec)
			assert.ErrorIs(t, err, ErrInvalidGridSpec)
		})
	}
}

func TestAccumulate_EmptyPopulation(t *testing.T) {
	t.Parallel()

	g, err := Accumulate(context.Background(), nil, GridSpec{Resolution: 3, Thickness: 0.1})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 0, 0}, {0, 0, 0}, {0, 0, 0}}, g.Counts)
	assert.Zero(t, g.Max)
	assert.Len(t, g.Values(), 9)
}

func TestAccumulate_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g, err := Accumulate(ctx, randomPaths(rand.New(rand.NewSource(1)), 10), GridSpec{Resolution: 4, Thickness: 0.1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, g)
}

func TestGridSpec_Cell(t *testing.T) {
	t.Parallel()

	spec := GridSpec{Resolution: 4, DepthZ: 0.3, Thickness: 0.2}
	assert.Equal(t, geom.Box{X: 0.5, Y: 0.25, Z: 0.3, DX: 0.25, DY: 0.25, DZ: 0.2}, spec.Cell(2, 1))
	assert.Equal(t, "vertical_only", VerticalOnly.String())
	assert.Equal(t, "all", AllPaths.String())
}

func BenchmarkAccumulate(b *testing.B) {
	paths := randomPaths(rand.New(rand.NewSource(42)), 20000)
	spec := GridSpec{Resolution: 20, DepthZ: 0, Thickness: 0.05}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Accumulate(context.Background(), paths, spec); err != nil {
			b.Fatal(err)
		}
	}
}
