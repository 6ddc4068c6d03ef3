package sampler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"

	"github.com/banshee-data/muon.report/internal/muon/geom"
)

// SampleParallel splits target across workers goroutines. Worker i draws from
// its own rand.New(rand.NewSource(seed+i)) and its paths are concatenated in
// worker order, so the output depends only on (seed, workers) and not on
// scheduling. workers <= 0 uses GOMAXPROCS.
//
// The attempt budget is divided between workers in proportion to their share
// of the target.
func SampleParallel(ctx context.Context, target int, rules []OcclusionRule, cfg Config, seed int64, workers int) ([]geom.Path, Stats, error) {
	if target <= 0 {
		return nil, Stats{}, fmt.Errorf("%w: target must be positive, got %d", ErrInvalidSampleTarget, target)
	}
	if err := cfg.Validate(); err != nil {
		return nil, Stats{}, err
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > target {
		workers = target
	}
	if workers == 1 {
		return Sample(ctx, target, rules, cfg, rand.New(rand.NewSource(seed)))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	budget := cfg.attemptBudget(target)
	shares := splitEven(target, workers)

	type chunk struct {
		paths []geom.Path
		stats Stats
		err   error
	}
	chunks := make([]chunk, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wcfg := cfg
			wcfg.MaxAttempts = max(1, int(float64(budget)*float64(shares[i])/float64(target)))
			rng := rand.New(rand.NewSource(seed + int64(i)))
			paths, stats, err := Sample(ctx, shares[i], rules, wcfg, rng)
			chunks[i] = chunk{paths: paths, stats: stats, err: err}
			if err != nil {
				// One exhausted worker fails the whole run; stop the others early.
				cancel()
			}
		}(i)
	}
	wg.Wait()

	var (
		total    Stats
		firstErr error
	)
	for _, c := range chunks {
		total = total.Add(c.stats)
		if c.err == nil {
			continue
		}
		// Prefer the root cause over the cancellations it triggered in siblings.
		if firstErr == nil || errors.Is(firstErr, context.Canceled) {
			firstErr = c.err
		}
	}
	if firstErr != nil {
		return nil, total, firstErr
	}

	paths := make([]geom.Path, 0, target)
	for _, c := range chunks {
		paths = append(paths, c.paths...)
	}
	return paths, total, nil
}

// splitEven divides n into k near-equal positive parts, larger parts first.
func splitEven(n, k int) []int {
	parts := make([]int, k)
	base, rem := n/k, n%k
	for i := range parts {
		parts[i] = base
		if i < rem {
			parts[i]++
		}
	}
	return parts
}

// Subsample returns about n paths chosen uniformly from paths, keeping their
// original order. Each path is kept with probability n/len(paths), matching
// how the display subset is drawn for the track plot. If n >= len(paths) the
// input is returned unchanged.
func Subsample(paths []geom.Path, n int, rng Source) []geom.Path {
	if n <= 0 {
		return nil
	}
	if n >= len(paths) {
		return paths
	}
	keep := float64(n) / float64(len(paths))
	out := make([]geom.Path, 0, n+n/4)
	for _, p := range paths {
		if rng.Float64() < keep {
			out = append(out, p)
		}
	}
	return out
}
