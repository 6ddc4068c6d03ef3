// Package analysis runs the full example pipeline: sample a path population,
// pick a display subset, accumulate the density grid and summarize it.
package analysis

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/banshee-data/muon.report/internal/config"
	"github.com/banshee-data/muon.report/internal/monitoring"
	"github.com/banshee-data/muon.report/internal/muon/density"
	"github.com/banshee-data/muon.report/internal/muon/geom"
	"github.com/banshee-data/muon.report/internal/muon/sampler"
	"github.com/banshee-data/muon.report/internal/muon/summary"
)

// Phase names recorded in Timings.
const (
	PhaseSampling  = "sampling"
	PhaseDisplay   = "display"
	PhaseIntersect = "intersection"
	PhaseSummary   = "summary"
)

// Timings reports how long each phase of a run took.
type Timings struct {
	Sampling     time.Duration `json:"sampling"`
	Intersection time.Duration `json:"intersection"`
	Total        time.Duration `json:"total"`
}

// Result holds everything produced by one run.
type Result struct {
	Config       *config.AnalysisConfig  `json:"-"`
	Rules        []sampler.OcclusionRule `json:"-"`
	Paths        []geom.Path             `json:"-"`
	Display      []geom.Path             `json:"-"`
	Stats        sampler.Stats           `json:"stats"`
	Grid         *density.Grid           `json:"-"`
	Distribution summary.Distribution    `json:"distribution"`
	Timings      Timings                 `json:"timings"`
}

// Run executes the pipeline for cfg. A nil cfg uses the built-in defaults.
// A positive timeout in cfg bounds the whole run.
func Run(ctx context.Context, cfg *config.AnalysisConfig) (*Result, error) {
	cfg, res, err := prepare(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()

	sw := monitoring.NewStopwatch("[Analysis]")
	paths, stats, err := sampler.SampleParallel(ctx, cfg.GetTargetPaths(), res.Rules,
		cfg.SamplerConfig(), cfg.GetSeed(), cfg.GetSamplerWorkers())
	res.Stats = stats
	if err != nil {
		return nil, fmt.Errorf("sampling paths: %w", err)
	}
	res.Timings.Sampling = sw.Lap(PhaseSampling)
	monitoring.Logf("[Analysis] sampled %d paths in %d attempts (acceptance %.3f)",
		stats.Accepted, stats.Attempts, stats.AcceptanceRate())

	if err := finish(ctx, res, paths, sw); err != nil {
		return nil, err
	}
	return res, nil
}

// RunPaths runs the pipeline over an existing path population, such as one
// read back from an export, instead of sampling a new one. Only the grid and
// display settings of cfg apply; Stats counts every path as accepted.
func RunPaths(ctx context.Context, cfg *config.AnalysisConfig, paths []geom.Path) (*Result, error) {
	cfg, res, err := prepare(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()

	res.Stats = sampler.Stats{Attempts: len(paths), Accepted: len(paths)}
	monitoring.Logf("[Analysis] loaded %d paths", len(paths))
	if err := finish(ctx, res, paths, monitoring.NewStopwatch("[Analysis]")); err != nil {
		return nil, err
	}
	return res, nil
}

func prepare(cfg *config.AnalysisConfig) (*config.AnalysisConfig, *Result, error) {
	if cfg == nil {
		cfg = config.EmptyAnalysisConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid analysis config: %w", err)
	}
	rules, err := cfg.OcclusionRules()
	if err != nil {
		return nil, nil, err
	}
	return cfg, &Result{Config: cfg, Rules: rules}, nil
}

func withTimeout(ctx context.Context, cfg *config.AnalysisConfig) (context.Context, context.CancelFunc) {
	if d := cfg.GetTimeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return ctx, func() {}
}

// finish picks the display subset, accumulates the grid and summarizes it.
func finish(ctx context.Context, res *Result, paths []geom.Path, sw *monitoring.Stopwatch) error {
	cfg := res.Config
	res.Paths = paths

	// The display subset gets its own stream so it does not shift with the
	// number of sampler workers consuming seed..seed+n.
	res.Display = sampler.Subsample(paths, cfg.GetDisplayPaths(), rand.New(rand.NewSource(^cfg.GetSeed())))
	sw.Lap(PhaseDisplay)

	grid, err := density.Accumulate(ctx, paths, cfg.GridSpec(), density.WithWorkers(cfg.GetAccumulateWorkers()))
	if err != nil {
		return fmt.Errorf("accumulating density: %w", err)
	}
	res.Grid = grid
	res.Timings.Intersection = sw.Lap(PhaseIntersect)

	res.Distribution = summary.Summarize(grid)
	sw.Lap(PhaseSummary)

	res.Timings.Total = sw.Elapsed()
	monitoring.Logf("[Analysis] %dx%d grid at z=%.3f: total=%d max=%d, request time %.3fs",
		grid.Spec.Resolution, grid.Spec.Resolution, grid.Spec.DepthZ,
		grid.Total, grid.Max, res.Timings.Total.Seconds())
	return nil
}
