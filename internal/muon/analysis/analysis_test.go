package analysis

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/muon.report/internal/config"
	"github.com/banshee-data/muon.report/internal/monitoring"
	"github.com/banshee-data/muon.report/internal/muon/geom"
	"github.com/banshee-data/muon.report/internal/muon/sampler"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func smallConfig(t *testing.T, overrides map[string]string) *config.AnalysisConfig {
	t.Helper()
	cfg := config.EmptyAnalysisConfig()
	base := map[string]string{
		"target_paths":  "2000",
		"display_paths": "50",
		"resolution":    "5",
	}
	for k, v := range overrides {
		base[k] = v
	}
	require.NoError(t, cfg.ApplyOverrides(base))
	return cfg
}

func TestRun_Small(t *testing.T) {
	t.Parallel()

	res, err := Run(context.Background(), smallConfig(t, nil))
	require.NoError(t, err)

	assert.Len(t, res.Paths, 2000)
	assert.Equal(t, 2000, res.Stats.Accepted)
	assert.NotEmpty(t, res.Display)
	assert.Less(t, len(res.Display), len(res.Paths))
	require.NotNil(t, res.Grid)
	assert.Len(t, res.Grid.Counts, 5)
	assert.Len(t, res.Distribution.Sorted, 25)
	assert.Equal(t, res.Grid.Total, res.Distribution.Total)
	assert.Equal(t, res.Grid.Max, res.Distribution.Max)
	assert.Len(t, res.Rules, 2)
	assert.GreaterOrEqual(t, res.Timings.Total, res.Timings.Sampling)
}

func TestRun_Deterministic(t *testing.T) {
	t.Parallel()

	a, err := Run(context.Background(), smallConfig(t, map[string]string{"seed": "11"}))
	require.NoError(t, err)
	b, err := Run(context.Background(), smallConfig(t, map[string]string{"seed": "11"}))
	require.NoError(t, err)

	assert.Equal(t, a.Paths, b.Paths)
	assert.Equal(t, a.Display, b.Display)
	assert.Equal(t, a.Grid.Counts, b.Grid.Counts)
}

func TestRun_AccumulateWorkersDoNotChangeCounts(t *testing.T) {
	t.Parallel()

	var counts [][]int
	for _, w := range []int{1, 3, 8} {
		res, err := Run(context.Background(), smallConfig(t, map[string]string{"accumulate_workers": strconv.Itoa(w)}))
		require.NoError(t, err)
		if counts == nil {
			counts = res.Grid.Counts
			continue
		}
		assert.Equal(t, counts, res.Grid.Counts, "accumulate_workers=%d", w)
	}
}

func TestRunPaths_MatchesSampledRun(t *testing.T) {
	t.Parallel()

	cfg := smallConfig(t, map[string]string{"seed": "5"})
	sampled, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	replayed, err := RunPaths(context.Background(), smallConfig(t, map[string]string{"seed": "5"}), sampled.Paths)
	require.NoError(t, err)

	assert.Equal(t, sampled.Grid.Counts, replayed.Grid.Counts)
	assert.Equal(t, sampled.Display, replayed.Display)
	assert.Equal(t, sampled.Distribution, replayed.Distribution)
	assert.Equal(t, len(sampled.Paths), replayed.Stats.Accepted)
	assert.Equal(t, replayed.Stats.Accepted, replayed.Stats.Attempts)
	assert.Zero(t, replayed.Timings.Sampling)
}

func TestRunPaths_Errors(t *testing.T) {
	t.Parallel()

	cfg := config.EmptyAnalysisConfig()
	bad := -1
	cfg.Resolution = &bad
	_, err := RunPaths(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "invalid analysis config")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = RunPaths(ctx, smallConfig(t, nil), []geom.Path{geom.NewPath(0.5, 0.5, 1, 0.5, 0.5, 0)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_Errors(t *testing.T) {
	t.Parallel()

	t.Run("invalid_config", func(t *testing.T) {
		cfg := config.EmptyAnalysisConfig()
		bad := 0
		cfg.Resolution = &bad
		_, err := Run(context.Background(), cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid analysis config")
	})

	t.Run("exhausted", func(t *testing.T) {
		cfg := smallConfig(t, map[string]string{"max_attempts": "10"})
		_, err := Run(context.Background(), cfg)
		assert.ErrorIs(t, err, sampler.ErrSamplingExhausted)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Run(ctx, smallConfig(t, nil))
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	})
}
