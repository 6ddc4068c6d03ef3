// Package sampler generates synthetic muon trajectories through the unit
// detector volume.
//
// Candidates enter through the top face (z=1) on a coarse quantized grid and
// leave through the bottom face (z=0) after a quantized lateral drift. Each
// candidate that crosses an occluder survives only with that occluder's keep
// probability, which models absorption by dense material. The resulting
// population is the input of the density accumulator.
//
// Randomness always comes from a caller-provided Source so that runs are
// reproducible for a fixed seed. There is no package-level generator.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/muon.report/internal/muon/geom"
)

var (
	// ErrInvalidSampleTarget is returned when the requested path count is not positive.
	ErrInvalidSampleTarget = errors.New("invalid sample target")
	// ErrInvalidSamplerConfig is returned for unusable quantization steps,
	// drift ranges or occlusion probabilities.
	ErrInvalidSamplerConfig = errors.New("invalid sampler config")
	// ErrSamplingExhausted is returned when the attempt budget runs out before
	// the target number of paths has been accepted.
	ErrSamplingExhausted = errors.New("sampling exhausted")
)

// DefaultAttemptsPerPath scales the attempt budget when Config.MaxAttempts is unset.
const DefaultAttemptsPerPath = 1000

// cancelCheckInterval is how many candidate draws happen between context checks.
const cancelCheckInterval = 1024

// Top and Bottom are the z coordinates of the entry and exit faces.
const (
	Top    = 1.0
	Bottom = 0.0
)

// Source is the random handle the sampler draws from. *math/rand.Rand
// satisfies it.
type Source interface {
	Intn(n int) int
	Float64() float64
}

// Config holds the quantization and budget knobs of a sampling run.
type Config struct {
	// EntryGridStep is the spacing of the entry coordinates on the top face.
	// Entries sit at step/2 + k*step.
	EntryGridStep float64 `json:"entry_grid_step"`
	// DriftStep is the spacing of lateral exit offsets.
	DriftStep float64 `json:"drift_step"`
	// DriftRange is the largest lateral offset magnitude per axis.
	DriftRange float64 `json:"drift_range"`
	// MaxAttempts bounds the total number of candidate draws. Zero means
	// DefaultAttemptsPerPath times the target count.
	MaxAttempts int `json:"max_attempts"`
}

// DefaultConfig returns the reference quantization: a 10×10 entry grid and
// offsets of -0.3..0.3 in steps of 0.1.
func DefaultConfig() Config {
	return Config{
		EntryGridStep: 0.1,
		DriftStep:     0.1,
		DriftRange:    0.3,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !(c.EntryGridStep > 0) || c.EntryGridStep > 1 {
		return fmt.Errorf("%w: entry_grid_step must be in (0,1], got %g", ErrInvalidSamplerConfig, c.EntryGridStep)
	}
	if !(c.DriftStep > 0) {
		return fmt.Errorf("%w: drift_step must be positive, got %g", ErrInvalidSamplerConfig, c.DriftStep)
	}
	if !(c.DriftRange >= 0) {
		return fmt.Errorf("%w: drift_range must be non-negative, got %g", ErrInvalidSamplerConfig, c.DriftRange)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must be non-negative, got %d", ErrInvalidSamplerConfig, c.MaxAttempts)
	}
	return nil
}

// attemptBudget resolves MaxAttempts for a given target.
func (c Config) attemptBudget(target int) int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	if target > math.MaxInt/DefaultAttemptsPerPath {
		return math.MaxInt
	}
	return target * DefaultAttemptsPerPath
}

// entryCells is the number of quantized entry positions per axis.
func (c Config) entryCells() int {
	n := int(math.Round(1 / c.EntryGridStep))
	if n < 1 {
		n = 1
	}
	return n
}

// driftSteps is the number of quantized offsets per axis. Offsets run from
// -DriftRange upwards and never exceed +DriftRange, so a step that does not
// divide 2*DriftRange loses the partial last step.
func (c Config) driftSteps() int {
	return int(math.Floor(2*c.DriftRange/c.DriftStep+1e-9)) + 1
}

// OcclusionRule pairs an absorbing volume with the probability that a path
// crossing it is kept.
type OcclusionRule struct {
	Box             geom.Box `json:"box"`
	KeepProbability float64  `json:"keep_probability"`
}

// NewOcclusionRule validates keep and returns the rule.
func NewOcclusionRule(box geom.Box, keep float64) (OcclusionRule, error) {
	r := OcclusionRule{Box: box, KeepProbability: keep}
	if err := r.Validate(); err != nil {
		return OcclusionRule{}, err
	}
	return r, nil
}

// Validate checks that the keep probability lies in [0,1] and the box has
// positive extents.
func (r OcclusionRule) Validate() error {
	if !(r.KeepProbability >= 0 && r.KeepProbability <= 1) {
		return fmt.Errorf("%w: keep probability must be in [0,1], got %g", ErrInvalidSamplerConfig, r.KeepProbability)
	}
	if _, err := geom.NewBox(r.Box.X, r.Box.Y, r.Box.Z, r.Box.DX, r.Box.DY, r.Box.DZ); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSamplerConfig, err)
	}
	return nil
}

// DefaultOcclusionRules returns the reference scene: two 0.2-sided cubes on
// the floor of the volume, the first absorbing 80% and the second 40% of the
// paths that cross it.
func DefaultOcclusionRules() []OcclusionRule {
	return []OcclusionRule{
		{Box: geom.MustBox(0.30, 0.40, 0.0, 0.2, 0.2, 0.2), KeepProbability: 0.2},
		{Box: geom.MustBox(0.50, 0.40, 0.0, 0.2, 0.2, 0.2), KeepProbability: 0.6},
	}
}

// Stats describes how a sampling run spent its attempts.
type Stats struct {
	Attempts    int `json:"attempts"`
	OutOfBounds int `json:"out_of_bounds"`
	Occluded    int `json:"occluded"`
	Accepted    int `json:"accepted"`
}

// Add returns the element-wise sum of two Stats.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		Attempts:    s.Attempts + o.Attempts,
		OutOfBounds: s.OutOfBounds + o.OutOfBounds,
		Occluded:    s.Occluded + o.Occluded,
		Accepted:    s.Accepted + o.Accepted,
	}
}

// AcceptanceRate is Accepted/Attempts, or 0 before any attempt.
func (s Stats) AcceptanceRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Attempts)
}

// Sample draws candidates until target paths have been accepted.
//
// It fails with ErrSamplingExhausted once the attempt budget is spent and
// with ctx.Err() when the context is cancelled; in both cases the paths
// accepted so far are discarded but the returned Stats are still filled in.
func Sample(ctx context.Context, target int, rules []OcclusionRule, cfg Config, rng Source) ([]geom.Path, Stats, error) {
	var stats Stats
	if target <= 0 {
		return nil, stats, fmt.Errorf("%w: target must be positive, got %d", ErrInvalidSampleTarget, target)
	}
	if err := cfg.Validate(); err != nil {
		return nil, stats, err
	}
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, stats, fmt.Errorf("occlusion rule %d: %w", i, err)
		}
	}

	budget := cfg.attemptBudget(target)
	paths := make([]geom.Path, 0, target)

	for len(paths) < target {
		if stats.Attempts >= budget {
			return nil, stats, fmt.Errorf("%w: accepted %d of %d paths after %d attempts",
				ErrSamplingExhausted, len(paths), target, stats.Attempts)
		}
		if stats.Attempts%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, stats, err
			}
		}
		stats.Attempts++

		p, ok := cfg.drawCandidate(rng)
		if !ok {
			stats.OutOfBounds++
			continue
		}
		if !survives(p, rules, rng) {
			stats.Occluded++
			continue
		}
		paths = append(paths, p)
		stats.Accepted++
	}

	return paths, stats, nil
}

// drawCandidate returns a quantized candidate path and whether its exit
// point lies strictly inside the unit square.
func (c Config) drawCandidate(rng Source) (geom.Path, bool) {
	cells := c.entryCells()
	drifts := c.driftSteps()

	xi := quantize(c.EntryGridStep/2 + c.EntryGridStep*float64(rng.Intn(cells)))
	yi := quantize(c.EntryGridStep/2 + c.EntryGridStep*float64(rng.Intn(cells)))
	xf := quantize(xi + c.DriftStep*float64(rng.Intn(drifts)) - c.DriftRange)
	yf := quantize(yi + c.DriftStep*float64(rng.Intn(drifts)) - c.DriftRange)

	if !(xf > 0 && xf < 1) || !(yf > 0 && yf < 1) {
		return geom.Path{}, false
	}
	return geom.NewPath(xi, yi, Top, xf, yf, Bottom), true
}

// survives applies every occlusion rule in order. A random draw is consumed
// only for rules whose box the path actually crosses.
func survives(p geom.Path, rules []OcclusionRule, rng Source) bool {
	for _, r := range rules {
		if !geom.Overlaps(p, r.Box) || !geom.Intersects(p, r.Box) {
			continue
		}
		if rng.Float64() >= r.KeepProbability {
			return false
		}
	}
	return true
}

// quantize rounds away the float noise left by step arithmetic so that
// equal grid positions compare equal.
func quantize(v float64) float64 {
	const scale = 1e9
	return math.Round(v*scale) / scale
}
