package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/muon.report/internal/muon/density"
	"github.com/banshee-data/muon.report/internal/muon/geom"
	"github.com/banshee-data/muon.report/internal/muon/sampler"
)

// DefaultConfigPath is the path to the canonical analysis defaults file.
const DefaultConfigPath = "config/analysis.defaults.json"

// maxFileSize caps config files at 1MB.
const maxFileSize = 1 * 1024 * 1024

// AnalysisConfig holds the knobs of one analysis run. Every field is optional;
// nil fields fall back to the defaults documented on the Get* accessors. The
// same schema is stored as a result's parameters, so a stored result only
// records the values that differ from the defaults it was created with.
type AnalysisConfig struct {
	// Sampling
	TargetPaths    *int     `json:"target_paths,omitempty" yaml:"target_paths,omitempty"`
	DisplayPaths   *int     `json:"display_paths,omitempty" yaml:"display_paths,omitempty"`
	Seed           *int64   `json:"seed,omitempty" yaml:"seed,omitempty"`
	EntryGridStep  *float64 `json:"entry_grid_step,omitempty" yaml:"entry_grid_step,omitempty"`
	DriftStep      *float64 `json:"drift_step,omitempty" yaml:"drift_step,omitempty"`
	DriftRange     *float64 `json:"drift_range,omitempty" yaml:"drift_range,omitempty"`
	MaxAttempts    *int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	SamplerWorkers *int     `json:"sampler_workers,omitempty" yaml:"sampler_workers,omitempty"`

	// Density grid
	Resolution        *int     `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	DepthZ            *float64 `json:"depth_z,omitempty" yaml:"depth_z,omitempty"`
	Thickness         *float64 `json:"thickness,omitempty" yaml:"thickness,omitempty"`
	VerticalOnly      *bool    `json:"vertical_only,omitempty" yaml:"vertical_only,omitempty"`
	AccumulateWorkers *int     `json:"accumulate_workers,omitempty" yaml:"accumulate_workers,omitempty"`

	// Run
	Timeout *string `json:"timeout,omitempty" yaml:"timeout,omitempty"` // duration string like "5m"

	// Occluders replaces the default occlusion geometry when non-nil. An
	// empty list means no occluders.
	Occluders []Occluder `json:"occluders,omitempty" yaml:"occluders,omitempty"`
}

// Occluder is the file form of an occlusion rule.
type Occluder struct {
	X               float64 `json:"x" yaml:"x"`
	Y               float64 `json:"y" yaml:"y"`
	Z               float64 `json:"z" yaml:"z"`
	DX              float64 `json:"dx" yaml:"dx"`
	DY              float64 `json:"dy" yaml:"dy"`
	DZ              float64 `json:"dz" yaml:"dz"`
	KeepProbability float64 `json:"keep_probability" yaml:"keep_probability"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyAnalysisConfig returns an AnalysisConfig with all fields unset.
func EmptyAnalysisConfig() *AnalysisConfig {
	return &AnalysisConfig{}
}

// DefaultAnalysisConfig returns a config with every field set to its default.
// It mirrors config/analysis.defaults.json.
func DefaultAnalysisConfig() *AnalysisConfig {
	c := EmptyAnalysisConfig()
	return &AnalysisConfig{
		TargetPaths:       ptrInt(c.GetTargetPaths()),
		DisplayPaths:      ptrInt(c.GetDisplayPaths()),
		Seed:              ptrInt64(c.GetSeed()),
		EntryGridStep:     ptrFloat64(c.GetEntryGridStep()),
		DriftStep:         ptrFloat64(c.GetDriftStep()),
		DriftRange:        ptrFloat64(c.GetDriftRange()),
		MaxAttempts:       ptrInt(c.GetMaxAttempts()),
		SamplerWorkers:    ptrInt(c.GetSamplerWorkers()),
		Resolution:        ptrInt(c.GetResolution()),
		DepthZ:            ptrFloat64(c.GetDepthZ()),
		Thickness:         ptrFloat64(c.GetThickness()),
		VerticalOnly:      ptrBool(c.GetVerticalOnly()),
		AccumulateWorkers: ptrInt(c.GetAccumulateWorkers()),
		Timeout:           ptrString(c.GetTimeout().String()),
		Occluders:         c.GetOccluders(),
	}
}

// LoadAnalysisConfig loads an AnalysisConfig from a .json, .yaml or .yml file
// of at most 1MB. Fields omitted from the file stay nil, so partial configs
// are safe.
func LoadAnalysisConfig(path string) (*AnalysisConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyAnalysisConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root. It panics if the file
// cannot be loaded and is intended for tests and CLI setup.
func MustLoadDefaultConfig() *AnalysisConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/muon/analysis/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadAnalysisConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run from repository root")
}

// Validate checks every set field by converting to the core types and
// running their own validation.
func (c *AnalysisConfig) Validate() error {
	if c.TargetPaths != nil && *c.TargetPaths <= 0 {
		return fmt.Errorf("target_paths must be positive, got %d", *c.TargetPaths)
	}
	if c.DisplayPaths != nil && *c.DisplayPaths < 0 {
		return fmt.Errorf("display_paths must be non-negative, got %d", *c.DisplayPaths)
	}
	if c.SamplerWorkers != nil && *c.SamplerWorkers < 0 {
		return fmt.Errorf("sampler_workers must be non-negative, got %d", *c.SamplerWorkers)
	}
	if c.AccumulateWorkers != nil && *c.AccumulateWorkers < 0 {
		return fmt.Errorf("accumulate_workers must be non-negative, got %d", *c.AccumulateWorkers)
	}
	if c.Timeout != nil && *c.Timeout != "" {
		d, err := time.ParseDuration(*c.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout '%s': %w", *c.Timeout, err)
		}
		if d < 0 {
			return fmt.Errorf("timeout must be non-negative, got %s", d)
		}
	}
	if err := c.SamplerConfig().Validate(); err != nil {
		return err
	}
	if err := c.GridSpec().Validate(); err != nil {
		return err
	}
	if _, err := c.OcclusionRules(); err != nil {
		return err
	}
	return nil
}

// Merge returns a copy of c with every field set in o taking precedence.
func (c *AnalysisConfig) Merge(o *AnalysisConfig) *AnalysisConfig {
	out := *c
	if c.Occluders != nil {
		out.Occluders = append([]Occluder{}, c.Occluders...)
	}
	if o == nil {
		return &out
	}
	if o.TargetPaths != nil {
		out.TargetPaths = o.TargetPaths
	}
	if o.DisplayPaths != nil {
		out.DisplayPaths = o.DisplayPaths
	}
	if o.Seed != nil {
		out.Seed = o.Seed
	}
	if o.EntryGridStep != nil {
		out.EntryGridStep = o.EntryGridStep
	}
	if o.DriftStep != nil {
		out.DriftStep = o.DriftStep
	}
	if o.DriftRange != nil {
		out.DriftRange = o.DriftRange
	}
	if o.MaxAttempts != nil {
		out.MaxAttempts = o.MaxAttempts
	}
	if o.SamplerWorkers != nil {
		out.SamplerWorkers = o.SamplerWorkers
	}
	if o.Resolution != nil {
		out.Resolution = o.Resolution
	}
	if o.DepthZ != nil {
		out.DepthZ = o.DepthZ
	}
	if o.Thickness != nil {
		out.Thickness = o.Thickness
	}
	if o.VerticalOnly != nil {
		out.VerticalOnly = o.VerticalOnly
	}
	if o.AccumulateWorkers != nil {
		out.AccumulateWorkers = o.AccumulateWorkers
	}
	if o.Timeout != nil {
		out.Timeout = o.Timeout
	}
	if o.Occluders != nil {
		out.Occluders = append([]Occluder{}, o.Occluders...)
	}
	return &out
}

// ParameterNames lists the scalar parameters accepted by ApplyOverrides, sorted.
func ParameterNames() []string {
	names := []string{
		"target_paths", "display_paths", "seed", "entry_grid_step", "drift_step",
		"drift_range", "max_attempts", "sampler_workers", "resolution", "depth_z",
		"thickness", "vertical_only", "accumulate_workers", "timeout",
	}
	sort.Strings(names)
	return names
}

// ApplyOverrides sets scalar parameters from their string forms, as submitted
// by a reanalysis form. Empty values are ignored. Each value is parsed as the
// type of its field; unknown names are rejected. The config is validated
// afterwards.
func (c *AnalysisConfig) ApplyOverrides(values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, name := range keys {
		raw := strings.TrimSpace(values[name])
		if raw == "" {
			continue
		}
		if err := c.set(name, raw); err != nil {
			return fmt.Errorf("parameter %s: %w", name, err)
		}
	}
	return c.Validate()
}

func (c *AnalysisConfig) set(name, raw string) error {
	parseInt := func() (*int, error) {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid int '%s': %w", raw, err)
		}
		return &v, nil
	}
	parseFloat := func() (*float64, error) {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float '%s': %w", raw, err)
		}
		return &v, nil
	}

	var err error
	switch name {
	case "target_paths":
		c.TargetPaths, err = parseInt()
	case "display_paths":
		c.DisplayPaths, err = parseInt()
	case "max_attempts":
		c.MaxAttempts, err = parseInt()
	case "sampler_workers":
		c.SamplerWorkers, err = parseInt()
	case "resolution":
		c.Resolution, err = parseInt()
	case "accumulate_workers":
		c.AccumulateWorkers, err = parseInt()
	case "seed":
		v, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			return fmt.Errorf("invalid int '%s': %w", raw, perr)
		}
		c.Seed = &v
	case "entry_grid_step":
		c.EntryGridStep, err = parseFloat()
	case "drift_step":
		c.DriftStep, err = parseFloat()
	case "drift_range":
		c.DriftRange, err = parseFloat()
	case "depth_z":
		c.DepthZ, err = parseFloat()
	case "thickness":
		c.Thickness, err = parseFloat()
	case "vertical_only":
		v, perr := strconv.ParseBool(raw)
		if perr != nil {
			return fmt.Errorf("invalid bool '%s': %w", raw, perr)
		}
		c.VerticalOnly = &v
	case "timeout":
		c.Timeout = ptrString(raw)
	default:
		return fmt.Errorf("unknown parameter")
	}
	return err
}

// Parameters flattens the effective scalar values, defaults included, for
// display and form pre-filling.
func (c *AnalysisConfig) Parameters() map[string]any {
	return map[string]any{
		"target_paths":       c.GetTargetPaths(),
		"display_paths":      c.GetDisplayPaths(),
		"seed":               c.GetSeed(),
		"entry_grid_step":    c.GetEntryGridStep(),
		"drift_step":         c.GetDriftStep(),
		"drift_range":        c.GetDriftRange(),
		"max_attempts":       c.GetMaxAttempts(),
		"sampler_workers":    c.GetSamplerWorkers(),
		"resolution":         c.GetResolution(),
		"depth_z":            c.GetDepthZ(),
		"thickness":          c.GetThickness(),
		"vertical_only":      c.GetVerticalOnly(),
		"accumulate_workers": c.GetAccumulateWorkers(),
		"timeout":            c.GetTimeout().String(),
	}
}

// SamplerConfig converts the sampling fields to the sampler's config.
func (c *AnalysisConfig) SamplerConfig() sampler.Config {
	return sampler.Config{
		EntryGridStep: c.GetEntryGridStep(),
		DriftStep:     c.GetDriftStep(),
		DriftRange:    c.GetDriftRange(),
		MaxAttempts:   c.GetMaxAttempts(),
	}
}

// GridSpec converts the grid fields to the accumulator's spec.
func (c *AnalysisConfig) GridSpec() density.GridSpec {
	policy := density.AllPaths
	if c.GetVerticalOnly() {
		policy = density.VerticalOnly
	}
	return density.GridSpec{
		Resolution: c.GetResolution(),
		DepthZ:     c.GetDepthZ(),
		Thickness:  c.GetThickness(),
		Policy:     policy,
	}
}

// OcclusionRules converts the occluders to validated sampler rules.
func (c *AnalysisConfig) OcclusionRules() ([]sampler.OcclusionRule, error) {
	occluders := c.GetOccluders()
	rules := make([]sampler.OcclusionRule, 0, len(occluders))
	for i, o := range occluders {
		box, err := geom.NewBox(o.X, o.Y, o.Z, o.DX, o.DY, o.DZ)
		if err != nil {
			return nil, fmt.Errorf("occluder %d: %w", i, err)
		}
		r, err := sampler.NewOcclusionRule(box, o.KeepProbability)
		if err != nil {
			return nil, fmt.Errorf("occluder %d: %w", i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// GetTargetPaths returns the target_paths value or the default.
func (c *AnalysisConfig) GetTargetPaths() int {
	if c.TargetPaths == nil {
		return 100000
	}
	return *c.TargetPaths
}

// GetDisplayPaths returns the display_paths value or the default.
func (c *AnalysisConfig) GetDisplayPaths() int {
	if c.DisplayPaths == nil {
		return 400
	}
	return *c.DisplayPaths
}

// GetSeed returns the seed value or the default.
func (c *AnalysisConfig) GetSeed() int64 {
	if c.Seed == nil {
		return 1
	}
	return *c.Seed
}

// GetEntryGridStep returns the entry_grid_step value or the default.
func (c *AnalysisConfig) GetEntryGridStep() float64 {
	if c.EntryGridStep == nil {
		return 0.1
	}
	return *c.EntryGridStep
}

// GetDriftStep returns the drift_step value or the default.
func (c *AnalysisConfig) GetDriftStep() float64 {
	if c.DriftStep == nil {
		return 0.1
	}
	return *c.DriftStep
}

// GetDriftRange returns the drift_range value or the default.
func (c *AnalysisConfig) GetDriftRange() float64 {
	if c.DriftRange == nil {
		return 0.3
	}
	return *c.DriftRange
}

// GetMaxAttempts returns the max_attempts value or the default (0, meaning
// sampler.DefaultAttemptsPerPath per target path).
func (c *AnalysisConfig) GetMaxAttempts() int {
	if c.MaxAttempts == nil {
		return 0
	}
	return *c.MaxAttempts
}

// GetSamplerWorkers returns the sampler_workers value or the default. The
// sampled population depends on this value, so it is fixed rather than
// derived from the host's CPU count.
func (c *AnalysisConfig) GetSamplerWorkers() int {
	if c.SamplerWorkers == nil {
		return 4
	}
	return *c.SamplerWorkers
}

// GetResolution returns the resolution value or the default.
func (c *AnalysisConfig) GetResolution() int {
	if c.Resolution == nil {
		return 10
	}
	return *c.Resolution
}

// GetDepthZ returns the depth_z value or the default.
func (c *AnalysisConfig) GetDepthZ() float64 {
	if c.DepthZ == nil {
		return 0
	}
	return *c.DepthZ
}

// GetThickness returns the thickness value or the default, one cell width
// (cubic cells).
func (c *AnalysisConfig) GetThickness() float64 {
	if c.Thickness == nil {
		if r := c.GetResolution(); r > 0 {
			return 1 / float64(r)
		}
		return 0
	}
	return *c.Thickness
}

// GetVerticalOnly returns the vertical_only value or the default.
func (c *AnalysisConfig) GetVerticalOnly() bool {
	if c.VerticalOnly == nil {
		return false
	}
	return *c.VerticalOnly
}

// GetAccumulateWorkers returns the accumulate_workers value or the default
// (0, meaning GOMAXPROCS).
func (c *AnalysisConfig) GetAccumulateWorkers() int {
	if c.AccumulateWorkers == nil {
		return 0
	}
	return *c.AccumulateWorkers
}

// GetTimeout parses and returns the Timeout as a time.Duration. Zero disables
// the deadline.
func (c *AnalysisConfig) GetTimeout() time.Duration {
	if c.Timeout == nil || *c.Timeout == "" {
		return 5 * time.Minute // default
	}
	d, err := time.ParseDuration(*c.Timeout)
	if err != nil {
		return 5 * time.Minute // default on parse error
	}
	return d
}

// GetOccluders returns the occluders or the default reference geometry.
func (c *AnalysisConfig) GetOccluders() []Occluder {
	if c.Occluders == nil {
		defaults := sampler.DefaultOcclusionRules()
		out := make([]Occluder, len(defaults))
		for i, r := range defaults {
			out[i] = Occluder{
				X: r.Box.X, Y: r.Box.Y, Z: r.Box.Z,
				DX: r.Box.DX, DY: r.Box.DY, DZ: r.Box.DZ,
				KeepProbability: r.KeepProbability,
			}
		}
		return out
	}
	return c.Occluders
}
