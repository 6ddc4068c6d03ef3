// Package jobs runs queued analyses in the background.
package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/muon.report/internal/config"
	"github.com/banshee-data/muon.report/internal/db"
	"github.com/banshee-data/muon.report/internal/export"
	"github.com/banshee-data/muon.report/internal/monitoring"
	"github.com/banshee-data/muon.report/internal/muon/analysis"
	"github.com/banshee-data/muon.report/internal/render"
)

// Artifact names stored next to the HTML plots.
const (
	ArtifactDensityPNG      = "density_png"
	ArtifactDistributionPNG = "distribution_png"
	ArtifactPathsCSV        = "paths_csv"
	ArtifactDensityCSV      = "density_csv"
)

// Content types of cached outputs.
const (
	ContentTypeHTML = "text/html; charset=utf-8"
	ContentTypePNG  = "image/png"
	ContentTypeCSV  = "text/csv; charset=utf-8"
)

// Summary is what a completed result stores about its run.
type Summary struct {
	Paths      int              `json:"paths"`
	Attempts   int              `json:"attempts"`
	Acceptance float64          `json:"acceptance"`
	Resolution int              `json:"resolution"`
	DepthZ     float64          `json:"depth_z"`
	Total      int              `json:"total"`
	Max        int              `json:"max"`
	Min        int              `json:"min"`
	Mean       float64          `json:"mean"`
	StdDev     float64          `json:"stddev"`
	Median     float64          `json:"median"`
	P90        float64          `json:"p90"`
	Timings    analysis.Timings `json:"timings"`
}

func summarize(res *analysis.Result) Summary {
	d := res.Distribution
	return Summary{
		Paths:      len(res.Paths),
		Attempts:   res.Stats.Attempts,
		Acceptance: res.Stats.AcceptanceRate(),
		Resolution: res.Grid.Spec.Resolution,
		DepthZ:     res.Grid.Spec.DepthZ,
		Total:      d.Total,
		Max:        d.Max,
		Min:        d.Min,
		Mean:       d.Mean,
		StdDev:     d.StdDev,
		Median:     d.Median,
		P90:        d.P90,
		Timings:    res.Timings,
	}
}

// AnalysisWorker claims pending results, runs their analysis with the
// stored parameters over Defaults and caches the rendered outputs.
type AnalysisWorker struct {
	DB       *db.DB
	Defaults *config.AnalysisConfig
	Render   render.Options
	Interval time.Duration // how often to poll for pending results
	StopChan chan struct{}

	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

// NewAnalysisWorker returns a worker polling every 5 seconds.
func NewAnalysisWorker(database *db.DB, defaults *config.AnalysisConfig) *AnalysisWorker {
	if defaults == nil {
		defaults = config.DefaultAnalysisConfig()
	}
	return &AnalysisWorker{
		DB:       database,
		Defaults: defaults,
		Interval: 5 * time.Second,
		StopChan: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start requeues results interrupted by a previous shutdown and runs the
// polling loop in a goroutine.
func (w *AnalysisWorker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	if n, err := w.DB.RequeueProcessing(ctx); err != nil {
		monitoring.Logf("[AnalysisWorker] requeue failed: %v", err)
	} else if n > 0 {
		monitoring.Logf("[AnalysisWorker] requeued %d interrupted result(s)", n)
	}

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			if err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("[AnalysisWorker] run error: %v", err)
			}
			select {
			case <-ticker.C:
			case <-w.wake:
			case <-w.StopChan:
				return
			}
		}
	}()
}

// Notify wakes the loop without waiting for the next tick.
func (w *AnalysisWorker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop cancels any in-flight analysis and waits for the loop to exit.
func (w *AnalysisWorker) Stop() {
	w.once.Do(func() {
		close(w.StopChan)
		if w.cancel != nil {
			w.cancel()
			<-w.done
		}
	})
}

// RunOnce processes pending results until none are left. Failures of a
// single analysis mark that result failed and do not stop the run.
func (w *AnalysisWorker) RunOnce(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := w.DB.ClaimPending(ctx)
		if err != nil {
			return err
		}
		if r == nil {
			return nil
		}
		if err := w.Process(ctx, r); err != nil {
			return err
		}
	}
}

// Process runs one claimed result. Analysis errors are recorded on the
// result; only storage errors and cancellation are returned.
func (w *AnalysisWorker) Process(ctx context.Context, r *db.Result) error {
	cfg := w.Defaults.Merge(r.Parameters)
	monitoring.Logf("[AnalysisWorker] processing %s", r.ID)

	res, err := analysis.Run(ctx, cfg)
	if err == nil {
		err = w.saveOutputs(ctx, r.ID, res)
	}
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down: leave it for RequeueProcessing on next start.
			return ctx.Err()
		}
		monitoring.Logf("[AnalysisWorker] result %s failed: %v", r.ID, err)
		return w.finished(r.ID, w.DB.FailResult(ctx, r.ID, err.Error()))
	}

	if err := w.finished(r.ID, w.DB.CompleteResult(ctx, r.ID, summarize(res))); err != nil {
		return err
	}
	monitoring.Logf("[AnalysisWorker] result %s complete in %.3fs", r.ID, res.Timings.Total.Seconds())
	return nil
}

// finished swallows ErrNotProcessing: the result was requeued while it ran
// and will be processed again with its new parameters.
func (w *AnalysisWorker) finished(id string, err error) error {
	if errors.Is(err, db.ErrNotProcessing) {
		monitoring.Logf("[AnalysisWorker] result %s changed while processing; discarding run", id)
		return nil
	}
	return err
}

type output struct {
	name        string
	contentType string
	data        []byte
}

func (w *AnalysisWorker) saveOutputs(ctx context.Context, id string, res *analysis.Result) error {
	plots, err := render.Plots(res, w.Render)
	if err != nil {
		return err
	}
	outs := make([]output, 0, len(plots)+4)
	for _, name := range render.PlotNames {
		outs = append(outs, output{name, ContentTypeHTML, plots[name]})
	}

	densityPNG, err := render.DensityPNG(res.Grid)
	if err != nil {
		return err
	}
	distPNG, err := render.DistributionPNG(res.Distribution)
	if err != nil {
		return err
	}
	pathsCSV, err := toBytes(func(wr io.Writer) error { return export.WritePathsCSV(wr, res.Paths) })
	if err != nil {
		return err
	}
	densityCSV, err := toBytes(func(wr io.Writer) error { return export.WriteDensityCSV(wr, res.Grid) })
	if err != nil {
		return err
	}
	outs = append(outs,
		output{ArtifactDensityPNG, ContentTypePNG, densityPNG},
		output{ArtifactDistributionPNG, ContentTypePNG, distPNG},
		output{ArtifactPathsCSV, ContentTypeCSV, pathsCSV},
		output{ArtifactDensityCSV, ContentTypeCSV, densityCSV},
	)

	for _, o := range outs {
		if err := w.DB.SavePlot(ctx, id, o.name, o.contentType, o.data); err != nil {
			return fmt.Errorf("caching %s: %w", o.name, err)
		}
	}
	return nil
}

func toBytes(write func(io.Writer) error) ([]byte, error) {
	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
