package api

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/muon.report/internal/config"
	"github.com/banshee-data/muon.report/internal/db"
	"github.com/banshee-data/muon.report/internal/httputil"
	"github.com/banshee-data/muon.report/internal/monitoring"
	"github.com/banshee-data/muon.report/internal/muon/analysis"
	"github.com/banshee-data/muon.report/internal/muon/density"
	"github.com/banshee-data/muon.report/internal/muon/sampler"
	"github.com/banshee-data/muon.report/internal/render"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// DefaultExampleTimeout bounds a synchronous /api/example run.
const DefaultExampleTimeout = 60 * time.Second

// Notifier is told when new work is queued. *jobs.AnalysisWorker satisfies it.
type Notifier interface {
	Notify()
}

type Server struct {
	db       *db.DB
	defaults *config.AnalysisConfig
	worker   Notifier

	// Render is passed to the chart builders of /api/example.
	Render render.Options
	// ExampleTimeout bounds /api/example; zero means DefaultExampleTimeout.
	ExampleTimeout time.Duration
}

// NewServer returns a server over database. defaults fill every parameter a
// stored result leaves unset; worker may be nil.
func NewServer(database *db.DB, defaults *config.AnalysisConfig, worker Notifier) *Server {
	if defaults == nil {
		defaults = config.DefaultAnalysisConfig()
	}
	return &Server{
		db:       database,
		defaults: defaults,
		worker:   worker,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/config", s.showConfig)
	mux.HandleFunc("GET /api/results", s.listResults)
	mux.HandleFunc("POST /api/results", s.createResult)
	mux.HandleFunc("GET /api/results/{id}", s.showResult)
	mux.HandleFunc("DELETE /api/results/{id}", s.deleteResult)
	mux.HandleFunc("POST /api/results/{id}/reanalyse", s.reanalyse)
	mux.HandleFunc("GET /api/results/{id}/progress", s.progress)
	mux.HandleFunc("GET /api/results/{id}/plots/{name}", s.showPlot)
	mux.HandleFunc("GET /api/example", s.example)
	return mux
}

func (s *Server) notify() {
	if s.worker != nil {
		s.worker.Notify()
	}
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, db.ErrResultNotFound), errors.Is(err, db.ErrPlotNotFound):
		return http.StatusNotFound
	case errors.Is(err, sampler.ErrInvalidSampleTarget),
		errors.Is(err, sampler.ErrInvalidSamplerConfig),
		errors.Is(err, density.ErrInvalidGridSpec):
		return http.StatusBadRequest
	case errors.Is(err, sampler.ErrSamplingExhausted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= 500 {
		monitoring.Logf("[API] %v", err)
	}
	httputil.WriteJSONError(w, status, err.Error())
}

// effective merges stored parameters over the server defaults and validates
// the result.
func (s *Server) effective(params *config.AnalysisConfig) (*config.AnalysisConfig, error) {
	cfg := s.defaults.Merge(params)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]interface{}{
		"defaults":   s.defaults.Parameters(),
		"parameters": config.ParameterNames(),
		"plots":      render.PlotNames,
	})
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}

	results, err := s.db.ListResults(r.Context(), limit)
	if err != nil {
		s.writeError(w, fmt.Errorf("listing results: %w", err))
		return
	}
	if results == nil {
		results = []db.Result{}
	}
	httputil.WriteJSONOK(w, results)
}

// CreateRequest is the body of POST /api/results. Overrides are applied on
// top of Parameters in their string form.
type CreateRequest struct {
	Parameters    *config.AnalysisConfig `json:"parameters,omitempty"`
	Overrides     map[string]string      `json:"overrides,omitempty"`
	DetectorStart *time.Time             `json:"detector_start,omitempty"`
	DetectorEnd   *time.Time             `json:"detector_end,omitempty"`
}

func (s *Server) createResult(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil && !errors.Is(err, httputil.ErrEmptyBody) {
		httputil.BadRequest(w, err.Error())
		return
	}

	params := config.EmptyAnalysisConfig().Merge(req.Parameters)
	if err := params.ApplyOverrides(req.Overrides); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if _, err := s.effective(params); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.DetectorStart != nil && req.DetectorEnd != nil && req.DetectorEnd.Before(*req.DetectorStart) {
		httputil.BadRequest(w, "detector_end is before detector_start")
		return
	}

	result, err := s.db.CreateResult(r.Context(), params, req.DetectorStart, req.DetectorEnd)
	if err != nil {
		s.writeError(w, fmt.Errorf("creating result: %w", err))
		return
	}
	monitoring.Logf("[API] queued result %s", result.ID)
	s.notify()

	w.Header().Set("Location", "/api/results/"+result.ID)
	httputil.WriteJSON(w, http.StatusCreated, result)
}

// ResultView is a stored result plus its effective parameters and the names
// of its cached plots.
type ResultView struct {
	*db.Result
	Effective map[string]any `json:"effective_parameters"`
	Plots     []string       `json:"plots"`
}

func (s *Server) showResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.db.GetResult(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	view := ResultView{
		Result:    result,
		Effective: s.defaults.Merge(result.Parameters).Parameters(),
		Plots:     []string{},
	}
	if result.Status == db.StatusComplete {
		names, err := s.db.ListPlots(r.Context(), result.ID)
		if err != nil {
			s.writeError(w, fmt.Errorf("listing plots: %w", err))
			return
		}
		view.Plots = append(view.Plots, names...)
	}
	httputil.WriteJSONOK(w, view)
}

func (s *Server) deleteResult(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteResult(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// reanalyseValues reads parameter overrides from a JSON object of strings or
// from form fields.
func reanalyseValues(r *http.Request) (map[string]string, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	values := map[string]string{}
	if ct == "application/json" {
		if err := httputil.DecodeJSON(r, &values); err != nil && !errors.Is(err, httputil.ErrEmptyBody) {
			return nil, err
		}
		return values, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("invalid form: %w", err)
	}
	for k, v := range r.PostForm {
		if len(v) > 0 {
			values[k] = v[0]
		}
	}
	return values, nil
}

func (s *Server) reanalyse(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.db.GetResult(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	values, err := reanalyseValues(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	params := config.EmptyAnalysisConfig().Merge(result.Parameters)
	if err := params.ApplyOverrides(values); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if _, err := s.effective(params); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	if err := s.db.UpdateParameters(r.Context(), id, params); err != nil {
		s.writeError(w, err)
		return
	}
	monitoring.Logf("[API] requeued result %s", id)
	s.notify()

	result, err = s.db.GetResult(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, result)
}

// progress tells a polling page whether to reload: the stored status has
// moved on from the one the page was rendered with.
func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	result, err := s.db.GetResult(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	current := db.Status(r.URL.Query().Get("current_status"))
	httputil.WriteJSONOK(w, map[string]interface{}{
		"status": result.Status,
		"reload": current != "" && current != result.Status,
	})
}

func (s *Server) showPlot(w http.ResponseWriter, r *http.Request) {
	id, name := r.PathValue("id"), r.PathValue("name")
	result, err := s.db.GetResult(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if result.Status != db.StatusComplete {
		httputil.WriteJSONError(w, http.StatusConflict,
			fmt.Sprintf("result %s is %s", id, result.Status))
		return
	}

	plot, err := s.db.GetPlot(r.Context(), id, name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteBytes(w, plot.ContentType, plot.Data)
}

// example runs the defaults, with any query parameters as overrides, and
// returns the chart page. format=json returns the run statistics instead.
func (s *Server) example(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	values := map[string]string{}
	for k, v := range q {
		if k == "format" || len(v) == 0 {
			continue
		}
		values[k] = v[0]
	}
	params := config.EmptyAnalysisConfig()
	if err := params.ApplyOverrides(values); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	cfg, err := s.effective(params)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	timeout := s.ExampleTimeout
	if timeout <= 0 {
		timeout = DefaultExampleTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	res, err := analysis.Run(ctx, cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if q.Get("format") == "json" {
		httputil.WriteJSONOK(w, res)
		return
	}
	page, err := render.HTML(render.Page(res, s.Render))
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteBytes(w, "text/html; charset=utf-8", page)
}
