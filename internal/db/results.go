package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/muon.report/internal/config"
)

// Status is the lifecycle state of a result.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Done reports whether no further processing will happen without a
// parameter change.
func (s Status) Done() bool {
	return s == StatusComplete || s == StatusFailed
}

var (
	// ErrResultNotFound is returned when no result has the requested ID.
	ErrResultNotFound = errors.New("result not found")
	// ErrPlotNotFound is returned when a result has no cached plot of that name.
	ErrPlotNotFound = errors.New("plot not found")
	// ErrNotProcessing is returned when finishing a result that is no longer
	// processing, e.g. because its parameters changed mid-run.
	ErrNotProcessing = errors.New("result is not processing")
)

// Result is one stored analysis request and its outcome.
type Result struct {
	ID         string                 `json:"id"`
	Status     Status                 `json:"status"`
	Parameters *config.AnalysisConfig `json:"parameters"`
	// DetectorStart and DetectorEnd bound the acquisition window the
	// analysis describes, when known.
	DetectorStart *time.Time      `json:"detector_start,omitempty"`
	DetectorEnd   *time.Time      `json:"detector_end,omitempty"`
	Summary       json.RawMessage `json:"summary,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Plot is a cached rendered output of a result.
type Plot struct {
	ResultID    string
	Name        string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}

// now stamps rows in UTC.
var now = func() time.Time { return time.Now().UTC() }

func nullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullableUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func encodeParameters(p *config.AnalysisConfig) (string, error) {
	if p == nil {
		p = config.EmptyAnalysisConfig()
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode parameters: %w", err)
	}
	return string(b), nil
}

// CreateResult stores a new pending result.
func (db *DB) CreateResult(ctx context.Context, params *config.AnalysisConfig, detectorStart, detectorEnd *time.Time) (*Result, error) {
	if params == nil {
		params = config.EmptyAnalysisConfig()
	}
	encoded, err := encodeParameters(params)
	if err != nil {
		return nil, err
	}
	t := now()
	r := &Result{
		ID:            uuid.New().String(),
		Status:        StatusPending,
		Parameters:    params,
		DetectorStart: detectorStart,
		DetectorEnd:   detectorEnd,
		CreatedAt:     t,
		UpdatedAt:     t,
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO results (id, status, parameters, detector_start, detector_end, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Status), encoded, nullableUnix(detectorStart), nullableUnix(detectorEnd),
		t.UnixNano(), t.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert result: %w", err)
	}
	return r, nil
}

const resultColumns = `id, status, parameters, detector_start, detector_end, summary, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*Result, error) {
	var (
		r                   Result
		status, params, msg string
		start, end          sql.NullInt64
		summary             sql.NullString
		created, updated    int64
	)
	if err := row.Scan(&r.ID, &status, &params, &start, &end, &summary, &msg, &created, &updated); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Parameters = config.EmptyAnalysisConfig()
	if err := json.Unmarshal([]byte(params), r.Parameters); err != nil {
		return nil, fmt.Errorf("result %s: failed to decode parameters: %w", r.ID, err)
	}
	r.DetectorStart = fromNullableUnix(start)
	r.DetectorEnd = fromNullableUnix(end)
	if summary.Valid && summary.String != "" {
		r.Summary = json.RawMessage(summary.String)
	}
	r.Error = msg
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	return &r, nil
}

// GetResult loads one result by ID.
func (db *DB) GetResult(ctx context.Context, id string) (*Result, error) {
	row := db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results WHERE id = ?`, id)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrResultNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load result: %w", err)
	}
	return r, nil
}

// ListResults returns results newest first. limit <= 0 returns all.
func (db *DB) ListResults(ctx context.Context, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM results ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (db *DB) expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrResultNotFound, id)
	}
	return nil
}

// SetStatus moves a result to status, recording errMsg (cleared when empty).
func (db *DB) SetStatus(ctx context.Context, id string, status Status, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := db.ExecContext(ctx,
		`UPDATE results SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return db.expectOne(res, id)
}

// CompleteResult marks a processing result complete and stores its summary.
func (db *DB) CompleteResult(ctx context.Context, id string, summary any) error {
	b, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	res, err := db.ExecContext(ctx,
		`UPDATE results SET status = ?, summary = ?, error = '', updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusComplete), string(b), now().UnixNano(), id, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to complete result: %w", err)
	}
	return db.expectProcessing(ctx, res, id)
}

// FailResult marks a processing result failed with errMsg.
func (db *DB) FailResult(ctx context.Context, id, errMsg string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE results SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusFailed), errMsg, now().UnixNano(), id, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to fail result: %w", err)
	}
	return db.expectProcessing(ctx, res, id)
}

// expectProcessing tells a missing result apart from one that moved on.
func (db *DB) expectProcessing(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := db.GetResult(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotProcessing, id)
}

// UpdateParameters replaces a result's parameters, resets it to pending and
// drops its cached plots and summary so the worker reprocesses it.
func (db *DB) UpdateParameters(ctx context.Context, id string, params *config.AnalysisConfig) error {
	encoded, err := encodeParameters(params)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE results SET parameters = ?, status = ?, summary = NULL, error = '', updated_at = ?
		WHERE id = ?`,
		encoded, string(StatusPending), now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update parameters: %w", err)
	}
	if err := db.expectOne(res, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM result_plots WHERE result_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear plots: %w", err)
	}
	return tx.Commit()
}

// ClaimPending atomically moves the oldest pending result to processing and
// returns it. It returns nil, nil when nothing is pending.
func (db *DB) ClaimPending(ctx context.Context) (*Result, error) {
	row := db.QueryRowContext(ctx, `
		UPDATE results SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM results WHERE status = ?
			ORDER BY created_at ASC, rowid ASC LIMIT 1
		)
		RETURNING `+resultColumns,
		string(StatusProcessing), now().UnixNano(), string(StatusPending))
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending result: %w", err)
	}
	return r, nil
}

// RequeueProcessing returns results left in processing, e.g. by a crash, to
// pending. It returns how many were requeued.
func (db *DB) RequeueProcessing(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE results SET status = ?, updated_at = ? WHERE status = ?`,
		string(StatusPending), now().UnixNano(), string(StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue results: %w", err)
	}
	return res.RowsAffected()
}

// DeleteResult removes a result and its plots.
func (db *DB) DeleteResult(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM results WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete result: %w", err)
	}
	return db.expectOne(res, id)
}

// SavePlot stores or replaces a named plot of a result.
func (db *DB) SavePlot(ctx context.Context, resultID, name, contentType string, data []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO result_plots (result_id, name, content_type, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (result_id, name) DO UPDATE SET
			content_type = excluded.content_type,
			data = excluded.data,
			created_at = excluded.created_at`,
		resultID, name, contentType, data, now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save plot %s: %w", name, err)
	}
	return nil
}

// GetPlot loads a cached plot.
func (db *DB) GetPlot(ctx context.Context, resultID, name string) (*Plot, error) {
	p := Plot{ResultID: resultID, Name: name}
	var created int64
	err := db.QueryRowContext(ctx,
		`SELECT content_type, data, created_at FROM result_plots WHERE result_id = ? AND name = ?`,
		resultID, name).Scan(&p.ContentType, &p.Data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrPlotNotFound, resultID, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plot: %w", err)
	}
	p.CreatedAt = time.Unix(0, created).UTC()
	return &p, nil
}

// ListPlots returns the names of a result's cached plots, sorted.
func (db *DB) ListPlots(ctx context.Context, resultID string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM result_plots WHERE result_id = ? ORDER BY name`, resultID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plots: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ClearPlots drops every cached plot of a result.
func (db *DB) ClearPlots(ctx context.Context, resultID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM result_plots WHERE result_id = ?`, resultID); err != nil {
		return fmt.Errorf("failed to clear plots: %w", err)
	}
	return nil
}
