package db

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/muon.report/internal/config"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func intPtr(v int) *int { return &v }

func TestCreateAndGetResult(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)
	params := &config.AnalysisConfig{Resolution: intPtr(20)}

	created, err := db.CreateResult(ctx, params, &start, &end)
	require.NoError(t, err)
	assert.Len(t, created.ID, 36)
	assert.Equal(t, StatusPending, created.Status)

	got, err := db.GetResult(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 20, got.Parameters.GetResolution())
	assert.Nil(t, got.Parameters.TargetPaths)
	require.NotNil(t, got.DetectorStart)
	assert.True(t, start.Equal(*got.DetectorStart))
	assert.True(t, end.Equal(*got.DetectorEnd))
	assert.Nil(t, got.Summary)
	assert.Empty(t, got.Error)
}

func TestGetResult_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetResult(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrResultNotFound)

	assert.ErrorIs(t, db.SetStatus(context.Background(), "missing", StatusFailed, ""), ErrResultNotFound)
	assert.ErrorIs(t, db.UpdateParameters(context.Background(), "missing", nil), ErrResultNotFound)
	assert.ErrorIs(t, db.DeleteResult(context.Background(), "missing"), ErrResultNotFound)
}

func TestListResults_NewestFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		r, err := db.CreateResult(ctx, nil, nil, nil)
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}

	list, err := db.ListResults(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[0], list[2].ID)

	list, err = db.ListResults(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, err := db.CreateResult(ctx, nil, nil, nil)
	require.NoError(t, err)
	second, err := db.CreateResult(ctx, nil, nil, nil)
	require.NoError(t, err)

	// Oldest pending first.
	claimed, err := db.ClaimPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, StatusProcessing, claimed.Status)

	claimed2, err := db.ClaimPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, second.ID, claimed2.ID)

	none, err := db.ClaimPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, db.CompleteResult(ctx, first.ID, map[string]int{"total": 3}))
	require.NoError(t, db.FailResult(ctx, second.ID, "sampling exhausted"))
	assert.ErrorIs(t, db.CompleteResult(ctx, second.ID, nil), ErrNotProcessing)
	assert.ErrorIs(t, db.FailResult(ctx, "missing", "x"), ErrResultNotFound)

	got, err := db.GetResult(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	assert.JSONEq(t, `{"total":3}`, string(got.Summary))

	got, err = db.GetResult(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "sampling exhausted", got.Error)
	assert.True(t, got.Status.Done())
}

func TestSetStatus_Invalid(t *testing.T) {
	db := newTestDB(t)
	r, err := db.CreateResult(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	assert.Error(t, db.SetStatus(context.Background(), r.ID, Status("bogus"), ""))
}

func TestUpdateParameters_ResetsAndClearsPlots(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	r, err := db.CreateResult(ctx, nil, nil, nil)
	require.NoError(t, err)
	_, err = db.ClaimPending(ctx)
	require.NoError(t, err)
	require.NoError(t, db.SavePlot(ctx, r.ID, "density_slice", "text/html", []byte("<html>")))
	require.NoError(t, db.CompleteResult(ctx, r.ID, map[string]int{"max": 2}))

	require.NoError(t, db.UpdateParameters(ctx, r.ID, &config.AnalysisConfig{Resolution: intPtr(5)}))

	got, err := db.GetResult(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 5, got.Parameters.GetResolution())
	assert.Nil(t, got.Summary)

	_, err = db.GetPlot(ctx, r.ID, "density_slice")
	assert.ErrorIs(t, err, ErrPlotNotFound)
}

func TestPlots(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	r, err := db.CreateResult(ctx, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, db.SavePlot(ctx, r.ID, "path_track", "text/html", []byte("v1")))
	require.NoError(t, db.SavePlot(ctx, r.ID, "path_track", "text/html", []byte("v2")))
	require.NoError(t, db.SavePlot(ctx, r.ID, "density_dist", "image/png", []byte{0x89}))

	p, err := db.GetPlot(ctx, r.ID, "path_track")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), p.Data)
	assert.Equal(t, "text/html", p.ContentType)

	names, err := db.ListPlots(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"density_dist", "path_track"}, names)

	require.NoError(t, db.ClearPlots(ctx, r.ID))
	names, err = db.ListPlots(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, names)

	// Plots need an existing result.
	assert.Error(t, db.SavePlot(ctx, "missing", "path_track", "text/html", []byte("x")))
}

func TestDeleteResult_CascadesPlots(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	r, err := db.CreateResult(ctx, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, db.SavePlot(ctx, r.ID, "path_track", "text/html", []byte("x")))
	require.NoError(t, db.DeleteResult(ctx, r.ID))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM result_plots`).Scan(&n))
	assert.Zero(t, n)
}

func TestRequeueProcessing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := db.CreateResult(ctx, nil, nil, nil)
		require.NoError(t, err)
	}
	_, err := db.ClaimPending(ctx)
	require.NoError(t, err)

	n, err := db.RequeueProcessing(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	list, err := db.ListResults(ctx, 0)
	require.NoError(t, err)
	for _, r := range list {
		assert.Equal(t, StatusPending, r.Status)
	}
}

func TestClaimPending_Concurrent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	const n = 10
	for i := 0; i < n; i++ {
		_, err := db.CreateResult(ctx, nil, nil, nil)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				r, err := db.ClaimPending(ctx)
				if err != nil {
					t.Errorf("ClaimPending: %v", err)
					return
				}
				if r == nil {
					return
				}
				mu.Lock()
				seen[r.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, "result %s claimed %d times", id, c)
	}
}

func TestResultJSON(t *testing.T) {
	db := newTestDB(t)
	r, err := db.CreateResult(context.Background(), &config.AnalysisConfig{Resolution: intPtr(7)}, nil, nil)
	require.NoError(t, err)

	b, err := json.Marshal(r)
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, `"status":"pending"`)
	assert.Contains(t, s, `"resolution":7`)
	assert.NotContains(t, s, "detector_start")
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	// tsweb only serves the debug index to loopback callers.
	req := httptest.NewRequest(http.MethodGet, "/debug/", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "tailsql") || strings.Contains(body, "SQL live debugging"), body)

	req = httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte{0x1f, 0x8b}))
}

func TestErrorsWrapSentinels(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetPlot(context.Background(), "x", "y")
	assert.True(t, errors.Is(err, ErrPlotNotFound))
}
