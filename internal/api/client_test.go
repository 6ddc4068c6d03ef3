package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/muon.report/internal/db"
	"github.com/banshee-data/muon.report/internal/httputil"
	"github.com/banshee-data/muon.report/internal/jobs"
	"github.com/banshee-data/muon.report/internal/render"
)

func TestClient_EndToEnd(t *testing.T) {
	s, database, _ := setupTestServer(t)
	worker := jobs.NewAnalysisWorker(database, s.defaults)
	s.worker = worker

	ts := httptest.NewServer(LoggingMiddleware(s.ServeMux()))
	defer ts.Close()

	c := NewClient(ts.URL + "/")
	c.HTTP = ts.Client()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	created, err := c.CreateResult(ctx, CreateRequest{Overrides: map[string]string{"resolution": "3", "thickness": "0.3"}})
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, created.Status)

	require.NoError(t, worker.RunOnce(ctx))

	view, err := c.Wait(ctx, created.ID, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, db.StatusComplete, view.Status, view.Error)
	assert.EqualValues(t, 3, view.Effective["resolution"])
	for _, name := range render.PlotNames {
		assert.Contains(t, view.Plots, name)
	}

	resp, err := ts.Client().Get(ts.URL + "/api/results/" + created.ID + "/plots/" + jobs.ArtifactDensityPNG)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, jobs.ContentTypePNG, resp.Header.Get("Content-Type"))

	requeued, err := c.Reanalyse(ctx, created.ID, map[string]string{"depth_z": "0.25"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, requeued.Status)
	assert.Equal(t, 0.25, requeued.Parameters.GetDepthZ())
	assert.Equal(t, 3, requeued.Parameters.GetResolution())
}

func TestClient_StatusError(t *testing.T) {
	s, _, _ := setupTestServer(t)
	ts := httptest.NewServer(s.ServeMux())
	defer ts.Close()

	c := NewClient(ts.URL)
	_, err := c.GetResult(context.Background(), "missing")

	var se *httputil.StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Contains(t, se.Message, "not found")
}

func TestClient_WaitCancelled(t *testing.T) {
	s, database, _ := setupTestServer(t)
	ts := httptest.NewServer(s.ServeMux())
	defer ts.Close()

	r, err := database.CreateResult(context.Background(), nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = NewClient(ts.URL).Wait(ctx, r.ID, 5*time.Millisecond)
	assert.Error(t, err, "a pending result never finishes without a worker")
}
