//go:build !integration

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/pipeline"
	"github.com/sells-group/prospect-cli/internal/store"
)

func newTestServer(t *testing.T, withLedger bool) (*statusServer, store.Ledger) {
	t.Helper()
	dir := t.TempDir()
	stores := pipeline.NewStores(filepath.Join(dir, "outputs"), filepath.Join(dir, "backups"))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := model.Record{ID: "a", Name: "Acme", URL: "https://acme.com"}
	a.MarkDone(model.StageDiscover, at)
	b := model.Record{ID: "b", Name: "Bright Wave", URL: model.URLNeeded}
	b.MarkDone(model.StageDiscover, at)
	require.NoError(t, stores.For(model.StageDiscover).Save([]model.Record{a, b}))

	if !withLedger {
		return newStatusServer(stores, nil), nil
	}
	l, err := store.NewSQLite(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, l.Migrate(context.Background()))
	t.Cleanup(func() { _ = l.Close() })
	return newStatusServer(stores, l), l
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestServe_Health(t *testing.T) {
	s, _ := newTestServer(t, false)
	rr := get(t, s.routes(), "/health")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServe_Status(t *testing.T) {
	s, _ := newTestServer(t, false)
	rr := get(t, s.routes(), "/status")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Stages []pipeline.StageStatus `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Stages, len(model.Stages()))
	assert.Equal(t, model.StageDiscover, body.Stages[0].Stage)
	assert.Equal(t, 2, body.Stages[0].Records)
	assert.Equal(t, 2, body.Stages[1].Pending, "dedup has not run")
}

func TestServe_Metrics(t *testing.T) {
	s, _ := newTestServer(t, false)
	rr := get(t, s.routes(), "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Contains(t, body, `prospect_stage_records{stage="discover",state="total"} 2`)
	assert.Contains(t, body, `prospect_stage_records{stage="dedup",state="pending"} 2`)
	assert.Contains(t, body, `prospect_stage_store_exists{stage="discover"} 1`)
	assert.Contains(t, body, `prospect_stage_store_exists{stage="gapfill"} 0`)
	assert.Contains(t, body, `prospect_stage_store_updated_timestamp_seconds{stage="discover"}`)
}

func TestServe_RunsWithoutLedger(t *testing.T) {
	s, _ := newTestServer(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.routes(), "/runs").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.routes(), "/runs/abc").Code)
}

func TestServe_Runs(t *testing.T) {
	s, l := newTestServer(t, true)
	ctx := context.Background()
	run, err := l.StartRun(ctx)
	require.NoError(t, err)
	sr, err := l.StartStage(ctx, run.ID, model.StageDiscover)
	require.NoError(t, err)
	require.NoError(t, l.CompleteStage(ctx, sr.ID, model.RunStatusComplete, &model.StageResult{Processed: 2}))
	require.NoError(t, l.FinishRun(ctx, run.ID, model.RunStatusComplete, ""))

	h := s.routes()

	rr := get(t, h, "/runs")
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Runs []model.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, run.ID, list.Runs[0].ID)

	rr = get(t, h, "/runs/"+run.ID)
	require.Equal(t, http.StatusOK, rr.Code)
	var detail struct {
		ID     string           `json:"id"`
		Status model.RunStatus  `json:"status"`
		Stages []model.StageRun `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &detail))
	assert.Equal(t, model.RunStatusComplete, detail.Status)
	require.Len(t, detail.Stages, 1)
	assert.Equal(t, 2, detail.Stages[0].Result.Processed)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/runs/missing").Code)
}

func TestServe_CORS(t *testing.T) {
	s, _ := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rr := httptest.NewRecorder()
	s.routes().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestServe_IsReadOnly(t *testing.T) {
	s, _ := newTestServer(t, false)
	h := s.routes()
	before, err := s.stores.For(model.StageDiscover).Load()
	require.NoError(t, err)

	get(t, h, "/status")
	get(t, h, "/metrics")

	after, err := s.stores.For(model.StageDiscover).Load()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.False(t, s.stores.For(model.StageGapFill).Exists())

	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
