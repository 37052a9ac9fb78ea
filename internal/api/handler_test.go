package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/itemproc"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/memstore"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/transform"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/webhook"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/runner"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/runner/runnertest"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/schedule"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/middleware"
)

type testServer struct {
	store  *memstore.Store
	fake   *runnertest.Fake
	router http.Handler
}

func newTestServer(secret string, apiKeys ...string) *testServer {
	store := memstore.New()
	fake := runnertest.New()
	proc := itemproc.New(transform.Transformer{}, false)
	ing := pipeline.New(store, fake, proc, nil, nil, pipeline.Options{PollInterval: time.Millisecond, MaxWait: time.Second})
	h := New(
		ing,
		pipeline.NewCoordinator(ing, 2, nil),
		webhook.New(store, fake, proc, nil, nil, nil, webhook.Options{Secret: secret}),
		schedule.New(store, fake, nil, schedule.Options{NamePrefix: "ingest-"}),
	)
	return &testServer{
		store:  store,
		fake:   fake,
		router: NewRouter(h, health.NewChecker(), nil, RouterOptions{RequestTimeout: time.Second, APIKeys: apiKeys}),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) seedRun(actorID, runID, datasetID string) {
	s.fake.QueueRun(actorID, runner.Run{ID: runID, DatasetID: datasetID, Status: runner.StatusSucceeded})
	s.fake.SetDataset(datasetID, []map[string]any{
		{"url": "https://example.com/" + runID, "title": "t", "content": "c"},
		{"url": "https://example.com/" + runID + "/untitled", "content": "c"},
	})
}

func TestIngestConfig(t *testing.T) {
	s := newTestServer("")
	cfg := s.store.AddSourceConfig(ingestion.SourceConfig{ActorID: "A", Active: true})
	s.seedRun("A", "R1", "D1")

	rec := s.do(t, http.MethodPost, "/api/v1/configs/1/ingest", []byte(`{"input":{"q":"go"}}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	run := decode[ingestion.IngestRun](t, rec)
	assert.Equal(t, cfg.ID, run.ConfigID)
	assert.Equal(t, ingestion.StateCompletedSuccess, run.Status)
	assert.Equal(t, 1, run.Processed)
	assert.Equal(t, 1, run.Skipped)
}

func TestIngestConfigWithoutBody(t *testing.T) {
	s := newTestServer("")
	s.store.AddSourceConfig(ingestion.SourceConfig{ActorID: "A", Active: true})
	s.seedRun("A", "R1", "D1")

	rec := s.do(t, http.MethodPost, "/api/v1/configs/1/ingest", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestIngestConfigErrors(t *testing.T) {
	s := newTestServer("")

	rec := s.do(t, http.MethodPost, "/api/v1/configs/abc/ingest", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/configs/42/ingest", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	run := decode[ingestion.IngestRun](t, rec)
	assert.Equal(t, pipeline.CodeNotFound, run.ErrorCode)

	rec = s.do(t, http.MethodPost, "/api/v1/configs/42/ingest", []byte(`{bad`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestBatch(t *testing.T) {
	s := newTestServer("")
	s.store.AddSourceConfig(ingestion.SourceConfig{ActorID: "A", Active: true})
	s.store.AddSourceConfig(ingestion.SourceConfig{ActorID: "B", Active: true})
	s.seedRun("A", "R1", "D1")
	s.seedRun("B", "R2", "D2")

	rec := s.do(t, http.MethodPost, "/api/v1/ingest/batch", []byte(`{"config_ids":[1,2,99],"overrides":{"2":{"q":"x"}}}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	batch := decode[ingestion.BatchIngestRun](t, rec)
	assert.Equal(t, 3, batch.TotalConfigs)
	assert.Equal(t, 2, batch.ProcessedConfigs)
	assert.Equal(t, 1, batch.FailedConfigs)
	assert.Equal(t, 2, batch.Processed)
	assert.Equal(t, 2, batch.Skipped)

	rec = s.do(t, http.MethodPost, "/api/v1/ingest/batch", []byte(`{"config_ids":[]}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookEndpoint(t *testing.T) {
	s := newTestServer("topsecret")
	s.fake.SetDataset("D1", []map[string]any{{"url": "https://example.com/a", "title": "t", "content": "c"}})
	body := []byte(`{"eventType":"ACTOR.RUN.SUCCEEDED","resource":{"id":"R1","actId":"A","status":"SUCCEEDED","defaultDatasetId":"D1"}}`)

	rec := s.do(t, http.MethodPost, "/api/v1/webhooks/runner", body, http.Header{webhook.SignatureHeader: {"sha256=00"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	signed := http.Header{webhook.SignatureHeader: {webhook.Sign("topsecret", body)}}
	rec = s.do(t, http.MethodPost, "/api/v1/webhooks/runner", body, signed)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[webhook.Result](t, rec)
	assert.Equal(t, webhook.StatusProcessed, res.Status)
	assert.Equal(t, 1, res.ItemsCreated)

	rec = s.do(t, http.MethodPost, "/api/v1/webhooks/runner", body, signed)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, webhook.StatusDuplicate, decode[webhook.Result](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/v1/webhooks/runner", []byte(`[1,2]`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/webhooks/runner", []byte(`{"resource":{}}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, webhook.StatusRejectedInvalid, decode[webhook.Result](t, rec).Status)
}

func TestScheduleEndpoints(t *testing.T) {
	s := newTestServer("")
	s.store.AddSourceConfig(ingestion.SourceConfig{Name: "news", ActorID: "A", Schedule: "0 * * * *", Active: true})
	s.store.AddSourceConfig(ingestion.SourceConfig{Name: "adhoc", ActorID: "B", Active: true})

	rec := s.do(t, http.MethodPost, "/api/v1/configs/1/schedule", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, schedule.ActionCreated, decode[schedule.ScheduleOutcome](t, rec).Action)

	rec = s.do(t, http.MethodPut, "/api/v1/configs/1/schedule", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, schedule.ActionUnchanged, decode[schedule.ScheduleOutcome](t, rec).Action)

	rec = s.do(t, http.MethodGet, "/api/v1/configs/1/schedule/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[schedule.Status](t, rec)
	assert.True(t, st.Exists)
	assert.True(t, st.Synced)

	rec = s.do(t, http.MethodPost, "/api/v1/configs/2/schedule", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/configs/77/schedule/status", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/schedules/sync", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[schedule.SyncResult](t, rec).Unchanged)

	rec = s.do(t, http.MethodDelete, "/api/v1/configs/1/schedule", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, schedule.ActionDeleted, decode[schedule.ScheduleOutcome](t, rec).Action)
	assert.Empty(t, s.fake.Schedules())
}

func TestScheduleRunnerFailureIsBadGateway(t *testing.T) {
	s := newTestServer("")
	s.store.AddSourceConfig(ingestion.SourceConfig{Name: "news", ActorID: "A", Schedule: "0 * * * *", Active: true})
	s.fake.FailNext(runnertest.OpCreateSchedule, &runner.APIError{Status: http.StatusInternalServerError, Message: "boom"})

	rec := s.do(t, http.MethodPost, "/api/v1/configs/1/schedule", nil, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, schedule.ActionFailed, decode[schedule.ScheduleOutcome](t, rec).Action)
}

func TestHealthRoutes(t *testing.T) {
	s := newTestServer("")
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health/live", nil, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health/ready", nil, nil).Code)
}

func TestOperatorRoutesRequireAPIKey(t *testing.T) {
	s := newTestServer("", "k1")
	s.fake.SetDataset("D1", nil)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/v1/schedules/sync", nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/v1/configs/1/ingest", nil, nil).Code)

	keyed := http.Header{middleware.APIKeyHeader: {"k1"}}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/schedules/sync", nil, keyed).Code)

	body := []byte(`{"resource":{"id":"R1","actId":"A","status":"SUCCEEDED","defaultDatasetId":"D1"}}`)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/webhooks/runner", body, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health/live", nil, nil).Code)
}
