package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/resilience"
)

func testClient(t *testing.T, handler http.Handler) (*HTTPClient, *[]string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var observed []string
	policy := resilience.DefaultPolicy()
	policy.MinWait = time.Millisecond
	policy.MaxWait = 2 * time.Millisecond
	policy.JitterFraction = 0
	c := NewHTTPClient(Options{
		BaseURL: srv.URL,
		Token:   "secret-token",
		Timeout: 5 * time.Second,
		Retry:   policy,
		Probe: resilience.NewProbe(func(name, outcome string, _ time.Duration) {
			observed = append(observed, name+":"+outcome)
		}),
	})
	return c, &observed
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, typ, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"type": typ, "message": msg}})
}

func TestTriggerRun(t *testing.T) {
	var mu sync.Mutex
	var gotInput map[string]any
	c, observed := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/acts/acme~news-scraper/runs", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		mu.Lock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotInput))
		mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{
			"id": "R1", "actId": "A", "status": "READY", "defaultDatasetId": "D1",
		}})
	}))

	run, err := c.TriggerRun(context.Background(), "acme/news-scraper", map[string]any{"maxItems": 10})
	require.NoError(t, err)
	assert.Equal(t, "R1", run.ID)
	assert.Equal(t, "D1", run.DatasetID)
	assert.Equal(t, StatusReady, run.Status)
	mu.Lock()
	assert.Equal(t, float64(10), gotInput["maxItems"])
	mu.Unlock()
	assert.Equal(t, []string{"trigger_run:ok"}, *observed)
}

func TestTriggerRunDoesNotRetryActorErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusBadRequest, "invalid-input", "Input is not valid")
	}))

	_, err := c.TriggerRun(context.Background(), "A", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindActor, apperrors.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())

	var typed *apperrors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, "A", typed.ActorID())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid-input", apiErr.Type)
}

func TestAuthErrorsFailFast(t *testing.T) {
	var calls atomic.Int32
	c, observed := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusUnauthorized, "token-not-valid", "Authentication token is not valid")
	}))

	_, err := c.GetRun(context.Background(), "R1")
	assert.Equal(t, apperrors.KindAuth, apperrors.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"get_run:auth"}, *observed)
}

func TestRateLimitIsRetriedHonoringRetryAfter(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.01")
			writeAPIError(w, http.StatusTooManyRequests, "rate-limit-exceeded", "slow down")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": "R1", "status": "SUCCEEDED"}})
	}))

	start := time.Now()
	run, err := c.GetRun(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestDatasetReadErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusNotFound, "record-not-found", "Dataset was not found")
	}))

	_, err := c.ListDatasetItems(context.Background(), "D404", ListOptions{})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, apperrors.KindDataset, apperrors.KindOf(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestNetworkErrorsAreRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	policy := resilience.DefaultPolicy()
	policy.MinWait = time.Millisecond
	policy.MaxWait = time.Millisecond
	c := NewHTTPClient(Options{BaseURL: addr, Retry: policy, Timeout: time.Second})

	_, err := c.GetRun(context.Background(), "R1")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNetwork, apperrors.KindOf(err))
}

func TestListDatasetItemsAndFetchAll(t *testing.T) {
	items := make([]map[string]any, 5)
	for i := range items {
		items[i] = map[string]any{"url": fmt.Sprintf("https://example.com/%d", i)}
	}
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v2/datasets/D1/items", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "true", r.URL.Query().Get("clean"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		end := min(offset+limit, len(items))
		writeJSON(w, http.StatusOK, items[min(offset, len(items)):end])
	}))

	all, err := FetchAllItems(context.Background(), c, "D1", 2)
	require.NoError(t, err)
	require.Len(t, all.Items, 5)
	assert.Equal(t, "https://example.com/4", all.Items[4]["url"])
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, all.Error)
}

func TestScheduleLifecycle(t *testing.T) {
	var mu sync.Mutex
	stored := map[string]any{}
	var lastPut map[string]any
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/schedules":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&stored))
			stored["id"] = "S1"
			writeJSON(w, http.StatusCreated, map[string]any{"data": stored})
		case r.Method == http.MethodGet && r.URL.Path == "/v2/schedules/S1":
			writeJSON(w, http.StatusOK, map[string]any{"data": stored})
		case r.Method == http.MethodPut && r.URL.Path == "/v2/schedules/S1":
			body, _ := io.ReadAll(r.Body)
			lastPut = nil
			assert.NoError(t, json.Unmarshal(body, &lastPut))
			for k, v := range lastPut {
				stored[k] = v
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": stored})
		case r.Method == http.MethodDelete && r.URL.Path == "/v2/schedules/S1":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/v2/schedules":
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"total": 1, "items": []any{stored},
			}})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	ctx := context.Background()

	created, err := c.CreateSchedule(ctx, ScheduleSpec{
		Name:           "ingest-tech-news",
		CronExpression: "0 * * * *",
		Timezone:       "UTC",
		IsEnabled:      true,
		ActorID:        "A",
		RunInput:       map[string]any{"query": "go"},
	})
	require.NoError(t, err)
	assert.Equal(t, "S1", created.ID)
	assert.Equal(t, "A", created.ActorID)
	assert.Equal(t, map[string]any{"query": "go"}, created.RunInput)

	mu.Lock()
	actions := stored["actions"].([]any)
	action := actions[0].(map[string]any)
	assert.Equal(t, "RUN_ACTOR", action["type"])
	assert.Equal(t, `{"query":"go"}`, action["runInput"].(map[string]any)["body"])
	mu.Unlock()

	cron := "*/5 * * * *"
	updated, err := c.UpdateSchedule(ctx, "S1", ScheduleUpdate{CronExpression: &cron})
	require.NoError(t, err)
	assert.Equal(t, cron, updated.CronExpression)
	mu.Lock()
	assert.Len(t, lastPut, 1, "only changed fields are sent")
	mu.Unlock()

	got, err := c.GetSchedule(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, cron, got.CronExpression)
	assert.True(t, got.IsEnabled)

	list, err := c.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ingest-tech-news", list[0].Name)

	require.NoError(t, c.DeleteSchedule(ctx, "S1"))
}

func TestRunStatus(t *testing.T) {
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusAborted.Terminal())
	assert.False(t, StatusTimingOut.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSucceeded.Succeeded())
	assert.False(t, StatusFailed.Succeeded())
}

func TestBreakerStopsCallsDuringOutage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/v2/actor-runs/missing" {
			writeAPIError(w, http.StatusNotFound, "record-not-found", "no run")
			return
		}
		writeAPIError(w, http.StatusServiceUnavailable, "unavailable", "maintenance")
	}))
	t.Cleanup(srv.Close)

	policy := resilience.DefaultPolicy()
	policy.MaxAttempts = 1
	c := NewHTTPClient(Options{
		BaseURL: srv.URL,
		Retry:   policy,
		Timeout: time.Second,
		Breaker: resilience.NewCircuitBreaker("runner", resilience.BreakerConfig{
			FailureThreshold: 2,
			ResetTimeout:     time.Hour,
			IsFailure:        IsOutage,
		}),
	})
	ctx := context.Background()

	for range 3 {
		_, err := c.GetRun(ctx, "missing")
		require.True(t, IsNotFound(err))
	}
	for range 2 {
		_, err := c.GetRun(ctx, "R1")
		require.Error(t, err)
	}
	before := calls.Load()

	_, err := c.GetRun(ctx, "R1")
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, apperrors.KindNetwork, apperrors.KindOf(err))
	assert.Equal(t, before, calls.Load())
}

func TestIsOutage(t *testing.T) {
	assert.True(t, IsOutage(&APIError{Status: http.StatusBadGateway}))
	assert.False(t, IsOutage(&APIError{Status: http.StatusNotFound}))
	assert.False(t, IsOutage(&APIError{Status: http.StatusUnauthorized}))
	assert.True(t, IsOutage(context.DeadlineExceeded))
	assert.False(t, IsOutage(fmt.Errorf("plain")))
}

func TestRunStatusReadRetriesTransientServerError(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeAPIError(w, http.StatusServiceUnavailable, "unavailable", "try later")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": "R1", "status": "SUCCEEDED"}})
	}))

	run, err := c.GetRun(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestScheduleReadRetriesTransientServerError(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeAPIError(w, http.StatusBadGateway, "unavailable", "try later")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"id": "S1", "name": "ingest-a", "cronExpression": "0 * * * *", "isEnabled": true,
		}})
	}))

	s, err := c.GetSchedule(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, "ingest-a", s.Name)
	assert.Equal(t, int32(2), calls.Load())
}

func TestListSchedulesPagesWithoutTotal(t *testing.T) {
	var pages atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		n := 0
		switch offset {
		case 0:
			n = schedulePageSize
		case schedulePageSize:
			n = 1
		}
		items := make([]any, n)
		for i := range items {
			items[i] = map[string]any{"id": fmt.Sprintf("S%d", offset+i), "name": "ingest-x"}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"items": items}})
	}))

	list, err := c.ListSchedules(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, schedulePageSize+1)
	assert.Equal(t, fmt.Sprintf("S%d", schedulePageSize), list[schedulePageSize].ID)
	assert.Equal(t, int32(2), pages.Load())
}

func TestFetchAllItemsStopsWhenOffsetIsIgnored(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, []map[string]any{
			{"url": "https://example.com/1"},
			{"url": "https://example.com/2"},
		})
	}))

	all, err := FetchAllItems(context.Background(), c, "D1", 2)
	require.NoError(t, err)
	assert.Len(t, all.Items, 2)
	assert.Contains(t, all.Warning, "offset ignored")
	assert.Equal(t, int32(2), calls.Load())
}
