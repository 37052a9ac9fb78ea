package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/memstore"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/runner"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/runner/runnertest"
	apperrors "github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/errors"
)

type harness struct {
	store *memstore.Store
	fake  *runnertest.Fake
	rec   *Reconciler
}

func newHarness() *harness {
	store := memstore.New()
	fake := runnertest.New()
	return &harness{
		store: store,
		fake:  fake,
		rec:   New(store, fake, nil, Options{NamePrefix: "ingest-", Timezone: "Europe/Berlin"}),
	}
}

func (h *harness) config(t *testing.T, id int64) *ingestion.SourceConfig {
	t.Helper()
	cfg, err := h.store.GetSourceConfig(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	return cfg
}

func newsConfig() ingestion.SourceConfig {
	return ingestion.SourceConfig{
		Name:         "Daily News",
		ActorID:      "A",
		DefaultInput: map[string]any{"q": "go", "limit": 10},
		Schedule:     "0 * * * *",
		Active:       true,
	}
}

func TestSyncConverges(t *testing.T) {
	h := newHarness()
	cfg := h.store.AddSourceConfig(newsConfig())

	res := h.rec.Sync(context.Background())
	assert.Equal(t, 1, res.Created)
	assert.Empty(t, res.Errors)

	stored := h.config(t, cfg.ID)
	require.NotEmpty(t, stored.ScheduleID)
	remote := h.fake.Schedules()
	require.Len(t, remote, 1)
	assert.Equal(t, stored.ScheduleID, remote[0].ID)
	assert.Equal(t, "ingest-daily-news", remote[0].Name)
	assert.Equal(t, "0 * * * *", remote[0].CronExpression)
	assert.Equal(t, "Europe/Berlin", remote[0].Timezone)
	assert.True(t, remote[0].IsEnabled)
	assert.Equal(t, "A", remote[0].ActorID)

	again := h.rec.Sync(context.Background())
	assert.Equal(t, SyncResult{Unchanged: 1, Errors: []SyncError{}}, again)
	assert.Equal(t, 1, h.fake.Calls(runnertest.OpCreateSchedule))
	assert.Empty(t, h.fake.Updates())
}

func TestSyncUpdatesOnlyChangedFields(t *testing.T) {
	h := newHarness()
	cfg := h.store.AddSourceConfig(newsConfig())
	h.rec.Sync(context.Background())

	changed := h.config(t, cfg.ID)
	changed.Schedule = "30 6 * * *"
	h.store.AddSourceConfig(*changed)

	res := h.rec.Sync(context.Background())
	assert.Equal(t, 1, res.Updated)
	updates := h.fake.Updates()
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].CronExpression)
	assert.Equal(t, "30 6 * * *", *updates[0].CronExpression)
	assert.Nil(t, updates[0].Name)
	assert.Nil(t, updates[0].IsEnabled)
	assert.Nil(t, updates[0].ActorID)
	assert.Nil(t, updates[0].RunInput)

	assert.Equal(t, 1, h.rec.Sync(context.Background()).Unchanged)
}

func TestSyncSendsActorAndInputTogether(t *testing.T) {
	h := newHarness()
	cfg := h.store.AddSourceConfig(newsConfig())
	h.rec.Sync(context.Background())

	changed := h.config(t, cfg.ID)
	changed.DefaultInput = map[string]any{"q": "rust"}
	h.store.AddSourceConfig(*changed)

	res := h.rec.Sync(context.Background())
	assert.Equal(t, 1, res.Updated)
	updates := h.fake.Updates()
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].ActorID)
	assert.Equal(t, "A", *updates[0].ActorID)
	assert.Equal(t, map[string]any{"q": "rust"}, updates[0].RunInput)
	assert.Nil(t, updates[0].CronExpression)
}

func TestSyncRecreatesMissingSchedule(t *testing.T) {
	h := newHarness()
	seed := newsConfig()
	seed.ScheduleID = "vanished"
	cfg := h.store.AddSourceConfig(seed)

	res := h.rec.Sync(context.Background())
	assert.Equal(t, 1, res.Created)
	assert.Empty(t, res.Errors)
	stored := h.config(t, cfg.ID)
	assert.NotEqual(t, "vanished", stored.ScheduleID)
	assert.NotEmpty(t, stored.ScheduleID)
}

func TestSyncDeletesOrphansOnce(t *testing.T) {
	h := newHarness()
	h.fake.AddSchedule(runner.Schedule{ID: "old", Name: "ingest-retired"})
	h.fake.AddSchedule(runner.Schedule{ID: "foreign", Name: "someone-else"})

	res := h.rec.Sync(context.Background())
	assert.Equal(t, 1, res.Deleted)

	remaining := h.fake.Schedules()
	require.Len(t, remaining, 1)
	assert.Equal(t, "foreign", remaining[0].ID)

	assert.Equal(t, 0, h.rec.Sync(context.Background()).Deleted)
}

func TestSyncRemovesUndeclaredSchedule(t *testing.T) {
	h := newHarness()
	id := h.fake.AddSchedule(runner.Schedule{Name: "ingest-daily-news", IsEnabled: true})
	cfg := h.store.AddSourceConfig(ingestion.SourceConfig{Name: "Daily News", ActorID: "A", ScheduleID: id, Active: true})

	res := h.rec.Sync(context.Background())
	assert.Equal(t, 1, res.Deleted)
	assert.Empty(t, h.fake.Schedules())
	assert.Empty(t, h.config(t, cfg.ID).ScheduleID)
}

func TestSyncDisablesInactiveConfigSchedule(t *testing.T) {
	h := newHarness()
	cfg := h.store.AddSourceConfig(newsConfig())
	h.rec.Sync(context.Background())

	inactive := h.config(t, cfg.ID)
	inactive.Active = false
	h.store.AddSourceConfig(*inactive)

	res := h.rec.Sync(context.Background())
	assert.Equal(t, 1, res.Updated)
	remote := h.fake.Schedules()
	require.Len(t, remote, 1)
	assert.False(t, remote[0].IsEnabled)
	assert.Equal(t, inactive.ScheduleID, h.config(t, cfg.ID).ScheduleID)

	again := h.rec.Sync(context.Background())
	assert.Equal(t, 1, again.Unchanged)
	assert.Equal(t, 0, again.Deleted)
}

func TestSyncCollectsFailures(t *testing.T) {
	h := newHarness()
	first := h.store.AddSourceConfig(newsConfig())
	second := newsConfig()
	second.Name = "Weekly"
	h.store.AddSourceConfig(second)
	h.fake.FailNext(runnertest.OpCreateSchedule, errors.New("connection reset"))
	h.fake.FailNext(runnertest.OpListSchedules, errors.New("connection reset"))

	res := h.rec.Sync(context.Background())
	assert.Equal(t, 1, res.Created)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, first.ID, res.Errors[0].ConfigID)
	assert.Equal(t, OpCreate, res.Errors[0].Op)
	assert.Equal(t, OpList, res.Errors[1].Op)

	retry := h.rec.Sync(context.Background())
	assert.Equal(t, 1, retry.Created)
	assert.Equal(t, 1, retry.Unchanged)
	assert.Empty(t, retry.Errors)
}

func TestCreateForRequiresSchedule(t *testing.T) {
	h := newHarness()
	cfg := h.store.AddSourceConfig(ingestion.SourceConfig{ActorID: "A", Active: true})

	_, err := h.rec.CreateFor(context.Background(), cfg.ID)
	assert.ErrorIs(t, err, ErrScheduleNotDeclared)
	_, err = h.rec.UpdateFor(context.Background(), cfg.ID)
	assert.ErrorIs(t, err, ErrScheduleNotDeclared)

	_, err = h.rec.CreateFor(context.Background(), 404)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCreateForIsIdempotent(t *testing.T) {
	h := newHarness()
	cfg := h.store.AddSourceConfig(newsConfig())

	out, err := h.rec.CreateFor(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)

	out, err = h.rec.CreateFor(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionUnchanged, out.Action)
	assert.Len(t, h.fake.Schedules(), 1)
}

func TestCreateForReportsRunnerFailure(t *testing.T) {
	h := newHarness()
	cfg := h.store.AddSourceConfig(newsConfig())
	h.fake.FailNext(runnertest.OpCreateSchedule, &runner.APIError{Status: 401, Message: "bad token"})

	out, err := h.rec.CreateFor(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionFailed, out.Action)
	assert.Equal(t, OpCreate, out.Op)
	assert.Contains(t, out.Error, "bad token")
	assert.Empty(t, h.config(t, cfg.ID).ScheduleID)
}

func TestUpdateAndDeleteFor(t *testing.T) {
	h := newHarness()
	cfg := h.store.AddSourceConfig(newsConfig())

	out, err := h.rec.UpdateFor(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)

	renamed := h.config(t, cfg.ID)
	renamed.Name = "Morning Brief"
	h.store.AddSourceConfig(*renamed)

	out, err = h.rec.UpdateFor(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, out.Action)
	assert.Equal(t, []string{FieldName}, out.Changed)
	assert.Equal(t, "ingest-morning-brief", h.fake.Schedules()[0].Name)

	out, err = h.rec.DeleteFor(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionDeleted, out.Action)
	assert.Empty(t, h.fake.Schedules())
	assert.Empty(t, h.config(t, cfg.ID).ScheduleID)

	out, err = h.rec.DeleteFor(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, out.Action)
}

func TestVerifyStatus(t *testing.T) {
	h := newHarness()
	cfg := h.store.AddSourceConfig(newsConfig())
	ctx := context.Background()

	st, err := h.rec.VerifyStatus(ctx, cfg.ID)
	require.NoError(t, err)
	assert.False(t, st.Exists)
	assert.False(t, st.Synced)

	_, err = h.rec.CreateFor(ctx, cfg.ID)
	require.NoError(t, err)
	st, err = h.rec.VerifyStatus(ctx, cfg.ID)
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.True(t, st.Synced)
	assert.Equal(t, h.config(t, cfg.ID).ScheduleID, st.Details["schedule_id"])

	drifted := h.config(t, cfg.ID)
	drifted.Schedule = "*/5 * * * *"
	drifted.ActorID = "B"
	h.store.AddSourceConfig(*drifted)
	st, err = h.rec.VerifyStatus(ctx, cfg.ID)
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.False(t, st.Synced)
	assert.Equal(t, "actor_id,cron", st.Details["changed"])

	require.NoError(t, h.fake.DeleteSchedule(ctx, drifted.ScheduleID))
	st, err = h.rec.VerifyStatus(ctx, cfg.ID)
	require.NoError(t, err)
	assert.False(t, st.Exists)
	assert.Equal(t, "remote schedule missing", st.Details["reason"])

	plain := h.store.AddSourceConfig(ingestion.SourceConfig{ActorID: "A"})
	st, err = h.rec.VerifyStatus(ctx, plain.ID)
	require.NoError(t, err)
	assert.True(t, st.Synced)
}

func TestStartPeriodicSyncs(t *testing.T) {
	h := newHarness()
	cfg := h.store.AddSourceConfig(newsConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.rec.StartPeriodic(ctx, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		stored, err := h.store.GetSourceConfig(context.Background(), cfg.ID)
		return err == nil && stored != nil && stored.ScheduleID != ""
	}, time.Second, 5*time.Millisecond)
}

func TestScheduleName(t *testing.T) {
	tests := []struct {
		name string
		cfg  ingestion.SourceConfig
		want string
	}{
		{"plain", ingestion.SourceConfig{ID: 1, Name: "news"}, "ingest-news"},
		{"spaces and case", ingestion.SourceConfig{ID: 1, Name: "  Tech News Daily "}, "ingest-tech-news-daily"},
		{"punctuation", ingestion.SourceConfig{ID: 1, Name: "a//b__c!!"}, "ingest-a-b-c"},
		{"non ascii only", ingestion.SourceConfig{ID: 7, Name: "日本"}, "ingest-config-7"},
		{"empty", ingestion.SourceConfig{ID: 9}, "ingest-config-9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScheduleName("ingest-", &tt.cfg))
		})
	}
}

func TestDiffIgnoresEquivalentInput(t *testing.T) {
	want := runner.ScheduleSpec{Name: "n", CronExpression: "* * * * *", IsEnabled: true, ActorID: "A", RunInput: map[string]any{"limit": 10}}
	remote := &runner.Schedule{Name: "n", CronExpression: "* * * * * ", IsEnabled: true, ActorID: "A", RunInput: map[string]any{"limit": float64(10)}}

	upd, changed := diff(want, remote)
	assert.True(t, upd.Empty())
	assert.Empty(t, changed)

	want.RunInput = nil
	remote.RunInput = map[string]any{}
	upd, _ = diff(want, remote)
	assert.True(t, upd.Empty())
}
