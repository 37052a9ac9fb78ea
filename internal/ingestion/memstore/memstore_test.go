package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/errors"
)

func record(url string) *ingestion.ContentRecord {
	return &ingestion.ContentRecord{URL: url, Title: "t", Body: "b", Status: ingestion.ContentStatusIngested}
}

func TestUpsertByURLResolvesExisting(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, err := s.UpsertContentByURL(ctx, record("https://example.com/a"), false)
	require.NoError(t, err)
	assert.Equal(t, ingestion.UpsertCreated, first.Result)

	rec := record("https://example.com/a")
	rec.Title = "changed"
	second, err := s.UpsertContentByURL(ctx, rec, false)
	require.NoError(t, err)
	assert.Equal(t, ingestion.UpsertExisting, second.Result)
	assert.Equal(t, first.ContentID, second.ContentID)
	assert.Equal(t, "t", s.ContentByURL("https://example.com/a").Title)

	third, err := s.UpsertContentByURL(ctx, rec, true)
	require.NoError(t, err)
	assert.Equal(t, ingestion.UpsertUpdated, third.Result)
	assert.Equal(t, first.ContentID, third.ContentID)
	assert.Equal(t, "changed", s.ContentByURL("https://example.com/a").Title)
	assert.Len(t, s.Contents(), 1)
}

func TestConcurrentUpsertCreatesOneRecord(t *testing.T) {
	ctx := context.Background()
	s := New()

	var wg sync.WaitGroup
	ids := make([]int64, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := s.UpsertContentByURL(ctx, record("https://example.com/same"), false)
			assert.NoError(t, err)
			ids[i] = out.ContentID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, s.Contents(), 1)
}

func TestInTxRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx ingestion.Store) error {
		_, err := tx.InsertWebhookEvent(ctx, &ingestion.WebhookEvent{RunID: "r1", Status: "SUCCEEDED"})
		require.NoError(t, err)
		_, err = tx.UpsertContentByURL(ctx, record("https://example.com/a"), false)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Empty(t, s.Contents())
	assert.Empty(t, s.WebhookEvents())
}

func TestIsolateUndoesOnlyTheFailedBlock(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.InTx(ctx, func(tx ingestion.Store) error {
		_, err := tx.UpsertContentByURL(ctx, record("https://example.com/keep"), false)
		require.NoError(t, err)

		isoErr := tx.Isolate(ctx, func(tx ingestion.Store) error {
			_, err := tx.UpsertContentByURL(ctx, record("https://example.com/drop"), false)
			require.NoError(t, err)
			return errors.New("item failed")
		})
		assert.Error(t, isoErr)
		return nil
	})
	require.NoError(t, err)

	assert.NotNil(t, s.ContentByURL("https://example.com/keep"))
	assert.Nil(t, s.ContentByURL("https://example.com/drop"))
}

func TestIsolateRestoresOverwrittenRecord(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.UpsertContentByURL(ctx, record("https://example.com/a"), false)
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx ingestion.Store) error {
		return tx.Isolate(ctx, func(tx ingestion.Store) error {
			rec := record("https://example.com/a")
			rec.Title = "overwritten"
			_, err := tx.UpsertContentByURL(ctx, rec, true)
			require.NoError(t, err)
			return errors.New("undo")
		})
	})
	require.Error(t, err)
	assert.Equal(t, "t", s.ContentByURL("https://example.com/a").Title)
}

func TestWebhookEventUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()

	ev, err := s.FindWebhookEvent(ctx, "r1", "SUCCEEDED")
	require.NoError(t, err)
	assert.Nil(t, ev)

	res, err := s.InsertWebhookEvent(ctx, &ingestion.WebhookEvent{RunID: "r1", Status: "SUCCEEDED"})
	require.NoError(t, err)
	assert.Equal(t, ingestion.Inserted, res)

	res, err = s.InsertWebhookEvent(ctx, &ingestion.WebhookEvent{RunID: "r1", Status: "SUCCEEDED"})
	require.NoError(t, err)
	assert.Equal(t, ingestion.Duplicate, res)

	res, err = s.InsertWebhookEvent(ctx, &ingestion.WebhookEvent{RunID: "r1", Status: "FAILED"})
	require.NoError(t, err)
	assert.Equal(t, ingestion.Inserted, res)

	ev, err = s.FindWebhookEvent(ctx, "r1", "SUCCEEDED")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.False(t, ev.ReceivedAt.IsZero())
}

func TestRawItemLinksOnce(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.InsertRawItem(ctx, "run-1", []byte(`{"url":"x"}`))
	require.NoError(t, err)
	contentID := int64(42)
	require.NoError(t, s.LinkRawItem(ctx, id, &contentID, ""))

	err = s.LinkRawItem(ctx, id, nil, "late error")
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	items := s.RawItems("run-1")
	require.Len(t, items, 1)
	require.NotNil(t, items[0].ContentID)
	assert.Equal(t, int64(42), *items[0].ContentID)
	assert.Empty(t, items[0].Error)

	assert.ErrorIs(t, s.LinkRawItem(ctx, 999, nil, "x"), apperrors.ErrNotFound)
}

func TestSourceConfigQueries(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := s.AddSourceConfig(ingestion.SourceConfig{Name: "a", ActorID: "u~a", Schedule: "0 * * * *", Active: true})
	s.AddSourceConfig(ingestion.SourceConfig{Name: "b", ActorID: "u~b", Active: true})
	c := s.AddSourceConfig(ingestion.SourceConfig{Name: "c", ActorID: "u~c", Schedule: "0 1 * * *", Active: false, ScheduleID: "s-c"})
	d := s.AddSourceConfig(ingestion.SourceConfig{Name: "d", ActorID: "u~d", ScheduleID: "s-d", Active: true})

	active, err := s.GetActiveScheduledConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	bindings, err := s.ListScheduleBindings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ingestion.ScheduleBinding{
		{ConfigID: c.ID, ScheduleID: "s-c", Declared: true, Active: false},
		{ConfigID: d.ID, ScheduleID: "s-d", Declared: false, Active: true},
	}, bindings)

	now := time.Now().UTC()
	sid := "s-a"
	require.NoError(t, s.UpdateSourceConfig(ctx, a.ID, ingestion.SourceConfigUpdate{ScheduleID: &sid, LastRunAt: &now}))
	got, err := s.GetSourceConfig(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "s-a", got.ScheduleID)
	assert.Equal(t, now, *got.LastRunAt)

	missing, err := s.GetSourceConfig(ctx, 12345)
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.ErrorIs(t, s.UpdateSourceConfig(ctx, 12345, ingestion.SourceConfigUpdate{}), apperrors.ErrNotFound)
}

func TestSaveRunStoresCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	run := &ingestion.IngestRun{ID: uuid.New(), Status: ingestion.StateInitialized, Log: []string{"a"}}
	require.NoError(t, s.SaveRun(ctx, run))

	run.Status = ingestion.StateRunningActor
	run.Log = append(run.Log, "b")

	stored := s.Run(run.ID)
	require.NotNil(t, stored)
	assert.Equal(t, ingestion.StateInitialized, stored.Status)
	assert.Equal(t, []string{"a"}, stored.Log)
}

func TestSaveRunKeepsFinishedRun(t *testing.T) {
	ctx := context.Background()
	s := New()
	end := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := &ingestion.IngestRun{ID: uuid.New(), Status: ingestion.StateCompletedSuccess, EndTime: &end}
	require.NoError(t, s.SaveRun(ctx, run))

	later := end.Add(time.Hour)
	run.Status = ingestion.StateCompletedWithErrors
	run.EndTime = &later
	require.NoError(t, s.SaveRun(ctx, run))

	stored := s.Run(run.ID)
	require.NotNil(t, stored)
	assert.Equal(t, ingestion.StateCompletedSuccess, stored.Status)
	assert.Equal(t, end, *stored.EndTime)
}

func TestFailUpsertHook(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.FailUpsert = func(rec *ingestion.ContentRecord) error {
		if rec.URL == "https://example.com/bad" {
			return fmt.Errorf("disk full")
		}
		return nil
	}
	_, err := s.UpsertContentByURL(ctx, record("https://example.com/bad"), false)
	assert.Error(t, err)
	_, err = s.UpsertContentByURL(ctx, record("https://example.com/good"), false)
	assert.NoError(t, err)
}

func TestInTxHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := New().InTx(ctx, func(ingestion.Store) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
