// Package pipeline drives pull-based ingestion: trigger an actor run, wait
// for it, fetch its dataset and turn every item into content, recording each
// step on an IngestRun.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/events"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/itemproc"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/runner"
	apperrors "github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/metrics"
)

// Error codes set on runs that do not come from a classified runner error.
const (
	CodeNotFound    = "not_found"
	CodeTimeout     = "timeout"
	CodeCanceled    = "canceled"
	CodeItemsFailed = "items_failed"
	CodeInternal    = "internal"
)

var errPollTimeout = errors.New("run did not finish before the wait limit")

type Options struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	PageSize     int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 30 * time.Minute
	}
	if o.PageSize <= 0 {
		o.PageSize = runner.DefaultPageSize
	}
	return o
}

// Ingester runs single ingestions. It is safe for concurrent use.
type Ingester struct {
	store   ingestion.Store
	runner  runner.Client
	proc    *itemproc.Processor
	events  events.Publisher
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
	logger  *slog.Logger
}

// New wires an Ingester. pub and m may be nil.
func New(store ingestion.Store, rc runner.Client, proc *itemproc.Processor, pub events.Publisher, m *metrics.Metrics, opts Options) *Ingester {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Ingester{
		store:   store,
		runner:  rc,
		proc:    proc,
		events:  pub,
		metrics: m,
		opts:    opts.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default().With("component", "ingester"),
	}
}

// Ingest runs one source config through the whole state machine. Run-level
// failures end the run in a failure state and are reported on the returned
// run; the error is non-nil only when the run could not be recorded.
func (i *Ingester) Ingest(ctx context.Context, configID int64, override map[string]any) (*ingestion.IngestRun, error) {
	t := &tracker{
		run: &ingestion.IngestRun{
			ID:         uuid.New(),
			ConfigID:   configID,
			Status:     ingestion.StateInitialized,
			StartTime:  i.now(),
			ItemErrors: map[string]string{},
		},
		store: i.store,
		now:   i.now,
	}
	t.logger = i.logger.With("ingest_run_id", t.run.ID, "config_id", configID)
	t.note("run created for config %d", configID)
	t.save(ctx)

	i.execute(ctx, t, override)

	if t.run.RunID != "" {
		end := i.now()
		if t.run.EndTime != nil {
			end = *t.run.EndTime
		}
		if err := i.store.UpdateSourceConfig(ctx, configID, ingestion.SourceConfigUpdate{LastRunAt: &end}); err != nil {
			t.logger.Warn("recording last run time failed", "error", err)
		}
	}
	if err := i.events.RunCompleted(ctx, t.run); err != nil {
		t.logger.Warn("publishing run completion failed", "error", err)
	}
	i.metrics.RecordRun(string(t.run.Status))
	t.logger.Info("ingest run finished",
		"status", t.run.Status,
		"processed", t.run.Processed,
		"skipped", t.run.Skipped,
		"failed", t.run.Failed,
	)
	return t.run.Clone(), t.err
}

func (i *Ingester) execute(ctx context.Context, t *tracker, override map[string]any) {
	cfg, err := i.store.GetSourceConfig(ctx, t.run.ConfigID)
	if err != nil {
		t.fail(ctx, ingestion.StateActorFailed, CodeInternal, fmt.Errorf("loading source config: %w", err))
		return
	}
	if cfg == nil {
		t.fail(ctx, ingestion.StateActorFailed, CodeNotFound,
			fmt.Errorf("source config %d: %w", t.run.ConfigID, apperrors.ErrNotFound))
		return
	}

	input := cfg.DefaultInput
	if override != nil {
		input = override
	}
	triggered, err := i.runner.TriggerRun(ctx, cfg.ActorID, input)
	if err != nil {
		t.fail(ctx, ingestion.StateActorFailed, errorCode(err), fmt.Errorf("triggering actor %s: %w", cfg.ActorID, err))
		return
	}
	t.run.RunID = triggered.ID
	t.run.DatasetID = triggered.DatasetID
	t.to(ctx, ingestion.StateRunningActor, "actor %s started run %s", cfg.ActorID, triggered.ID)

	finished, err := i.await(ctx, triggered)
	if err != nil {
		t.fail(ctx, ingestion.StateActorFailed, errorCode(err), err)
		return
	}
	if !finished.Status.Succeeded() {
		remote := &apperrors.Error{
			Kind:    apperrors.KindActor,
			Op:      "await_run",
			Message: fmt.Sprintf("run %s finished with status %s", finished.ID, finished.Status),
			Context: map[string]string{
				apperrors.CtxActorID: cfg.ActorID,
				"run_id":             finished.ID,
				"remote_status":      string(finished.Status),
			},
		}
		t.logger.Error("actor run did not succeed", remote.LogAttrs()...)
		t.fail(ctx, ingestion.StateActorFailed, remote.Kind.Code(), remote)
		return
	}
	if finished.DatasetID != "" {
		t.run.DatasetID = finished.DatasetID
	}
	t.to(ctx, ingestion.StateActorSucceeded, "run %s succeeded", finished.ID)

	t.to(ctx, ingestion.StateFetchingDataset, "fetching dataset %q", t.run.DatasetID)
	if t.run.DatasetID == "" {
		t.fail(ctx, ingestion.StateDatasetFetchFailed, apperrors.KindDataset.Code(),
			fmt.Errorf("run %s succeeded without producing a dataset", finished.ID))
		return
	}
	data, err := runner.FetchAllItems(ctx, i.runner, t.run.DatasetID, i.opts.PageSize)
	if err != nil {
		t.fail(ctx, ingestion.StateDatasetFetchFailed, errorCode(err), err)
		return
	}
	if data.Warning != "" {
		t.note("dataset warning: %s", data.Warning)
	}
	if data.Error != "" && len(data.Items) == 0 {
		t.fail(ctx, ingestion.StateDatasetFetchFailed, apperrors.KindDataProcessing.Code(),
			fmt.Errorf("dataset %s: %s", t.run.DatasetID, data.Error))
		return
	}
	if data.Error != "" {
		t.note("dataset error after %d items: %s", len(data.Items), data.Error)
	}
	t.run.Total = len(data.Items)
	t.to(ctx, ingestion.StateDatasetFetchSucceeded, "fetched %d items", t.run.Total)

	if t.run.Total == 0 {
		t.to(ctx, ingestion.StateCompletedSuccess, "dataset is empty")
		return
	}

	t.to(ctx, ingestion.StateProcessingItems, "processing %d items", t.run.Total)
	i.processItems(ctx, t, data.Items)

	processing, completed := deriveStatus(t.run.Processed, t.run.Skipped, t.run.Failed)
	if t.run.Failed > 0 {
		t.run.ErrorCode = CodeItemsFailed
		t.run.Error = fmt.Sprintf("%d of %d items failed", t.run.Failed, t.run.Total)
	}
	t.to(ctx, processing, "processed=%d skipped=%d failed=%d", t.run.Processed, t.run.Skipped, t.run.Failed)
	t.to(ctx, completed, "run complete")
}

func (i *Ingester) processItems(ctx context.Context, t *tracker, items []map[string]any) {
	var created []*ingestion.ContentRecord
	for idx, item := range items {
		out := i.proc.Process(ctx, i.store, t.run.RunID, idx, item)
		switch out.Kind {
		case itemproc.Processed:
			t.run.Processed++
			if out.Created(i.proc.Overwrite) {
				created = append(created, out.Record)
			}
		case itemproc.Skipped:
			t.run.Skipped++
		default:
			t.run.Failed++
			key := out.Key
			if _, dup := t.run.ItemErrors[key]; dup {
				key = fmt.Sprintf("%s#%d", key, idx)
			}
			t.run.ItemErrors[key] = out.Message
		}
	}
	i.metrics.RecordItems(t.run.Processed, t.run.Skipped, t.run.Failed)
	if err := i.events.ContentIngested(ctx, t.run.RunID, created); err != nil {
		t.logger.Warn("publishing content events failed", "count", len(created), "error", err)
	}
}

// deriveStatus maps item counts to the processing and completion states.
// Skipped items alone do not downgrade success.
func deriveStatus(processed, skipped, failed int) (ingestion.State, ingestion.State) {
	switch {
	case failed == 0:
		return ingestion.StateProcessingSucceeded, ingestion.StateCompletedSuccess
	case processed == 0:
		return ingestion.StateProcessingFailed, ingestion.StateCompletedWithErrors
	default:
		return ingestion.StateProcessingPartial, ingestion.StateCompletedWithErrors
	}
}

// await polls the run until it reaches a terminal status or MaxWait passes.
func (i *Ingester) await(ctx context.Context, run *runner.Run) (*runner.Run, error) {
	if run.Status.Terminal() {
		return run, nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, i.opts.MaxWait)
	defer cancel()
	ticker := time.NewTicker(i.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return nil, waitErr(ctx, run.ID)
		case <-ticker.C:
		}
		cur, err := i.runner.GetRun(waitCtx, run.ID)
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, waitErr(ctx, run.ID)
			}
			return nil, fmt.Errorf("polling run %s: %w", run.ID, err)
		}
		if cur.Status.Terminal() {
			if cur.DatasetID == "" {
				cur.DatasetID = run.DatasetID
			}
			return cur, nil
		}
	}
}

func waitErr(parent context.Context, runID string) error {
	if err := parent.Err(); err != nil {
		return fmt.Errorf("waiting for run %s: %w", runID, err)
	}
	return fmt.Errorf("waiting for run %s: %w", runID, errPollTimeout)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errPollTimeout):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	return apperrors.CodeOf(err)
}
