package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/metrics"
)

// RunIngester is the single-config entry point the coordinator fans out to.
type RunIngester interface {
	Ingest(ctx context.Context, configID int64, override map[string]any) (*ingestion.IngestRun, error)
}

// Coordinator runs many ingestions on a bounded worker pool.
type Coordinator struct {
	ingester    RunIngester
	concurrency int
	metrics     *metrics.Metrics
	now         func() time.Time
	logger      *slog.Logger
}

func NewCoordinator(ing RunIngester, concurrency int, m *metrics.Metrics) *Coordinator {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Coordinator{
		ingester:    ing,
		concurrency: concurrency,
		metrics:     m,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default().With("component", "batch-coordinator"),
	}
}

// IngestMany ingests every config id and aggregates the results. A config
// whose ingestion errors or panics is recorded as a ProcessingFailed run; it
// never stops the rest of the batch. Runs are reported in input order.
func (c *Coordinator) IngestMany(ctx context.Context, configIDs []int64, overrides map[int64]map[string]any) *ingestion.BatchIngestRun {
	batch := &ingestion.BatchIngestRun{
		ID:           uuid.New(),
		Runs:         make([]*ingestion.IngestRun, len(configIDs)),
		TotalConfigs: len(configIDs),
		StartTime:    c.now(),
	}
	logger := c.logger.With("batch_id", batch.ID)
	logger.Info("batch started", "configs", len(configIDs), "concurrency", c.concurrency)

	c.metrics.BatchStarted()
	defer c.metrics.BatchFinished()

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for idx, id := range configIDs {
		g.Go(func() error {
			batch.Runs[idx] = c.ingestOne(ctx, logger, id, overrides[id])
			return nil
		})
	}
	_ = g.Wait()

	for _, run := range batch.Runs {
		batch.Processed += run.Processed
		batch.Skipped += run.Skipped
		batch.Failed += run.Failed
		if run.Status.Completed() {
			batch.ProcessedConfigs++
		} else {
			batch.FailedConfigs++
		}
	}
	batch.Status = ingestion.StateCompletedSuccess
	if batch.FailedConfigs > 0 {
		batch.Status = ingestion.StateCompletedWithErrors
	}
	end := c.now()
	batch.EndTime = &end

	logger.Info("batch finished",
		"status", batch.Status,
		"processed_configs", batch.ProcessedConfigs,
		"failed_configs", batch.FailedConfigs,
		"elapsed", end.Sub(batch.StartTime),
	)
	return batch
}

func (c *Coordinator) ingestOne(ctx context.Context, logger *slog.Logger, configID int64, override map[string]any) (run *ingestion.IngestRun) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("ingestion panicked", "config_id", configID, "panic", r)
			run = c.failedRun(configID, nil, fmt.Errorf("panic: %v", r))
		}
	}()

	run, err := c.ingester.Ingest(ctx, configID, override)
	if err != nil {
		logger.Error("ingestion errored", "config_id", configID, "error", err)
		return c.failedRun(configID, run, err)
	}
	return run
}

// failedRun captures an ingestion that could not complete normally. Counts
// from a partially recorded run are kept.
func (c *Coordinator) failedRun(configID int64, partial *ingestion.IngestRun, err error) *ingestion.IngestRun {
	now := c.now()
	out := partial.Clone()
	if out == nil {
		out = &ingestion.IngestRun{ID: uuid.New(), ConfigID: configID, StartTime: now}
	}
	out.Log = append(out.Log, fmt.Sprintf("%s %s -> %s: %v", now.Format(time.RFC3339Nano), out.Status, ingestion.StateProcessingFailed, err))
	out.Status = ingestion.StateProcessingFailed
	out.ErrorCode = CodeInternal
	out.Error = err.Error()
	if out.EndTime == nil {
		out.EndTime = &now
	}
	return out
}
