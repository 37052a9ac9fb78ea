// Package events announces ingestion results to downstream consumers over
// Kafka. Content events are keyed by URL so every update of one article lands
// on the same partition; run events are keyed by source config.
package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/kafka"
)

const (
	TypeContentIngested = "content.ingested"
	TypeRunCompleted    = "run.completed"

	headerType = "event-type"
)

// ContentIngested is published once per content record a run created.
type ContentIngested struct {
	ContentID   int64      `json:"content_id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Source      string     `json:"source,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	RunID       string     `json:"run_id"`
	IngestedAt  time.Time  `json:"ingested_at"`
}

// RunCompleted is published when an ingest run reaches a terminal state.
type RunCompleted struct {
	IngestRunID uuid.UUID       `json:"ingest_run_id"`
	ConfigID    int64           `json:"config_id"`
	RunID       string          `json:"run_id,omitempty"`
	DatasetID   string          `json:"dataset_id,omitempty"`
	Status      ingestion.State `json:"status"`
	Processed   int             `json:"processed"`
	Skipped     int             `json:"skipped"`
	Failed      int             `json:"failed"`
	ErrorCode   string          `json:"error_code,omitempty"`
	FinishedAt  time.Time       `json:"finished_at"`
}

type Publisher interface {
	ContentIngested(ctx context.Context, runID string, records []*ingestion.ContentRecord) error
	RunCompleted(ctx context.Context, run *ingestion.IngestRun) error
}

// Noop discards every event.
type Noop struct{}

func (Noop) ContentIngested(context.Context, string, []*ingestion.ContentRecord) error { return nil }
func (Noop) RunCompleted(context.Context, *ingestion.IngestRun) error                 { return nil }

// KafkaPublisher writes events through one producer per topic.
type KafkaPublisher struct {
	content *kafka.Producer
	runs    *kafka.Producer
	now     func() time.Time
}

func NewKafkaPublisher(content, runs *kafka.Producer) *KafkaPublisher {
	return &KafkaPublisher{
		content: content,
		runs:    runs,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *KafkaPublisher) ContentIngested(ctx context.Context, runID string, records []*ingestion.ContentRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := p.now()
	batch := make([]kafka.Event, 0, len(records))
	for _, rec := range records {
		batch = append(batch, kafka.Event{
			Key: rec.URL,
			Value: ContentIngested{
				ContentID:   rec.ID,
				URL:         rec.URL,
				Title:       rec.Title,
				Source:      rec.Source,
				PublishedAt: rec.PublishedAt,
				RunID:       runID,
				IngestedAt:  now,
			},
			Headers: map[string]string{headerType: TypeContentIngested},
		})
	}
	if err := p.content.PublishBatch(ctx, batch); err != nil {
		return fmt.Errorf("publishing %d content events: %w", len(batch), err)
	}
	return nil
}

func (p *KafkaPublisher) RunCompleted(ctx context.Context, run *ingestion.IngestRun) error {
	finished := p.now()
	if run.EndTime != nil {
		finished = *run.EndTime
	}
	err := p.runs.Publish(ctx, kafka.Event{
		Key: strconv.FormatInt(run.ConfigID, 10),
		Value: RunCompleted{
			IngestRunID: run.ID,
			ConfigID:    run.ConfigID,
			RunID:       run.RunID,
			DatasetID:   run.DatasetID,
			Status:      run.Status,
			Processed:   run.Processed,
			Skipped:     run.Skipped,
			Failed:      run.Failed,
			ErrorCode:   run.ErrorCode,
			FinishedAt:  finished,
		},
		Headers: map[string]string{headerType: TypeRunCompleted},
	})
	if err != nil {
		return fmt.Errorf("publishing run event for %s: %w", run.ID, err)
	}
	return nil
}

// Close closes both producers.
func (p *KafkaPublisher) Close() error {
	errContent := p.content.Close()
	errRuns := p.runs.Close()
	if errContent != nil {
		return errContent
	}
	return errRuns
}
