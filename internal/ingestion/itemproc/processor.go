// Package itemproc runs one dataset item through persistence and
// transformation. It is shared by the pull pipeline and the webhook path.
package itemproc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/transform"
)

// Kind is the per-item outcome counted by callers.
type Kind int

const (
	Processed Kind = iota + 1
	Skipped
	Failed
)

func (k Kind) String() string {
	switch k {
	case Processed:
		return "processed"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Outcome describes what happened to one item. Err is set for skipped and
// failed items. StoreFailed marks failures raised by the store itself, after
// which a surrounding transaction may need rolling back. LinkErr is a failed
// raw-item back-reference; it leaves Kind unchanged but has the same effect
// on a transaction.
type Outcome struct {
	Kind        Kind
	Key         string
	RawID       int64
	Upsert      ingestion.UpsertOutcome
	Record      *ingestion.ContentRecord
	Err         error
	Message     string
	StoreFailed bool
	LinkErr     error
}

// TxErr is the error a surrounding savepoint should roll back on, or nil.
func (o Outcome) TxErr() error {
	if o.StoreFailed {
		return o.Err
	}
	return o.LinkErr
}

// Created reports whether the item produced a new content record, or
// replaced an existing one in place when countOverwrites is set.
func (o Outcome) Created(countOverwrites bool) bool {
	if o.Kind != Processed {
		return false
	}
	return o.Upsert.Result == ingestion.UpsertCreated ||
		(countOverwrites && o.Upsert.Result == ingestion.UpsertUpdated)
}

type Processor struct {
	Transformer transform.Transformer
	Overwrite   bool
	logger      *slog.Logger
}

func New(t transform.Transformer, overwrite bool) *Processor {
	return &Processor{
		Transformer: t,
		Overwrite:   overwrite,
		logger:      slog.Default().With("component", "item-processor"),
	}
}

// Process stores item verbatim, then validates, transforms and upserts it,
// and finally links the raw row to the content record or to the error. It
// never panics on bad data and reports every problem through the Outcome.
func (p *Processor) Process(ctx context.Context, store ingestion.ContentStore, runID string, index int, item map[string]any) Outcome {
	out := Outcome{Key: transform.ItemKey(item, index)}
	logger := p.logger.With("run_id", runID, "item", out.Key)

	payload, err := json.Marshal(item)
	if err != nil {
		return p.fail(out, fmt.Errorf("encoding raw item: %w", err))
	}
	rawID, err := store.InsertRawItem(ctx, runID, payload)
	if err != nil {
		out.StoreFailed = true
		return p.fail(out, fmt.Errorf("storing raw item: %w", err))
	}
	out.RawID = rawID

	rec, err := p.Transformer.Transform(item)
	if err != nil {
		out.Err = err
		out.Message = err.Error()
		if transform.IsSkip(err) {
			out.Kind = Skipped
			logger.Info("item skipped", "reason", out.Message)
		} else {
			out.Kind = Failed
			logger.Warn("item transformation failed", "error", err)
		}
		out.LinkErr = p.link(ctx, store, logger, rawID, nil, out.Message)
		return out
	}

	upsert, err := store.UpsertContentByURL(ctx, rec, p.Overwrite)
	if err != nil {
		out.Kind = Failed
		out.StoreFailed = true
		out.Err = fmt.Errorf("upserting content: %w", err)
		out.Message = out.Err.Error()
		logger.Error("content upsert failed", "error", err)
		out.LinkErr = p.link(ctx, store, logger, rawID, nil, out.Message)
		return out
	}
	rec.ID = upsert.ContentID
	out.Kind = Processed
	out.Upsert = upsert
	out.Record = rec
	contentID := upsert.ContentID
	out.LinkErr = p.link(ctx, store, logger, rawID, &contentID, "")
	logger.Debug("item processed", "content_id", contentID, "upsert", upsert.Result.String())
	return out
}

func (p *Processor) fail(out Outcome, err error) Outcome {
	out.Kind = Failed
	out.Err = err
	out.Message = err.Error()
	p.logger.Error("item processing failed", "item", out.Key, "error", err)
	return out
}

// link failures do not change the item outcome; the content write already
// happened and the raw row only lacks its back-reference.
func (p *Processor) link(ctx context.Context, store ingestion.ContentStore, logger *slog.Logger, rawID int64, contentID *int64, msg string) error {
	if err := store.LinkRawItem(ctx, rawID, contentID, msg); err != nil {
		logger.Error("linking raw item failed", "raw_item_id", rawID, "error", err)
		return fmt.Errorf("linking raw item %d: %w", rawID, err)
	}
	return nil
}
