package ingestion

import (
	"context"
	"encoding/json"
)

// ConfigStore reads source configs and records the bookkeeping the flows
// own. GetSourceConfig returns nil, nil for an unknown id.
type ConfigStore interface {
	GetSourceConfig(ctx context.Context, id int64) (*SourceConfig, error)
	UpdateSourceConfig(ctx context.Context, id int64, upd SourceConfigUpdate) error
	GetActiveScheduledConfigs(ctx context.Context) ([]SourceConfig, error)
	// ListScheduleBindings returns every config holding a schedule id,
	// active or not.
	ListScheduleBindings(ctx context.Context) ([]ScheduleBinding, error)
}

// ContentStore writes content records and raw dataset items.
type ContentStore interface {
	// UpsertContentByURL creates rec or resolves to the existing record with
	// the same URL. With overwrite the existing fields are replaced in place
	// and its id is kept.
	UpsertContentByURL(ctx context.Context, rec *ContentRecord, overwrite bool) (UpsertOutcome, error)
	InsertRawItem(ctx context.Context, runID string, payload json.RawMessage) (int64, error)
	// LinkRawItem sets either the content back-reference or the error of a
	// raw item, once.
	LinkRawItem(ctx context.Context, itemID int64, contentID *int64, errMsg string) error
}

type RunStore interface {
	SaveRun(ctx context.Context, run *IngestRun) error
}

// WebhookStore deduplicates notifications. FindWebhookEvent returns nil, nil
// when no event matches; InsertWebhookEvent reports Duplicate instead of
// failing when (RunID, Status) is already stored.
type WebhookStore interface {
	FindWebhookEvent(ctx context.Context, runID, status string) (*WebhookEvent, error)
	InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) (InsertResult, error)
}

// Store is the full persistence surface. InTx runs fn in a transaction that
// commits when fn returns nil. Isolate runs fn so that its writes are undone
// on error without affecting the enclosing transaction; outside a
// transaction it behaves like InTx.
type Store interface {
	ConfigStore
	ContentStore
	RunStore
	WebhookStore

	InTx(ctx context.Context, fn func(tx Store) error) error
	Isolate(ctx context.Context, fn func(tx Store) error) error
}
