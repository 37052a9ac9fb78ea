// Package ingestion defines the records moved through the actor-run
// ingestion flows and the persistence ports they are written through.
package ingestion

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ContentStatusIngested is the status of a freshly transformed record.
const ContentStatusIngested = "ingested"

// SourceConfig declares how to ingest one actor. ScheduleID is set only while
// Schedule is set and the runner has confirmed the schedule exists.
type SourceConfig struct {
	ID           int64          `json:"id"`
	Name         string         `json:"name"`
	ActorID      string         `json:"actor_id"`
	DefaultInput map[string]any `json:"default_input,omitempty"`
	Schedule     string         `json:"schedule,omitempty"`
	ScheduleID   string         `json:"schedule_id,omitempty"`
	Active       bool           `json:"active"`
	LastRunAt    *time.Time     `json:"last_run_at,omitempty"`
}

// HasSchedule reports whether the config declares a cron schedule.
func (c *SourceConfig) HasSchedule() bool { return c.Schedule != "" }

// SourceConfigUpdate names the fields to change; nil leaves a field alone.
// A pointer to "" clears ScheduleID.
type SourceConfigUpdate struct {
	ScheduleID *string
	LastRunAt  *time.Time
}

// ScheduleBinding pairs a config with the remote schedule it owns. Declared
// is false once the config no longer carries a cron schedule.
type ScheduleBinding struct {
	ConfigID   int64
	ScheduleID string
	Declared   bool
	Active     bool
}

// IngestRun is one execution of a source config through the state machine.
type IngestRun struct {
	ID         uuid.UUID         `json:"id"`
	ConfigID   int64             `json:"config_id"`
	RunID      string            `json:"run_id,omitempty"`
	DatasetID  string            `json:"dataset_id,omitempty"`
	Status     State             `json:"status"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
	Total      int               `json:"total"`
	Processed  int               `json:"processed"`
	Skipped    int               `json:"skipped"`
	Failed     int               `json:"failed"`
	ItemErrors map[string]string `json:"item_errors,omitempty"`
	Log        []string          `json:"log"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *IngestRun) Clone() *IngestRun {
	if r == nil {
		return nil
	}
	out := *r
	if r.EndTime != nil {
		t := *r.EndTime
		out.EndTime = &t
	}
	out.ItemErrors = maps.Clone(r.ItemErrors)
	out.Log = slices.Clone(r.Log)
	return &out
}

// BatchIngestRun aggregates the runs of one batch. Counts are plain sums over
// Runs and do not depend on completion order.
type BatchIngestRun struct {
	ID               uuid.UUID    `json:"id"`
	Status           State        `json:"status"`
	Runs             []*IngestRun `json:"runs"`
	TotalConfigs     int          `json:"total_configs"`
	ProcessedConfigs int          `json:"processed_configs"`
	FailedConfigs    int          `json:"failed_configs"`
	Processed        int          `json:"processed"`
	Skipped          int          `json:"skipped"`
	Failed           int          `json:"failed"`
	StartTime        time.Time    `json:"start_time"`
	EndTime          *time.Time   `json:"end_time,omitempty"`
}

// RawDatasetItem is a dataset item stored verbatim for audit and replay.
type RawDatasetItem struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Payload   json.RawMessage `json:"payload"`
	ContentID *int64          `json:"content_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ContentRecord is the canonical article produced from a dataset item. URL
// is unique. A nil PublishedAt means the date is unknown.
type ContentRecord struct {
	ID          int64      `json:"id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Source      string     `json:"source"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// WebhookEvent records a received notification. (RunID, Status) is unique.
type WebhookEvent struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"run_id"`
	Status     string          `json:"status"`
	ActorID    string          `json:"actor_id"`
	DatasetID  string          `json:"dataset_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// UpsertResult tells what UpsertContentByURL did.
type UpsertResult int

const (
	UpsertCreated UpsertResult = iota + 1
	UpsertUpdated
	UpsertExisting
)

func (r UpsertResult) String() string {
	switch r {
	case UpsertCreated:
		return "created"
	case UpsertUpdated:
		return "updated"
	case UpsertExisting:
		return "existing"
	}
	return "unknown"
}

// UpsertOutcome identifies the record a URL resolved to.
type UpsertOutcome struct {
	ContentID int64
	Result    UpsertResult
}

// InsertResult tells whether a write-once row was stored or already present.
type InsertResult int

const (
	Inserted InsertResult = iota + 1
	Duplicate
)
