// Package runner talks to the actor runner's REST API: triggering runs,
// polling their status, reading dataset items and managing recurring
// schedules. Every remote call is classified, retried and timed through
// pkg/errors and pkg/resilience.
package runner

import (
	"context"
	"time"
)

// RunStatus is the remote lifecycle state of an actor run.
type RunStatus string

const (
	StatusReady     RunStatus = "READY"
	StatusRunning   RunStatus = "RUNNING"
	StatusSucceeded RunStatus = "SUCCEEDED"
	StatusFailed    RunStatus = "FAILED"
	StatusTimingOut RunStatus = "TIMING-OUT"
	StatusTimedOut  RunStatus = "TIMED-OUT"
	StatusAborting  RunStatus = "ABORTING"
	StatusAborted   RunStatus = "ABORTED"
)

// Terminal reports whether the run will not change state any more.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusAborted:
		return true
	}
	return false
}

func (s RunStatus) Succeeded() bool { return s == StatusSucceeded }

// Run is the subset of a remote run the ingestion flows rely on.
type Run struct {
	ID         string     `json:"id"`
	ActorID    string     `json:"actId"`
	Status     RunStatus  `json:"status"`
	DatasetID  string     `json:"defaultDatasetId"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// ListOptions pages through dataset items. A zero Limit lets the remote
// side choose.
type ListOptions struct {
	Limit  int
	Offset int
}

// DatasetItems is the normalized form of any dataset payload. Warning notes
// a lossy or fallback normalization; Error is set when nothing usable could
// be extracted. RawCount is the number of elements seen before non-object
// ones were dropped.
type DatasetItems struct {
	Items    []map[string]any `json:"items"`
	Warning  string           `json:"warning,omitempty"`
	Error    string           `json:"error,omitempty"`
	RawCount int              `json:"rawCount,omitempty"`
}

// Schedule is a remote recurring trigger of one actor.
type Schedule struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	CronExpression string         `json:"cronExpression"`
	Timezone       string         `json:"timezone"`
	IsEnabled      bool           `json:"isEnabled"`
	ActorID        string         `json:"-"`
	RunInput       map[string]any `json:"-"`
}

// ScheduleSpec describes a schedule to create.
type ScheduleSpec struct {
	Name           string
	CronExpression string
	Timezone       string
	IsEnabled      bool
	ActorID        string
	RunInput       map[string]any
}

// ScheduleUpdate carries only the fields to change; nil means unchanged.
// ActorID and RunInput are stored remotely as a single action, so setting
// either replaces the action using whichever of the two is provided.
type ScheduleUpdate struct {
	Name           *string
	CronExpression *string
	IsEnabled      *bool
	ActorID        *string
	RunInput       map[string]any
}

// Empty reports whether the update would change nothing.
func (u ScheduleUpdate) Empty() bool {
	return u.Name == nil && u.CronExpression == nil && u.IsEnabled == nil &&
		u.ActorID == nil && u.RunInput == nil
}

// Client is the runner API surface used by the ingestion flows.
type Client interface {
	TriggerRun(ctx context.Context, actorID string, input map[string]any) (*Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListDatasetItems(ctx context.Context, datasetID string, opts ListOptions) (*DatasetItems, error)

	CreateSchedule(ctx context.Context, spec ScheduleSpec) (*Schedule, error)
	GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, scheduleID string, update ScheduleUpdate) (*Schedule, error)
	DeleteSchedule(ctx context.Context, scheduleID string) error
	ListSchedules(ctx context.Context) ([]Schedule, error)
}
