// Package schedule keeps the runner's remote schedules aligned with the
// cron schedules declared on source configs.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/runner"
	apperrors "github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/metrics"
)

// ErrScheduleNotDeclared is returned when a per-config schedule operation is
// asked to create or update a schedule for a config that declares none.
var ErrScheduleNotDeclared = apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "source config declares no schedule")

// Operation names recorded on sync errors.
const (
	OpLoad    = "load_configs"
	OpBind    = "list_bindings"
	OpList    = "list_schedules"
	OpGet     = "get"
	OpCreate  = "create"
	OpUpdate  = "update"
	OpDelete  = "delete"
	OpPersist = "persist"
)

// Action is what a per-config operation did.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
	ActionDeleted   Action = "deleted"
	ActionNone      Action = "none"
	ActionFailed    Action = "failed"
)

type SyncError struct {
	ConfigID   int64  `json:"config_id,omitempty"`
	ScheduleID string `json:"schedule_id,omitempty"`
	Op         string `json:"op"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

type SyncResult struct {
	Created   int         `json:"created"`
	Updated   int         `json:"updated"`
	Deleted   int         `json:"deleted"`
	Unchanged int         `json:"unchanged"`
	Errors    []SyncError `json:"errors"`
}

func (r *SyncResult) fail(configID int64, scheduleID, op string, err error) {
	r.Errors = append(r.Errors, SyncError{
		ConfigID:   configID,
		ScheduleID: scheduleID,
		Op:         op,
		Code:       apperrors.CodeOf(err),
		Message:    err.Error(),
	})
}

func (r *SyncResult) count(out *ScheduleOutcome) {
	switch out.Action {
	case ActionCreated:
		r.Created++
	case ActionUpdated:
		r.Updated++
	case ActionUnchanged:
		r.Unchanged++
	case ActionDeleted:
		r.Deleted++
	case ActionFailed:
		r.Errors = append(r.Errors, SyncError{
			ConfigID:   out.ConfigID,
			ScheduleID: out.ScheduleID,
			Op:         out.Op,
			Code:       out.ErrorCode,
			Message:    out.Error,
		})
	}
}

// ScheduleOutcome reports a single config's reconciliation. Runner and
// storage failures land in Error rather than being returned.
type ScheduleOutcome struct {
	ConfigID   int64    `json:"config_id"`
	ScheduleID string   `json:"schedule_id,omitempty"`
	Action     Action   `json:"action"`
	Changed    []string `json:"changed,omitempty"`
	Op         string   `json:"op,omitempty"`
	Error      string   `json:"error,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
}

func (o *ScheduleOutcome) fail(op string, err error) *ScheduleOutcome {
	o.Action = ActionFailed
	o.Op = op
	o.Error = err.Error()
	o.ErrorCode = apperrors.CodeOf(err)
	return o
}

// Status compares one config with its remote schedule.
type Status struct {
	ConfigID int64             `json:"config_id"`
	Exists   bool              `json:"exists"`
	Synced   bool              `json:"synced"`
	Details  map[string]string `json:"details"`
}

type Options struct {
	NamePrefix string
	Timezone   string
}

// Reconciler converges remote schedules on the declared configs. Sync and
// the per-config operations are serialized so a periodic sync never races an
// on-demand one into creating the same schedule twice.
type Reconciler struct {
	mu      sync.Mutex
	store   ingestion.ConfigStore
	runner  runner.Client
	metrics *metrics.Metrics
	opts    Options
	logger  *slog.Logger
}

func New(store ingestion.ConfigStore, rc runner.Client, m *metrics.Metrics, opts Options) *Reconciler {
	if opts.Timezone == "" {
		opts.Timezone = "UTC"
	}
	return &Reconciler{
		store:   store,
		runner:  rc,
		metrics: m,
		opts:    opts,
		logger:  slog.Default().With("component", "schedule-reconciler"),
	}
}

// Sync reconciles every active scheduled config, removes schedules whose
// config stopped declaring one, disables those of inactive configs, and
// deletes prefixed remote schedules no config owns. Failures are collected
// and never stop the remaining work.
func (r *Reconciler) Sync(ctx context.Context) SyncResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	res := SyncResult{Errors: []SyncError{}}

	configs, err := r.store.GetActiveScheduledConfigs(ctx)
	if err != nil {
		r.logger.Error("loading scheduled configs failed", "error", err)
		res.fail(0, "", OpLoad, err)
	}
	for i := range configs {
		res.count(r.ensure(ctx, &configs[i], true))
	}

	if bound, ok := r.sweepBindings(ctx, &res); ok {
		r.deleteOrphans(ctx, bound, &res)
	}

	r.metrics.RecordScheduleOp(string(ActionCreated), res.Created)
	r.metrics.RecordScheduleOp(string(ActionUpdated), res.Updated)
	r.metrics.RecordScheduleOp(string(ActionDeleted), res.Deleted)
	r.metrics.RecordScheduleOp(string(ActionUnchanged), res.Unchanged)
	r.metrics.RecordScheduleOp(string(ActionFailed), len(res.Errors))

	r.logger.Info("schedule sync finished",
		"created", res.Created,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"unchanged", res.Unchanged,
		"errors", len(res.Errors),
		"duration", time.Since(start),
	)
	return res
}

// sweepBindings handles configs that hold a schedule id outside the active
// scheduled set and returns every bound schedule id. ok is false when the
// bindings could not be read, in which case orphan detection is unsafe.
func (r *Reconciler) sweepBindings(ctx context.Context, res *SyncResult) (map[string]bool, bool) {
	bindings, err := r.store.ListScheduleBindings(ctx)
	if err != nil {
		r.logger.Error("listing schedule bindings failed", "error", err)
		res.fail(0, "", OpBind, err)
		return nil, false
	}
	bound := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		bound[b.ScheduleID] = true
		switch {
		case !b.Declared:
			res.count(r.unbind(ctx, b.ConfigID, b.ScheduleID))
		case !b.Active:
			res.count(r.disable(ctx, b))
		}
	}
	return bound, true
}

func (r *Reconciler) deleteOrphans(ctx context.Context, bound map[string]bool, res *SyncResult) {
	remote, err := r.runner.ListSchedules(ctx)
	if err != nil {
		r.logger.Error("listing remote schedules failed", "error", err)
		res.fail(0, "", OpList, err)
		return
	}
	for _, s := range remote {
		if !strings.HasPrefix(s.Name, r.opts.NamePrefix) || bound[s.ID] {
			continue
		}
		err := r.runner.DeleteSchedule(ctx, s.ID)
		switch {
		case err == nil:
			r.logger.Info("deleted orphaned schedule", "schedule_id", s.ID, "name", s.Name)
			res.Deleted++
		case runner.IsNotFound(err):
			// already gone
		default:
			r.logger.Warn("deleting orphaned schedule failed", "schedule_id", s.ID, "error", err)
			res.fail(0, s.ID, OpDelete, err)
		}
	}
}

// ensure makes the remote schedule of cfg exist. With update it also pushes
// every differing field; without it an existing schedule is left alone. A
// schedule id the runner no longer knows is cleared and a new schedule is
// created in its place.
func (r *Reconciler) ensure(ctx context.Context, cfg *ingestion.SourceConfig, update bool) *ScheduleOutcome {
	out := &ScheduleOutcome{ConfigID: cfg.ID, ScheduleID: cfg.ScheduleID}
	logger := r.logger.With("config_id", cfg.ID, "schedule_id", cfg.ScheduleID)
	want := r.desired(cfg)

	if cfg.ScheduleID != "" {
		remote, err := r.runner.GetSchedule(ctx, cfg.ScheduleID)
		switch {
		case runner.IsNotFound(err):
			logger.Warn("remote schedule missing, recreating")
			if err := r.bind(ctx, cfg.ID, ""); err != nil {
				return out.fail(OpPersist, err)
			}
			cfg.ScheduleID = ""
			out.ScheduleID = ""
		case err != nil:
			logger.Warn("fetching remote schedule failed", "error", err)
			return out.fail(OpGet, err)
		default:
			if !update {
				out.Action = ActionUnchanged
				return out
			}
			upd, changed := diff(want, remote)
			if upd.Empty() {
				out.Action = ActionUnchanged
				return out
			}
			if _, err := r.runner.UpdateSchedule(ctx, cfg.ScheduleID, upd); err != nil {
				logger.Warn("updating remote schedule failed", "changed", changed, "error", err)
				return out.fail(OpUpdate, err)
			}
			logger.Info("updated remote schedule", "changed", changed)
			out.Action = ActionUpdated
			out.Changed = changed
			return out
		}
	}

	created, err := r.runner.CreateSchedule(ctx, want)
	if err != nil {
		logger.Warn("creating remote schedule failed", "error", err)
		return out.fail(OpCreate, err)
	}
	if err := r.bind(ctx, cfg.ID, created.ID); err != nil {
		// Without a stored id the schedule would be an orphan; remove it so
		// the next sync starts clean.
		if delErr := r.runner.DeleteSchedule(ctx, created.ID); delErr != nil && !runner.IsNotFound(delErr) {
			logger.Error("removing unbound schedule failed", "schedule_id", created.ID, "error", delErr)
		}
		out.ScheduleID = created.ID
		return out.fail(OpPersist, err)
	}
	cfg.ScheduleID = created.ID
	out.ScheduleID = created.ID
	out.Action = ActionCreated
	logger.Info("created remote schedule", "new_schedule_id", created.ID, "name", want.Name)
	return out
}

// unbind deletes the remote schedule and clears the stored id. A schedule
// already missing remotely only needs the id cleared.
func (r *Reconciler) unbind(ctx context.Context, configID int64, scheduleID string) *ScheduleOutcome {
	out := &ScheduleOutcome{ConfigID: configID, ScheduleID: scheduleID}
	if scheduleID == "" {
		out.Action = ActionNone
		return out
	}
	err := r.runner.DeleteSchedule(ctx, scheduleID)
	if err != nil && !runner.IsNotFound(err) {
		r.logger.Warn("deleting schedule failed", "config_id", configID, "schedule_id", scheduleID, "error", err)
		return out.fail(OpDelete, err)
	}
	if err := r.bind(ctx, configID, ""); err != nil {
		return out.fail(OpPersist, err)
	}
	out.Action = ActionDeleted
	r.logger.Info("deleted remote schedule", "config_id", configID, "schedule_id", scheduleID)
	return out
}

// disable turns off the remote schedule of an inactive config but keeps it
// bound, so reactivating the config resumes the same schedule.
func (r *Reconciler) disable(ctx context.Context, b ingestion.ScheduleBinding) *ScheduleOutcome {
	out := &ScheduleOutcome{ConfigID: b.ConfigID, ScheduleID: b.ScheduleID}
	remote, err := r.runner.GetSchedule(ctx, b.ScheduleID)
	switch {
	case runner.IsNotFound(err):
		if err := r.bind(ctx, b.ConfigID, ""); err != nil {
			return out.fail(OpPersist, err)
		}
		out.Action = ActionNone
		return out
	case err != nil:
		return out.fail(OpGet, err)
	case !remote.IsEnabled:
		out.Action = ActionUnchanged
		return out
	}
	disabled := false
	if _, err := r.runner.UpdateSchedule(ctx, b.ScheduleID, runner.ScheduleUpdate{IsEnabled: &disabled}); err != nil {
		return out.fail(OpUpdate, err)
	}
	r.logger.Info("disabled schedule of inactive config", "config_id", b.ConfigID, "schedule_id", b.ScheduleID)
	out.Action = ActionUpdated
	out.Changed = []string{FieldEnabled}
	return out
}

func (r *Reconciler) bind(ctx context.Context, configID int64, scheduleID string) error {
	if err := r.store.UpdateSourceConfig(ctx, configID, ingestion.SourceConfigUpdate{ScheduleID: &scheduleID}); err != nil {
		return fmt.Errorf("storing schedule id for config %d: %w", configID, err)
	}
	return nil
}

func (r *Reconciler) load(ctx context.Context, configID int64) (*ingestion.SourceConfig, error) {
	cfg, err := r.store.GetSourceConfig(ctx, configID)
	if err != nil {
		return nil, fmt.Errorf("loading source config %d: %w", configID, err)
	}
	if cfg == nil {
		return nil, apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "source config %d not found", configID)
	}
	return cfg, nil
}

// CreateFor makes sure the config's remote schedule exists, creating it when
// the config has no live schedule id. An existing schedule is not modified.
func (r *Reconciler) CreateFor(ctx context.Context, configID int64) (*ScheduleOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, err := r.load(ctx, configID)
	if err != nil {
		return nil, err
	}
	if !cfg.HasSchedule() {
		return nil, fmt.Errorf("create schedule for config %d: %w", configID, ErrScheduleNotDeclared)
	}
	out := r.ensure(ctx, cfg, false)
	r.metrics.RecordScheduleOp(string(out.Action), 1)
	return out, nil
}

// UpdateFor pushes the config's declared schedule to the runner, creating
// the remote schedule when it is missing.
func (r *Reconciler) UpdateFor(ctx context.Context, configID int64) (*ScheduleOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, err := r.load(ctx, configID)
	if err != nil {
		return nil, err
	}
	if !cfg.HasSchedule() {
		return nil, fmt.Errorf("update schedule for config %d: %w", configID, ErrScheduleNotDeclared)
	}
	out := r.ensure(ctx, cfg, true)
	r.metrics.RecordScheduleOp(string(out.Action), 1)
	return out, nil
}

// DeleteFor removes the config's remote schedule and clears its id. A config
// without a schedule id yields ActionNone.
func (r *Reconciler) DeleteFor(ctx context.Context, configID int64) (*ScheduleOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, err := r.load(ctx, configID)
	if err != nil {
		return nil, err
	}
	out := r.unbind(ctx, cfg.ID, cfg.ScheduleID)
	r.metrics.RecordScheduleOp(string(out.Action), 1)
	return out, nil
}

// VerifyStatus reports whether the config's remote schedule exists and
// matches the declaration. Details lists the schedule id and, when out of
// sync, the differing fields or the reason.
func (r *Reconciler) VerifyStatus(ctx context.Context, configID int64) (*Status, error) {
	cfg, err := r.load(ctx, configID)
	if err != nil {
		return nil, err
	}
	st := &Status{ConfigID: configID, Details: map[string]string{}}
	if cfg.ScheduleID == "" {
		if cfg.HasSchedule() {
			st.Details["reason"] = "schedule declared but not created"
		} else {
			st.Synced = true
			st.Details["reason"] = "no schedule declared"
		}
		return st, nil
	}
	st.Details["schedule_id"] = cfg.ScheduleID

	remote, err := r.runner.GetSchedule(ctx, cfg.ScheduleID)
	switch {
	case runner.IsNotFound(err):
		st.Details["reason"] = "remote schedule missing"
		return st, nil
	case err != nil:
		st.Details["reason"] = "remote lookup failed"
		st.Details["error"] = err.Error()
		return st, nil
	}
	st.Exists = true
	st.Details["name"] = remote.Name
	st.Details["cron"] = remote.CronExpression

	if !cfg.HasSchedule() {
		st.Details["reason"] = "schedule no longer declared"
		return st, nil
	}
	if _, changed := diff(r.desired(cfg), remote); len(changed) > 0 {
		sort.Strings(changed)
		st.Details["changed"] = strings.Join(changed, ",")
		return st, nil
	}
	st.Synced = true
	return st, nil
}

// StartPeriodic launches a goroutine that runs Sync every interval until ctx
// is cancelled.
func (r *Reconciler) StartPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		r.logger.Info("periodic schedule sync disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				res := r.Sync(ctx)
				for _, e := range res.Errors {
					r.logger.Warn("schedule sync error", "config_id", e.ConfigID, "schedule_id", e.ScheduleID, "op", e.Op, "error", e.Message)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	r.logger.Info("periodic schedule sync started", "interval", interval)
}
