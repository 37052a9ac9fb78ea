// Package runnertest provides an in-memory runner.Client for tests.
package runnertest

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/runner"
)

// Operation names used for call counting and error injection.
const (
	OpTriggerRun       = "trigger_run"
	OpGetRun           = "get_run"
	OpListDatasetItems = "list_dataset_items"
	OpCreateSchedule   = "create_schedule"
	OpGetSchedule      = "get_schedule"
	OpUpdateSchedule   = "update_schedule"
	OpDeleteSchedule   = "delete_schedule"
	OpListSchedules    = "list_schedules"
)

type queuedRun struct {
	run   runner.Run
	polls []runner.RunStatus
}

// Fake is a goroutine-safe in-memory runner. Triggers without a queued run
// succeed immediately with a fresh run and dataset id.
type Fake struct {
	mu        sync.Mutex
	seq       int
	queued    map[string][]queuedRun
	runs      map[string]*runner.Run
	polls     map[string][]runner.RunStatus
	datasets  map[string][]map[string]any
	schedules map[string]*runner.Schedule
	errs      map[string][]error
	calls     map[string]int
	updates   []runner.ScheduleUpdate
}

var _ runner.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		queued:    make(map[string][]queuedRun),
		runs:      make(map[string]*runner.Run),
		polls:     make(map[string][]runner.RunStatus),
		datasets:  make(map[string][]map[string]any),
		schedules: make(map[string]*runner.Schedule),
		errs:      make(map[string][]error),
		calls:     make(map[string]int),
	}
}

// QueueRun makes the next trigger of actorID return run. GetRun then reports
// polls in order, repeating the last one; with no polls it reports
// run.Status.
func (f *Fake) QueueRun(actorID string, run runner.Run, polls ...runner.RunStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[actorID] = append(f.queued[actorID], queuedRun{run: run, polls: polls})
}

func (f *Fake) SetDataset(datasetID string, items []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasets[datasetID] = items
}

// AddSchedule stores s as if it had been created remotely and returns its id.
func (f *Fake) AddSchedule(s runner.Schedule) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == "" {
		f.seq++
		s.ID = fmt.Sprintf("sched-%d", f.seq)
	}
	f.schedules[s.ID] = &s
	return s.ID
}

// FailNext queues err for the next call of op. Queued errors are consumed in
// order.
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], errs...)
}

func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Schedules returns a snapshot of remote schedules ordered by id.
func (f *Fake) Schedules() []runner.Schedule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listLocked()
}

// Updates returns every ScheduleUpdate received, in order.
func (f *Fake) Updates() []runner.ScheduleUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.updates)
}

// NotFound builds the error the real client returns for a missing resource.
func NotFound(what string) error {
	return &runner.APIError{Status: http.StatusNotFound, Type: "record-not-found", Message: what + " was not found"}
}

func (f *Fake) begin(op string) error {
	f.calls[op]++
	if q := f.errs[op]; len(q) > 0 {
		f.errs[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) TriggerRun(ctx context.Context, actorID string, input map[string]any) (*runner.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpTriggerRun); err != nil {
		return nil, err
	}
	var run runner.Run
	var polls []runner.RunStatus
	if q := f.queued[actorID]; len(q) > 0 {
		run, polls = q[0].run, q[0].polls
		f.queued[actorID] = q[1:]
	} else {
		f.seq++
		run = runner.Run{
			ID:        fmt.Sprintf("run-%d", f.seq),
			DatasetID: fmt.Sprintf("ds-%d", f.seq),
			Status:    runner.StatusSucceeded,
		}
	}
	if run.ActorID == "" {
		run.ActorID = actorID
	}
	if run.Status == "" {
		run.Status = runner.StatusRunning
	}
	f.runs[run.ID] = &run
	f.polls[run.ID] = polls
	out := run
	return &out, nil
}

func (f *Fake) GetRun(ctx context.Context, runID string) (*runner.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpGetRun); err != nil {
		return nil, err
	}
	run, ok := f.runs[runID]
	if !ok {
		return nil, NotFound("run " + runID)
	}
	if polls := f.polls[runID]; len(polls) > 0 {
		run.Status = polls[0]
		if len(polls) > 1 {
			f.polls[runID] = polls[1:]
		}
	}
	out := *run
	return &out, nil
}

func (f *Fake) ListDatasetItems(ctx context.Context, datasetID string, opts runner.ListOptions) (*runner.DatasetItems, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpListDatasetItems); err != nil {
		return nil, err
	}
	items, ok := f.datasets[datasetID]
	if !ok {
		return nil, NotFound("dataset " + datasetID)
	}
	start := min(opts.Offset, len(items))
	end := len(items)
	if opts.Limit > 0 {
		end = min(start+opts.Limit, len(items))
	}
	page := make([]map[string]any, 0, end-start)
	for _, it := range items[start:end] {
		page = append(page, maps.Clone(it))
	}
	return &runner.DatasetItems{Items: page, RawCount: len(page)}, nil
}

func (f *Fake) CreateSchedule(ctx context.Context, spec runner.ScheduleSpec) (*runner.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCreateSchedule); err != nil {
		return nil, err
	}
	f.seq++
	s := &runner.Schedule{
		ID:             fmt.Sprintf("sched-%d", f.seq),
		Name:           spec.Name,
		CronExpression: spec.CronExpression,
		Timezone:       spec.Timezone,
		IsEnabled:      spec.IsEnabled,
		ActorID:        spec.ActorID,
		RunInput:       maps.Clone(spec.RunInput),
	}
	f.schedules[s.ID] = s
	out := *s
	return &out, nil
}

func (f *Fake) GetSchedule(ctx context.Context, scheduleID string) (*runner.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpGetSchedule); err != nil {
		return nil, err
	}
	s, ok := f.schedules[scheduleID]
	if !ok {
		return nil, NotFound("schedule " + scheduleID)
	}
	out := *s
	return &out, nil
}

func (f *Fake) UpdateSchedule(ctx context.Context, scheduleID string, update runner.ScheduleUpdate) (*runner.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpUpdateSchedule); err != nil {
		return nil, err
	}
	s, ok := f.schedules[scheduleID]
	if !ok {
		return nil, NotFound("schedule " + scheduleID)
	}
	f.updates = append(f.updates, update)
	if update.Name != nil {
		s.Name = *update.Name
	}
	if update.CronExpression != nil {
		s.CronExpression = *update.CronExpression
	}
	if update.IsEnabled != nil {
		s.IsEnabled = *update.IsEnabled
	}
	if update.ActorID != nil {
		s.ActorID = *update.ActorID
	}
	if update.RunInput != nil {
		s.RunInput = maps.Clone(update.RunInput)
	}
	out := *s
	return &out, nil
}

func (f *Fake) DeleteSchedule(ctx context.Context, scheduleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpDeleteSchedule); err != nil {
		return err
	}
	if _, ok := f.schedules[scheduleID]; !ok {
		return NotFound("schedule " + scheduleID)
	}
	delete(f.schedules, scheduleID)
	return nil
}

func (f *Fake) ListSchedules(ctx context.Context) ([]runner.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpListSchedules); err != nil {
		return nil, err
	}
	return f.listLocked(), nil
}

func (f *Fake) listLocked() []runner.Schedule {
	ids := slices.Sorted(maps.Keys(f.schedules))
	out := make([]runner.Schedule, 0, len(ids))
	for _, id := range ids {
		out = append(out, *f.schedules[id])
	}
	return out
}
