// Package memstore is an in-memory implementation of ingestion.Store. It
// backs the "memory" storage type and the tests of the core flows.
//
// Transactions hold the store lock until they finish, so they are
// serialized. Code running inside InTx must only use the tx handle it was
// given; calling the outer store from there deadlocks.
package memstore

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/errors"
)

type eventKey struct {
	runID  string
	status string
}

type data struct {
	seq     int64
	configs map[int64]*ingestion.SourceConfig
	content map[int64]*ingestion.ContentRecord
	byURL   map[string]int64
	raw     map[int64]*ingestion.RawDatasetItem
	linked  map[int64]bool
	runs    map[uuid.UUID]*ingestion.IngestRun
	events  map[eventKey]*ingestion.WebhookEvent
}

// Store is safe for concurrent use.
type Store struct {
	mu  sync.Mutex
	d   *data
	now func() time.Time

	// FailUpsert, when set, is consulted before every content upsert and
	// its error returned instead of writing.
	FailUpsert func(rec *ingestion.ContentRecord) error
}

var _ ingestion.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		d: &data{
			configs: make(map[int64]*ingestion.SourceConfig),
			content: make(map[int64]*ingestion.ContentRecord),
			byURL:   make(map[string]int64),
			raw:     make(map[int64]*ingestion.RawDatasetItem),
			linked:  make(map[int64]bool),
			runs:    make(map[uuid.UUID]*ingestion.IngestRun),
			events:  make(map[eventKey]*ingestion.WebhookEvent),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// withTx runs fn against an auto-committing single-operation transaction.
func (s *Store) withTx(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Tx{s: s}
	if err := fn(tx); err != nil {
		tx.rollbackTo(0)
		return err
	}
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx ingestion.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.withTx(func(tx *Tx) error { return fn(tx) })
}

func (s *Store) Isolate(ctx context.Context, fn func(tx ingestion.Store) error) error {
	return s.InTx(ctx, fn)
}

func (s *Store) GetSourceConfig(ctx context.Context, id int64) (*ingestion.SourceConfig, error) {
	var out *ingestion.SourceConfig
	err := s.withTx(func(tx *Tx) (err error) {
		out, err = tx.GetSourceConfig(ctx, id)
		return err
	})
	return out, err
}

func (s *Store) UpdateSourceConfig(ctx context.Context, id int64, upd ingestion.SourceConfigUpdate) error {
	return s.withTx(func(tx *Tx) error { return tx.UpdateSourceConfig(ctx, id, upd) })
}

func (s *Store) GetActiveScheduledConfigs(ctx context.Context) ([]ingestion.SourceConfig, error) {
	var out []ingestion.SourceConfig
	err := s.withTx(func(tx *Tx) (err error) {
		out, err = tx.GetActiveScheduledConfigs(ctx)
		return err
	})
	return out, err
}

func (s *Store) ListScheduleBindings(ctx context.Context) ([]ingestion.ScheduleBinding, error) {
	var out []ingestion.ScheduleBinding
	err := s.withTx(func(tx *Tx) (err error) {
		out, err = tx.ListScheduleBindings(ctx)
		return err
	})
	return out, err
}

func (s *Store) UpsertContentByURL(ctx context.Context, rec *ingestion.ContentRecord, overwrite bool) (ingestion.UpsertOutcome, error) {
	var out ingestion.UpsertOutcome
	err := s.withTx(func(tx *Tx) (err error) {
		out, err = tx.UpsertContentByURL(ctx, rec, overwrite)
		return err
	})
	return out, err
}

func (s *Store) InsertRawItem(ctx context.Context, runID string, payload json.RawMessage) (int64, error) {
	var id int64
	err := s.withTx(func(tx *Tx) (err error) {
		id, err = tx.InsertRawItem(ctx, runID, payload)
		return err
	})
	return id, err
}

func (s *Store) LinkRawItem(ctx context.Context, itemID int64, contentID *int64, errMsg string) error {
	return s.withTx(func(tx *Tx) error { return tx.LinkRawItem(ctx, itemID, contentID, errMsg) })
}

func (s *Store) SaveRun(ctx context.Context, run *ingestion.IngestRun) error {
	return s.withTx(func(tx *Tx) error { return tx.SaveRun(ctx, run) })
}

func (s *Store) FindWebhookEvent(ctx context.Context, runID, status string) (*ingestion.WebhookEvent, error) {
	var out *ingestion.WebhookEvent
	err := s.withTx(func(tx *Tx) (err error) {
		out, err = tx.FindWebhookEvent(ctx, runID, status)
		return err
	})
	return out, err
}

func (s *Store) InsertWebhookEvent(ctx context.Context, ev *ingestion.WebhookEvent) (ingestion.InsertResult, error) {
	var out ingestion.InsertResult
	err := s.withTx(func(tx *Tx) (err error) {
		out, err = tx.InsertWebhookEvent(ctx, ev)
		return err
	})
	return out, err
}

// Tx is the view handed to InTx callbacks. Every mutation records how to
// undo itself so a failed transaction or Isolate block can be rolled back.
type Tx struct {
	s    *Store
	undo []func()
}

var _ ingestion.Store = (*Tx)(nil)

func (tx *Tx) record(fn func()) { tx.undo = append(tx.undo, fn) }

func (tx *Tx) rollbackTo(mark int) {
	for i := len(tx.undo) - 1; i >= mark; i-- {
		tx.undo[i]()
	}
	tx.undo = tx.undo[:mark]
}

// InTx nests as an isolated block.
func (tx *Tx) InTx(ctx context.Context, fn func(tx ingestion.Store) error) error {
	return tx.Isolate(ctx, fn)
}

func (tx *Tx) Isolate(ctx context.Context, fn func(tx ingestion.Store) error) error {
	mark := len(tx.undo)
	if err := fn(tx); err != nil {
		tx.rollbackTo(mark)
		return err
	}
	return nil
}

func (tx *Tx) GetSourceConfig(_ context.Context, id int64) (*ingestion.SourceConfig, error) {
	cfg, ok := tx.s.d.configs[id]
	if !ok {
		return nil, nil
	}
	return cloneConfig(cfg), nil
}

func (tx *Tx) UpdateSourceConfig(_ context.Context, id int64, upd ingestion.SourceConfigUpdate) error {
	cfg, ok := tx.s.d.configs[id]
	if !ok {
		return fmt.Errorf("source config %d: %w", id, apperrors.ErrNotFound)
	}
	prev := cloneConfig(cfg)
	tx.record(func() { tx.s.d.configs[id] = prev })
	next := cloneConfig(cfg)
	if upd.ScheduleID != nil {
		next.ScheduleID = *upd.ScheduleID
	}
	if upd.LastRunAt != nil {
		t := *upd.LastRunAt
		next.LastRunAt = &t
	}
	tx.s.d.configs[id] = next
	return nil
}

func (tx *Tx) GetActiveScheduledConfigs(_ context.Context) ([]ingestion.SourceConfig, error) {
	var out []ingestion.SourceConfig
	for _, cfg := range tx.s.d.configs {
		if cfg.Active && cfg.HasSchedule() {
			out = append(out, *cloneConfig(cfg))
		}
	}
	slices.SortFunc(out, func(a, b ingestion.SourceConfig) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (tx *Tx) ListScheduleBindings(_ context.Context) ([]ingestion.ScheduleBinding, error) {
	var out []ingestion.ScheduleBinding
	for _, cfg := range tx.s.d.configs {
		if cfg.ScheduleID != "" {
			out = append(out, ingestion.ScheduleBinding{
				ConfigID:   cfg.ID,
				ScheduleID: cfg.ScheduleID,
				Declared:   cfg.HasSchedule(),
				Active:     cfg.Active,
			})
		}
	}
	slices.SortFunc(out, func(a, b ingestion.ScheduleBinding) int { return cmp.Compare(a.ConfigID, b.ConfigID) })
	return out, nil
}

func (tx *Tx) UpsertContentByURL(_ context.Context, rec *ingestion.ContentRecord, overwrite bool) (ingestion.UpsertOutcome, error) {
	if rec == nil || rec.URL == "" {
		return ingestion.UpsertOutcome{}, fmt.Errorf("content record without url: %w", apperrors.ErrInvalidInput)
	}
	if tx.s.FailUpsert != nil {
		if err := tx.s.FailUpsert(rec); err != nil {
			return ingestion.UpsertOutcome{}, err
		}
	}
	d := tx.s.d
	now := tx.s.now()

	if id, ok := d.byURL[rec.URL]; ok {
		if !overwrite {
			return ingestion.UpsertOutcome{ContentID: id, Result: ingestion.UpsertExisting}, nil
		}
		prev := *d.content[id]
		tx.record(func() { d.content[id] = &prev })
		next := *rec
		next.ID = id
		next.CreatedAt = prev.CreatedAt
		next.UpdatedAt = now
		d.content[id] = &next
		return ingestion.UpsertOutcome{ContentID: id, Result: ingestion.UpsertUpdated}, nil
	}

	d.seq++
	id := d.seq
	next := *rec
	next.ID = id
	next.CreatedAt = now
	next.UpdatedAt = now
	d.content[id] = &next
	d.byURL[rec.URL] = id
	tx.record(func() {
		delete(d.content, id)
		delete(d.byURL, rec.URL)
	})
	return ingestion.UpsertOutcome{ContentID: id, Result: ingestion.UpsertCreated}, nil
}

func (tx *Tx) InsertRawItem(_ context.Context, runID string, payload json.RawMessage) (int64, error) {
	d := tx.s.d
	d.seq++
	id := d.seq
	d.raw[id] = &ingestion.RawDatasetItem{
		ID:        id,
		RunID:     runID,
		Payload:   slices.Clone(payload),
		CreatedAt: tx.s.now(),
	}
	tx.record(func() { delete(d.raw, id) })
	return id, nil
}

func (tx *Tx) LinkRawItem(_ context.Context, itemID int64, contentID *int64, errMsg string) error {
	d := tx.s.d
	item, ok := d.raw[itemID]
	if !ok {
		return fmt.Errorf("raw item %d: %w", itemID, apperrors.ErrNotFound)
	}
	if d.linked[itemID] {
		return fmt.Errorf("raw item %d already linked: %w", itemID, apperrors.ErrConflict)
	}
	prev := *item
	tx.record(func() {
		d.raw[itemID] = &prev
		delete(d.linked, itemID)
	})
	next := *item
	if contentID != nil {
		id := *contentID
		next.ContentID = &id
	}
	next.Error = errMsg
	d.raw[itemID] = &next
	d.linked[itemID] = true
	return nil
}

// SaveRun inserts or replaces run. A stored run that already has an end time
// is left as it is.
func (tx *Tx) SaveRun(_ context.Context, run *ingestion.IngestRun) error {
	d := tx.s.d
	prev, existed := d.runs[run.ID]
	if existed && prev.EndTime != nil {
		return nil
	}
	tx.record(func() {
		if existed {
			d.runs[run.ID] = prev
		} else {
			delete(d.runs, run.ID)
		}
	})
	d.runs[run.ID] = run.Clone()
	return nil
}

func (tx *Tx) FindWebhookEvent(_ context.Context, runID, status string) (*ingestion.WebhookEvent, error) {
	ev, ok := tx.s.d.events[eventKey{runID, status}]
	if !ok {
		return nil, nil
	}
	out := *ev
	return &out, nil
}

func (tx *Tx) InsertWebhookEvent(_ context.Context, ev *ingestion.WebhookEvent) (ingestion.InsertResult, error) {
	d := tx.s.d
	key := eventKey{ev.RunID, ev.Status}
	if _, ok := d.events[key]; ok {
		return ingestion.Duplicate, nil
	}
	d.seq++
	stored := *ev
	stored.ID = d.seq
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = tx.s.now()
	}
	stored.Payload = slices.Clone(ev.Payload)
	d.events[key] = &stored
	tx.record(func() { delete(d.events, key) })
	ev.ID = stored.ID
	return ingestion.Inserted, nil
}

func cloneConfig(c *ingestion.SourceConfig) *ingestion.SourceConfig {
	out := *c
	out.DefaultInput = maps.Clone(c.DefaultInput)
	if c.LastRunAt != nil {
		t := *c.LastRunAt
		out.LastRunAt = &t
	}
	return &out
}
