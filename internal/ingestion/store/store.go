// Package store is the PostgreSQL implementation of ingestion.Store.
//
// A Store returned by New works on the connection pool. Inside InTx the
// callback receives a Store bound to the transaction; Isolate on that handle
// wraps its work in a savepoint.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/postgres"
)

//go:embed schema.sql
var schema string

type Store struct {
	db     *postgres.Client
	q      postgres.Querier
	tx     *sql.Tx
	depth  *int
	logger *slog.Logger
}

var _ ingestion.Store = (*Store)(nil)

func New(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		q:      db.DB,
		logger: slog.Default().With("component", "ingestion-store"),
	}
}

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	s.logger.Info("schema applied")
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx ingestion.Store) error) error {
	if s.tx != nil {
		return s.Isolate(ctx, fn)
	}
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		depth := 0
		return fn(&Store{db: s.db, q: tx, tx: tx, depth: &depth, logger: s.logger})
	})
}

func (s *Store) Isolate(ctx context.Context, fn func(tx ingestion.Store) error) error {
	if s.tx == nil {
		return s.InTx(ctx, fn)
	}
	*s.depth++
	name := fmt.Sprintf("item_%d", *s.depth)
	defer func() { *s.depth-- }()
	return postgres.InSavepoint(ctx, s.tx, name, func() error { return fn(s) })
}

const configColumns = `id, name, actor_id, default_input, schedule, schedule_id, active, last_run_at`

func scanConfig(scan func(dest ...any) error) (*ingestion.SourceConfig, error) {
	var (
		cfg     ingestion.SourceConfig
		input   []byte
		lastRun sql.NullTime
	)
	if err := scan(&cfg.ID, &cfg.Name, &cfg.ActorID, &input, &cfg.Schedule, &cfg.ScheduleID, &cfg.Active, &lastRun); err != nil {
		return nil, err
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &cfg.DefaultInput); err != nil {
			return nil, fmt.Errorf("decoding default input of config %d: %w", cfg.ID, err)
		}
	}
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		cfg.LastRunAt = &t
	}
	return &cfg, nil
}

func (s *Store) GetSourceConfig(ctx context.Context, id int64) (*ingestion.SourceConfig, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+configColumns+` FROM source_configs WHERE id = $1`, id)
	cfg, err := scanConfig(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying source config %d: %w", id, err)
	}
	return cfg, nil
}

func (s *Store) UpdateSourceConfig(ctx context.Context, id int64, upd ingestion.SourceConfigUpdate) error {
	var (
		sets []string
		args []any
	)
	if upd.ScheduleID != nil {
		args = append(args, *upd.ScheduleID)
		sets = append(sets, fmt.Sprintf("schedule_id = $%d", len(args)))
	}
	if upd.LastRunAt != nil {
		args = append(args, upd.LastRunAt.UTC())
		sets = append(sets, fmt.Sprintf("last_run_at = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE source_configs SET %s, updated_at = NOW() WHERE id = $%d`, strings.Join(sets, ", "), len(args))

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating source config %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("source config %d: %w", id, apperrors.ErrNotFound)
	}
	return nil
}

func (s *Store) GetActiveScheduledConfigs(ctx context.Context) ([]ingestion.SourceConfig, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+configColumns+` FROM source_configs WHERE active AND schedule <> '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing scheduled configs: %w", err)
	}
	defer rows.Close()

	var configs []ingestion.SourceConfig
	for rows.Next() {
		cfg, err := scanConfig(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning source config: %w", err)
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

func (s *Store) ListScheduleBindings(ctx context.Context) ([]ingestion.ScheduleBinding, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, schedule_id, schedule <> '', active FROM source_configs WHERE schedule_id <> '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing schedule bindings: %w", err)
	}
	defer rows.Close()

	var bindings []ingestion.ScheduleBinding
	for rows.Next() {
		var b ingestion.ScheduleBinding
		if err := rows.Scan(&b.ConfigID, &b.ScheduleID, &b.Declared, &b.Active); err != nil {
			return nil, fmt.Errorf("scanning schedule binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

func (s *Store) UpsertContentByURL(ctx context.Context, rec *ingestion.ContentRecord, overwrite bool) (ingestion.UpsertOutcome, error) {
	if rec == nil || rec.URL == "" {
		return ingestion.UpsertOutcome{}, fmt.Errorf("content record without url: %w", apperrors.ErrInvalidInput)
	}
	args := []any{rec.URL, rec.Title, rec.Body, rec.Source, nullableTime(rec.PublishedAt), rec.Status}

	if overwrite {
		var (
			id       int64
			inserted bool
		)
		err := s.q.QueryRowContext(ctx,
			`INSERT INTO content_records (url, title, body, source, published_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (url) DO UPDATE SET
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			source = EXCLUDED.source,
			published_at = EXCLUDED.published_at,
			status = EXCLUDED.status,
			updated_at = NOW()
		RETURNING id, (xmax = 0)`, args...).Scan(&id, &inserted)
		if err != nil {
			return ingestion.UpsertOutcome{}, fmt.Errorf("upserting content %s: %w", rec.URL, err)
		}
		result := ingestion.UpsertUpdated
		if inserted {
			result = ingestion.UpsertCreated
		}
		return ingestion.UpsertOutcome{ContentID: id, Result: result}, nil
	}

	var id int64
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO content_records (url, title, body, source, published_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (url) DO NOTHING
		RETURNING id`, args...).Scan(&id)
	switch {
	case err == nil:
		return ingestion.UpsertOutcome{ContentID: id, Result: ingestion.UpsertCreated}, nil
	case err != sql.ErrNoRows:
		return ingestion.UpsertOutcome{}, fmt.Errorf("inserting content %s: %w", rec.URL, err)
	}

	// Another writer owns the URL; its record is authoritative.
	if err := s.q.QueryRowContext(ctx, `SELECT id FROM content_records WHERE url = $1`, rec.URL).Scan(&id); err != nil {
		return ingestion.UpsertOutcome{}, fmt.Errorf("resolving existing content %s: %w", rec.URL, err)
	}
	return ingestion.UpsertOutcome{ContentID: id, Result: ingestion.UpsertExisting}, nil
}

func (s *Store) InsertRawItem(ctx context.Context, runID string, payload json.RawMessage) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO raw_dataset_items (run_id, payload) VALUES ($1, $2) RETURNING id`,
		runID, []byte(payload)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting raw item for run %s: %w", runID, err)
	}
	return id, nil
}

func (s *Store) LinkRawItem(ctx context.Context, itemID int64, contentID *int64, errMsg string) error {
	var content sql.NullInt64
	if contentID != nil {
		content = sql.NullInt64{Int64: *contentID, Valid: true}
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE raw_dataset_items SET content_id = $2, error = $3, processed_at = NOW()
		WHERE id = $1 AND processed_at IS NULL`, itemID, content, errMsg)
	if err != nil {
		return fmt.Errorf("linking raw item %d: %w", itemID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("raw item %d missing or already linked: %w", itemID, apperrors.ErrConflict)
	}
	return nil
}

// SaveRun inserts or updates run. Rows whose end time is already set are
// left untouched.
func (s *Store) SaveRun(ctx context.Context, run *ingestion.IngestRun) error {
	itemErrors, err := json.Marshal(nonNilMap(run.ItemErrors))
	if err != nil {
		return fmt.Errorf("encoding item errors: %w", err)
	}
	logLines, err := json.Marshal(nonNilSlice(run.Log))
	if err != nil {
		return fmt.Errorf("encoding run log: %w", err)
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO ingest_runs (id, config_id, run_id, dataset_id, status, start_time, end_time,
			total, processed, skipped, failed, item_errors, log, error_code, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			dataset_id = EXCLUDED.dataset_id,
			status = EXCLUDED.status,
			end_time = EXCLUDED.end_time,
			total = EXCLUDED.total,
			processed = EXCLUDED.processed,
			skipped = EXCLUDED.skipped,
			failed = EXCLUDED.failed,
			item_errors = EXCLUDED.item_errors,
			log = EXCLUDED.log,
			error_code = EXCLUDED.error_code,
			error = EXCLUDED.error
		WHERE ingest_runs.end_time IS NULL`,
		run.ID, run.ConfigID, run.RunID, run.DatasetID, string(run.Status), run.StartTime.UTC(), nullableTime(run.EndTime),
		run.Total, run.Processed, run.Skipped, run.Failed, itemErrors, logLines, run.ErrorCode, run.Error,
	)
	if err != nil {
		return fmt.Errorf("saving ingest run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) FindWebhookEvent(ctx context.Context, runID, status string) (*ingestion.WebhookEvent, error) {
	var ev ingestion.WebhookEvent
	var payload []byte
	err := s.q.QueryRowContext(ctx,
		`SELECT id, run_id, status, actor_id, dataset_id, payload, received_at
		FROM webhook_events WHERE run_id = $1 AND status = $2`, runID, status).
		Scan(&ev.ID, &ev.RunID, &ev.Status, &ev.ActorID, &ev.DatasetID, &payload, &ev.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying webhook event %s/%s: %w", runID, status, err)
	}
	ev.Payload = payload
	return &ev, nil
}

func (s *Store) InsertWebhookEvent(ctx context.Context, ev *ingestion.WebhookEvent) (ingestion.InsertResult, error) {
	var payload []byte
	if len(ev.Payload) > 0 {
		payload = ev.Payload
	}
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO webhook_events (run_id, status, actor_id, dataset_id, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, status) DO NOTHING
		RETURNING id, received_at`, ev.RunID, ev.Status, ev.ActorID, ev.DatasetID, payload).
		Scan(&ev.ID, &ev.ReceivedAt)
	switch {
	case err == nil:
		return ingestion.Inserted, nil
	case err == sql.ErrNoRows, postgres.IsUniqueViolation(err):
		return ingestion.Duplicate, nil
	default:
		return 0, fmt.Errorf("inserting webhook event %s/%s: %w", ev.RunID, ev.Status, err)
	}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
