// Package webhook ingests the results of actor runs pushed by the runner's
// completion notifications. Every notification is handled at most once per
// (run id, status): the event row is written before any content, in the same
// transaction, and a repeat delivery is reported as a duplicate.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/events"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/itemproc"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/runner"
	apperrors "github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/metrics"
)

// Status is the outcome of handling one notification.
type Status string

const (
	StatusProcessed         Status = "processed"
	StatusDuplicate         Status = "duplicate"
	StatusFailureRecorded   Status = "failure_recorded"
	StatusRejectedInvalid   Status = "rejected_invalid"
	StatusRejectedSignature Status = "rejected_signature"
	StatusError             Status = "error"
)

// Error codes carried by rejected and errored results.
const (
	CodeInvalidSignature = "invalid_signature"
	CodeMissingFields    = "missing_fields"
	CodeStorage          = "storage"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Runner-Signature"

var errDuplicate = errors.New("webhook event already recorded")

type Result struct {
	Status       Status `json:"status"`
	Message      string `json:"message"`
	RunID        string `json:"run_id,omitempty"`
	DatasetID    string `json:"dataset_id,omitempty"`
	ItemsCreated int    `json:"items_created"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// StatusCode maps a result to the HTTP status returned to the sender.
func StatusCode(r Result) int {
	switch r.Status {
	case StatusProcessed, StatusDuplicate, StatusFailureRecorded:
		return http.StatusOK
	case StatusRejectedInvalid:
		return http.StatusBadRequest
	case StatusRejectedSignature:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

type Options struct {
	Secret   string
	PageSize int
}

type Handler struct {
	store   ingestion.Store
	runner  runner.Client
	proc    *itemproc.Processor
	seen    SeenCache
	events  events.Publisher
	metrics *metrics.Metrics
	opts    Options
	logger  *slog.Logger
}

// New wires a Handler. seen, pub and m may be nil.
func New(store ingestion.Store, rc runner.Client, proc *itemproc.Processor, seen SeenCache, pub events.Publisher, m *metrics.Metrics, opts Options) *Handler {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Handler{
		store:   store,
		runner:  rc,
		proc:    proc,
		seen:    seen,
		events:  pub,
		metrics: m,
		opts:    opts,
		logger:  slog.Default().With("component", "webhook-handler"),
	}
}

// notification is the part of a payload the handler acts on.
type notification struct {
	RunID     string
	ActorID   string
	Status    string
	DatasetID string
}

// Handle processes one notification. rawBody is the exact request body the
// signature was computed over; signature may be empty.
func (h *Handler) Handle(ctx context.Context, payload map[string]any, rawBody []byte, signature string) Result {
	res := h.handle(ctx, payload, rawBody, signature)
	h.metrics.RecordWebhook(string(res.Status))
	return res
}

func (h *Handler) handle(ctx context.Context, payload map[string]any, rawBody []byte, signature string) Result {
	if h.opts.Secret != "" && signature != "" && !VerifySignature(h.opts.Secret, rawBody, signature) {
		h.logger.Warn("webhook signature mismatch")
		return Result{Status: StatusRejectedSignature, Message: "signature does not match", ErrorCode: CodeInvalidSignature}
	}

	n, missing := extract(payload)
	if len(missing) > 0 {
		h.logger.Warn("webhook payload missing fields", "missing", missing)
		return Result{
			Status:    StatusRejectedInvalid,
			Message:   "missing fields: " + strings.Join(missing, ", "),
			RunID:     n.RunID,
			ErrorCode: CodeMissingFields,
		}
	}
	logger := h.logger.With("run_id", n.RunID, "status", n.Status, "actor_id", n.ActorID)
	base := Result{RunID: n.RunID, DatasetID: n.DatasetID}

	if h.alreadySeen(ctx, logger, n) {
		return duplicate(base)
	}
	existing, err := h.store.FindWebhookEvent(ctx, n.RunID, n.Status)
	if err != nil {
		logger.Error("webhook dedup lookup failed", "error", err)
		return errorResult(base, CodeStorage, err)
	}
	if existing != nil {
		h.markSeen(ctx, logger, n)
		return duplicate(base)
	}

	status := runner.RunStatus(n.Status)
	var items []map[string]any
	var note string
	switch {
	case status.Succeeded() && n.DatasetID != "":
		data, err := runner.FetchAllItems(ctx, h.runner, n.DatasetID, h.opts.PageSize)
		if err != nil {
			logger.Error("fetching webhook dataset failed", "dataset_id", n.DatasetID, "error", err)
			return errorResult(base, apperrors.CodeOf(err), err)
		}
		items = data.Items
		if data.Warning != "" {
			logger.Warn("dataset normalized with warning", "warning", data.Warning)
		}
		if data.Error != "" {
			note = "; dataset error: " + data.Error
		}
	case status.Succeeded():
		note = "; no dataset to ingest"
	}

	event := &ingestion.WebhookEvent{
		RunID:     n.RunID,
		Status:    n.Status,
		ActorID:   n.ActorID,
		DatasetID: n.DatasetID,
		Payload:   auditPayload(payload, rawBody),
	}

	var (
		created  []*ingestion.ContentRecord
		attempts int
		failures int
	)
	err = h.store.InTx(ctx, func(tx ingestion.Store) error {
		created, attempts, failures = nil, 0, 0
		inserted, err := tx.InsertWebhookEvent(ctx, event)
		if err != nil {
			return err
		}
		if inserted == ingestion.Duplicate {
			return errDuplicate
		}
		for idx, item := range items {
			attempts++
			var out itemproc.Outcome
			isoErr := tx.Isolate(ctx, func(itx ingestion.Store) error {
				out = h.proc.Process(ctx, itx, n.RunID, idx, item)
				return out.TxErr()
			})
			if isoErr != nil || out.Kind == itemproc.Failed {
				failures++
				msg := out.Message
				if isoErr != nil {
					msg = isoErr.Error()
				}
				logger.Warn("webhook item failed", "item", out.Key, "error", msg)
				continue
			}
			if out.Created(h.proc.Overwrite) {
				created = append(created, out.Record)
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, errDuplicate):
		h.markSeen(ctx, logger, n)
		return duplicate(base)
	case err != nil:
		logger.Error("recording webhook failed", "error", err)
		return errorResult(base, CodeStorage, err)
	}
	h.markSeen(ctx, logger, n)

	if !status.Succeeded() && status.Terminal() {
		logger.Info("remote run failure recorded")
		base.Status = StatusFailureRecorded
		base.Message = fmt.Sprintf("run finished with status %s; no content ingested", n.Status)
		return base
	}

	if err := h.events.ContentIngested(ctx, n.RunID, created); err != nil {
		logger.Warn("publishing content events failed", "count", len(created), "error", err)
	}
	base.Status = StatusProcessed
	base.ItemsCreated = len(created)
	base.Message = fmt.Sprintf("%d items, %d created, %d failed%s", attempts, len(created), failures, note)
	logger.Info("webhook processed", "items", attempts, "created", len(created), "failed", failures)
	return base
}

func (h *Handler) alreadySeen(ctx context.Context, logger *slog.Logger, n notification) bool {
	if h.seen == nil {
		return false
	}
	seen, err := h.seen.Seen(ctx, n.RunID, n.Status)
	if err != nil {
		logger.Warn("dedup cache lookup failed", "error", err)
		return false
	}
	return seen
}

func (h *Handler) markSeen(ctx context.Context, logger *slog.Logger, n notification) {
	if h.seen == nil {
		return
	}
	if err := h.seen.Mark(ctx, n.RunID, n.Status); err != nil {
		logger.Warn("dedup cache update failed", "error", err)
	}
}

func duplicate(base Result) Result {
	base.Status = StatusDuplicate
	base.Message = "duplicate ignored"
	base.ItemsCreated = 0
	return base
}

func errorResult(base Result, code string, err error) Result {
	base.Status = StatusError
	base.ErrorCode = code
	base.Message = err.Error()
	return base
}

// VerifySignature checks signature against the HMAC-SHA256 of body. Both
// "sha256=<hex>" and bare hex are accepted.
func VerifySignature(secret string, body []byte, signature string) bool {
	sig := strings.TrimSpace(signature)
	sig = strings.TrimPrefix(sig, "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the "sha256=<hex>" signature of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// extract resolves the notification fields, trying the primary location
// first and the fallback second. It returns the names of the required fields
// it could not resolve.
func extract(payload map[string]any) (notification, []string) {
	n := notification{
		RunID:     firstString(payload, "resource.id", "eventData.actorRunId"),
		ActorID:   firstString(payload, "resource.actId", "eventData.actorId"),
		Status:    firstString(payload, "resource.status"),
		DatasetID: firstString(payload, "resource.defaultDatasetId", "eventData.defaultDatasetId"),
	}
	if n.Status == "" {
		if eventType := firstString(payload, "eventType"); eventType != "" {
			n.Status = eventType[strings.LastIndex(eventType, ".")+1:]
		}
	}
	// Event types spell multi-word statuses with underscores (TIMED_OUT),
	// run resources with dashes (TIMED-OUT).
	n.Status = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(n.Status), "_", "-"))
	var missing []string
	if n.RunID == "" {
		missing = append(missing, "runId")
	}
	if n.ActorID == "" {
		missing = append(missing, "actorId")
	}
	if n.Status == "" {
		missing = append(missing, "status")
	}
	return n, missing
}

func firstString(payload map[string]any, paths ...string) string {
	for _, path := range paths {
		var cur any = payload
		for _, key := range strings.Split(path, ".") {
			m, ok := cur.(map[string]any)
			if !ok {
				cur = nil
				break
			}
			cur = m[key]
		}
		if s, ok := cur.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func auditPayload(payload map[string]any, rawBody []byte) json.RawMessage {
	if len(rawBody) > 0 && json.Valid(rawBody) {
		return json.RawMessage(rawBody)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return b
}
