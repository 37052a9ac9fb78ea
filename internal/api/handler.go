// Package api exposes the ingestion flows over HTTP. Handlers only decode
// requests and forward them to the pipeline, webhook and schedule packages.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/ingestion/webhook"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/internal/schedule"
	apperrors "github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/logger"
)

const maxBodyBytes = 10 << 20

type Ingester interface {
	Ingest(ctx context.Context, configID int64, override map[string]any) (*ingestion.IngestRun, error)
}

type BatchIngester interface {
	IngestMany(ctx context.Context, configIDs []int64, overrides map[int64]map[string]any) *ingestion.BatchIngestRun
}

type WebhookHandler interface {
	Handle(ctx context.Context, payload map[string]any, rawBody []byte, signature string) webhook.Result
}

type Scheduler interface {
	Sync(ctx context.Context) schedule.SyncResult
	CreateFor(ctx context.Context, configID int64) (*schedule.ScheduleOutcome, error)
	UpdateFor(ctx context.Context, configID int64) (*schedule.ScheduleOutcome, error)
	DeleteFor(ctx context.Context, configID int64) (*schedule.ScheduleOutcome, error)
	VerifyStatus(ctx context.Context, configID int64) (*schedule.Status, error)
}

type Handler struct {
	ingester  Ingester
	batch     BatchIngester
	webhooks  WebhookHandler
	schedules Scheduler
	logger    *slog.Logger
}

func New(ing Ingester, batch BatchIngester, wh WebhookHandler, sched Scheduler) *Handler {
	return &Handler{
		ingester:  ing,
		batch:     batch,
		webhooks:  wh,
		schedules: sched,
		logger:    slog.Default().With("component", "api-handler"),
	}
}

type ingestRequest struct {
	Input map[string]any `json:"input"`
}

type batchRequest struct {
	ConfigIDs []int64                  `json:"config_ids"`
	Overrides map[int64]map[string]any `json:"overrides"`
}

// Webhook accepts a runner completion notification. The raw body is kept for
// signature verification.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		h.writeJSON(w, http.StatusBadRequest, webhook.Result{
			Status:    webhook.StatusRejectedInvalid,
			Message:   "body is not a JSON object",
			ErrorCode: webhook.CodeMissingFields,
		})
		return
	}
	res := h.webhooks.Handle(r.Context(), payload, body, r.Header.Get(webhook.SignatureHeader))
	h.writeJSON(w, webhook.StatusCode(res), res)
}

// IngestConfig runs one config through the pull pipeline. The optional body
// {"input": {...}} overrides the config's default run input.
func (h *Handler) IngestConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := h.configID(w, r)
	if !ok {
		return
	}
	ctx := logger.WithAttrs(r.Context(), "config_id", id)
	log := logger.FromContext(ctx)
	var req ingestRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	run, err := h.ingester.Ingest(ctx, id, req.Input)
	if err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		log.Error("ingestion failed", "error", err, "status_code", statusCode)
		if run != nil {
			h.writeJSON(w, statusCode, run)
			return
		}
		h.writeError(w, statusCode, "ingestion failed")
		return
	}
	status := http.StatusOK
	if run.ErrorCode == pipeline.CodeNotFound {
		status = http.StatusNotFound
	}
	log.Info("ingestion finished", "run_id", run.RunID, "status", run.Status)
	h.writeJSON(w, status, run)
}

func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.ConfigIDs) == 0 {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": map[string]string{"config_ids": "at least one config id is required"},
		})
		return
	}
	batch := h.batch.IngestMany(r.Context(), req.ConfigIDs, req.Overrides)
	h.writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) SyncSchedules(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.schedules.Sync(r.Context()))
}

func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	h.scheduleOp(w, r, "create", h.schedules.CreateFor)
}

func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	h.scheduleOp(w, r, "update", h.schedules.UpdateFor)
}

func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	h.scheduleOp(w, r, "delete", h.schedules.DeleteFor)
}

func (h *Handler) scheduleOp(w http.ResponseWriter, r *http.Request, name string, op func(context.Context, int64) (*schedule.ScheduleOutcome, error)) {
	id, ok := h.configID(w, r)
	if !ok {
		return
	}
	out, err := op(r.Context(), id)
	if err != nil {
		h.writeAppError(w, r, "schedule "+name+" failed", err)
		return
	}
	status := http.StatusOK
	switch out.Action {
	case schedule.ActionCreated:
		status = http.StatusCreated
	case schedule.ActionFailed:
		status = http.StatusBadGateway
	}
	h.writeJSON(w, status, out)
}

func (h *Handler) ScheduleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.configID(w, r)
	if !ok {
		return
	}
	st, err := h.schedules.VerifyStatus(r.Context(), id)
	if err != nil {
		h.writeAppError(w, r, "schedule status failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) configID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "config id must be a positive integer")
		return 0, false
	}
	return id, true
}

// decodeOptional decodes a JSON body into dst, treating an empty body as
// absent.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	statusCode := apperrors.HTTPStatusCode(err)
	logger.FromContext(r.Context()).Warn(msg, "error", err, "status_code", statusCode)
	h.writeError(w, statusCode, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
