package api

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/middleware"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	RequestTimeout time.Duration
	APIKeys        []string
}

// NewRouter builds the service handler.
//
// Route table:
//
//	POST   /api/v1/webhooks/runner              → runner completion notification
//	POST   /api/v1/configs/{id}/ingest          → pull-ingest one config
//	POST   /api/v1/ingest/batch                 → pull-ingest many configs
//	POST   /api/v1/schedules/sync               → reconcile all schedules
//	POST   /api/v1/configs/{id}/schedule        → create schedule
//	PUT    /api/v1/configs/{id}/schedule        → update schedule
//	DELETE /api/v1/configs/{id}/schedule        → delete schedule
//	GET    /api/v1/configs/{id}/schedule/status → compare with remote
//	GET    /health/live, /health/ready          → probes
//
// Ingest routes wait for remote runs to finish and are exempt from
// RequestTimeout. The webhook route authenticates by signature and the probes
// are open; every other route requires one of APIKeys when any are set.
//
// Middleware chain (outermost first):
//
//	RequestID → Metrics → mux → [APIKeys →] [Timeout →] handler
func NewRouter(h *Handler, checker *health.Checker, m *metrics.Metrics, opts RouterOptions) http.Handler {
	mux := http.NewServeMux()
	timeout := middleware.Timeout(opts.RequestTimeout)
	auth := middleware.APIKeys(opts.APIKeys)
	bounded := func(next http.Handler) http.Handler { return auth(timeout(next)) }

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	mux.Handle("POST /api/v1/webhooks/runner", timeout(http.HandlerFunc(h.Webhook)))

	mux.Handle("POST /api/v1/configs/{id}/ingest", auth(http.HandlerFunc(h.IngestConfig)))
	mux.Handle("POST /api/v1/ingest/batch", auth(http.HandlerFunc(h.IngestBatch)))

	mux.Handle("POST /api/v1/schedules/sync", bounded(http.HandlerFunc(h.SyncSchedules)))
	mux.Handle("POST /api/v1/configs/{id}/schedule", bounded(http.HandlerFunc(h.CreateSchedule)))
	mux.Handle("PUT /api/v1/configs/{id}/schedule", bounded(http.HandlerFunc(h.UpdateSchedule)))
	mux.Handle("DELETE /api/v1/configs/{id}/schedule", bounded(http.HandlerFunc(h.DeleteSchedule)))
	mux.Handle("GET /api/v1/configs/{id}/schedule/status", bounded(http.HandlerFunc(h.ScheduleStatus)))

	var chain http.Handler = mux
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)
	return chain
}
