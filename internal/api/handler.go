package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AnatolyTseytsey/forward-webhook/internal/config"
	"github.com/AnatolyTseytsey/forward-webhook/internal/ingest"
	"github.com/AnatolyTseytsey/forward-webhook/internal/registry"
	"github.com/AnatolyTseytsey/forward-webhook/internal/storage"
)

const maxBodyBytes = 1 << 20

// SecretHeader carries the shared webhook secret, when one is configured.
const SecretHeader = "X-Webhook-Secret-Token"

// Handler holds all HTTP handler dependencies.
type Handler struct {
	ing    *ingest.Ingestor
	loader *config.Loader
	reg    *registry.Registry
	store  *storage.Store
	queue  *storage.Queue
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(ing *ingest.Ingestor, loader *config.Loader, reg *registry.Registry, store *storage.Store, queue *storage.Queue) http.Handler {
	h := &Handler{ing: ing, loader: loader, reg: reg, store: store, queue: queue, mux: http.NewServeMux()}

	path := loader.Config().Server.WebhookPath
	h.mux.HandleFunc("POST "+path, h.ingestWebhook)
	h.mux.HandleFunc("GET /v1/destinations", h.listDestinations)
	h.mux.HandleFunc("POST /v1/config/reload", h.reloadConfig)
	h.mux.HandleFunc("GET /v1/deadletters", h.listDeadLetters)
	h.mux.HandleFunc("POST /v1/deadletters/{id}/replay", h.replayDeadLetter)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.mux)
}

// POST /webhook — validate, dedup, fan out, enqueue; respond before any
// delivery happens.
func (h *Handler) ingestWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	res, err := h.ing.Ingest(r.Context(), body, r.Header.Get(SecretHeader))
	if err != nil {
		// Storage failure: tell the upstream to retry rather than dropping.
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	switch {
	case res.Outcome == ingest.OutcomeRejected && res.Reason == ingest.ReasonInvalidSignature:
		writeJSON(w, http.StatusUnauthorized, res)
	case res.Outcome == ingest.OutcomeRejected:
		writeJSON(w, http.StatusBadRequest, res)
	case res.Outcome == ingest.OutcomeDuplicate:
		// 200 so the upstream stops redelivering.
		writeJSON(w, http.StatusOK, res)
	default:
		writeJSON(w, http.StatusAccepted, res)
	}
}

// GET /v1/destinations — current registry snapshot.
func (h *Handler) listDestinations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"destinations": h.reg.All(),
	})
}

// POST /v1/config/reload — re-read the config file and apply it.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := config.Validate(cfg); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded":     true,
		"destinations": len(cfg.Destinations),
	})
}

// GET /v1/deadletters — jobs that exhausted retries, for inspection.
func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	jobs, err := h.queue.DeadLettered(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": jobs})
}

// POST /v1/deadletters/{id}/replay — operator-triggered re-enqueue.
func (h *Handler) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.queue.ReplayDeadLetter(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"replayed": id})
}

// GET /healthz — always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz — 503 when the backing store is unreachable.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "storage unavailable",
		})
		return
	}
	counts, err := h.queue.CountByState(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "storage unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ready",
		"pending": counts[storage.StatePending],
	})
}
