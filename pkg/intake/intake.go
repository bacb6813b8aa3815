package intake

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"chat-bridge/pkg/job"
	"chat-bridge/pkg/normalize"
	"chat-bridge/pkg/observability"
)

const maxBodyBytes = 32 << 20

// Store is the outbox and ledger the intake API writes to and reads from.
type Store interface {
	CreateOutboxMessage(ctx context.Context, payload []byte) (string, error)
	ResultsForJob(ctx context.Context, jobID string) ([]job.DeliveryResult, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	store  Store
	logger *slog.Logger
}

func NewHandler(store Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger.With("component", "intake")}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", h.submit)
	mux.HandleFunc("GET /messages/{id}", h.results)
	mux.HandleFunc("GET /health", h.health)
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// submit validates a queue payload and stores it in the outbox. Payloads the
// worker would dead-letter or fail outright are rejected here instead.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	payload, err := normalize.Parse(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	j, err := normalize.Normalize(payload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	id, err := h.store.CreateOutboxMessage(r.Context(), body)
	if err != nil {
		h.logger.Error("failed to create outbox message", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}

	observability.JobsSubmitted.WithLabelValues(string(j.Mode)).Inc()
	h.logger.Info("message accepted", "job_id", id, "mode", j.Mode, "recipients", len(j.Recipients))
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (h *Handler) results(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	results, err := h.store.ResultsForJob(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load delivery results", "job_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	if len(results) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no results recorded for job"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  id,
		"failed":  job.Failed(results),
		"results": results,
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
