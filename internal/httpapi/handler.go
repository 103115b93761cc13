// Package httpapi is the HTTP delivery surface: the refine endpoint, role
// metadata, thread history, health probes, and the SSE/WebSocket event
// streams.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/aggregate"
	"github.com/refinelab/refinery/internal/health"
	"github.com/refinelab/refinery/internal/memory"
	"github.com/refinelab/refinery/internal/roles"
	"github.com/refinelab/refinery/internal/runner"
	"github.com/refinelab/refinery/internal/streaming"
)

// maxQueryBytes bounds the accepted query size.
const maxQueryBytes = 16 << 10

// Runner is the run entry point the API drives.
type Runner interface {
	Run(ctx context.Context, query, threadID string) (*runner.RunResult, error)
}

// Handler wires the API routes.
type Handler struct {
	runner Runner
	store  memory.ThreadStore
	events *streaming.Manager
	checks *health.Manager
	logger *zap.Logger
}

func NewHandler(r Runner, store memory.ThreadStore, events *streaming.Manager, checks *health.Manager, logger *zap.Logger) *Handler {
	if store == nil {
		store = memory.Noop{}
	}
	return &Handler{runner: r, store: store, events: events, checks: checks, logger: logger}
}

// RegisterRoutes registers all API routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/refine", h.handleRefine)
	mux.HandleFunc("GET /api/v1/roles", h.handleRoles)
	mux.HandleFunc("GET /api/v1/threads/{id}/history", h.handleThreadHistory)
	mux.HandleFunc("DELETE /api/v1/threads/{id}", h.handleThreadClear)
	mux.HandleFunc("GET /healthz", h.handleLiveness)
	mux.HandleFunc("GET /readyz", h.handleReadiness)
	mux.HandleFunc("GET /stream/sse", h.handleSSE)
	mux.HandleFunc("GET /stream/ws", h.handleWS)
}

// RefineRequest is the body of POST /api/v1/refine.
type RefineRequest struct {
	Query    string `json:"query"`
	ThreadID string `json:"thread_id,omitempty"`
}

// RefineResponse extends the run result with timing in milliseconds, which is
// friendlier to non-Go clients than a Duration.
type RefineResponse struct {
	*runner.RunResult
	ProcessingTimeMS int64 `json:"processing_time_ms"`
}

// handleRefine runs one refinement synchronously. A missing thread id gets a
// fresh one so the caller can continue the conversation.
func (h *Handler) handleRefine(w http.ResponseWriter, r *http.Request) {
	var req RefineRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}

	result, err := h.runner.Run(r.Context(), req.Query, req.ThreadID)
	if err != nil {
		if errors.Is(err, aggregate.ErrNothingToAggregate) {
			writeError(w, http.StatusServiceUnavailable, "no analysis could be produced: "+err.Error())
			return
		}
		h.logger.Error("refine run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "run failed")
		return
	}

	writeJSON(w, http.StatusOK, RefineResponse{
		RunResult:        result,
		ProcessingTimeMS: result.ProcessingTime.Milliseconds(),
	})
}

func (h *Handler) handleRoles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles.Descriptions()})
}

// handleThreadHistory returns recent snapshots for a thread, most recent last.
// GET /api/v1/threads/{id}/history?limit=N
func (h *Handler) handleThreadHistory(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	limit := 10
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	snaps, err := h.store.History(r.Context(), threadID, limit)
	if err != nil {
		h.logger.Warn("thread history load failed", zap.String("thread_id", threadID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "thread store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"runs":      snaps,
		"count":     len(snaps),
	})
}

// handleThreadClear discards a thread's history.
// DELETE /api/v1/threads/{id}
func (h *Handler) handleThreadClear(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	if err := h.store.Clear(r.Context(), threadID); err != nil {
		h.logger.Warn("thread clear failed", zap.String("thread_id", threadID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "thread store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"cleared":   true,
	})
}

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := h.checks.Check(r.Context())
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
