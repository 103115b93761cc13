package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/streaming"
)

// handleSSE streams progress events for a run via Server-Sent Events.
// GET /stream/sse?run_id=<id>[&phases=a,b][&last_event_id=N]
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id required")
		return
	}
	phaseFilter := parsePhaseFilter(r.URL.Query().Get("phases"))

	// Last-Event-ID header or query param selects the replay start.
	var lastID uint64
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.events.Subscribe(runID, 256)
	defer h.events.Unsubscribe(runID, ch)

	fmt.Fprintf(w, ": connected to run %s\n\n", runID)
	flusher.Flush()

	// Replay backlog since lastID, best-effort within ring capacity.
	if lastID > 0 {
		for _, ev := range h.events.ReplaySince(runID, lastID) {
			writeSSE(w, ev, phaseFilter)
		}
		flusher.Flush()
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("run_id", runID))
			return
		case evt := <-ch:
			writeSSE(w, evt, phaseFilter)
			flusher.Flush()
		case <-hb.C:
			// keeps the connection alive through proxies
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event, phaseFilter map[string]struct{}) {
	if len(phaseFilter) > 0 {
		if _, ok := phaseFilter[ev.Phase]; !ok {
			return
		}
	}
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Phase != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Phase)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}

func parsePhaseFilter(s string) map[string]struct{} {
	filter := map[string]struct{}{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			filter[p] = struct{}{}
		}
	}
	return filter
}
