// Package ops serves the operator page: an overview of the stream and the
// mounted surfaces, plus a live tail of the process log.
package ops

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kisdeck/kis-ticker/kis/templates"
)

// Handler serves the ops dashboard pages and API endpoints.
type Handler struct {
	source    Source
	logBuffer *LogBuffer
	logger    *slog.Logger
	startTime time.Time
	version   string
}

// New creates a new ops Handler.
func New(source Source, logBuffer *LogBuffer, logger *slog.Logger, version string, startTime time.Time) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		source:    source,
		logBuffer: logBuffer,
		logger:    logger,
		startTime: startTime,
		version:   version,
	}
}

// RegisterRoutes mounts all ops routes under /admin/ops, wrapped by auth.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	wrap := func(f http.HandlerFunc) http.Handler { return auth(f) }
	mux.Handle("GET /admin/ops", wrap(h.servePage))
	mux.Handle("GET /admin/ops/api/overview", wrap(h.overview))
	mux.Handle("GET /admin/ops/api/surfaces", wrap(h.surfaces))
	mux.Handle("GET /admin/ops/api/logs", wrap(h.logStream))
}

func (h *Handler) servePage(w http.ResponseWriter, r *http.Request) {
	data, err := templates.FS.ReadFile("ops.html")
	if err != nil {
		http.Error(w, "failed to load ops page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.buildOverview())
}

func (h *Handler) surfaces(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.source.Surfaces())
}

// logStream serves an SSE stream of log entries. The optional level query
// parameter (debug, info, warn, error) filters the backfill and the tail.
func (h *Handler) logStream(w http.ResponseWriter, r *http.Request) {
	min := slog.LevelDebug
	if lv := r.URL.Query().Get("level"); lv != "" {
		if err := min.UnmarshalText([]byte(lv)); err != nil {
			http.Error(w, "invalid level", http.StatusBadRequest)
			return
		}
	}
	backfill := 50
	if n, err := strconv.Atoi(r.URL.Query().Get("n")); err == nil && n >= 0 {
		backfill = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, ch := h.logBuffer.Subscribe()
	defer h.logBuffer.Unsubscribe(id)

	for _, entry := range h.logBuffer.Recent(backfill, min) {
		writeEntry(w, entry)
	}
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if entry.level < min {
				continue
			}
			writeEntry(w, entry)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeEntry(w http.ResponseWriter, entry LogEntry) {
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
}
