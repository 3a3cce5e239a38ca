package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kisdeck/kis-ticker/kis/deck"
	"github.com/kisdeck/kis-ticker/kis/quote"
	"github.com/kisdeck/kis-ticker/kis/settings"
	"github.com/kisdeck/kis-ticker/kis/store"
)

const keepaliveInterval = 15 * time.Second

// Deck is the render coordinator as seen by the host.
type Deck interface {
	Appear(ctx context.Context, spec deck.Spec) error
	Reconfigure(ctx context.Context, spec deck.Spec) error
	Disappear(id string)
	Refresh(ctx context.Context, id string) error
	Surfaces() []deck.SurfaceInfo
}

// Credentials is the settings channel as seen by the host.
type Credentials interface {
	Set(creds settings.Credentials)
	HasCredentials() bool
}

// Handler serves the surface API.
type Handler struct {
	deck     Deck
	hub      *Hub
	settings Credentials
	db       *store.DB
	logger   *slog.Logger

	// base outlives requests: mounts keep running after the response.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a Handler. db may be nil to disable persistence.
func NewHandler(d Deck, hub *Hub, creds Credentials, db *store.DB, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Handler{
		deck:     d,
		hub:      hub,
		settings: creds,
		db:       db,
		logger:   logger,
		base:     base,
		cancel:   cancel,
	}
}

// RegisterRoutes registers the surface API on mux, wrapping every route
// with wrap when it is non-nil.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, wrap(fn))
	}
	route("GET /api/surfaces", h.listSurfaces)
	route("POST /api/surfaces/{id}", h.putSurface)
	route("DELETE /api/surfaces/{id}", h.deleteSurface)
	route("POST /api/surfaces/{id}/press", h.pressSurface)
	route("GET /api/surfaces/{id}/image", h.surfaceImage)
	route("GET /api/stream", h.serveStream)
	route("PUT /api/settings", h.putSettings)
}

// Restore mounts every persisted surface.
func (h *Handler) Restore(ctx context.Context) error {
	if h.db == nil {
		return nil
	}
	records, err := h.db.LoadSurfaces()
	if err != nil {
		return fmt.Errorf("load surfaces: %w", err)
	}
	for _, r := range records {
		spec := deck.Spec{ID: r.ID, Instrument: quote.Instrument{
			Market:   quote.Market(r.Market),
			Code:     r.Code,
			Exchange: r.Exchange,
			Name:     r.Name,
		}}
		if err := h.deck.Appear(ctx, spec); err != nil {
			h.logger.Warn("Failed to restore surface", "surface", r.ID, "error", err)
		}
	}
	h.logger.Info("Surfaces restored", "count", len(records))
	return nil
}

// Wait blocks until background mounts have finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Close cancels background mounts and waits for them.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

func (h *Handler) listSurfaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deck.Surfaces())
}

// putSurface mounts or reconfigures a surface. The mount runs in the
// background so the snapshot fetch does not hold the request.
func (h *Handler) putSurface(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var in quote.Instrument
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&in); err != nil {
		http.Error(w, "invalid instrument: "+err.Error(), http.StatusBadRequest)
		return
	}
	in = in.Normalize()
	spec := deck.Spec{ID: id, Instrument: in}

	if h.db != nil {
		rec := &store.SurfaceRecord{ID: id, Market: string(in.Market), Code: in.Code, Exchange: in.Exchange, Name: in.Name}
		if err := h.db.SaveSurface(rec); err != nil {
			h.logger.Error("Failed to persist surface", "surface", id, "error", err)
		}
	}

	mounted := false
	for _, s := range h.deck.Surfaces() {
		if s.ID == id {
			mounted = true
			break
		}
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		var err error
		if mounted {
			err = h.deck.Reconfigure(h.base, spec)
		} else {
			err = h.deck.Appear(h.base, spec)
		}
		if err != nil {
			h.logger.Warn("Failed to mount surface", "surface", id, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, spec)
}

func (h *Handler) deleteSurface(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.deck.Disappear(id)
	h.hub.Forget(id)
	if h.db != nil {
		if err := h.db.DeleteSurface(id); err != nil {
			h.logger.Error("Failed to delete surface", "surface", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pressSurface(w http.ResponseWriter, r *http.Request) {
	err := h.deck.Refresh(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, deck.ErrUnknownSurface):
		http.Error(w, "unknown surface", http.StatusNotFound)
	case errors.Is(err, deck.ErrRefreshInFlight):
		http.Error(w, "refresh already in flight", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}

func (h *Handler) surfaceImage(w http.ResponseWriter, r *http.Request) {
	img, ok := h.hub.Image(r.PathValue("id"))
	if !ok {
		http.Error(w, "no image", http.StatusNotFound)
		return
	}
	svg, err := DecodeSVG(img.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(svg))
}

func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request) {
	var creds settings.Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&creds); err != nil {
		http.Error(w, "invalid settings: "+err.Error(), http.StatusBadRequest)
		return
	}
	h.settings.Set(creds)
	writeJSON(w, http.StatusOK, map[string]bool{"has_credentials": h.settings.HasCredentials()})
}

// serveStream sends image updates as Server-Sent Events, starting with
// every image currently shown.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	updates := make(chan Image, 100)
	listenerID := h.hub.AddListener(func(img Image) {
		select {
		case updates <- img:
		default:
			// Slow client, drop.
		}
	})
	defer h.hub.RemoveListener(listenerID)
	h.logger.Info("Surface SSE stream started", "listener", listenerID)

	for _, img := range h.hub.Images() {
		if !writeEvent(w, img) {
			return
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("Surface SSE stream closed", "listener", listenerID)
			return
		case img := <-updates:
			if !writeEvent(w, img) {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, img Image) bool {
	data, err := json.Marshal(img)
	if err != nil {
		return true
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err == nil
}

// DecodeSVG reverses the card data URI encoding.
func DecodeSVG(payload string) (string, error) {
	if !isSVGDataURI(payload) {
		return "", errors.New("host: payload is not an SVG data URI")
	}
	svg, err := url.PathUnescape(strings.TrimPrefix(payload, dataURIPrefix))
	if err != nil {
		return "", fmt.Errorf("host: decode payload: %w", err)
	}
	return svg, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("Failed to write JSON response", "error", err)
	}
}
