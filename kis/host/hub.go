// Package host adapts the render coordinator to HTTP clients: it is the
// display sink, and it serves the surface API that mounts and presses
// surfaces.
package host

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Image is the latest card shown on a surface.
type Image struct {
	SurfaceID string    `json:"surface_id"`
	Payload   string    `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Listener receives every image update. It runs on the writer's goroutine
// and must not block.
type Listener func(Image)

// Hub keeps the latest image per surface and fans updates out to listeners.
type Hub struct {
	mu        sync.RWMutex
	images    map[string]Image
	listeners map[string]Listener
	logger    *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		images:    make(map[string]Image),
		listeners: make(map[string]Listener),
		logger:    logger,
	}
}

// SetImage stores payload for surfaceID and notifies listeners.
func (h *Hub) SetImage(ctx context.Context, surfaceID, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	img := Image{SurfaceID: surfaceID, Payload: payload, UpdatedAt: time.Now()}

	h.mu.Lock()
	h.images[surfaceID] = img
	listeners := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		listeners = append(listeners, l)
	}
	h.mu.Unlock()

	for _, l := range listeners {
		l(img)
	}
	h.logger.Debug("Surface image updated", "surface", surfaceID, "bytes", len(payload))
	return nil
}

// Image returns the latest image of a surface.
func (h *Hub) Image(surfaceID string) (Image, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	img, ok := h.images[surfaceID]
	return img, ok
}

// Images returns every stored image ordered by surface id.
func (h *Hub) Images() []Image {
	h.mu.RLock()
	out := make([]Image, 0, len(h.images))
	for _, img := range h.images {
		out = append(out, img)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SurfaceID < out[j].SurfaceID })
	return out
}

// Forget drops the stored image of a removed surface.
func (h *Hub) Forget(surfaceID string) {
	h.mu.Lock()
	delete(h.images, surfaceID)
	h.mu.Unlock()
}

// AddListener registers l and returns its id for RemoveListener.
func (h *Hub) AddListener(l Listener) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.listeners[id] = l
	h.mu.Unlock()
	return id
}

// RemoveListener unregisters a listener.
func (h *Hub) RemoveListener(id string) {
	h.mu.Lock()
	delete(h.listeners, id)
	h.mu.Unlock()
}

// ListenerCount returns the number of registered listeners.
func (h *Hub) ListenerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

const dataURIPrefix = "data:image/svg+xml;charset=utf-8,"

// isSVGDataURI reports whether payload is a percent-encoded SVG data URI.
func isSVGDataURI(payload string) bool {
	return strings.HasPrefix(payload, dataURIPrefix)
}
