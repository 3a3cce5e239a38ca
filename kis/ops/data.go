package ops

import (
	"time"

	"github.com/kisdeck/kis-ticker/kis/deck"
	"github.com/kisdeck/kis-ticker/kis/render"
	"github.com/kisdeck/kis-ticker/kis/stream"
)

// Source supplies the live state shown on the ops page.
type Source interface {
	StreamStatus() stream.Status
	Surfaces() []deck.SurfaceInfo
	CacheStats() render.CacheStats
	HasCredentials() bool
}

type OverviewData struct {
	Version        string            `json:"version"`
	Uptime         string            `json:"uptime"`
	HasCredentials bool              `json:"has_credentials"`
	Stream         stream.Status     `json:"stream"`
	SurfaceCount   int               `json:"surface_count"`
	States         map[string]int    `json:"states"`
	StaleSurfaces  int               `json:"stale_surfaces"`
	Blocked        map[string]int    `json:"blocked,omitempty"`
	Cache          render.CacheStats `json:"cache"`
	LogEntries     int               `json:"log_entries"`
}

func (h *Handler) buildOverview() OverviewData {
	surfaces := h.source.Surfaces()
	out := OverviewData{
		Version:        h.version,
		Uptime:         time.Since(h.startTime).Truncate(time.Second).String(),
		HasCredentials: h.source.HasCredentials(),
		Stream:         h.source.StreamStatus(),
		SurfaceCount:   len(surfaces),
		States:         make(map[string]int),
		Cache:          h.source.CacheStats(),
		LogEntries:     h.logBuffer.Len(),
	}
	for _, s := range surfaces {
		if s.Blocked != "" {
			if out.Blocked == nil {
				out.Blocked = make(map[string]int)
			}
			out.Blocked[s.Blocked]++
			continue
		}
		if s.State != "" {
			out.States[string(s.State)]++
		}
		if s.Stale {
			out.StaleSurfaces++
		}
	}
	return out
}
