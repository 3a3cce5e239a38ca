package deck

import (
	"time"

	"github.com/kisdeck/kis-ticker/kis/clock"
	"github.com/kisdeck/kis-ticker/kis/quote"
	"github.com/kisdeck/kis-ticker/kis/stream"
)

// Spec is what the host says a surface should show.
type Spec struct {
	ID         string           `json:"id"`
	Instrument quote.Instrument `json:"instrument"`
}

type blockReason int

const (
	notBlocked blockReason = iota
	blockedCredentials
	blockedSetup
	blockedInvalid
)

func (b blockReason) String() string {
	switch b {
	case blockedCredentials:
		return "credentials"
	case blockedSetup:
		return "setup"
	case blockedInvalid:
		return "invalid"
	}
	return ""
}

// surface is the runtime state of one mounted surface. A surface is live
// while the coordinator's map points at it; every deferred callback checks
// that before touching it.
type surface struct {
	spec     Spec
	identity stream.Identity
	handle   stream.Handle
	blocked  blockReason

	last        *quote.Quote
	lastAt      time.Time // last genuine arrival, live or snapshot
	fingerprint string
	state       quote.StreamState
	stateAt     time.Time
	hasPrice    bool
	refreshing  bool
	recovering  bool

	retry    clock.Timer
	stale    clock.Timer
	hold     clock.Timer
	recovery clock.Timer
}

func (s *surface) stopTimers() {
	stop(&s.retry)
	stop(&s.stale)
	stop(&s.hold)
	stop(&s.recovery)
	s.recovering = false
}

func stop(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// SurfaceInfo describes a mounted surface for inspection.
type SurfaceInfo struct {
	ID         string            `json:"id"`
	Instrument quote.Instrument  `json:"instrument"`
	Channel    string            `json:"channel,omitempty"`
	Key        string            `json:"key,omitempty"`
	Blocked    string            `json:"blocked,omitempty"`
	State      quote.StreamState `json:"state,omitempty"`
	Stale      bool              `json:"stale"`
	HasPrice   bool              `json:"has_price"`
	Price      string            `json:"price,omitempty"`
	Change     string            `json:"change,omitempty"`
	Rate       string            `json:"rate,omitempty"`
	Sign       quote.Sign        `json:"sign,omitempty"`
	LastAt     time.Time         `json:"last_at,omitempty"`
	Refreshing bool              `json:"refreshing"`
}
