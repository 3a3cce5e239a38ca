package deck

import (
	"time"

	"github.com/kisdeck/kis-ticker/kis/quote"
)

// applyStateLocked moves s toward next. A change within MinHold of the
// previous one is deferred until the hold expires, replacing any change
// already deferred. Asking for the current state leaves a deferred change
// in place.
func (c *Coordinator) applyStateLocked(s *surface, next quote.StreamState) effects {
	if next == "" {
		return nil
	}
	if s.state == next {
		return nil
	}

	now := c.clock.Now()
	elapsed := now.Sub(s.stateAt)
	if s.state == "" || elapsed >= c.timing.MinHold {
		fx, _ := c.setStateLocked(s, next, now)
		return fx
	}

	stop(&s.hold)
	s.hold = c.clock.AfterFunc(c.timing.MinHold-elapsed, func() { c.onHoldExpired(s, next) })
	return nil
}

// setStateLocked applies next and reports whether it was a recovery to
// LIVE, in which case the returned effects show the recovery notice.
func (c *Coordinator) setStateLocked(s *surface, next quote.StreamState, now time.Time) (effects, bool) {
	prev := s.state
	s.state, s.stateAt = next, now
	stop(&s.hold)
	c.logger.Debug("Surface connection state changed", "surface", s.spec.ID, "from", prev, "to", next)

	if next == quote.Live && (prev == quote.Broken || prev == quote.Backup) {
		return c.recoverLocked(s, now), true
	}
	return nil, false
}

func (c *Coordinator) onHoldExpired(s *surface, next quote.StreamState) {
	c.mu.Lock()
	if !c.liveLocked(s) {
		c.mu.Unlock()
		return
	}
	s.hold = nil
	fx, recovered := c.setStateLocked(s, next, c.clock.Now())
	if !recovered {
		c.rerenderLocked(s, false)
	}
	c.mu.Unlock()
	fx.run()
}

// recoverLocked writes the recovery card straight to the sink and arms the
// timer that restores the normal card. Coalesced writes for s are held
// back until then.
func (c *Coordinator) recoverLocked(s *surface, now time.Time) effects {
	name := s.spec.Instrument.DisplayName()
	if s.last != nil {
		name = s.last.Name
	}
	session := quote.SessionAt(s.spec.Instrument.Market, now)
	svg, err := c.cards.Recovery(name, session)
	if err != nil {
		c.logger.Error("Failed to render recovery card", "surface", s.spec.ID, "error", err)
		return nil
	}
	payload := c.cache.Encode(svg, "card:recovery|"+name+"|"+string(session))

	delete(c.pending, s.spec.ID)
	s.recovering = true
	stop(&s.recovery)
	s.recovery = c.clock.AfterFunc(c.timing.RecoveryFor, func() { c.onRecoveryDone(s) })

	id := s.spec.ID
	c.logger.Info("Surface stream recovered", "surface", id)
	return effects{func() { c.write(id, payload) }}
}

func (c *Coordinator) onRecoveryDone(s *surface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.liveLocked(s) {
		return
	}
	s.recovery = nil
	s.recovering = false
	if s.last != nil {
		c.drawLocked(s, true)
		return
	}
	c.showConnectedLocked(s)
}
