package deck

import (
	"context"
	"sort"
	"time"

	"github.com/kisdeck/kis-ticker/kis/kiserr"
	"github.com/kisdeck/kis-ticker/kis/quote"
	"github.com/kisdeck/kis-ticker/kis/render"
)

const writeTimeout = 5 * time.Second

// enqueueLocked stores payload as the surface's pending write, replacing
// any earlier one, and arms the shared flush timer if it is idle.
func (c *Coordinator) enqueueLocked(id, payload string) {
	c.pending[id] = payload
	if c.flushTimer == nil {
		c.flushTimer = c.clock.AfterFunc(c.timing.Window, c.flush)
	}
}

type pendingWrite struct {
	id      string
	payload string
}

func (c *Coordinator) flush() {
	c.mu.Lock()
	c.flushTimer = nil
	if c.closed {
		c.mu.Unlock()
		return
	}
	batch := make([]pendingWrite, 0, len(c.pending))
	for id, payload := range c.pending {
		s, ok := c.surfaces[id]
		if !ok || s.recovering {
			continue
		}
		batch = append(batch, pendingWrite{id: id, payload: payload})
	}
	clear(c.pending)
	c.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].id < batch[j].id })
	for _, w := range batch {
		c.write(w.id, w.payload)
	}
}

// write delivers payload to the sink. Failures are logged and dropped.
func (c *Coordinator) write(id, payload string) {
	if c.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.sink.SetImage(ctx, id, payload); err != nil {
		c.logger.Warn("Sink write failed", "surface", id, "error", err)
	}
}

// showLocked queues a status card. A status card replaces whatever stock
// card was shown, so the next stock render is never deduplicated against
// it.
func (c *Coordinator) showLocked(s *surface, svg string, err error, key string) {
	if err != nil {
		c.logger.Error("Failed to render status card", "surface", s.spec.ID, "card", key, "error", err)
		return
	}
	stop(&s.recovery)
	s.recovering = false
	s.fingerprint = ""
	c.enqueueLocked(s.spec.ID, c.cache.Encode(svg, key))
}

func (c *Coordinator) showWaitingLocked(s *surface) {
	in := s.spec.Instrument
	session := quote.SessionAt(in.Market, c.clock.Now())
	svg, err := c.cards.Waiting(in.DisplayName(), session)
	c.showLocked(s, svg, err, "card:waiting|"+in.DisplayName()+"|"+string(session))
}

func (c *Coordinator) showConnectedLocked(s *surface) {
	in := s.spec.Instrument
	session := quote.SessionAt(in.Market, c.clock.Now())
	svg, err := c.cards.Connected(in.DisplayName(), session)
	c.showLocked(s, svg, err, "card:connected|"+in.DisplayName()+"|"+string(session))
}

func (c *Coordinator) showSetupLocked(s *surface) {
	svg, err := c.cards.Setup(render.SetupMissingCode)
	c.showLocked(s, svg, err, "card:setup")
}

func (c *Coordinator) showErrorLocked(s *surface, kind kiserr.Kind) {
	svg, err := c.cards.Error(kind)
	c.showLocked(s, svg, err, "card:error|"+string(kind))
}
