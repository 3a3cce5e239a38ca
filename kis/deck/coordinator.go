// Package deck keeps every mounted surface's card consistent with the
// streaming and snapshot price paths.
package deck

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kisdeck/kis-ticker/kis/clock"
	"github.com/kisdeck/kis-ticker/kis/kiserr"
	"github.com/kisdeck/kis-ticker/kis/quote"
	"github.com/kisdeck/kis-ticker/kis/render"
	"github.com/kisdeck/kis-ticker/kis/stream"
)

var (
	ErrClosed          = errors.New("deck: coordinator closed")
	ErrUnknownSurface  = errors.New("deck: unknown surface")
	ErrRefreshInFlight = errors.New("deck: refresh already in flight")
)

// Streamer is the shared streaming connection.
type Streamer interface {
	Subscribe(ctx context.Context, id stream.Identity, consumer stream.Consumer) (stream.Handle, error)
	Unsubscribe(h stream.Handle)
}

// SnapshotFetcher fetches a point-in-time price.
type SnapshotFetcher interface {
	Snapshot(ctx context.Context, in quote.Instrument) (*quote.Quote, error)
}

// Sink accepts encoded card images for a surface.
type Sink interface {
	SetImage(ctx context.Context, surfaceID, payload string) error
}

// CredentialChecker reports whether API credentials are configured.
type CredentialChecker interface {
	HasCredentials() bool
}

// Timing holds the coordinator's delays.
type Timing struct {
	RetryDelay  time.Duration // one automatic snapshot retry
	StaleAfter  time.Duration // silence before a card is marked stale
	MinHold     time.Duration // minimum time between connection state changes
	RecoveryFor time.Duration // how long the recovery notice stays up
	Window      time.Duration // coalescing window for sink writes
}

// DefaultTiming returns the production delays.
func DefaultTiming() Timing {
	return Timing{
		RetryDelay:  4 * time.Second,
		StaleAfter:  20 * time.Second,
		MinHold:     1500 * time.Millisecond,
		RecoveryFor: 2 * time.Second,
		Window:      50 * time.Millisecond,
	}
}

// Config holds configuration for creating a new Coordinator.
type Config struct {
	Streamer    Streamer
	Snapshots   SnapshotFetcher
	Sink        Sink
	Credentials CredentialChecker
	Cards       *render.Cards
	Cache       *render.Cache
	Clock       clock.Clock
	Logger      *slog.Logger
	Timing      Timing
}

// Coordinator owns the per-surface render state. Methods may be called
// from any goroutine. Work that calls out of the package (sink writes,
// stream subscriptions, snapshot fetches) runs without the lock held.
type Coordinator struct {
	streamer  Streamer
	snapshots SnapshotFetcher
	sink      Sink
	creds     CredentialChecker
	cards     *render.Cards
	cache     *render.Cache
	clock     clock.Clock
	logger    *slog.Logger
	timing    Timing

	mu         sync.Mutex
	surfaces   map[string]*surface
	pending    map[string]string
	flushTimer clock.Timer
	closed     bool
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		streamer:  cfg.Streamer,
		snapshots: cfg.Snapshots,
		sink:      cfg.Sink,
		creds:     cfg.Credentials,
		cards:     cfg.Cards,
		cache:     cfg.Cache,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		timing:    cfg.Timing,
		surfaces:  make(map[string]*surface),
		pending:   make(map[string]string),
	}
	if c.clock == nil {
		c.clock = clock.Real{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.cache == nil {
		c.cache = render.NewCache(render.DefaultCacheSize)
	}
	if c.timing == (Timing{}) {
		c.timing = DefaultTiming()
	}
	return c
}

// effects are calls deferred until the coordinator lock is released.
type effects []func()

func (fx *effects) add(more ...func()) { *fx = append(*fx, more...) }

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

// Appear mounts a surface. It blocks while the initial snapshot is fetched
// and the stream subscription is made.
func (c *Coordinator) Appear(ctx context.Context, spec Spec) error {
	return c.mount(ctx, spec, "appear")
}

// Reconfigure discards all state of a surface and mounts it again.
func (c *Coordinator) Reconfigure(ctx context.Context, spec Spec) error {
	return c.mount(ctx, spec, "reconfigure")
}

func (c *Coordinator) mount(ctx context.Context, spec Spec, reason string) error {
	if spec.ID == "" {
		return errors.New("deck: surface id is required")
	}
	spec.Instrument = spec.Instrument.Normalize()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	var fx effects
	if old, ok := c.surfaces[spec.ID]; ok {
		fx.add(c.teardownLocked(old)...)
	}
	s := &surface{spec: spec}
	c.surfaces[spec.ID] = s

	switch {
	case c.creds != nil && !c.creds.HasCredentials():
		s.blocked = blockedCredentials
		c.showErrorLocked(s, kiserr.NoCredential)
	case spec.Instrument.Code == "":
		s.blocked = blockedSetup
		c.showSetupLocked(s)
	default:
		s.identity = c.identityFor(spec.Instrument)
		c.showWaitingLocked(s)
	}
	blocked := s.blocked
	c.mu.Unlock()
	fx.run()

	c.logger.Info("Surface mounted", "surface", spec.ID, "reason", reason,
		"market", spec.Instrument.Market, "code", spec.Instrument.Code, "blocked", blocked.String())
	if blocked != notBlocked {
		return nil
	}

	if !c.fetch(ctx, s, false) {
		c.mu.Lock()
		if c.liveLocked(s) && s.blocked == notBlocked && !s.hasPrice {
			c.scheduleRetryLocked(s)
		}
		c.mu.Unlock()
	}
	c.subscribe(ctx, s)
	return nil
}

func (c *Coordinator) identityFor(in quote.Instrument) stream.Identity {
	if in.Market == quote.Overseas {
		return stream.Identity{
			Channel: stream.ChannelOverseas,
			Key:     quote.OverseasKey(in.Exchange, in.Code, c.clock.Now()),
		}
	}
	return stream.Identity{Channel: stream.ChannelDomestic, Key: in.Code}
}

// Disappear unmounts a surface, cancelling everything it owns.
func (c *Coordinator) Disappear(id string) {
	c.mu.Lock()
	s, ok := c.surfaces[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	fx := c.teardownLocked(s)
	c.mu.Unlock()
	fx.run()
	c.logger.Info("Surface unmounted", "surface", id)
}

// teardownLocked removes s and returns the unsubscribe to run.
func (c *Coordinator) teardownLocked(s *surface) effects {
	s.stopTimers()
	delete(c.pending, s.spec.ID)
	if c.surfaces[s.spec.ID] == s {
		delete(c.surfaces, s.spec.ID)
	}
	h := s.handle
	s.handle = stream.Handle{}
	if !h.Valid() || c.streamer == nil {
		return nil
	}
	return effects{func() { c.streamer.Unsubscribe(h) }}
}

func (c *Coordinator) liveLocked(s *surface) bool {
	return !c.closed && c.surfaces[s.spec.ID] == s
}

// Refresh fetches a snapshot for a surface and renders it even when the
// values are unchanged. A refresh already in flight for the surface makes
// this call a no-op. A surface blocked by an error is mounted again.
func (c *Coordinator) Refresh(ctx context.Context, id string) error {
	c.mu.Lock()
	s, ok := c.surfaces[id]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownSurface
	}
	if s.refreshing {
		c.mu.Unlock()
		c.logger.Debug("Ignoring refresh, one already in flight", "surface", id)
		return ErrRefreshInFlight
	}
	switch s.blocked {
	case blockedSetup:
		c.showSetupLocked(s)
		c.mu.Unlock()
		return nil
	case blockedCredentials, blockedInvalid:
		spec := s.spec
		c.mu.Unlock()
		return c.mount(ctx, spec, "refresh")
	}
	s.refreshing = true
	c.mu.Unlock()

	ok = c.fetch(ctx, s, true)

	c.mu.Lock()
	s.refreshing = false
	c.mu.Unlock()
	if ok {
		c.logger.Info("Manual refresh rendered", "surface", id)
	}
	return nil
}

// CredentialsChanged re-mounts surfaces affected by a credential change:
// every surface when credentials were removed, otherwise the surfaces
// that were waiting for credentials.
func (c *Coordinator) CredentialsChanged(ctx context.Context) {
	ready := c.creds == nil || c.creds.HasCredentials()

	c.mu.Lock()
	var specs []Spec
	for _, s := range c.surfaces {
		if ready && s.blocked == blockedCredentials || !ready && s.blocked != blockedCredentials {
			specs = append(specs, s.spec)
		}
	}
	c.mu.Unlock()

	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	for _, spec := range specs {
		if err := c.mount(ctx, spec, "credentials"); err != nil {
			c.logger.Warn("Failed to remount surface", "surface", spec.ID, "error", err)
		}
	}
}

// Surfaces lists the mounted surfaces ordered by id.
func (c *Coordinator) Surfaces() []SurfaceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	out := make([]SurfaceInfo, 0, len(c.surfaces))
	for _, s := range c.surfaces {
		info := SurfaceInfo{
			ID:         s.spec.ID,
			Instrument: s.spec.Instrument,
			Channel:    s.identity.Channel,
			Key:        s.identity.Key,
			Blocked:    s.blocked.String(),
			State:      s.state,
			Stale:      c.staleLocked(s, now),
			HasPrice:   s.hasPrice,
			LastAt:     s.lastAt,
			Refreshing: s.refreshing,
		}
		if s.last != nil {
			info.Price = s.last.Price.String()
			info.Change = s.last.Change.String()
			info.Rate = s.last.Rate.String()
			info.Sign = s.last.Sign
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close unmounts every surface and drops pending writes.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var fx effects
	for _, s := range c.surfaces {
		fx.add(c.teardownLocked(s)...)
	}
	c.closed = true
	stop(&c.flushTimer)
	clear(c.pending)
	c.mu.Unlock()
	fx.run()
}

func (c *Coordinator) subscribe(ctx context.Context, s *surface) {
	if c.streamer == nil {
		return
	}
	c.mu.Lock()
	if !c.liveLocked(s) || s.blocked != notBlocked {
		c.mu.Unlock()
		return
	}
	id := s.identity
	c.mu.Unlock()

	h, err := c.streamer.Subscribe(ctx, id, stream.Consumer{
		OnData:    func(_ stream.Identity, f stream.Frame) { c.onData(s, f) },
		OnSuccess: func(stream.Identity) { c.onSuccess(s) },
		OnState:   func(_ stream.Identity, st quote.StreamState) { c.onState(s, st) },
	})

	c.mu.Lock()
	if !c.liveLocked(s) || s.blocked != notBlocked {
		c.mu.Unlock()
		if h.Valid() {
			c.streamer.Unsubscribe(h)
		}
		return
	}
	s.handle = h
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Stream subscribe failed, waiting for reconnect", "surface", s.spec.ID, "key", id.Key, "error", err)
		return
	}
	c.logger.Debug("Surface subscribed", "surface", s.spec.ID, "channel", id.Channel, "key", id.Key)
}

// fetch requests a snapshot and renders it. It reports whether a price
// was rendered.
func (c *Coordinator) fetch(ctx context.Context, s *surface, force bool) bool {
	if c.snapshots == nil {
		return false
	}
	q, err := c.snapshots.Snapshot(ctx, s.spec.Instrument)

	c.mu.Lock()
	if !c.liveLocked(s) {
		c.mu.Unlock()
		return false
	}
	if err != nil {
		fx := c.snapshotFailedLocked(s, err)
		c.mu.Unlock()
		fx.run()
		return false
	}
	if q == nil {
		c.mu.Unlock()
		return false
	}
	s.hasPrice = true
	fx := c.renderLocked(s, *q, quote.SourceBackup, force)
	c.mu.Unlock()
	fx.run()
	return true
}

// snapshotFailedLocked shows an error card for every failed snapshot.
// Terminal failures also block the surface and drop its subscription;
// transient ones keep the subscription and any pending retry, and the
// next live frame replaces the card.
func (c *Coordinator) snapshotFailedLocked(s *surface, err error) effects {
	kind, ok := kiserr.KindOf(err)
	switch kind {
	case kiserr.NoCredential, kiserr.AuthFailure:
		s.blocked = blockedCredentials
	case kiserr.InvalidIdentifier:
		s.blocked = blockedInvalid
	default:
		if !ok {
			kind = kiserr.NetworkError
		}
		c.logger.Warn("Snapshot unavailable", "surface", s.spec.ID, "kind", kind, "error", err)
		c.showErrorLocked(s, kind)
		return nil
	}
	c.logger.Warn("Snapshot failed", "surface", s.spec.ID, "kind", kind, "error", err)

	stop(&s.retry)
	stop(&s.stale)
	c.showErrorLocked(s, kind)
	h := s.handle
	s.handle = stream.Handle{}
	if !h.Valid() || c.streamer == nil {
		return nil
	}
	return effects{func() { c.streamer.Unsubscribe(h) }}
}

func (c *Coordinator) scheduleRetryLocked(s *surface) {
	stop(&s.retry)
	s.retry = c.clock.AfterFunc(c.timing.RetryDelay, func() { c.onRetry(s) })
}

func (c *Coordinator) onRetry(s *surface) {
	c.mu.Lock()
	if !c.liveLocked(s) {
		c.mu.Unlock()
		return
	}
	s.retry = nil
	if s.hasPrice || s.blocked != notBlocked {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Info("Retrying initial snapshot", "surface", s.spec.ID)
	c.fetch(context.Background(), s, false)
}

func (c *Coordinator) onData(s *surface, f stream.Frame) {
	var (
		q   quote.Quote
		err error
	)
	name := s.spec.Instrument.DisplayName()
	if s.spec.Instrument.Market == quote.Overseas {
		q, err = quote.ParseOverseas(f.Fields, name)
	} else {
		q, err = quote.ParseDomestic(f.Fields, name)
	}
	if err != nil {
		c.logger.Debug("Dropping unparsable frame", "surface", s.spec.ID, "error", err)
		return
	}

	c.mu.Lock()
	if !c.liveLocked(s) {
		c.mu.Unlock()
		return
	}
	var fx effects
	fx.add(c.applyStateLocked(s, quote.Live)...)
	s.hasPrice = true
	fx.add(c.renderLocked(s, q, quote.SourceLive, false)...)
	c.mu.Unlock()
	fx.run()
}

func (c *Coordinator) onSuccess(s *surface) {
	c.mu.Lock()
	if !c.liveLocked(s) {
		c.mu.Unlock()
		return
	}
	fx := c.applyStateLocked(s, quote.Live)
	if !s.hasPrice && !s.recovering {
		c.showConnectedLocked(s)
	}
	c.mu.Unlock()
	fx.run()
	c.logger.Debug("Surface subscription acknowledged", "surface", s.spec.ID)
}

func (c *Coordinator) onState(s *surface, st quote.StreamState) {
	c.mu.Lock()
	if !c.liveLocked(s) {
		c.mu.Unlock()
		return
	}
	fx := c.applyStateLocked(s, st)
	c.rerenderLocked(s, false)
	c.mu.Unlock()
	fx.run()
}

// targetState maps the source of an arrival to the connection state it
// implies. Backup data never downgrades a LIVE surface.
func targetState(current quote.StreamState, source quote.Source) quote.StreamState {
	if source == quote.SourceLive || current == quote.Live {
		return quote.Live
	}
	return quote.Backup
}

func (c *Coordinator) staleLocked(s *surface, now time.Time) bool {
	return !s.lastAt.IsZero() && now.Sub(s.lastAt) >= c.timing.StaleAfter
}

// renderLocked records an arrival from source and renders it.
func (c *Coordinator) renderLocked(s *surface, q quote.Quote, source quote.Source, force bool) effects {
	q = normalize(q)
	s.last = &q
	s.lastAt = c.clock.Now()
	fx := c.applyStateLocked(s, targetState(s.state, source))
	c.drawLocked(s, force)
	return fx
}

// rerenderLocked redraws the last quote against the current state and
// staleness without counting as an arrival.
func (c *Coordinator) rerenderLocked(s *surface, force bool) {
	if s.last != nil {
		c.drawLocked(s, force)
	}
}

func (c *Coordinator) drawLocked(s *surface, force bool) {
	now := c.clock.Now()
	v := render.StockView{
		Quote:   *s.last,
		Market:  s.spec.Instrument.Market,
		Session: quote.SessionAt(s.spec.Instrument.Market, now),
		State:   s.state,
		Stale:   c.staleLocked(s, now),
	}
	fp := Fingerprint(v)
	if !force && fp == s.fingerprint {
		c.armStaleLocked(s, now)
		return
	}

	svg, err := c.cards.Stock(v)
	if err != nil {
		c.logger.Error("Failed to render card", "surface", s.spec.ID, "error", err)
		return
	}
	s.fingerprint = fp
	c.enqueueLocked(s.spec.ID, c.cache.Encode(svg, fp))
	c.armStaleLocked(s, now)
}

// armStaleLocked schedules a redraw for the moment the last arrival
// becomes stale. Nothing is scheduled once it already is.
func (c *Coordinator) armStaleLocked(s *surface, now time.Time) {
	stop(&s.stale)
	if s.lastAt.IsZero() {
		return
	}
	remaining := c.timing.StaleAfter - now.Sub(s.lastAt)
	if remaining <= 0 {
		return
	}
	s.stale = c.clock.AfterFunc(remaining, func() { c.onStaleDue(s) })
}

func (c *Coordinator) onStaleDue(s *surface) {
	c.mu.Lock()
	if !c.liveLocked(s) {
		c.mu.Unlock()
		return
	}
	s.stale = nil
	c.rerenderLocked(s, false)
	c.mu.Unlock()
}
