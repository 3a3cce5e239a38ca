// Package stream owns the shared KIS real-time connection and multiplexes
// every ticker subscription over it.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kisdeck/kis-ticker/kis/clock"
	"github.com/kisdeck/kis-ticker/kis/kiserr"
	"github.com/kisdeck/kis-ticker/kis/quote"
	"github.com/kisdeck/kis-ticker/kis/settings"
)

const (
	DefaultURL            = "ws://ops.koreainvestment.com:21000"
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectDelay = 5 * time.Second

	writeTimeout = 10 * time.Second
)

// ErrClosed is returned by operations on a closed Controller.
var ErrClosed = errors.New("stream: controller closed")

// errSuperseded finishes a connect attempt abandoned by a disconnect.
// Waiters retry rather than report it.
var errSuperseded = errors.New("stream: connect superseded")

// State is the lifecycle of the physical connection.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	}
	return "CLOSED"
}

// ApprovalSource issues the websocket approval key for a credential pair.
type ApprovalSource interface {
	ApprovalKey(ctx context.Context, creds settings.Credentials) (string, error)
}

// ReconnectPolicy controls the delay between reconnect attempts. The delay
// is fixed unless MaxDelay exceeds Delay, in which case it doubles per
// consecutive failure up to MaxDelay. A successful open resets it.
type ReconnectPolicy struct {
	Delay    time.Duration
	MaxDelay time.Duration
}

func (p ReconnectPolicy) next(attempt int) time.Duration {
	d := p.Delay
	if d <= 0 {
		d = DefaultReconnectDelay
	}
	if p.MaxDelay <= d {
		return d
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Config holds configuration for creating a new Controller.
type Config struct {
	URL            string
	Approvals      ApprovalSource
	Dialer         *websocket.Dialer
	ConnectTimeout time.Duration
	Reconnect      ReconnectPolicy
	Clock          clock.Clock
	Logger         *slog.Logger

	// OnStateChange is called outside any lock after every lifecycle change.
	// cause is set when the connection failed or dropped unexpectedly.
	OnStateChange func(state State, cause error)
}

// attempt is one in-flight connect shared by every caller awaiting it.
type attempt struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newAttempt() *attempt { return &attempt{done: make(chan struct{})} }

func (a *attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Controller manages the single streaming connection.
type Controller struct {
	url            string
	approvals      ApprovalSource
	dialer         *websocket.Dialer
	connectTimeout time.Duration
	policy         ReconnectPolicy
	clock          clock.Clock
	logger         *slog.Logger
	onStateChange  func(State, error)

	registry *Registry

	configuring atomic.Bool

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	gen            uint64 // bumped whenever the current connection is abandoned
	approvalKey    string
	pending        *attempt
	reconnectTimer clock.Timer
	attempts       int
	connectedAt    time.Time
	lastErr        error
	lastErrAt      time.Time
	closed         bool

	writeMu sync.Mutex
}

// New creates a Controller. It does not connect until a subscription needs it.
func New(cfg Config) *Controller {
	c := &Controller{
		url:            cfg.URL,
		approvals:      cfg.Approvals,
		dialer:         cfg.Dialer,
		connectTimeout: cfg.ConnectTimeout,
		policy:         cfg.Reconnect,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		onStateChange:  cfg.OnStateChange,
		registry:       NewRegistry(),
	}
	if c.url == "" {
		c.url = DefaultURL
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = DefaultConnectTimeout
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.connectTimeout,
		}
	}
	if c.clock == nil {
		c.clock = clock.Real{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Registry exposes the subscription registry for inspection.
func (c *Controller) Registry() *Registry { return c.registry }

// Configure obtains an approval key for creds. When subscriptions exist the
// connection is rebuilt with the new key; otherwise connecting is deferred.
// A call made while another Configure is running returns immediately
// without applying creds.
func (c *Controller) Configure(ctx context.Context, creds settings.Credentials) error {
	if !c.configuring.CompareAndSwap(false, true) {
		c.logger.Debug("Stream configure already in progress, skipping")
		return nil
	}
	defer c.configuring.Store(false)

	if !creds.Ready() {
		c.mu.Lock()
		c.approvalKey = ""
		c.mu.Unlock()
		c.disconnect("credentials cleared")
		return kiserr.New(kiserr.NoCredential, "stream.Configure", nil)
	}
	if c.approvals == nil {
		return kiserr.Errorf(kiserr.AuthFailure, "stream.Configure", "no approval source")
	}

	key, err := c.approvals.ApprovalKey(ctx, creds)
	if err != nil {
		c.recordErr(err)
		return fmt.Errorf("approval key: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.approvalKey = key
	c.mu.Unlock()
	c.logger.Info("Stream approval key issued")

	if c.registry.Len() == 0 {
		return nil
	}
	c.disconnect("reconfigure")
	_, err = c.ensureOpen(ctx)
	return err
}

// Subscribe registers consumer for id and, when an approval key is
// available, makes sure the connection is open and sends a subscribe
// frame. The returned Handle is valid even when err is non-nil: the
// subscription stays registered and is replayed once a connection opens.
func (c *Controller) Subscribe(ctx context.Context, id Identity, consumer Consumer) (Handle, error) {
	if id.Channel == "" || id.Key == "" {
		return Handle{}, kiserr.Errorf(kiserr.InvalidIdentifier, "stream.Subscribe", "empty identity %+v", id)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Handle{}, ErrClosed
	}
	hasKey := c.approvalKey != ""
	c.mu.Unlock()

	h, first := c.registry.Add(id, consumer)
	c.logger.Debug("Stream subscription added", "channel", id.Channel, "key", id.Key, "first", first)

	if !hasKey {
		c.logger.Debug("Stream subscribe deferred until approval key", "key", id.Key)
		return h, nil
	}
	replayed, err := c.ensureOpen(ctx)
	if err != nil {
		return h, err
	}
	if !replayed {
		c.request(trTypeSubscribe, id)
	}
	return h, nil
}

// Unsubscribe releases h. The last consumer of an identity sends the
// unsubscribe frame; an empty registry closes the connection.
func (c *Controller) Unsubscribe(h Handle) {
	last, ok := c.registry.Remove(h)
	if !ok {
		return
	}
	if last {
		c.request(trTypeUnsubscribe, h.Identity)
		c.logger.Debug("Stream subscription removed", "channel", h.Identity.Channel, "key", h.Identity.Key)
	}
	if c.registry.Len() == 0 {
		c.disconnect("no subscriptions")
	}
}

// Close tears down the connection and rejects further use.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.disconnect("shutdown")
	return nil
}

// ensureOpen returns once the connection is open, joining an in-flight
// connect or starting one. It reports whether that connect finished during
// this call, in which case every identity registered beforehand has
// already been replayed on the new connection.
func (c *Controller) ensureOpen(ctx context.Context) (bool, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return false, ErrClosed
		}
		if c.approvalKey == "" {
			c.mu.Unlock()
			return false, kiserr.New(kiserr.NoCredential, "stream.connect", nil)
		}

		switch c.state {
		case StateOpen:
			c.mu.Unlock()
			return false, nil

		case StateConnecting:
			a := c.pending
			c.mu.Unlock()
			select {
			case <-a.done:
			case <-ctx.Done():
				return false, ctx.Err()
			}
			if errors.Is(a.err, errSuperseded) {
				continue
			}
			return a.err == nil, a.err

		default:
			a := newAttempt()
			c.pending = a
			c.state = StateConnecting
			c.gen++
			gen, key := c.gen, c.approvalKey
			c.mu.Unlock()

			c.notifyState(StateConnecting, nil)
			c.connect(gen, key, a)
			if errors.Is(a.err, errSuperseded) {
				continue
			}
			return a.err == nil, a.err
		}
	}
}

// connect dials, independent of any caller's context so that a cancelled
// subscriber does not abort a connect other subscribers are waiting on.
func (c *Controller) connect(gen uint64, key string, a *attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	defer cancel()

	c.logger.Info("Stream connecting", "url", c.url)
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		err = classifyDialErr(ctx, err)
	}

	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		a.finish(errSuperseded)
		return
	}

	if err != nil {
		c.state = StateClosed
		c.pending = nil
		c.lastErr = err
		c.lastErrAt = c.clock.Now()
		c.mu.Unlock()

		a.finish(err)
		c.logger.Warn("Stream connect failed", "error", err)
		c.notifyState(StateClosed, err)
		c.broadcastState(quote.Broken)
		c.scheduleReconnect()
		return
	}

	c.conn = conn
	c.state = StateOpen
	c.pending = nil
	c.attempts = 0
	c.connectedAt = c.clock.Now()
	c.mu.Unlock()

	go c.readLoop(gen, conn)

	c.logger.Info("Stream connected", "subscriptions", c.registry.Len())
	c.notifyState(StateOpen, nil)
	c.replay(key)
	a.finish(nil)
}

func classifyDialErr(ctx context.Context, err error) error {
	var ne net.Error
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return kiserr.New(kiserr.ConnectionTimeout, "stream.connect", err)
	}
	return kiserr.New(kiserr.NetworkError, "stream.connect", err)
}

// replay subscribes every registered identity on a fresh connection.
func (c *Controller) replay(key string) {
	for _, id := range c.registry.Identities() {
		data, err := encodeRequest(key, trTypeSubscribe, id)
		if err != nil {
			c.logger.Error("Failed to encode subscribe request", "key", id.Key, "error", err)
			continue
		}
		c.send(data)
	}
}

// disconnect closes the connection on the caller's behalf. No reconnect
// follows and any in-flight connect is abandoned.
func (c *Controller) disconnect(reason string) {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.attempts = 0
	conn, a := c.conn, c.pending
	wasActive := c.state != StateClosed
	c.conn = nil
	c.pending = nil
	c.state = StateClosed
	c.gen++
	c.mu.Unlock()

	if a != nil {
		a.finish(errSuperseded)
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if wasActive {
		c.logger.Info("Stream disconnected", "reason", reason)
		c.notifyState(StateClosed, nil)
	}
}

func (c *Controller) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.approvalKey == "" || c.reconnectTimer != nil || c.registry.Len() == 0 {
		return
	}
	c.attempts++
	delay := c.policy.next(c.attempts)
	c.logger.Info("Stream reconnect scheduled", "attempt", c.attempts, "delay", delay)
	c.reconnectTimer = c.clock.AfterFunc(delay, c.reconnect)
}

func (c *Controller) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.Info("Stream reconnecting", "attempt", attempt)
	if _, err := c.ensureOpen(context.Background()); err != nil {
		c.logger.Debug("Stream reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

func (c *Controller) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, conn, err)
			return
		}
		c.handleMessage(data)
	}
}

// handleClose reacts to a connection ending. Closes initiated through
// disconnect have already moved gen on and are ignored here.
func (c *Controller) handleClose(gen uint64, conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateClosed
	c.gen++
	c.lastErr = kiserr.New(kiserr.NetworkError, "stream.read", err)
	c.lastErrAt = c.clock.Now()
	cause := c.lastErr
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Warn("Stream closed unexpectedly", "error", err)
	c.notifyState(StateClosed, cause)
	c.broadcastState(quote.Broken)
	c.scheduleReconnect()
}

func (c *Controller) handleMessage(data []byte) {
	text := string(data)

	if strings.HasPrefix(text, pingPong) {
		c.logger.Debug("Stream PINGPONG")
		c.send(data)
		return
	}

	if strings.HasPrefix(text, "{") {
		var ctl control
		if err := json.Unmarshal(data, &ctl); err != nil {
			c.logger.Debug("Dropping unparsable control frame", "error", err)
			return
		}
		switch {
		case ctl.Header.TrID == pingPong:
			c.logger.Debug("Stream PINGPONG")
			c.send(data)
		case ctl.isAck():
			c.acknowledge(&ctl)
		case ctl.Body != nil && ctl.Body.RtCd != "" && ctl.Body.RtCd != "0":
			c.logger.Warn("Stream request rejected", "tr_id", ctl.Header.TrID, "msg_cd", ctl.Body.MsgCd, "msg", ctl.Body.Msg1)
		}
		return
	}

	frame, ok := parseData(text)
	if !ok {
		c.logger.Debug("Dropping malformed data frame", "len", len(text))
		return
	}
	for _, id := range match(frame, c.registry.Keys(frame.Channel)) {
		for _, consumer := range c.registry.Consumers(id) {
			if consumer.OnData == nil {
				continue
			}
			c.dispatch("data", func() { consumer.OnData(id, frame) })
		}
	}
}

// acknowledge notifies the consumers of an acknowledged subscription, or
// every consumer of the channel when the acknowledged key is unknown.
func (c *Controller) acknowledge(ctl *control) {
	channel, key := ctl.Header.TrID, ctl.ackKey()
	c.logger.Info("Stream subscription acknowledged", "tr_id", channel, "tr_key", key, "msg_cd", ctl.Body.MsgCd)

	ids := []Identity{{Channel: channel, Key: key}}
	if key == "" || !c.registry.Has(ids[0]) {
		ids = ids[:0]
		for _, k := range c.registry.Keys(channel) {
			ids = append(ids, Identity{Channel: channel, Key: k})
		}
	}
	for _, id := range ids {
		for _, consumer := range c.registry.Consumers(id) {
			if consumer.OnSuccess == nil {
				continue
			}
			c.dispatch("success", func() { consumer.OnSuccess(id) })
		}
	}
}

func (c *Controller) broadcastState(state quote.StreamState) {
	for _, id := range c.registry.Identities() {
		for _, consumer := range c.registry.Consumers(id) {
			if consumer.OnState == nil {
				continue
			}
			c.dispatch("state", func() { consumer.OnState(id, state) })
		}
	}
}

// dispatch runs a consumer callback, containing any panic to that callback.
func (c *Controller) dispatch(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Stream consumer panicked", "callback", kind, "panic", r)
		}
	}()
	fn()
}

func (c *Controller) request(trType string, id Identity) {
	c.mu.Lock()
	key := c.approvalKey
	c.mu.Unlock()

	data, err := encodeRequest(key, trType, id)
	if err != nil {
		c.logger.Error("Failed to encode stream request", "key", id.Key, "error", err)
		return
	}
	c.send(data)
}

// send writes a text frame. It is a no-op unless the connection is open
// and an approval key is present.
func (c *Controller) send(data []byte) bool {
	c.mu.Lock()
	conn := c.conn
	ready := c.state == StateOpen && conn != nil && c.approvalKey != ""
	c.mu.Unlock()
	if !ready {
		c.logger.Debug("Stream not open, dropping outbound frame")
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Warn("Stream write failed", "error", err)
		return false
	}
	return true
}

func (c *Controller) recordErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.lastErrAt = c.clock.Now()
	c.mu.Unlock()
}

func (c *Controller) notifyState(s State, cause error) {
	if c.onStateChange != nil {
		c.onStateChange(s, cause)
	}
}
