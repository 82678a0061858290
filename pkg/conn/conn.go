// Package conn implements the per-connection state described by
// spec.md §3 and §4.3: identity, session binding, user data,
// subscriptions, pending requests, and the health-check loop, all of
// which must survive a transport-level reconnect.
package conn

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aionbuilders/helios/pkg/bus"
	"github.com/aionbuilders/helios/pkg/clock"
	"github.com/aionbuilders/helios/pkg/dispatch"
	"github.com/aionbuilders/helios/pkg/health"
	"github.com/aionbuilders/helios/pkg/metrics"
	"github.com/aionbuilders/helios/pkg/wire"
)

// State is a Connection's position in its OPEN→CLOSING→CLOSED lifecycle.
// A successful reconnect resets a CLOSED-bound Connection back to OPEN.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrConnectionClosed is returned by sends and rejects pending requests
// when a Connection is not OPEN.
var ErrConnectionClosed = errors.New("conn: connection closed")

// ErrRequestTimeout is the rejection reason for a request whose
// response never arrived within its deadline.
var ErrRequestTimeout = errors.New("conn: request timed out")

// Transport is the outbound seam a Connection writes through. It is
// satisfied by pkg/transport's websocket adapter; Connection never
// imports pkg/transport directly, per spec.md §1's collaborator split.
type Transport interface {
	Write(data []byte) error
	Writable() bool
	Close(code int, reason string) error

	// Ping sends a native transport-level ping control frame, distinct
	// from Write's application data frames.
	Ping() error
}

// pendingRequest is the waiter record described by spec.md §3.
type pendingRequest struct {
	timer   clock.Timer
	resolve func(*wire.Response)
	reject  func(error)
	done    bool
}

// Connection is the unit of client identity (spec.md §3).
type Connection struct {
	id string

	mu        sync.RWMutex
	sessionID string
	state     State
	transport Transport

	userDataMu sync.RWMutex
	userData   map[string]any

	subsMu        sync.RWMutex
	subscriptions map[string]struct{}

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	lastTokenRefreshAt time.Time

	health *health.Health

	codec            wire.Codec
	methodDispatcher dispatch.MethodDispatcher
	topicDispatcher  dispatch.TopicDispatcher
	clock            clock.Clock
	logger           *slog.Logger
	bus              *bus.Bus
	metrics          *metrics.Metrics

	presenceMu sync.RWMutex
	presence   func() bool
}

// Options configures a new Connection. Codec and HealthConfig are
// required; Clock and Logger default when nil. A nil MethodDispatcher
// answers every Request with an error Response (dispatch.ErrMethodNotFound),
// and a nil TopicDispatcher drops incoming Events. Metrics may be nil, in
// which case SendMessage skips instrumentation.
type Options struct {
	ID               string
	Transport        Transport
	Codec            wire.Codec
	MethodDispatcher dispatch.MethodDispatcher
	TopicDispatcher  dispatch.TopicDispatcher
	HealthConfig     health.Config
	Clock            clock.Clock
	Logger           *slog.Logger
	Bus              *bus.Bus
	Metrics          *metrics.Metrics
}

// New constructs an OPEN Connection but does not start its health-check
// loop; callers start it explicitly once the transport is fully wired
// (mirrors spec.md §4.7's "Start the health-check loop" as a distinct
// step from Connection construction).
func New(opts Options) *Connection {
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn := &Connection{
		id:               opts.ID,
		state:            StateOpen,
		transport:        opts.Transport,
		userData:         make(map[string]any),
		subscriptions:    make(map[string]struct{}),
		pending:          make(map[string]*pendingRequest),
		codec:            opts.Codec,
		methodDispatcher: opts.MethodDispatcher,
		topicDispatcher:  opts.TopicDispatcher,
		clock:            c,
		logger:           logger.With("connectionId", opts.ID),
		bus:              opts.Bus,
		metrics:          opts.Metrics,
	}
	conn.health = health.New(opts.HealthConfig, c, &healthPinger{conn: conn}, &healthListener{conn: conn}, conn.logger)
	return conn
}

// ID returns the Connection's stable, process-unique identifier.
func (c *Connection) ID() string { return c.id }

// SessionID returns the currently bound session id, or "" if none.
func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// SetSessionID assigns sessionID exactly once per spec.md §3; callers
// (the Coordinator, on session creation) must not call this twice.
func (c *Connection) SetSessionID(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetPresenceChecker installs the function Request uses to decide
// whether a timeout should actually reject: spec.md §4.3 requires the
// Connection still be present in the Registry when the timer fires.
func (c *Connection) SetPresenceChecker(fn func() bool) {
	c.presenceMu.Lock()
	c.presence = fn
	c.presenceMu.Unlock()
}

func (c *Connection) isPresent() bool {
	c.presenceMu.RLock()
	fn := c.presence
	c.presenceMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Health exposes the ping/pong state machine for the Coordinator to
// start/stop and for the transport adapter to feed pong frames into.
func (c *Connection) Health() *health.Health { return c.health }

// Get returns a userData value and whether it was present.
func (c *Connection) Get(key string) (any, bool) {
	c.userDataMu.RLock()
	defer c.userDataMu.RUnlock()
	v, ok := c.userData[key]
	return v, ok
}

// Set stores a userData value, owned by application handlers.
func (c *Connection) Set(key string, value any) {
	c.userDataMu.Lock()
	c.userData[key] = value
	c.userDataMu.Unlock()
}

// ClearUserData empties userData, part of full teardown (spec.md §4.7).
func (c *Connection) ClearUserData() {
	c.userDataMu.Lock()
	c.userData = make(map[string]any)
	c.userDataMu.Unlock()
}

// TrackSubscription and UntrackSubscription maintain the Connection's
// own copy of its subscription set; the Room Broker is the source of
// truth and calls these to keep the duplicate in sync (spec.md §3).
func (c *Connection) TrackSubscription(topic string) {
	c.subsMu.Lock()
	c.subscriptions[topic] = struct{}{}
	c.subsMu.Unlock()
}

func (c *Connection) UntrackSubscription(topic string) {
	c.subsMu.Lock()
	delete(c.subscriptions, topic)
	c.subsMu.Unlock()
}

// Subscriptions returns a snapshot of subscribed concrete topics.
func (c *Connection) Subscriptions() []string {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	topics := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		topics = append(topics, t)
	}
	return topics
}

// ClearSubscriptions empties the local subscription set. The Room
// Broker's own indexes must be cleared separately via its Cleanup.
func (c *Connection) ClearSubscriptions() {
	c.subsMu.Lock()
	c.subscriptions = make(map[string]struct{})
	c.subsMu.Unlock()
}

// CanRefreshToken implements spec.md §4.3's refresh rate limit.
func (c *Connection) CanRefreshToken(ttl time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionID == "" {
		return false
	}
	if c.lastTokenRefreshAt.IsZero() {
		return true
	}
	return c.clock.Now().Sub(c.lastTokenRefreshAt) >= ttl/2
}

// TimeUntilRefreshAllowed returns the nonnegative remainder before a
// refresh will be permitted.
func (c *Connection) TimeUntilRefreshAllowed(ttl time.Duration) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionID == "" || c.lastTokenRefreshAt.IsZero() {
		return 0
	}
	remaining := ttl/2 - c.clock.Now().Sub(c.lastTokenRefreshAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// MarkTokenRefreshed records the time of a successful token refresh.
func (c *Connection) MarkTokenRefreshed() {
	c.mu.Lock()
	c.lastTokenRefreshAt = c.clock.Now()
	c.mu.Unlock()
}

// SendRaw writes bytes directly to the transport. It fails fast with
// ErrConnectionClosed when state != OPEN, and never blocks on
// back-pressure: an unwritable transport is reported as a failure.
func (c *Connection) SendRaw(data []byte) error {
	c.mu.RLock()
	state := c.state
	transport := c.transport
	c.mu.RUnlock()

	if state != StateOpen {
		return ErrConnectionClosed
	}
	if !transport.Writable() {
		return fmt.Errorf("conn: transport not writable")
	}
	return transport.Write(data)
}

// SendMessage encodes msg via the configured Codec and writes it. Every
// outgoing Event, Response, and Request passes through here, so this is
// also where messages_sent_total is incremented.
func (c *Connection) SendMessage(msg *wire.Message) error {
	raw, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.SendRaw(raw); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.MessagesSent.WithLabelValues(msg.Kind.String()).Inc()
	}
	return nil
}

// Emit wraps payload as an Event on topic and sends it to the client.
// This is the wire-level operation the spec's Open Question deliberately
// distinguishes from pkg/bus's internal Publish.
func (c *Connection) Emit(topic string, payload any) error {
	return c.SendMessage(&wire.Message{Kind: wire.KindEvent, Event: wire.NewEvent(topic, payload)})
}

// Request sends a Request and blocks until a matching Response arrives,
// the timeout elapses, or the Connection closes. If state != OPEN at
// call time, it rejects synchronously without installing a waiter.
func (c *Connection) Request(method string, payload any, timeout time.Duration) (*wire.Response, error) {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state != StateOpen {
		return nil, ErrConnectionClosed
	}

	req := wire.NewRequest(c.codec.NewRequestID, method, payload)

	resultCh := make(chan *wire.Response, 1)
	errCh := make(chan error, 1)

	pr := &pendingRequest{
		resolve: func(resp *wire.Response) {
			select {
			case resultCh <- resp:
			default:
			}
		},
		reject: func(err error) {
			select {
			case errCh <- err:
			default:
			}
		},
	}

	c.pendingMu.Lock()
	c.pending[req.ID] = pr
	c.pendingMu.Unlock()

	pr.timer = c.clock.AfterFunc(timeout, func() {
		c.completePending(req.ID, func(p *pendingRequest) {
			if !c.isPresent() {
				return
			}
			p.reject(ErrRequestTimeout)
		})
	})

	if err := c.SendMessage(&wire.Message{Kind: wire.KindRequest, Request: req}); err != nil {
		c.completePending(req.ID, func(p *pendingRequest) { p.reject(err) })
	}

	select {
	case resp := <-resultCh:
		return resp, nil
	case err := <-errCh:
		return nil, err
	}
}

// completePending removes a pending request exactly once and invokes
// fn with it, cancelling its timer first. Subsequent calls for the same
// id are no-ops, satisfying the idempotent-removal invariant.
func (c *Connection) completePending(id string, fn func(*pendingRequest)) {
	c.pendingMu.Lock()
	pr, ok := c.pending[id]
	if !ok || pr.done {
		c.pendingMu.Unlock()
		return
	}
	pr.done = true
	delete(c.pending, id)
	c.pendingMu.Unlock()

	if pr.timer != nil {
		pr.timer.Stop()
	}
	fn(pr)
}

// RejectAllPending rejects every outstanding pending request with err
// and clears the map; part of full teardown (spec.md §4.7).
func (c *Connection) RejectAllPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.pendingMu.Unlock()

	for _, pr := range pending {
		if pr.done {
			continue
		}
		pr.done = true
		if pr.timer != nil {
			pr.timer.Stop()
		}
		pr.reject(err)
	}
}

// HandleIncoming routes a parsed Message by kind: Requests go through
// the method dispatcher and their Response is written back; Responses
// complete pending waiters; Events go through the topic dispatcher.
func (c *Connection) HandleIncoming(ctx *dispatch.Ctx, msg *wire.Message) {
	ctx.Connection = c

	switch msg.Kind {
	case wire.KindRequest:
		ctx.Method = msg.Request.Method
		ctx.Payload = msg.Request.Payload
		c.handleRequest(ctx, msg.Request)

	case wire.KindResponse:
		c.handleResponse(msg.Response)

	case wire.KindEvent:
		ctx.Topic = msg.Event.Topic
		ctx.Payload = msg.Event.Payload
		if c.topicDispatcher != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Error("conn: event handler panicked", "topic", ctx.Topic, "panic", r)
					}
				}()
				for _, err := range c.topicDispatcher.DispatchTopic(ctx) {
					c.logger.Warn("conn: event handler failed", "topic", ctx.Topic, "error", err)
				}
			}()
		}
	}
}

func (c *Connection) handleRequest(ctx *dispatch.Ctx, req *wire.Request) {
	var resp *wire.Response
	result, err := c.safeDispatch(ctx)
	if err != nil {
		resp = wire.NewErrorResponse(req.ID, "HANDLER_ERROR", err.Error())
	} else {
		resp = wire.NewResponse(req.ID, result)
	}

	if sendErr := c.SendMessage(&wire.Message{Kind: wire.KindResponse, Response: resp}); sendErr != nil {
		c.logger.Warn("conn: failed to send response", "requestId", req.ID, "error", sendErr)
	}
}

// safeDispatch never lets a handler panic escape to the transport.
func (c *Connection) safeDispatch(ctx *dispatch.Ctx) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("conn: method handler panicked", "method", ctx.Method, "panic", r)
			err = fmt.Errorf("internal error")
		}
	}()
	if c.methodDispatcher == nil {
		return nil, dispatch.ErrMethodNotFound
	}
	return c.methodDispatcher.Dispatch(ctx)
}

func (c *Connection) handleResponse(resp *wire.Response) {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state == StateClosing || state == StateClosed {
		c.logger.Debug("conn: dropping response on closing connection", "requestId", resp.ID)
		return
	}
	c.completePending(resp.ID, func(pr *pendingRequest) { pr.resolve(resp) })
}

// MarkClosing transitions to CLOSING and stops the health-check loop.
func (c *Connection) MarkClosing() {
	c.mu.Lock()
	c.state = StateClosing
	c.mu.Unlock()
	c.health.Stop()
}

// MarkClosed transitions to CLOSED.
func (c *Connection) MarkClosed() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// Reconnect replaces the transport, resets health-check counters, sets
// state back to OPEN, and restarts the health-check loop. userData,
// subscriptions, and pendingRequests are left untouched.
func (c *Connection) Reconnect(newTransport Transport) {
	c.mu.Lock()
	c.transport = newTransport
	c.state = StateOpen
	c.mu.Unlock()

	c.health.Reset()
	c.health.Start()
}

// healthPinger and healthListener adapt Connection to health.Pinger and
// health.Listener without exposing those methods on Connection's own
// public surface.
type healthPinger struct{ conn *Connection }

func (p *healthPinger) SendPing() error {
	p.conn.mu.RLock()
	t := p.conn.transport
	p.conn.mu.RUnlock()
	if t == nil {
		return ErrConnectionClosed
	}
	return t.Ping()
}

func (p *healthPinger) Close(code int, reason string) error {
	p.conn.mu.RLock()
	t := p.conn.transport
	p.conn.mu.RUnlock()
	if t == nil {
		return nil
	}
	return t.Close(code, reason)
}

type healthListener struct{ conn *Connection }

func (l *healthListener) OnPingMissed(missed int) {
	if l.conn.bus == nil {
		return
	}
	l.conn.bus.Publish(bus.SignalPingMissed, map[string]any{"connection": l.conn, "missedPongs": missed})
}

func (l *healthListener) OnPongReceived(latency time.Duration) {
	if l.conn.bus == nil {
		return
	}
	l.conn.bus.Publish(bus.SignalPongReceived, map[string]any{"connection": l.conn, "latency": latency})
}
