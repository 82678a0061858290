// Package registry implements the Connection Registry (spec.md §4.4):
// it owns every Connection, indexes live ones by transport handle and
// by session id, and retains disconnected-but-recoverable entries until
// their session TTL elapses.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aionbuilders/helios/pkg/bus"
	"github.com/aionbuilders/helios/pkg/clock"
	"github.com/aionbuilders/helios/pkg/conn"
	"github.com/aionbuilders/helios/pkg/dispatch"
	"github.com/aionbuilders/helios/pkg/health"
	"github.com/aionbuilders/helios/pkg/metrics"
	"github.com/aionbuilders/helios/pkg/wire"
)

// DefaultSweepInterval matches spec.md §4.4's stated default.
const DefaultSweepInterval = 60 * time.Second

// disconnectedEntry is the record described by spec.md §3.
type disconnectedEntry struct {
	connection *conn.Connection
	expiresAt  time.Time
}

// Deps bundles the collaborators every Connection the Registry
// constructs needs. It is supplied once at Registry construction.
type Deps struct {
	Codec            wire.Codec
	MethodDispatcher dispatch.MethodDispatcher
	TopicDispatcher  dispatch.TopicDispatcher
	HealthConfig     health.Config
	Bus              *bus.Bus
	Clock            clock.Clock
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Registry owns all Connections.
type Registry struct {
	deps  Deps
	clock clock.Clock
	bus   *bus.Bus
	log   *slog.Logger

	mu           sync.RWMutex
	byID         map[string]*conn.Connection
	byTransport  map[conn.Transport]*conn.Connection
	bySession    map[string]*conn.Connection
	disconnected map[string]disconnectedEntry // keyed by sessionId

	sweepTicker clock.Timer
}

// New constructs an empty Registry.
func New(deps Deps) *Registry {
	c := deps.Clock
	if c == nil {
		c = clock.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps.Clock = c
	deps.Logger = logger

	return &Registry{
		deps:         deps,
		clock:        c,
		bus:          deps.Bus,
		log:          logger,
		byID:         make(map[string]*conn.Connection),
		byTransport:  make(map[conn.Transport]*conn.Connection),
		bySession:    make(map[string]*conn.Connection),
		disconnected: make(map[string]disconnectedEntry),
	}
}

// New constructs a fresh Connection over transport, indexes it, and
// publishes a "connection" signal.
func (r *Registry) New(transport conn.Transport) *conn.Connection {
	id := uuid.NewString()
	c := conn.New(conn.Options{
		ID:               id,
		Transport:        transport,
		Codec:            r.deps.Codec,
		MethodDispatcher: r.deps.MethodDispatcher,
		TopicDispatcher:  r.deps.TopicDispatcher,
		HealthConfig:     r.deps.HealthConfig,
		Clock:            r.clock,
		Logger:           r.log,
		Bus:              r.bus,
		Metrics:          r.deps.Metrics,
	})
	c.SetPresenceChecker(func() bool { return r.hasID(id) })

	r.mu.Lock()
	r.byID[id] = c
	r.byTransport[transport] = c
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(bus.SignalConnection, map[string]any{"connection": c})
	}
	return c
}

// Count returns the number of connections currently indexed by
// transport (i.e. actively OPEN, not counting recoverable disconnected
// entries). Used by the Coordinator's /debug/stats endpoint.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTransport)
}

// DisconnectedCount returns the number of recoverable disconnected
// entries currently held.
func (r *Registry) DisconnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.disconnected)
}

// Get returns the Connection currently indexed under transport, if any.
func (r *Registry) Get(transport conn.Transport) *conn.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byTransport[transport]
}

func (r *Registry) hasID(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// IndexSession records sessionID as pointing at c. Called by the
// Coordinator once it has minted a token and assigned c.sessionId.
func (r *Registry) IndexSession(sessionID string, c *conn.Connection) {
	r.mu.Lock()
	r.bySession[sessionID] = c
	r.mu.Unlock()
}

// FindBySession returns an active Connection indexed under sessionID,
// or a not-yet-expired disconnected entry's Connection, or nil.
func (r *Registry) FindBySession(sessionID string) *conn.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.bySession[sessionID]; ok {
		return c
	}
	if entry, ok := r.disconnected[sessionID]; ok && entry.expiresAt.After(r.clock.Now()) {
		return entry.connection
	}
	return nil
}

// Reconnect resolves sessionID via FindBySession; on success it clears
// any disconnected entry, unindexes the stale transport, invokes
// connection.Reconnect, and indexes the new transport. Returns nil if
// no recoverable session exists.
func (r *Registry) Reconnect(sessionID string, newTransport conn.Transport) *conn.Connection {
	r.mu.Lock()
	c, ok := r.bySession[sessionID]
	if !ok {
		entry, disc := r.disconnected[sessionID]
		if !disc || !entry.expiresAt.After(r.clock.Now()) {
			r.mu.Unlock()
			return nil
		}
		c = entry.connection
	}
	delete(r.disconnected, sessionID)

	for t, indexed := range r.byTransport {
		if indexed == c {
			delete(r.byTransport, t)
		}
	}
	r.byTransport[newTransport] = c
	r.bySession[sessionID] = c
	r.mu.Unlock()

	c.Reconnect(newTransport)
	return c
}

// MarkDisconnected removes transport's index and, if the Connection has
// a sessionId, inserts a disconnected entry with expiresAt = now + ttl.
// A sessionless Connection is left indexed by neither map; the caller
// is responsible for full teardown.
func (r *Registry) MarkDisconnected(transport conn.Transport, ttl time.Duration) {
	r.mu.Lock()
	c, ok := r.byTransport[transport]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byTransport, transport)

	sessionID := c.SessionID()
	if sessionID == "" {
		r.mu.Unlock()
		return
	}
	delete(r.bySession, sessionID)
	r.disconnected[sessionID] = disconnectedEntry{connection: c, expiresAt: r.clock.Now().Add(ttl)}
	r.mu.Unlock()
}

// Remove fully unindexes a Connection: transport, session, and identity.
// Called at the end of full teardown (spec.md §4.7).
func (r *Registry) Remove(c *conn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, c.ID())
	if c.SessionID() != "" {
		delete(r.bySession, c.SessionID())
		delete(r.disconnected, c.SessionID())
	}
	for t, indexed := range r.byTransport {
		if indexed == c {
			delete(r.byTransport, t)
		}
	}
}

// CleanupFunc runs the final teardown for a swept, expired disconnected
// entry (spec.md §4.7's full teardown path).
type CleanupFunc func(c *conn.Connection)

// StartSweep begins the periodic sweep of expired disconnected entries.
// Sweeping runs on its own timer callback and never holds the Registry
// lock while invoking cleanup, so it cannot block incoming traffic.
func (r *Registry) StartSweep(interval time.Duration, cleanup CleanupFunc) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	r.sweepTicker = r.clock.NewTicker(interval, func() { r.sweep(cleanup) })
}

// StopSweep cancels the periodic sweep.
func (r *Registry) StopSweep() {
	if r.sweepTicker != nil {
		r.sweepTicker.Stop()
		r.sweepTicker = nil
	}
}

func (r *Registry) sweep(cleanup CleanupFunc) {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []*conn.Connection
	for sessionID, entry := range r.disconnected {
		if !entry.expiresAt.After(now) {
			// Reject pending requests before dropping the connection from
			// byID/bySession, not after cleanup runs outside the lock: a
			// request timeout racing this sweep reads isPresent() off
			// byID, and once that map has forgotten the connection with
			// nothing having rejected its pending requests yet, the
			// timeout silently no-ops and the caller's Request() blocks
			// forever. completePending's idempotent removal means this
			// never double-rejects once the later cleanup callback runs.
			entry.connection.RejectAllPending(conn.ErrConnectionClosed)
			delete(r.disconnected, sessionID)
			delete(r.byID, entry.connection.ID())
			delete(r.bySession, sessionID)
			expired = append(expired, entry.connection)
		}
	}
	r.mu.Unlock()

	for _, c := range expired {
		c.Health().Stop()
		if cleanup != nil {
			cleanup(c)
		}
	}
}
