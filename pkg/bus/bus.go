// Package bus implements the internal server-side signal bus that the
// Coordinator uses to announce lifecycle events (connection opened,
// session recovered, room subscribed, ping missed, and so on) to
// whatever code embeds Helios. It is deliberately distinct from a
// Connection's wire-level Emit, which sends an Event frame to a client;
// Bus.Publish never touches a transport.
package bus

import (
	"log/slog"
	"sync"
)

// Signal names published by the Coordinator and by the Registry, Broker,
// and Connections it drives. Handlers subscribe to these
// literal topic strings; there is no pattern matching here, unlike
// pkg/room's client-facing topics.
const (
	SignalConnection        = "connection"
	SignalDisconnection     = "disconnection"
	SignalSessionCreated    = "session:created"
	SignalSessionRecovered  = "session:recovered"
	SignalSessionRecoveryFail = "session:recovery-failed"
	SignalSessionRefreshed  = "session:refreshed"
	SignalRoomSubscribed    = "room:subscribed"
	SignalRoomUnsubscribed  = "room:unsubscribed"
	SignalPingMissed        = "ping-missed"
	SignalPongReceived      = "pong-received"
	SignalPingTimeout       = "ping-timeout"
)

// Handler receives a signal's payload. Payload shapes are documented per
// Signal* constant at the call site that publishes them.
type Handler func(payload any)

// Bus is a synchronous, in-process publish/subscribe registry. Publish
// calls every subscriber of a topic in registration order, on the
// caller's goroutine; handlers that need to do slow work should hand off
// to their own goroutine rather than block the publisher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	seq      uint64
	logger   *slog.Logger
}

type subscription struct {
	id int
	fn Handler
}

// New returns an empty Bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{handlers: make(map[string][]subscription), logger: logger}
}

// Unsubscribe removes a single subscription registered by Subscribe.
type Unsubscribe func()

// Subscribe registers fn to run whenever topic is published. The
// returned Unsubscribe removes only this registration.
func (b *Bus) Subscribe(topic string, fn Handler) Unsubscribe {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.handlers[topic] = append(b.handlers[topic], subscription{id: int(id), fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[topic]
		for i, s := range subs {
			if s.id == int(id) {
				b.handlers[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish invokes every current subscriber of topic with payload.
// Panicking handlers are recovered and logged so one bad subscriber
// cannot take down the publisher or its neighbors.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[topic]))
	copy(subs, b.handlers[topic])
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(topic, s.fn, payload)
	}
}

func (b *Bus) dispatch(topic string, fn Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked", "topic", topic, "panic", r)
		}
	}()
	fn(payload)
}
