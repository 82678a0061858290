// Package room implements the Room Broker (spec.md §4.6): declared
// public and protected namespaces, the byConnection/byTopic
// subscription indexes, and broadcast fan-out over pattern matches.
package room

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aionbuilders/helios/pkg/bus"
	"github.com/aionbuilders/helios/pkg/conn"
	"github.com/aionbuilders/helios/pkg/metrics"
	"github.com/aionbuilders/helios/pkg/pattern"
)

// Kind distinguishes an open room from one gated by a Validator.
type Kind int

const (
	KindPublic Kind = iota
	KindProtected
)

// Validator authorizes a subscription to a protected room. captures are
// the pattern's wildcard captures for the concrete topic being
// subscribed to; data is the caller-supplied subscribe payload.
type Validator func(c *conn.Connection, captures []string, data any) (bool, error)

// declaration is a Room declaration (spec.md §3).
type declaration struct {
	pattern     string
	kind        Kind
	validator   Validator
	specificity int
	seq         int
}

// SubscribeResult mirrors the {ok, error?} shape spec.md §4.6 describes.
type SubscribeResult struct {
	OK    bool
	Error string
}

// BroadcastResult mirrors the {targets, sent} shape.
type BroadcastResult struct {
	Targets int
	Sent    int
}

// Broker owns declared rooms and the subscription indexes.
type Broker struct {
	bus     *bus.Bus
	metrics *metrics.Metrics

	mu          sync.RWMutex
	publicRooms map[string]struct{}
	protected   []declaration
	seq         int

	byConnection map[*conn.Connection]map[string]struct{}
	byTopic      map[string]map[*conn.Connection]struct{}
}

// New returns an empty Broker. b and m may both be nil; m is used to
// self-instrument Broadcast with the broadcast_targets/broadcast_sent
// histograms.
func New(b *bus.Bus, m *metrics.Metrics) *Broker {
	return &Broker{
		bus:          b,
		metrics:      m,
		publicRooms:  make(map[string]struct{}),
		byConnection: make(map[*conn.Connection]map[string]struct{}),
		byTopic:      make(map[string]map[*conn.Connection]struct{}),
	}
}

// Declare registers a room. Public rooms (kind == KindPublic) must not
// contain '*' or '+'; protected rooms must supply a validator. Declare
// returns the Broker itself so declarations can be chained.
func (b *Broker) Declare(pat string, kind Kind, validator Validator) (*Broker, error) {
	if pat == "" {
		return b, fmt.Errorf("room: pattern must be a non-empty string")
	}
	if kind == KindPublic && (strings.Contains(pat, "*") || strings.Contains(pat, "+")) {
		return b, fmt.Errorf("room: public room pattern %q must not contain '*' or '+'", pat)
	}
	if kind == KindProtected && validator == nil {
		return b, fmt.Errorf("room: protected room %q requires a validator", pat)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if kind == KindPublic {
		b.publicRooms[pat] = struct{}{}
		return b, nil
	}

	b.seq++
	d := declaration{pattern: pat, kind: kind, validator: validator, specificity: pattern.Specificity(pat), seq: b.seq}
	b.protected = append(b.protected, d)
	sort.SliceStable(b.protected, func(i, j int) bool {
		if b.protected[i].specificity != b.protected[j].specificity {
			return b.protected[i].specificity > b.protected[j].specificity
		}
		return b.protected[i].seq < b.protected[j].seq
	})
	return b, nil
}

// resolve finds the room configuration governing topic: an exact public
// match first, else the most specific matching protected pattern.
func (b *Broker) resolve(topic string) (kind Kind, validator Validator, captures []string, found bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, ok := b.publicRooms[topic]; ok {
		return KindPublic, nil, nil, true
	}
	for _, d := range b.protected {
		result := pattern.Match(topic, d.pattern)
		if result.Matched {
			return KindProtected, d.validator, result.Captures, true
		}
	}
	return 0, nil, nil, false
}

// Subscribe resolves topic's room, authorizes protected access via its
// Validator, and on success indexes (c, topic) in both directions.
func (b *Broker) Subscribe(c *conn.Connection, topic string, data any) SubscribeResult {
	kind, validator, captures, found := b.resolve(topic)
	if !found {
		return SubscribeResult{OK: false, Error: "Room not declared"}
	}

	if kind == KindProtected {
		ok, err := b.runValidator(validator, c, captures, data)
		if err != nil {
			return SubscribeResult{OK: false, Error: "Validator error"}
		}
		if !ok {
			return SubscribeResult{OK: false, Error: "Permission denied"}
		}
	}

	b.mu.Lock()
	if b.byConnection[c] == nil {
		b.byConnection[c] = make(map[string]struct{})
	}
	b.byConnection[c][topic] = struct{}{}
	if b.byTopic[topic] == nil {
		b.byTopic[topic] = make(map[*conn.Connection]struct{})
	}
	b.byTopic[topic][c] = struct{}{}
	b.mu.Unlock()

	c.TrackSubscription(topic)

	if b.bus != nil {
		b.bus.Publish(bus.SignalRoomSubscribed, map[string]any{"connection": c, "topic": topic})
	}
	return SubscribeResult{OK: true}
}

func (b *Broker) runValidator(validator Validator, c *conn.Connection, captures []string, data any) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("room: validator panicked: %v", r)
		}
	}()
	return validator(c, captures, data)
}

// Unsubscribe removes the (c, topic) pair from both indexes, pruning
// empty sets. It returns whether a removal actually occurred.
func (b *Broker) Unsubscribe(c *conn.Connection, topic string) bool {
	b.mu.Lock()
	removed := false
	if topics, ok := b.byConnection[c]; ok {
		if _, present := topics[topic]; present {
			delete(topics, topic)
			removed = true
			if len(topics) == 0 {
				delete(b.byConnection, c)
			}
		}
	}
	if conns, ok := b.byTopic[topic]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(b.byTopic, topic)
		}
	}
	b.mu.Unlock()

	if !removed {
		return false
	}

	c.UntrackSubscription(topic)
	if b.bus != nil {
		b.bus.Publish(bus.SignalRoomUnsubscribed, map[string]any{"connection": c, "topic": topic})
	}
	return true
}

// Broadcast fans payload out as an Event on topicOrPattern to every
// subscribed Connection whose subscription matches, deduplicated, sent
// only to connections in state OPEN.
func (b *Broker) Broadcast(topicOrPattern string, payload any) BroadcastResult {
	targets := b.collectTargets(topicOrPattern)

	result := BroadcastResult{Targets: len(targets)}
	for c := range targets {
		if c.State() != conn.StateOpen {
			continue
		}
		if err := c.Emit(topicOrPattern, payload); err == nil {
			result.Sent++
		}
	}

	if b.metrics != nil {
		b.metrics.BroadcastTargets.Observe(float64(result.Targets))
		b.metrics.BroadcastSent.Observe(float64(result.Sent))
	}
	return result
}

func (b *Broker) collectTargets(topicOrPattern string) map[*conn.Connection]struct{} {
	targets := make(map[*conn.Connection]struct{})

	b.mu.RLock()
	defer b.mu.RUnlock()

	for c := range b.byTopic[topicOrPattern] {
		targets[c] = struct{}{}
	}
	for c, topics := range b.byConnection {
		for t := range topics {
			if pattern.Match(t, topicOrPattern).Matched {
				targets[c] = struct{}{}
				break
			}
		}
	}
	return targets
}

// Cleanup removes every pair referencing c from both indexes, without
// emitting per-topic unsubscribe signals (spec.md §4.7's teardown path
// treats this as bulk removal, not individual unsubscriptions).
func (b *Broker) Cleanup(c *conn.Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topics := b.byConnection[c]
	delete(b.byConnection, c)
	for t := range topics {
		if conns, ok := b.byTopic[t]; ok {
			delete(conns, c)
			if len(conns) == 0 {
				delete(b.byTopic, t)
			}
		}
	}
	c.ClearSubscriptions()
}
