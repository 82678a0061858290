// Package dispatch routes parsed Requests and Events to application
// handlers. Both dispatchers are external collaborators of the Helios
// core (spec.md §1): the core depends only on the MethodDispatcher and
// TopicDispatcher interfaces, never on this package's default
// implementation directly. Registry is provided as the batteries-included
// implementation an embedding application will reach for first.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/aionbuilders/helios/pkg/pattern"
)

// ErrMethodNotFound is returned by a MethodDispatcher when no handler is
// registered for a Request's method name.
var ErrMethodNotFound = errors.New("dispatch: method not found")

// Ctx is handed to every method and event handler. It carries the
// Connection that received the message, opaquely, so this package never
// needs to import pkg/conn.
type Ctx struct {
	context.Context

	// Connection is the pkg/conn.Connection that owns this dispatch. It
	// is typed any to avoid an import cycle; handlers type-assert it to
	// their embedding application's connection type.
	Connection any

	// Method is set for Request dispatch, empty for Event dispatch.
	Method string

	// Topic is set for Event dispatch, empty for Request dispatch.
	Topic string

	// Payload is the decoded message payload.
	Payload any
}

// MethodHandler answers a Request. Returning an error produces an error
// Response; the Connection never propagates a panic to the transport.
type MethodHandler func(ctx *Ctx) (any, error)

// EventHandler reacts to an Event. Errors are logged, not surfaced to
// the client, since Events have no reply channel.
type EventHandler func(ctx *Ctx) error

// Middleware wraps a MethodHandler, e.g. for auth or logging.
type Middleware func(next MethodHandler) MethodHandler

// MethodDispatcher routes a Request's method name to a handler.
type MethodDispatcher interface {
	Dispatch(ctx *Ctx) (any, error)
}

// TopicDispatcher routes an Event's topic to zero or more handlers.
type TopicDispatcher interface {
	DispatchTopic(ctx *Ctx) []error
}

// Registry is the default MethodDispatcher and TopicDispatcher: exact
// method names map to a single handler; event topics use pkg/pattern
// matching so a handler can subscribe to "chat:*" as well as "chat:1".
type Registry struct {
	mu          sync.RWMutex
	methods     map[string]MethodHandler
	middlewares []Middleware
	topics      []topicHandler
}

type topicHandler struct {
	pattern string
	fn      EventHandler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]MethodHandler)}
}

// Use appends middleware applied, in order, to every method handler
// invoked through Dispatch — outermost first.
func (r *Registry) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mw...)
}

// Handle registers fn as the handler for an exact RPC method name.
func (r *Registry) Handle(method string, fn MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[method] = fn
}

// On registers fn to run for every Event whose topic matches patternStr
// (pkg/pattern syntax: literal segments, "*", "++", "**").
func (r *Registry) On(patternStr string, fn EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topicHandler{pattern: patternStr, fn: fn})
	sort.SliceStable(r.topics, func(i, j int) bool {
		return pattern.Specificity(r.topics[i].pattern) > pattern.Specificity(r.topics[j].pattern)
	})
}

// Dispatch implements MethodDispatcher. It returns ErrMethodNotFound if
// no handler is registered for ctx.Method.
func (r *Registry) Dispatch(ctx *Ctx) (any, error) {
	r.mu.RLock()
	handler, ok := r.methods[ctx.Method]
	mws := make([]Middleware, len(r.middlewares))
	copy(mws, r.middlewares)
	r.mu.RUnlock()

	if !ok {
		return nil, ErrMethodNotFound
	}

	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i](handler)
	}
	return handler(ctx)
}

// DispatchTopic implements TopicDispatcher. Every registered pattern
// that matches ctx.Topic runs, most specific first; a handler error is
// swallowed after being returned to the caller via errs for logging.
func (r *Registry) DispatchTopic(ctx *Ctx) []error {
	r.mu.RLock()
	handlers := make([]topicHandler, len(r.topics))
	copy(handlers, r.topics)
	r.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if !pattern.Match(ctx.Topic, h.pattern).Matched {
			continue
		}
		if err := h.fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
