package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aionbuilders/helios/internal/config"
	"github.com/aionbuilders/helios/pkg/bus"
	"github.com/aionbuilders/helios/pkg/conn"
	"github.com/aionbuilders/helios/pkg/dispatch"
	"github.com/aionbuilders/helios/pkg/transport"
	"github.com/aionbuilders/helios/pkg/wire"
)

// Coordinator implements transport.Handler; a *transport.WebSocket calls
// these from its own read loop, one at a time, per connection.
var _ transport.Handler = (*Coordinator)(nil)

// onOpen implements spec.md §4.7's open sequence.
func (co *Coordinator) onOpen(t *transport.WebSocket, r *http.Request) {
	if co.cfg.SessionRecovery.Enabled {
		if token := r.URL.Query().Get("session_token"); token != "" {
			sess, err := co.tokens.Verify(token)
			if err != nil {
				co.createFreshConnection(t, "invalid or expired token")
				return
			}
			if c := co.registry.Reconnect(sess.SessionID, t); c != nil {
				c.Health().Start()
				_ = c.Emit("session:recovered", map[string]any{"sessionId": sess.SessionID, "metadata": sess.Metadata})
				if co.bus != nil {
					co.bus.Publish(bus.SignalSessionRecovered, map[string]any{"connection": c, "session": sess})
				}
				co.metrics.ReconnectsTotal.Inc()
				co.metrics.ActiveConnections.Set(float64(co.registry.Count()))
				return
			}
			co.createFreshConnection(t, "no recoverable session")
			return
		}
	}
	co.createFreshConnection(t, "")
}

// createFreshConnection covers open step 2 (Registry.new + optional
// createSession) and step 4 (the recovery-failed event, when reason is
// non-empty).
func (co *Coordinator) createFreshConnection(t conn.Transport, reason string) {
	c := co.registry.New(t)
	if co.cfg.SessionRecovery.Enabled {
		co.createSession(c)
	}
	if reason != "" {
		_ = c.Emit("session:recovery-failed", map[string]any{"reason": reason})
		if co.bus != nil {
			co.bus.Publish(bus.SignalSessionRecoveryFail, map[string]any{"connection": c, "reason": reason})
		}
	}
	c.Health().Start()
	co.metrics.ConnectionsTotal.Inc()
	co.metrics.ActiveConnections.Set(float64(co.registry.Count()))
}

// createSession mints a fresh session token and assigns the Connection
// its sessionId, per spec.md §4.7 step 2.
func (co *Coordinator) createSession(c *conn.Connection) {
	sessionID := uuid.NewString()
	ttl := co.cfg.SessionRecovery.TTL

	token, err := co.tokens.Mint(sessionID, c.ID(), nil, ttl)
	if err != nil {
		co.logger.Error("mint session token failed", "connection_id", c.ID(), "error", err)
		return
	}

	c.SetSessionID(sessionID)
	co.registry.IndexSession(sessionID, c)
	c.MarkTokenRefreshed()

	_ = c.Emit("session:created", map[string]any{"token": token, "ttl": ttl.Milliseconds()})
	if co.bus != nil {
		co.bus.Publish(bus.SignalSessionCreated, map[string]any{"connection": c, "sessionId": sessionID})
	}
}

// OnMessage implements transport.Handler. It decodes the raw frame,
// applies parseMode to any decode failure, runs the cancellable
// pre-dispatch signal, and finally routes the parsed Message through
// the Connection.
func (co *Coordinator) OnMessage(t *transport.WebSocket, data []byte) {
	c := co.registry.Get(t)
	if c == nil {
		co.logger.Debug("message for unindexed transport, dropping")
		return
	}

	msg, err := co.codec.Decode(data)
	if err != nil {
		co.metrics.ProtocolErrors.Inc()
		msg = co.handleParseError(c, data, err)
		if msg == nil {
			return
		}
	}
	co.metrics.MessagesReceived.WithLabelValues(msg.Kind.String()).Inc()

	spanName := fmt.Sprintf("helios.%s", msg.Kind)
	ctx, span := co.tracer.Start(context.Background(), spanName)
	defer span.End()
	span.SetAttributes(attribute.String("helios.connection_id", c.ID()))
	if msg.Kind == wire.KindRequest {
		span.SetAttributes(attribute.String("helios.method", msg.Request.Method))
	}
	if msg.Kind == wire.KindEvent {
		span.SetAttributes(attribute.String("helios.topic", msg.Event.Topic))
	}

	if co.publishPreDispatch(c, msg) {
		span.SetStatus(codes.Ok, "cancelled by pre-dispatch handler")
		return
	}

	c.HandleIncoming(&dispatch.Ctx{Context: ctx}, msg)
}

// handleParseError applies parseMode (spec.md §4.7) to a codec decode
// failure, returning the Message to dispatch instead, or nil to drop
// the frame entirely.
func (co *Coordinator) handleParseError(c *conn.Connection, data []byte, err error) *wire.Message {
	switch co.cfg.ParseMode {
	case config.ParseModePermissive:
		return softDecode(data, true)
	case config.ParseModePassthrough:
		return softDecode(data, false)
	default: // strict
		co.logger.Warn("protocol error, dropping frame", "connection_id", c.ID(), "error", err)
		return nil
	}
}

// softDecode builds a synthetic Event carrying the raw frame, per
// spec.md §4.7's permissive/passthrough fallback. pkg/transport's read
// loop hands OnMessage only the frame bytes, not whether the frame was
// text or binary, so the text/binary split the spec describes collapses
// to "attempt JSON, else raw bytes" here.
func softDecode(data []byte, tryJSON bool) *wire.Message {
	var payload any = data
	if tryJSON {
		var v any
		if json.Unmarshal(data, &v) == nil {
			payload = v
		}
	}
	return &wire.Message{Kind: wire.KindEvent, Event: &wire.Event{Topic: "message:raw", Payload: payload}}
}

// preDispatchSignal is published on the Bus before every successfully
// parsed Message is handed to the Connection. A subscriber can veto
// dispatch by calling Cancel — Publish is synchronous, so the flag is
// visible to OnMessage as soon as the call returns.
type preDispatchSignal struct {
	Connection any
	Message    *wire.Message
	cancelled  bool
}

// Cancel vetoes dispatch of the message this signal carries.
func (s *preDispatchSignal) Cancel() { s.cancelled = true }

func (co *Coordinator) publishPreDispatch(c *conn.Connection, msg *wire.Message) bool {
	if co.bus == nil {
		return false
	}
	signal := &preDispatchSignal{Connection: c, Message: msg}
	co.bus.Publish("message:"+msg.Kind.String(), signal)
	return signal.cancelled
}

// OnPong implements transport.Handler, handing native pong control
// frames to the Connection's health-check state machine.
func (co *Coordinator) OnPong(t *transport.WebSocket) {
	if c := co.registry.Get(t); c != nil {
		c.Health().Pong()
	}
}

// OnClose implements transport.Handler, running spec.md §4.7's close
// sequence: either a recoverable disconnect or a full teardown,
// depending on whether session recovery is enabled and a sessionId was
// assigned.
func (co *Coordinator) OnClose(t *transport.WebSocket, code int, reason string) {
	c := co.registry.Get(t)
	if c == nil {
		return
	}

	c.MarkClosing()

	if reason == "Ping timeout" && co.bus != nil {
		co.bus.Publish(bus.SignalPingTimeout, map[string]any{"connection": c})
	}

	if co.cfg.SessionRecovery.Enabled && c.SessionID() != "" {
		co.registry.MarkDisconnected(t, co.cfg.SessionRecovery.TTL)
		c.MarkClosed()
		co.publishDisconnection(c, code, reason)
		return
	}

	co.fullTeardown(c, code, reason)
}

// fullTeardown implements spec.md §4.7's close step 3.
func (co *Coordinator) fullTeardown(c *conn.Connection, code int, reason string) {
	c.RejectAllPending(conn.ErrConnectionClosed)
	co.broker.Cleanup(c)
	c.ClearUserData()
	c.MarkClosed()
	co.registry.Remove(c)
	co.publishDisconnection(c, code, reason)
}

// cleanupExpired is the Registry's sweep CleanupFunc: by the time it
// runs, the Registry has already dropped the expired session from its
// own indexes and rejected its pending requests, so only the
// Connection-local and Broker-local teardown remains.
func (co *Coordinator) cleanupExpired(c *conn.Connection) {
	co.broker.Cleanup(c)
	c.ClearUserData()
	c.MarkClosed()
	co.publishDisconnection(c, 1000, "session expired")
}

func (co *Coordinator) publishDisconnection(c *conn.Connection, code int, reason string) {
	if co.bus != nil {
		co.bus.Publish(bus.SignalDisconnection, map[string]any{"connection": c, "code": code, "reason": reason})
	}
	co.metrics.ActiveConnections.Set(float64(co.registry.Count()))
	co.metrics.DisconnectedEntries.Set(float64(co.registry.DisconnectedCount()))
}
