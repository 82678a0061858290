package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aionbuilders/helios/pkg/bus"
	"github.com/aionbuilders/helios/pkg/conn"
	"github.com/aionbuilders/helios/pkg/dispatch"
	"github.com/aionbuilders/helios/pkg/tokencodec"
)

// errNoConnection guards against a dispatch.Ctx built without a
// Connection attached — never expected in production, since every Ctx
// the Coordinator constructs comes from conn.Connection.HandleIncoming.
var errNoConnection = errors.New("coordinator: dispatch context missing connection")

// registerBuiltinMethods installs helios.subscribe, helios.unsubscribe,
// and session.refresh, per spec.md §4.6/§4.7.
func (co *Coordinator) registerBuiltinMethods() {
	co.methods.Handle("helios.subscribe", co.handleSubscribe)
	co.methods.Handle("helios.unsubscribe", co.handleUnsubscribe)
	co.methods.Handle("session.refresh", co.handleSessionRefresh)
}

type roomPayload struct {
	Topic string `json:"topic"`
	Data  any    `json:"data,omitempty"`
}

func connectionFromCtx(ctx *dispatch.Ctx) (*conn.Connection, error) {
	c, ok := ctx.Connection.(*conn.Connection)
	if !ok {
		return nil, errNoConnection
	}
	return c, nil
}

// decodeMethodPayload normalizes a Request's Payload, which the default
// JSONCodec leaves as json.RawMessage (or nil for an empty payload).
func decodeMethodPayload(payload any, out any) error {
	switch v := payload.(type) {
	case nil:
		return nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, out)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, out)
	}
}

func (co *Coordinator) handleSubscribe(ctx *dispatch.Ctx) (any, error) {
	c, err := connectionFromCtx(ctx)
	if err != nil {
		return nil, err
	}
	var p roomPayload
	if err := decodeMethodPayload(ctx.Payload, &p); err != nil {
		return nil, fmt.Errorf("coordinator: invalid subscribe payload: %w", err)
	}
	return co.broker.Subscribe(c, p.Topic, p.Data), nil
}

func (co *Coordinator) handleUnsubscribe(ctx *dispatch.Ctx) (any, error) {
	c, err := connectionFromCtx(ctx)
	if err != nil {
		return nil, err
	}
	var p roomPayload
	if err := decodeMethodPayload(ctx.Payload, &p); err != nil {
		return nil, fmt.Errorf("coordinator: invalid unsubscribe payload: %w", err)
	}
	return map[string]any{"ok": co.broker.Unsubscribe(c, p.Topic)}, nil
}

func (co *Coordinator) handleSessionRefresh(ctx *dispatch.Ctx) (any, error) {
	c, err := connectionFromCtx(ctx)
	if err != nil {
		return nil, err
	}

	sessionID := c.SessionID()
	if sessionID == "" {
		return map[string]any{"error": "No active session"}, nil
	}

	ttl := co.cfg.SessionRecovery.TTL
	if !c.CanRefreshToken(ttl) {
		return map[string]any{
			"error":  "Rate limit exceeded",
			"waitMs": c.TimeUntilRefreshAllowed(ttl).Milliseconds(),
		}, nil
	}

	prev := &tokencodec.Session{SessionID: sessionID, ConnectionID: c.ID()}
	token, err := co.tokens.Refresh(prev, ttl)
	if err != nil {
		return nil, fmt.Errorf("coordinator: refresh token: %w", err)
	}
	c.MarkTokenRefreshed()

	_ = c.Emit("session:refreshed", map[string]any{"token": token, "sessionId": sessionID})
	if co.bus != nil {
		co.bus.Publish(bus.SignalSessionRefreshed, map[string]any{"connection": c, "token": token})
	}

	return map[string]any{"success": true, "token": token, "sessionId": sessionID}, nil
}
