package coordinator_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aionbuilders/helios/internal/config"
	"github.com/aionbuilders/helios/pkg/coordinator"
	"github.com/aionbuilders/helios/pkg/dispatch"
	"github.com/aionbuilders/helios/pkg/metrics"
	"github.com/aionbuilders/helios/pkg/room"
	"github.com/aionbuilders/helios/pkg/wire"
)

const testSecret = "01234567890123456789012345678901"

// newCoordinator builds a Coordinator against a private Prometheus
// registry, since every test in this file runs in the same process and
// promauto.MustRegister panics on a second registration against the
// package-default registerer.
func newCoordinator(t *testing.T, cfg *config.Config) *coordinator.Coordinator {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.Config{Namespace: "helios_test", Registry: reg})
	co, err := coordinator.New(coordinator.Options{Config: cfg, Metrics: m, MetricsGatherer: reg})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	return co
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return c
}

func readMessage(t *testing.T, c *websocket.Conn) *wire.Message {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	msg, err := wire.NewJSONCodec().Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return msg
}

func rawPayload(t *testing.T, payload any, out any) {
	t.Helper()
	raw, ok := payload.(json.RawMessage)
	if !ok {
		t.Fatalf("payload = %T, want json.RawMessage", payload)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
}

func TestOpenWithoutRecoveryDispatchesRequestsImmediately(t *testing.T) {
	co := newCoordinator(t, nil)
	co.Methods().Handle("echo", func(ctx *dispatch.Ctx) (any, error) {
		return ctx.Payload, nil
	})

	ts := httptest.NewServer(co.Router())
	defer ts.Close()

	client := dialWS(t, ts)
	defer client.Close()

	codec := wire.NewJSONCodec()
	req := wire.NewRequest(codec.NewRequestID, "echo", map[string]any{"hello": "world"})
	frame, err := codec.Encode(&wire.Message{Kind: wire.KindRequest, Request: req})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := client.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	resp := readMessage(t, client)
	if resp.Kind != wire.KindResponse {
		t.Fatalf("Kind = %v, want response", resp.Kind)
	}
	if resp.Response.ID != req.ID {
		t.Fatalf("Response.ID = %q, want %q", resp.Response.ID, req.ID)
	}
	if resp.Response.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Response.Error)
	}
}

func TestUnknownMethodReturnsErrorResponse(t *testing.T) {
	co := newCoordinator(t, nil)
	ts := httptest.NewServer(co.Router())
	defer ts.Close()

	client := dialWS(t, ts)
	defer client.Close()

	codec := wire.NewJSONCodec()
	req := wire.NewRequest(codec.NewRequestID, "no.such.method", nil)
	frame, _ := codec.Encode(&wire.Message{Kind: wire.KindRequest, Request: req})
	client.WriteMessage(websocket.BinaryMessage, frame)

	resp := readMessage(t, client)
	if resp.Response.Error == nil {
		t.Fatal("expected an error response for an unregistered method")
	}
}

func TestOpenWithRecoveryEmitsSessionCreated(t *testing.T) {
	cfg := config.New()
	cfg.SessionRecovery.Enabled = true
	cfg.SessionRecovery.Secret = testSecret

	co := newCoordinator(t, cfg)
	ts := httptest.NewServer(co.Router())
	defer ts.Close()

	client := dialWS(t, ts)
	defer client.Close()

	msg := readMessage(t, client)
	if msg.Kind != wire.KindEvent || msg.Event.Topic != "session:created" {
		t.Fatalf("got %+v, want session:created event", msg)
	}

	var payload struct {
		Token string `json:"token"`
		TTL   int64  `json:"ttl"`
	}
	rawPayload(t, msg.Event.Payload, &payload)
	if payload.Token == "" {
		t.Fatal("expected a non-empty session token")
	}
}

func TestSessionRecoveryReconnectsAfterDisconnect(t *testing.T) {
	cfg := config.New()
	cfg.SessionRecovery.Enabled = true
	cfg.SessionRecovery.Secret = testSecret

	co := newCoordinator(t, cfg)
	ts := httptest.NewServer(co.Router())
	defer ts.Close()

	client := dialWS(t, ts)
	created := readMessage(t, client)
	var payload struct {
		Token string `json:"token"`
	}
	rawPayload(t, created.Event.Payload, &payload)
	client.Close()

	// Give the server's read loop time to observe the close and mark the
	// session disconnected-but-recoverable before we attempt to reconnect.
	time.Sleep(50 * time.Millisecond)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?session_token=" + payload.Token
	client2, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client2.Close()

	recovered := readMessage(t, client2)
	if recovered.Kind != wire.KindEvent || recovered.Event.Topic != "session:recovered" {
		t.Fatalf("got %+v, want session:recovered event", recovered)
	}
}

func TestBuiltinSubscribeThenBroadcastDelivers(t *testing.T) {
	co := newCoordinator(t, nil)
	if _, err := co.Broker().Declare("chat:1", room.KindPublic, nil); err != nil {
		t.Fatalf("Declare: %v", err)
	}

	ts := httptest.NewServer(co.Router())
	defer ts.Close()

	client := dialWS(t, ts)
	defer client.Close()

	codec := wire.NewJSONCodec()
	subReq := wire.NewRequest(codec.NewRequestID, "helios.subscribe", map[string]any{"topic": "chat:1"})
	frame, _ := codec.Encode(&wire.Message{Kind: wire.KindRequest, Request: subReq})
	client.WriteMessage(websocket.BinaryMessage, frame)

	ack := readMessage(t, client)
	var result room.SubscribeResult
	rawPayload(t, ack.Response.Payload, &result)
	if !result.OK {
		t.Fatalf("subscribe failed: %+v", result)
	}

	co.Broker().Broadcast("chat:1", map[string]any{"text": "hi"})

	evt := readMessage(t, client)
	if evt.Kind != wire.KindEvent || evt.Event.Topic != "chat:1" {
		t.Fatalf("got %+v, want a chat:1 event", evt)
	}
}

func TestSessionRefreshWithoutActiveSessionReturnsError(t *testing.T) {
	co := newCoordinator(t, nil)
	ts := httptest.NewServer(co.Router())
	defer ts.Close()

	client := dialWS(t, ts)
	defer client.Close()

	codec := wire.NewJSONCodec()
	req := wire.NewRequest(codec.NewRequestID, "session.refresh", nil)
	frame, _ := codec.Encode(&wire.Message{Kind: wire.KindRequest, Request: req})
	client.WriteMessage(websocket.BinaryMessage, frame)

	resp := readMessage(t, client)
	var payload map[string]any
	rawPayload(t, resp.Response.Payload, &payload)
	if payload["error"] != "No active session" {
		t.Fatalf("payload = %+v, want error 'No active session'", payload)
	}
}

func TestDebugStatsReflectsActiveConnections(t *testing.T) {
	co := newCoordinator(t, nil)
	ts := httptest.NewServer(co.Router())
	defer ts.Close()

	client := dialWS(t, ts)
	defer client.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		resp, err := ts.Client().Get(ts.URL + "/debug/stats")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		var stats struct {
			ActiveConnections int `json:"activeConnections"`
		}
		json.NewDecoder(resp.Body).Decode(&stats)
		resp.Body.Close()
		if stats.ActiveConnections == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for active connection count to reach 1")
}
