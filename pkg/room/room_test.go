package room

import (
	"testing"
	"time"

	"github.com/aionbuilders/helios/pkg/clock"
	"github.com/aionbuilders/helios/pkg/conn"
	"github.com/aionbuilders/helios/pkg/health"
	"github.com/aionbuilders/helios/pkg/wire"
)

type fakeTransport struct{ writable bool }

func (f *fakeTransport) Write(data []byte) error              { return nil }
func (f *fakeTransport) Writable() bool                       { return f.writable }
func (f *fakeTransport) Close(code int, reason string) error  { return nil }
func (f *fakeTransport) Ping() error                          { return nil }

func newTestConn(t *testing.T, id string) *conn.Connection {
	t.Helper()
	fc := clock.NewFake(time.Unix(0, 0))
	return conn.New(conn.Options{
		ID:           id,
		Transport:    &fakeTransport{writable: true},
		Codec:        wire.NewJSONCodec(),
		HealthConfig: health.DefaultConfig(),
		Clock:        fc,
	})
}

func TestDeclarePublicRoomRejectsWildcards(t *testing.T) {
	b := New(nil, nil)
	if _, err := b.Declare("chat:*", KindPublic, nil); err == nil {
		t.Fatal("expected error for wildcard public room")
	}
}

func TestDeclareProtectedRoomRequiresValidator(t *testing.T) {
	b := New(nil, nil)
	if _, err := b.Declare("user:*", KindProtected, nil); err == nil {
		t.Fatal("expected error for protected room without validator")
	}
}

func TestSubscribeRejectsUndeclaredRoom(t *testing.T) {
	b := New(nil, nil)
	c := newTestConn(t, "c1")

	result := b.Subscribe(c, "unknown:topic", nil)
	if result.OK || result.Error != "Room not declared" {
		t.Fatalf("result = %+v", result)
	}
}

func TestSubscribePublicRoomSucceeds(t *testing.T) {
	b := New(nil, nil)
	b.Declare("lobby", KindPublic, nil)
	c := newTestConn(t, "c1")

	result := b.Subscribe(c, "lobby", nil)
	if !result.OK {
		t.Fatalf("result = %+v", result)
	}
	subs := c.Subscriptions()
	if len(subs) != 1 || subs[0] != "lobby" {
		t.Fatalf("subs = %v", subs)
	}
}

func TestSubscribeProtectedRoomEnforcesValidator(t *testing.T) {
	b := New(nil, nil)
	b.Declare("user:*", KindProtected, func(c *conn.Connection, captures []string, data any) (bool, error) {
		userID, _ := c.Get("userId")
		return len(captures) == 1 && userID == captures[0], nil
	})

	x := newTestConn(t, "x")
	x.Set("userId", "123")
	y := newTestConn(t, "y")
	y.Set("userId", "456")

	okResult := b.Subscribe(x, "user:123", nil)
	if !okResult.OK {
		t.Fatalf("expected x to subscribe successfully, got %+v", okResult)
	}

	deniedResult := b.Subscribe(y, "user:123", nil)
	if deniedResult.OK || deniedResult.Error != "Permission denied" {
		t.Fatalf("expected permission denied for y, got %+v", deniedResult)
	}
}

func TestSubscribeProtectedRoomValidatorErrorIsReported(t *testing.T) {
	b := New(nil, nil)
	b.Declare("secure:*", KindProtected, func(c *conn.Connection, captures []string, data any) (bool, error) {
		panic("boom")
	})
	c := newTestConn(t, "c1")

	result := b.Subscribe(c, "secure:1", nil)
	if result.OK || result.Error != "Validator error" {
		t.Fatalf("result = %+v", result)
	}
}

func TestUnsubscribeRemovesFromBothIndexesAndReportsOccurrence(t *testing.T) {
	b := New(nil, nil)
	b.Declare("lobby", KindPublic, nil)
	c := newTestConn(t, "c1")
	b.Subscribe(c, "lobby", nil)

	if !b.Unsubscribe(c, "lobby") {
		t.Fatal("expected removal to occur")
	}
	if b.Unsubscribe(c, "lobby") {
		t.Fatal("second unsubscribe should report no removal")
	}
	if len(c.Subscriptions()) != 0 {
		t.Fatalf("subs = %v, want empty", c.Subscriptions())
	}
}

func TestBroadcastToExactTopicSendsOnlyToSubscribers(t *testing.T) {
	b := New(nil, nil)
	b.Declare("lobby", KindPublic, nil)
	a := newTestConn(t, "a")
	other := newTestConn(t, "other")
	b.Subscribe(a, "lobby", nil)

	result := b.Broadcast("lobby", map[string]int{"hi": 1})
	if result.Targets != 1 || result.Sent != 1 {
		t.Fatalf("result = %+v", result)
	}
	_ = other
}

func TestBroadcastToPatternMatchesSubscribedConcreteTopics(t *testing.T) {
	b := New(nil, nil)
	b.Declare("user:*", KindProtected, func(c *conn.Connection, captures []string, data any) (bool, error) {
		return true, nil
	})
	x := newTestConn(t, "x")
	y := newTestConn(t, "y")
	b.Subscribe(x, "user:123", nil)
	b.Subscribe(y, "user:456", nil)

	result := b.Broadcast("user:*", map[string]int{"hi": 1})
	if result.Targets != 2 || result.Sent != 2 {
		t.Fatalf("result = %+v", result)
	}
}

func TestBroadcastSkipsNonOpenConnections(t *testing.T) {
	b := New(nil, nil)
	b.Declare("lobby", KindPublic, nil)
	c := newTestConn(t, "c1")
	b.Subscribe(c, "lobby", nil)
	c.MarkClosing()
	c.MarkClosed()

	result := b.Broadcast("lobby", nil)
	if result.Targets != 1 || result.Sent != 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestCleanupRemovesAllPairsForConnection(t *testing.T) {
	b := New(nil, nil)
	b.Declare("lobby", KindPublic, nil)
	b.Declare("news", KindPublic, nil)
	c := newTestConn(t, "c1")
	b.Subscribe(c, "lobby", nil)
	b.Subscribe(c, "news", nil)

	b.Cleanup(c)

	if len(c.Subscriptions()) != 0 {
		t.Fatalf("subs = %v, want empty", c.Subscriptions())
	}
	result := b.Broadcast("lobby", nil)
	if result.Targets != 0 {
		t.Fatalf("expected no targets after cleanup, got %+v", result)
	}
}

func TestResolvePrefersPublicRoomThenMostSpecificProtectedPattern(t *testing.T) {
	b := New(nil, nil)
	validator := func(c *conn.Connection, captures []string, data any) (bool, error) { return true, nil }
	b.Declare("**", KindProtected, validator)
	b.Declare("logs:*", KindProtected, validator)
	b.Declare("logs:app", KindPublic, nil)

	// The exact public room should win over any protected pattern.
	kind, _, _, found := b.resolve("logs:app")
	if !found || kind != KindPublic {
		t.Fatalf("expected exact public match to win, kind=%v found=%v", kind, found)
	}

	kind, _, captures, found := b.resolve("logs:debug")
	if !found || kind != KindProtected || len(captures) != 1 || captures[0] != "debug" {
		t.Fatalf("expected logs:* to match logs:debug, got kind=%v captures=%v found=%v", kind, captures, found)
	}
}
