package bus

import "testing"

func TestPublishInvokesSubscribers(t *testing.T) {
	b := New(nil)
	var got any
	b.Subscribe(SignalConnection, func(payload any) { got = payload })

	b.Publish(SignalConnection, map[string]string{"id": "conn-1"})

	m, ok := got.(map[string]string)
	if !ok || m["id"] != "conn-1" {
		t.Fatalf("got = %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	calls := 0
	unsub := b.Subscribe(SignalPingMissed, func(any) { calls++ })

	b.Publish(SignalPingMissed, nil)
	unsub()
	b.Publish(SignalPingMissed, nil)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestUnsubscribeOnlyRemovesItsOwnSubscription(t *testing.T) {
	b := New(nil)
	var aCalls, bCalls int
	unsubA := b.Subscribe(SignalRoomSubscribed, func(any) { aCalls++ })
	b.Subscribe(SignalRoomSubscribed, func(any) { bCalls++ })

	unsubA()
	b.Publish(SignalRoomSubscribed, nil)

	if aCalls != 0 || bCalls != 1 {
		t.Fatalf("aCalls=%d bCalls=%d, want 0,1", aCalls, bCalls)
	}
}

func TestPublishRecoversFromPanickingHandler(t *testing.T) {
	b := New(nil)
	secondCalled := false
	b.Subscribe(SignalDisconnection, func(any) { panic("boom") })
	b.Subscribe(SignalDisconnection, func(any) { secondCalled = true })

	b.Publish(SignalDisconnection, nil)

	if !secondCalled {
		t.Fatal("second handler should still run after first panics")
	}
}

func TestPublishToUnknownTopicIsNoop(t *testing.T) {
	b := New(nil)
	b.Publish("nothing:subscribed", "payload")
}
