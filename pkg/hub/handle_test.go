package hub

import (
	"encoding/json"
	"testing"

	"github.com/chadreview/relay/pkg/event"
	"github.com/chadreview/relay/pkg/protocol"
)

var prKey = event.PrKey{Owner: "octo", Repo: "hi", Number: 7}

func TestHandleSubscriptionIdempotence(t *testing.T) {
	h := NewHandle("inst-A", 8)

	h.Subscribe(prKey)
	h.Subscribe(prKey)
	if n := h.SubscriptionCount(); n != 1 {
		t.Errorf("after duplicate Subscribe, count = %d, want 1", n)
	}
	if !h.Subscribed(prKey) {
		t.Error("Subscribed() = false after Subscribe")
	}

	h.Unsubscribe(prKey)
	h.Unsubscribe(prKey)
	if n := h.SubscriptionCount(); n != 0 {
		t.Errorf("after duplicate Unsubscribe, count = %d, want 0", n)
	}
	if h.Subscribed(prKey) {
		t.Error("Subscribed() = true after Unsubscribe")
	}

	// Removing a key that was never added is a silent no-op.
	h.Unsubscribe(event.PrKey{Owner: "other", Repo: "repo", Number: 1})
}

func TestHandleTrySendBackpressure(t *testing.T) {
	h := NewHandle("inst-A", 2)

	if !h.TrySend(protocol.Pong()) {
		t.Fatal("first send should fit")
	}
	if !h.TrySend(protocol.Pong()) {
		t.Fatal("second send should fit")
	}
	if h.TrySend(protocol.Pong()) {
		t.Error("third send must be rejected, not block")
	}

	// Consuming one slot makes room for exactly one more.
	<-h.send
	if !h.TrySend(protocol.Pong()) {
		t.Error("send after consuming should fit")
	}
	if h.TrySend(protocol.Pong()) {
		t.Error("queue is full again; the next send must be rejected")
	}
}

func TestHandleQueueOrder(t *testing.T) {
	h := NewHandle("inst-A", 8)

	keys := []event.PrKey{
		{Owner: "octo", Repo: "hi", Number: 1},
		{Owner: "octo", Repo: "hi", Number: 2},
		{Owner: "octo", Repo: "hi", Number: 3},
	}
	for _, k := range keys {
		if !h.TrySend(protocol.Subscribed(k)) {
			t.Fatal("enqueue failed")
		}
	}
	for i := range keys {
		msg := <-h.send
		if msg.Tag() != "Subscribed" {
			t.Fatalf("message %d tag = %q", i, msg.Tag())
		}
		got, err := json.Marshal(msg)
		if err != nil {
			t.Fatal(err)
		}
		want, err := json.Marshal(protocol.Subscribed(keys[i]))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(want) {
			t.Errorf("message %d = %s, want %s", i, got, want)
		}
	}
}

func TestHandleDisplaceIsOneShot(t *testing.T) {
	h := NewHandle("inst-A", 1)
	h.displace()
	h.displace() // must not panic

	select {
	case <-h.Displaced():
	default:
		t.Error("Displaced() channel should be closed")
	}
}

func TestHandleTokensAreUnique(t *testing.T) {
	a := NewHandle("inst-A", 1)
	b := NewHandle("inst-A", 1)
	if a.Token() == b.Token() {
		t.Error("two handles for the same instance must carry distinct tokens")
	}
}
