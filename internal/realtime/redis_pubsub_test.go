package realtime

import (
	"bytes"
	"testing"
)

// TestDecodeSkipsOwnMessages verifies a publish is never re-delivered to the
// instance that sent it: local clients already got the event from the hub.
func TestDecodeSkipsOwnMessages(t *testing.T) {
	ps := NewRedisPubSub(nil, nil)

	body, err := ps.encode("session_ended", []byte(`{"session_id":"x"}`))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, _, ok := ps.decode(body); ok {
		t.Fatal("instance must skip its own message")
	}
}

// TestDecodeDeliversForeignMessages verifies messages from another instance
// pass through with event and payload intact.
func TestDecodeDeliversForeignMessages(t *testing.T) {
	sender := NewRedisPubSub(nil, nil)
	receiver := NewRedisPubSub(nil, nil)

	payload := []byte(`{"participant":"p"}`)
	body, err := sender.encode("membership_changed", payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	event, data, ok := receiver.decode(body)
	if !ok {
		t.Fatal("foreign message must be delivered")
	}
	if event != "membership_changed" {
		t.Errorf("event = %q, want membership_changed", event)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("payload = %s, want %s", data, payload)
	}
}

// TestDecodeRejectsMalformed verifies junk on the channel is dropped.
func TestDecodeRejectsMalformed(t *testing.T) {
	ps := NewRedisPubSub(nil, nil)
	if _, _, ok := ps.decode([]byte("not json")); ok {
		t.Fatal("malformed message must be dropped")
	}
}
