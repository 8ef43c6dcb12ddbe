package eventbroker

import (
	"context"
	"testing"
	"time"
)

func TestEnqueueDequeue(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	ctx := context.Background()
	msg := OutboundMessage{Topic: "a/b", Payload: []byte("hi")}
	if err := b.Outbound.Enqueue(ctx, msg); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	got, err := b.Outbound.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}
	if got.Topic != "a/b" || string(got.Payload) != "hi" {
		t.Errorf("Dequeue = %+v, want topic a/b payload hi", got)
	}
}

func TestEnqueue_BlocksWhenFull(t *testing.T) {
	b := New(Config{OutboundDepth: 1})
	defer b.Close()

	ctx := context.Background()
	if err := b.Outbound.Enqueue(ctx, OutboundMessage{Topic: "1"}); err != nil {
		t.Fatalf("first Enqueue error: %v", err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := b.Outbound.Enqueue(ctx2, OutboundMessage{Topic: "2"})
	if err == nil {
		t.Fatal("expected Enqueue to block and time out on full queue")
	}
}

func TestDequeue_ContextCanceled(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Signals.Dequeue(ctx)
	if err == nil {
		t.Fatal("expected Dequeue to error on empty queue with canceled context")
	}
}

func TestClose_EnqueueFails(t *testing.T) {
	b := New(Config{})
	b.Close()

	err := b.Triggers.Enqueue(context.Background(), TriggerMessage{FlowID: "f1"})
	if err == nil {
		t.Fatal("expected Enqueue on closed queue to error")
	}
}

func TestClose_DrainsBufferedItems(t *testing.T) {
	b := New(Config{InboundDepth: 4})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Inbound.Enqueue(ctx, InboundMessage{Topic: "t"}); err != nil {
			t.Fatalf("Enqueue %d error: %v", i, err)
		}
	}
	b.Inbound.Close()

	count := 0
	for {
		_, err := b.Inbound.Dequeue(ctx)
		if err != nil {
			break
		}
		count++
	}
	if count != 3 {
		t.Errorf("drained %d items after close, want 3", count)
	}
}

func TestClose_Idempotent(t *testing.T) {
	b := New(Config{})
	b.Close()
	b.Close() // must not panic
}

func TestLen(t *testing.T) {
	b := New(Config{SignalDepth: 4})
	defer b.Close()
	ctx := context.Background()

	if got := b.Signals.Len(); got != 0 {
		t.Errorf("Len = %d, want 0", got)
	}
	b.Signals.Enqueue(ctx, SignalEvent{Signal: "PropertiesChanged"})
	if got := b.Signals.Len(); got != 1 {
		t.Errorf("Len = %d, want 1", got)
	}
}
