package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/symposium-ai/symposium/internal/services/control/faststore"
)

func TestGetSetRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, faststore.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := store.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != "v" {
		t.Fatalf("value = %q, want %q", value, "v")
	}
}

func TestTTLExpiry(t *testing.T) {
	store := New()
	ctx := context.Background()

	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	if err := store.Set(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := store.Get(ctx, "k"); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, err := store.Get(ctx, "k"); !errors.Is(err, faststore.ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestSetNX(t *testing.T) {
	store := New()
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "lock", []byte("token-1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first setnx: ok=%v err=%v", ok, err)
	}
	ok, err = store.SetNX(ctx, "lock", []byte("token-2"), time.Minute)
	if err != nil {
		t.Fatalf("second setnx: %v", err)
	}
	if ok {
		t.Fatal("second setnx must not win")
	}
}

func TestCompareAndDelete(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.Set(ctx, "lock", []byte("token-1"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	deleted, err := store.CompareAndDelete(ctx, "lock", []byte("token-2"))
	if err != nil {
		t.Fatalf("compare-and-delete mismatch: %v", err)
	}
	if deleted {
		t.Fatal("mismatched token must not delete")
	}

	deleted, err = store.CompareAndDelete(ctx, "lock", []byte("token-1"))
	if err != nil || !deleted {
		t.Fatalf("matching token should delete: deleted=%v err=%v", deleted, err)
	}
	if _, err := store.Get(ctx, "lock"); !errors.Is(err, faststore.ErrNotFound) {
		t.Fatalf("expected key removed, got %v", err)
	}
}

func TestPublishSubscribe(t *testing.T) {
	store := New()
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "sessions:sess-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := store.Publish(ctx, "sessions:sess-1", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := store.Publish(ctx, "sessions:other", []byte("ignored")); err != nil {
		t.Fatalf("publish other: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Payload) != "hello" {
			t.Fatalf("payload = %q, want %q", msg.Payload, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected cross-channel delivery: %+v", msg)
	default:
	}
}

func TestSubscribeAfterCloseDeliversNothing(t *testing.T) {
	store := New()
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "ch")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Closing twice is safe.
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if err := store.Publish(ctx, "ch", []byte("late")); err != nil {
		t.Fatalf("publish after close: %v", err)
	}

	if _, open := <-sub.Messages(); open {
		t.Fatal("expected closed message channel")
	}
}

func TestPingAfterClose(t *testing.T) {
	store := New()
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping open store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("expected ping failure after close")
	}
}
