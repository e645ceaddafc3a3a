package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"flocksync/pkg/models"
	"flocksync/pkg/realtime"
	"flocksync/pkg/store"
	"flocksync/pkg/store/memstore"
)

func TestReactionToggleRoundTrip(t *testing.T) {
	ms := memstore.New()
	r := NewReactions(ms, "me")

	if err := r.Toggle(context.Background(), "m1", "👍"); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if !r.Has("m1", "👍") {
		t.Fatalf("reaction not cached after toggle")
	}
	if n := ms.Count(models.TableReactions); n != 1 {
		t.Fatalf("rows after toggle on: %d", n)
	}

	if err := r.Toggle(context.Background(), "m1", "👍"); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if r.Has("m1", "👍") {
		t.Fatalf("reaction still cached after toggle off")
	}
	if n := ms.Count(models.TableReactions); n != 0 {
		t.Fatalf("rows after toggle off: %d", n)
	}
}

func TestReactionEchoDoesNotDuplicate(t *testing.T) {
	ms := memstore.New()
	d := realtime.New(ms)
	r := NewReactions(ms, "me")
	unbind := r.Bind(d, nil)
	defer unbind()

	// route the live feed through the dispatcher so the insert's own
	// echo arrives during Toggle, before it returns
	stop, err := ms.Subscribe(context.Background(), d.Deliver)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	if err := r.Toggle(context.Background(), "m1", "🎉"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if got := r.ForMessage("m1"); len(got) != 1 {
		t.Fatalf("echo duplicated the reaction: %d rows", len(got))
	}
}

func TestReactionConflictIsSwallowed(t *testing.T) {
	ms := memstore.New()

	// same (message, user, emoji) landed from another session
	other := NewReactions(ms, "me")
	if err := other.Toggle(context.Background(), "m1", "👍"); err != nil {
		t.Fatalf("seed toggle: %v", err)
	}

	r := NewReactions(ms, "me")
	// this session has no cached row, so Toggle tries to insert and hits
	// the unique constraint; that is a success, not an error
	if err := r.Toggle(context.Background(), "m1", "👍"); err != nil {
		t.Fatalf("conflicting toggle surfaced: %v", err)
	}
	if n := ms.Count(models.TableReactions); n != 1 {
		t.Fatalf("rows after conflict: %d", n)
	}
}

func TestReactionConflictIsSwallowedWhenWrapped(t *testing.T) {
	ms := memstore.New()
	// a store layer may add context around the sentinel; the toggle must
	// still recognize it
	ms.SetWriteHook(func(op, table string, _ json.RawMessage) error {
		if op == "insert" && table == models.TableReactions {
			return fmt.Errorf("remote insert: %w", store.ErrConflict)
		}
		return nil
	})

	r := NewReactions(ms, "me")
	if err := r.Toggle(context.Background(), "m1", "👍"); err != nil {
		t.Fatalf("wrapped conflict surfaced: %v", err)
	}
}

func TestPinToggleMirrorsReactions(t *testing.T) {
	ms := memstore.New()
	d := realtime.New(ms)
	p := NewPins(ms, "me", "conv1")
	unbind := p.Bind(d)
	defer unbind()

	if err := p.TogglePin(context.Background(), "m1"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if !p.Pinned("m1") {
		t.Fatalf("pin not cached")
	}
	if err := p.TogglePin(context.Background(), "m1"); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	if p.Pinned("m1") {
		t.Fatalf("pin still cached after unpin")
	}
	if n := ms.Count(models.TablePins); n != 0 {
		t.Fatalf("pin rows: %d", n)
	}

	// a pin from another user arrives on the feed only
	d.Deliver(evt("insert", models.TablePins, `{"id":"p1","conversation_id":"conv1","message_id":"m2","pinned_by":"alice","pinned_at":"2025-06-01T12:00:00Z"}`))
	if !p.Pinned("m2") {
		t.Fatalf("remote pin not applied")
	}
	// and one for another conversation stays out
	d.Deliver(evt("insert", models.TablePins, `{"id":"p2","conversation_id":"other","message_id":"m3","pinned_by":"alice","pinned_at":"2025-06-01T12:00:00Z"}`))
	if p.Pinned("m3") {
		t.Fatalf("out-of-conversation pin applied")
	}
}
