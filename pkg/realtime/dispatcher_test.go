package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"flocksync/pkg/store"
	"flocksync/pkg/store/memstore"
)

func msgEvent(evType, row, oldRow string) store.Event {
	ev := store.Event{Type: evType, Table: "messages", Row: json.RawMessage(row)}
	if oldRow != "" {
		ev.OldRow = json.RawMessage(oldRow)
	}
	return ev
}

func TestDispatchRoutesByTable(t *testing.T) {
	d := New(memstore.New())
	var gotMessages, gotTyping int
	d.Subscribe("messages", nil, Handlers{OnInsert: func(json.RawMessage) { gotMessages++ }})
	d.Subscribe("typing", nil, Handlers{OnInsert: func(json.RawMessage) { gotTyping++ }})

	d.Deliver(msgEvent(store.EventInsert, `{"id":"m1"}`, ""))
	if gotMessages != 1 || gotTyping != 0 {
		t.Fatalf("routing: messages=%d typing=%d", gotMessages, gotTyping)
	}
}

func TestDispatchAppliesMatch(t *testing.T) {
	d := New(memstore.New())
	var got []string
	d.Subscribe("messages", MatchEq("conversation_id", "conv1"), Handlers{
		OnInsert: func(row json.RawMessage) {
			var m struct {
				ID string `json:"id"`
			}
			_ = json.Unmarshal(row, &m)
			got = append(got, m.ID)
		},
	})

	d.Deliver(msgEvent(store.EventInsert, `{"id":"a","conversation_id":"conv1"}`, ""))
	// out-of-scope events drop silently, no error and no handler call
	d.Deliver(msgEvent(store.EventInsert, `{"id":"b","conversation_id":"conv2"}`, ""))
	d.Deliver(msgEvent(store.EventInsert, `{"id":"c"}`, ""))

	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("match: %v", got)
	}
}

func TestSoftDeleteTransitionBecomesDelete(t *testing.T) {
	d := New(memstore.New())
	var updates, deletes int
	d.Subscribe("messages", nil, Handlers{
		OnUpdate: func(json.RawMessage) { updates++ },
		OnDelete: func(json.RawMessage) { deletes++ },
	})

	// deleted_at transitions empty -> set: a delete for consumers
	d.Deliver(msgEvent(store.EventUpdate,
		`{"id":"m1","deleted_at":"2025-06-01T12:00:00Z"}`,
		`{"id":"m1"}`))
	if updates != 0 || deletes != 1 {
		t.Fatalf("transition: updates=%d deletes=%d", updates, deletes)
	}

	// already-deleted row updated again: a plain update, not a second
	// delete
	d.Deliver(msgEvent(store.EventUpdate,
		`{"id":"m1","deleted_at":"2025-06-01T12:00:00Z","body":""}`,
		`{"id":"m1","deleted_at":"2025-06-01T12:00:00Z"}`))
	if updates != 1 || deletes != 1 {
		t.Fatalf("re-update: updates=%d deletes=%d", updates, deletes)
	}

	// ordinary edit stays an update
	d.Deliver(msgEvent(store.EventUpdate, `{"id":"m2","body":"x"}`, `{"id":"m2"}`))
	if updates != 2 {
		t.Fatalf("plain update: updates=%d", updates)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := New(memstore.New())
	var got int
	unbind := d.Subscribe("messages", nil, Handlers{OnInsert: func(json.RawMessage) { got++ }})

	d.Deliver(msgEvent(store.EventInsert, `{"id":"m1"}`, ""))
	unbind()
	d.Deliver(msgEvent(store.EventInsert, `{"id":"m2"}`, ""))
	if got != 1 {
		t.Fatalf("delivery after unsubscribe: %d", got)
	}
}

// trailingFeed keeps delivering events from its own goroutine after its
// stop func has returned, the way a transport read loop can during
// shutdown.
type trailingFeed struct {
	started chan struct{}
	halt    chan struct{}
	idle    chan struct{}
}

func (f *trailingFeed) Subscribe(_ context.Context, fn func(store.Event)) (func(), error) {
	go func() {
		defer close(f.idle)
		close(f.started)
		for {
			select {
			case <-f.halt:
				return
			default:
				fn(store.Event{Type: store.EventInsert, Table: "messages", Row: json.RawMessage(`{"id":"late"}`)})
				time.Sleep(time.Millisecond)
			}
		}
	}()
	// stop returns immediately without waiting for the goroutine
	return func() {}, nil
}

func TestRunShutdownToleratesLateDeliveries(t *testing.T) {
	feed := &trailingFeed{
		started: make(chan struct{}),
		halt:    make(chan struct{}),
		idle:    make(chan struct{}),
	}
	d := New(feed)
	d.Subscribe("messages", nil, Handlers{OnInsert: func(json.RawMessage) {}})

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan error, 1)
	go func() { ran <- d.Run(ctx) }()

	<-feed.started
	cancel()

	select {
	case err := <-ran:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// the feed goroutine is still delivering here; give it a moment to
	// hit the post-shutdown path before halting it
	time.Sleep(20 * time.Millisecond)
	close(feed.halt)
	<-feed.idle
}

func TestResyncFiresEveryHookOnce(t *testing.T) {
	d := New(memstore.New())
	var a, b int
	offA := d.OnResync(func() { a++ })
	d.OnResync(func() { b++ })

	d.Resync()
	if a != 1 || b != 1 {
		t.Fatalf("first resync: a=%d b=%d", a, b)
	}

	offA()
	d.Resync()
	if a != 1 || b != 2 {
		t.Fatalf("after unregister: a=%d b=%d", a, b)
	}
}
