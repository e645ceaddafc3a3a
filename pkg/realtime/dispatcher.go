// Package realtime routes change-feed events from the store to the
// component caches. Consumers register per-table subscriptions; the
// dispatcher maps soft-delete transitions to delete events, drops events
// outside a subscription's scope, and coordinates full resyncs after a
// dropped feed.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/valyala/bytebufferpool"

	"flocksync/pkg/logger"
	"flocksync/pkg/store"
	"flocksync/pkg/telemetry"
)

// Handlers receives routed events. The row payload is only valid for the
// duration of the call; decode before returning, do not retain.
type Handlers struct {
	OnInsert func(row json.RawMessage)
	OnUpdate func(row json.RawMessage)
	OnDelete func(row json.RawMessage)
}

// Match restricts a subscription's scope. A nil Match accepts every row
// of the table.
type Match func(row json.RawMessage) bool

// MatchEq scopes a subscription to rows whose column equals value.
func MatchEq(column, value string) Match {
	return func(row json.RawMessage) bool {
		var m map[string]any
		if err := json.Unmarshal(row, &m); err != nil {
			return false
		}
		v, ok := m[column]
		if !ok {
			return false
		}
		s, ok := v.(string)
		return ok && s == value
	}
}

type subscription struct {
	id       int
	table    string
	match    Match
	handlers Handlers
}

const queueDepth = 1024

type item struct {
	evType string
	table  string
	row    *bytebufferpool.ByteBuffer
	oldRow *bytebufferpool.ByteBuffer
}

type Dispatcher struct {
	feed store.Feed

	mu     sync.Mutex
	subs   map[int]*subscription
	resync map[int]func()
	nextID int

	queue chan item
	stop  func()
	quit  chan struct{}
	done  chan struct{}
}

func New(feed store.Feed) *Dispatcher {
	return &Dispatcher{
		feed:   feed,
		subs:   make(map[int]*subscription),
		resync: make(map[int]func()),
		queue:  make(chan item, queueDepth),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Feed returns the feed this dispatcher consumes, for callers that need
// to hook transport-level signals (connection state, reconnects).
func (d *Dispatcher) Feed() store.Feed { return d.feed }

// Run subscribes to the feed and dispatches until ctx ends. It returns
// after the worker drains.
func (d *Dispatcher) Run(ctx context.Context) error {
	stop, err := d.feed.Subscribe(ctx, d.enqueue)
	if err != nil {
		return err
	}
	d.stop = stop

	// feeds that reconnect internally report it so consumers can reload
	if rn, ok := d.feed.(interface{ OnReconnect(func()) }); ok {
		rn.OnReconnect(d.Resync)
	}

	go d.worker()
	<-ctx.Done()
	stop()
	// The queue is never closed: a transport goroutine may still be
	// delivering after stop returns. quit tells both sides to wind down.
	close(d.quit)
	<-d.done
	return nil
}

// enqueue copies the event payloads into pooled buffers so the transport
// can reuse its read buffers, then queues the event. A full queue drops
// the event rather than blocking the feed; the counter makes that
// visible and the next resync repairs the gap. After shutdown begins,
// late deliveries from a transport goroutine are dropped.
func (d *Dispatcher) enqueue(ev store.Event) {
	select {
	case <-d.quit:
		return
	default:
	}
	it := item{evType: ev.Type, table: ev.Table}
	if len(ev.Row) > 0 {
		it.row = bytebufferpool.Get()
		_, _ = it.row.Write(ev.Row)
	}
	if len(ev.OldRow) > 0 {
		it.oldRow = bytebufferpool.Get()
		_, _ = it.oldRow.Write(ev.OldRow)
	}
	select {
	case d.queue <- it:
	default:
		it.release()
		telemetry.EventsDropped.Inc()
		logger.Warn("feed_event_dropped", "table", ev.Table, "type", ev.Type)
	}
}

func (it *item) release() {
	if it.row != nil {
		bytebufferpool.Put(it.row)
		it.row = nil
	}
	if it.oldRow != nil {
		bytebufferpool.Put(it.oldRow)
		it.oldRow = nil
	}
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for {
		select {
		case it := <-d.queue:
			d.dispatch(it)
			it.release()
		case <-d.quit:
			// dispatch what was already queued, then exit
			for {
				select {
				case it := <-d.queue:
					d.dispatch(it)
					it.release()
				default:
					return
				}
			}
		}
	}
}

// softDeleteProbe reads just enough of a row to spot soft deletion.
type softDeleteProbe struct {
	DeletedAt *string `json:"deleted_at"`
}

func softDeleted(row []byte) bool {
	if len(row) == 0 {
		return false
	}
	var p softDeleteProbe
	if err := json.Unmarshal(row, &p); err != nil {
		return false
	}
	return p.DeletedAt != nil && *p.DeletedAt != ""
}

func (d *Dispatcher) dispatch(it item) {
	evType := it.evType
	var row, oldRow []byte
	if it.row != nil {
		row = it.row.B
	}
	if it.oldRow != nil {
		oldRow = it.oldRow.B
	}

	// A row whose soft-delete field transitions from empty to set is a
	// delete for UI purposes, not an update.
	if evType == store.EventUpdate && softDeleted(row) && !softDeleted(oldRow) {
		evType = store.EventDelete
	}

	telemetry.EventsDispatched.WithLabelValues(it.table, evType).Inc()

	d.mu.Lock()
	targets := make([]*subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		if sub.table == it.table {
			targets = append(targets, sub)
		}
	}
	d.mu.Unlock()

	for _, sub := range targets {
		if sub.match != nil && !sub.match(row) {
			continue
		}
		switch evType {
		case store.EventInsert:
			if sub.handlers.OnInsert != nil {
				sub.handlers.OnInsert(row)
			}
		case store.EventUpdate:
			if sub.handlers.OnUpdate != nil {
				sub.handlers.OnUpdate(row)
			}
		case store.EventDelete:
			if sub.handlers.OnDelete != nil {
				sub.handlers.OnDelete(row)
			}
		}
	}
}

// Deliver dispatches one event synchronously, bypassing the queue. For
// feeds that are already serialized (memstore) and for tests that need
// deterministic ordering.
func (d *Dispatcher) Deliver(ev store.Event) {
	it := item{evType: ev.Type, table: ev.Table}
	if len(ev.Row) > 0 {
		it.row = bytebufferpool.Get()
		_, _ = it.row.Write(ev.Row)
	}
	if len(ev.OldRow) > 0 {
		it.oldRow = bytebufferpool.Get()
		_, _ = it.oldRow.Write(ev.OldRow)
	}
	d.dispatch(it)
	it.release()
}

// Subscribe routes a table's events (optionally scoped by match) to h
// until the returned cancel func runs.
func (d *Dispatcher) Subscribe(table string, match Match, h Handlers) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = &subscription{id: id, table: table, match: match, handlers: h}
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// OnResync registers a hook run after the feed reconnects. Components
// respond with a full reload; the dispatcher never attempts incremental
// catch-up, so no state is duplicated on resubscribe.
func (d *Dispatcher) OnResync(fn func()) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.resync[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.resync, id)
		d.mu.Unlock()
	}
}

// Resync fires every registered resync hook once. Feeds call it after a
// reconnect; tests may call it directly.
func (d *Dispatcher) Resync() {
	telemetry.FeedReconnects.Inc()
	logger.Info("feed_resync")
	d.mu.Lock()
	hooks := make([]func(), 0, len(d.resync))
	for _, fn := range d.resync {
		hooks = append(hooks, fn)
	}
	d.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}
