// Package amqpfeed delivers the store's change feed over an AMQP topic
// exchange instead of the websocket, for deployments that already fan
// out row changes through a broker. Routing keys are
// "<table>.<insert|update|delete>"; bodies carry the row JSON.
package amqpfeed

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"flocksync/pkg/logger"
	"flocksync/pkg/store"
)

const reconnectBackoff = 2 * time.Second

type Options struct {
	URL      string
	Exchange string
	// Queue names the per-client queue; empty lets the broker generate
	// an exclusive one.
	Queue string
}

type Feed struct {
	opts Options

	mu          sync.Mutex
	onReconnect []func()
	onState     []func(bool)
}

func New(opts Options) *Feed {
	return &Feed{opts: opts}
}

// OnReconnect registers a hook fired after the consumer channel is
// rebuilt, so the dispatcher can trigger a full resync.
func (f *Feed) OnReconnect(fn func()) {
	f.mu.Lock()
	f.onReconnect = append(f.onReconnect, fn)
	f.mu.Unlock()
}

func (f *Feed) fireReconnect() {
	f.mu.Lock()
	hooks := make([]func(), len(f.onReconnect))
	copy(hooks, f.onReconnect)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// OnState registers a hook fired with true when a consumer channel is
// live and false when it drops.
func (f *Feed) OnState(fn func(connected bool)) {
	f.mu.Lock()
	f.onState = append(f.onState, fn)
	f.mu.Unlock()
}

func (f *Feed) fireState(connected bool) {
	f.mu.Lock()
	hooks := make([]func(bool), len(f.onState))
	copy(hooks, f.onState)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(connected)
	}
}

// Subscribe consumes change events until the returned stop func runs or
// ctx ends.
func (f *Feed) Subscribe(ctx context.Context, fn func(store.Event)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	go f.run(ctx, fn)
	return cancel, nil
}

func (f *Feed) run(ctx context.Context, fn func(store.Event)) {
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		err := f.consumeOnce(ctx, fn, first)
		first = false
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("amqp_feed_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

// consumeOnce dials, declares, and drains deliveries until the
// connection dies.
func (f *Feed) consumeOnce(ctx context.Context, fn func(store.Event), first bool) error {
	conn, err := amqp.Dial(f.opts.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(f.opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := ch.QueueDeclare(f.opts.Queue, false, true, f.opts.Queue == "", false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(q.Name, "#", f.opts.Exchange, false, nil); err != nil {
		return err
	}
	deliveries, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		return err
	}

	if first {
		logger.Info("amqp_feed_connected", "exchange", f.opts.Exchange, "queue", q.Name)
	} else {
		logger.Info("amqp_feed_reconnected", "exchange", f.opts.Exchange)
		f.fireReconnect()
	}
	f.fireState(true)
	defer f.fireState(false)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-closed:
			if err != nil {
				return err
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if ev, ok := decode(d); ok {
				fn(ev)
			}
		}
	}
}

// decode builds an Event from a delivery: the body when it carries a
// full envelope, the routing key for table and type otherwise.
func decode(d amqp.Delivery) (store.Event, bool) {
	var ev store.Event
	if err := json.Unmarshal(d.Body, &ev); err == nil && ev.Table != "" && ev.Type != "" {
		return ev, true
	}
	parts := strings.Split(d.RoutingKey, ".")
	if len(parts) != 2 {
		return store.Event{}, false
	}
	table, evType := parts[0], parts[1]
	switch evType {
	case store.EventInsert, store.EventUpdate, store.EventDelete:
	default:
		return store.Event{}, false
	}
	return store.Event{Type: evType, Table: table, Row: json.RawMessage(d.Body)}, true
}
