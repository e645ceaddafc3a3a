package rest

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"flocksync/pkg/logger"
	"flocksync/pkg/store"
)

const (
	feedDialTimeout   = 10 * time.Second
	feedMaxBackoff    = 30 * time.Second
	feedPingInterval  = 25 * time.Second
	feedReadDeadline  = 60 * time.Second
	feedWriteDeadline = 5 * time.Second
)

// feed maintains the websocket change-feed connection. Reconnection is
// its responsibility; after every successful reconnect it fires the
// registered hooks so consumers run a full resync instead of trusting
// whatever the gap swallowed.
type feed struct {
	opts Options

	mu          sync.Mutex
	onReconnect []func()
	onState     []func(bool)
}

func newFeed(opts Options) *feed {
	return &feed{opts: opts}
}

func (f *feed) OnReconnect(fn func()) {
	f.mu.Lock()
	f.onReconnect = append(f.onReconnect, fn)
	f.mu.Unlock()
}

// OnState registers a hook fired with true when the feed connection is
// established and false when it drops. Readiness reporting hangs off
// this.
func (f *feed) OnState(fn func(connected bool)) {
	f.mu.Lock()
	f.onState = append(f.onState, fn)
	f.mu.Unlock()
}

func (f *feed) fireState(connected bool) {
	f.mu.Lock()
	hooks := make([]func(bool), len(f.onState))
	copy(hooks, f.onState)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(connected)
	}
}

func (f *feed) fireReconnect() {
	f.mu.Lock()
	hooks := make([]func(), len(f.onReconnect))
	copy(hooks, f.onReconnect)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (f *feed) wsURL() string {
	u := f.opts.Endpoint
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/feed"
}

// Subscribe starts the read loop. Events are delivered in the order the
// transport provides them, which the store guarantees per table.
func (f *feed) Subscribe(ctx context.Context, fn func(store.Event)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	go f.run(ctx, fn)
	return cancel, nil
}

func (f *feed) run(ctx context.Context, fn func(store.Event)) {
	backoff := time.Second
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := f.dial(ctx)
		if err != nil {
			logger.Warn("feed_dial_failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < feedMaxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		if first {
			logger.Info("feed_connected")
			first = false
		} else {
			logger.Info("feed_reconnected")
			f.fireReconnect()
		}
		f.fireState(true)
		f.readLoop(ctx, conn, fn)
		_ = conn.Close()
		f.fireState(false)
	}
}

func (f *feed) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: feedDialTimeout}
	hdr := http.Header{}
	if f.opts.APIKey != "" {
		hdr.Set("X-Api-Key", f.opts.APIKey)
	}
	conn, _, err := dialer.DialContext(ctx, f.wsURL(), hdr)
	return conn, err
}

func (f *feed) readLoop(ctx context.Context, conn *websocket.Conn, fn func(store.Event)) {
	done := make(chan struct{})
	defer close(done)

	// keepalive pings; a dead peer trips the read deadline
	go func() {
		ticker := time.NewTicker(feedPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteDeadline))
			}
		}
	}()
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedReadDeadline))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(feedReadDeadline)); err != nil {
			return
		}
		var ev store.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil {
				logger.Warn("feed_read_failed", "error", err)
			}
			return
		}
		if ev.Table == "" || ev.Type == "" {
			continue
		}
		fn(ev)
	}
}
