package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flocksync/pkg/logger"
)

// startOps brings up the local operations HTTP server: health, readiness,
// Prometheus metrics and a cache introspection endpoint. It binds to
// loopback by default and carries no session data worth protecting, so
// there is no auth layer here.
func (a *App) startOps() <-chan error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/debug/caches", a.handleCaches).Methods(http.MethodGet)

	a.srv = &http.Server{
		Addr:              a.cfg.OpsAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops_server_listening", "addr", a.srv.Addr)
		errCh <- a.srv.ListenAndServe()
	}()
	return errCh
}

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports ready once the snapshot store is open and the
// dispatcher has started consuming the feed.
func (a *App) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	ready := a.snap.Ready() && a.feedOK.Load()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":    ready,
		"snapshot": a.snap.Ready(),
		"feed":     a.feedOK.Load(),
	})
}

// handleCaches exposes cache sizes and the current selection for
// debugging. Counts only, no row contents.
func (a *App) handleCaches(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	open := ""
	windowLen := 0
	if a.current != nil {
		open = a.current.conversationID
		windowLen = len(a.current.win.Messages())
	}
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"directory":         a.directory.Size(),
		"presence":          a.presences.Size(),
		"profiles":          a.profiles.Size(),
		"open_conversation": open,
		"window_messages":   windowLen,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("ops_response_encode_failed", "error", err)
	}
}
