// Package web serves the WebSocket subscription endpoint and a small HTTP
// control API (status, reset, mode, logs).
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"disptrack/internal/session"
)

// Controller is the part of the session the HTTP surface drives. Requests are
// queued; the session applies them on its own path.
type Controller interface {
	Snapshot() session.Snapshot
	RequestReset(broadcast bool) bool
	RequestMode(ctx context.Context, mode session.Mode) error
}

// InboundHandler returns a HubConfig.OnMessage that turns subscriber reset
// messages into local resets without a reset broadcast.
func InboundHandler(ctl Controller, log *zap.SugaredLogger) func(id string, msg []byte) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return func(id string, msg []byte) {
		if !session.IsResetRequest(msg) {
			log.Debugw("ignoring inbound message", "id", id, "bytes", len(msg))
			return
		}
		if !ctl.RequestReset(false) {
			log.Warnw("remote reset dropped", "id", id)
			return
		}
		log.Infow("remote reset requested", "id", id)
	}
}

type Options struct {
	WSPath string
	Status *Status
	Ctl    Controller
	Hub    *Hub
	Logs   *LogBuffer
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func Handler(o Options) http.Handler {
	if o.Status == nil {
		o.Status = NewStatus()
	}
	if o.WSPath == "" {
		o.WSPath = "/ws"
	}
	mux := http.NewServeMux()

	if o.Hub != nil {
		mux.Handle(o.WSPath, o.Hub)
	}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, o.Status.Snapshot(time.Now().UTC(), o.Ctl, o.Hub))
	})

	mux.HandleFunc("/api/reset", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		if o.Ctl == nil {
			http.Error(w, "session unavailable", http.StatusNotFound)
			return
		}
		if !o.Ctl.RequestReset(true) {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	})

	mux.HandleFunc("/api/mode", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		if o.Ctl == nil {
			http.Error(w, "session unavailable", http.StatusNotFound)
			return
		}
		mode, err := session.ParseMode(r.URL.Query().Get("mode"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		switch err := o.Ctl.RequestMode(ctx, mode); {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mode": mode})
		case errors.Is(err, session.ErrCapabilityUnavailable):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, session.ErrBusy), errors.Is(err, context.DeadlineExceeded):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	})

	if o.Logs != nil {
		mux.Handle("/api/logs", o.Logs.Handler())
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		snap := o.Status.Snapshot(time.Now().UTC(), o.Ctl, o.Hub)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>disptrack</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>disptrack</h1>")
		_, _ = fmt.Fprintf(w, "<p>Subscribe at <code>%s</code>. Status: <a href=\"/api/status\">/api/status</a>.</p>", o.WSPath)
		_, _ = fmt.Fprintf(w, "<pre>mode=%s\nphase=%s\norigin=%d\nsubscribers=%d</pre>",
			snap.Session.Mode, snap.Session.Phase, snap.Session.OriginSeq, snap.Subscribers,
		)
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

// Serve runs the HTTP server on ln until ctx is done, then disconnects
// subscribers and shuts down. It returns nil on a clean shutdown.
func Serve(ctx context.Context, ln net.Listener, h http.Handler, hub *Hub, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Infow("http listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		// Hijacked WebSocket connections are not closed by Shutdown.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("http shutdown", "err", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
