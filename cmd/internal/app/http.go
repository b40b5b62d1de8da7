package app

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"duet/cmd/internal/auth"
	apiv1 "duet/shared/contracts/api/v1"
)

const attachmentsPrefix = "/attachments/"

// registerHTTP mounts every route of the server on mux:
//
//	/healthz, /readyz  probes
//	/metrics           prometheus
//	/v1/...            JSON API (bearer auth)
//	/ws                change feed
//	/attachments/...   disk backend objects (disk backend only)
func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.Handle("GET /readyz", withTimeoutContext(http.HandlerFunc(a.handleReady), 3*time.Second))

	mux.Handle("GET /metrics", promhttp.Handler())

	api := http.NewServeMux()
	a.api.Register(api)
	mux.Handle(apiv1.Prefix+"/", auth.Require(a.tokens, a.log)(api))

	mux.HandleFunc("/ws", a.ws.HandleWS)

	if root := a.attachmentsRoot; root != "" {
		mux.Handle("GET "+attachmentsPrefix, http.StripPrefix(attachmentsPrefix, noDirListing(http.FileServer(http.Dir(root)))))
	}
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Database.RequireReady && a.pool == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}

	if a.pool != nil {
		if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.db.not_ready", "err", err)
			return
		}
	}
	if a.cache != nil {
		if err := a.cache.Ping(r.Context()); err != nil {
			http.Error(w, "cache not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.cache.not_ready", "err", err)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

// noDirListing answers 404 for directory paths so the attachment tree is not browsable.
func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// runtimeBaseURL is the URL local clients use to reach a server bound to addr.
// Wildcard binds are reached through the loopback address.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL converts an HTTP base URL to its websocket form.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
