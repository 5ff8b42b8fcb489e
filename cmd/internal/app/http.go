package app

import (
	"context"
	"net/http"
	"time"

	authapi "accounts/cmd/internal/auth/api"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// pinger reports store readiness.
type pinger interface {
	Ping(ctx context.Context) error
}

type routes struct {
	log      Logger
	cfg      Config
	store    pinger
	auth     *authapi.Handler
	ws       http.Handler
	registry *prometheus.Registry
	metrics  *httpMetrics
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(WithRequestID)
	r.Use(WithRequestLogging(rt.log, rt.metrics))
	r.Use(WithSecurityHeaders)
	if len(rt.cfg.CORSAllowedOrigins) > 0 {
		r.Use(func(next http.Handler) http.Handler { return WithCORS(next, rt.cfg, rt.log) })
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := rt.store.Ping(ctx); err != nil {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				rt.log.Info("readyz.store.not_ready", "store", rt.cfg.Store, "err", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	}

	if rt.auth != nil {
		rt.auth.Register(r)
	}
	if rt.ws != nil {
		r.Method(http.MethodGet, "/ws/profile", withoutDeadlines(rt.ws))
	}

	return r
}

// withoutDeadlines clears the server read/write deadlines, which would
// otherwise survive the websocket hijack and cut long-lived subscriptions.
func withoutDeadlines(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		_ = rc.SetReadDeadline(time.Time{})
		_ = rc.SetWriteDeadline(time.Time{})
		next.ServeHTTP(w, r)
	})
}
