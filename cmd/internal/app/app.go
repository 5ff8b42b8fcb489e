// Package app wires the accounts server runtime: config, logging, storage,
// HTTP routes and the profile push gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"accounts/cmd/internal/account"
	authapi "accounts/cmd/internal/auth/api"
	"accounts/cmd/internal/auth/session"
	"accounts/cmd/internal/realtime"
	"accounts/cmd/internal/reset"
	"accounts/cmd/security/password"
	"accounts/cmd/security/secret"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the accounts server runtime: it owns the HTTP server and the store lifecycle.
type App struct {
	cfg Config
	log Logger

	store   storeHandle
	handler http.Handler
}

// New opens the configured store and wires every service on top of it.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := assemble(cfg, log, st)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}
	return a, nil
}

// assemble builds services and routes over an already opened store.
func assemble(cfg Config, log Logger, st storeHandle) (*App, error) {
	var registry *prometheus.Registry
	if cfg.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	// A nil registerer still yields working, unregistered collectors.
	var reg prometheus.Registerer
	if registry != nil {
		reg = registry
	}

	params, err := secret.LoadParamsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("secret params: %w", err)
	}
	deriver, err := secret.New(params)
	if err != nil {
		return nil, fmt.Errorf("secret deriver: %w", err)
	}

	policy, err := password.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("password policy: %w", err)
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	sessions, err := session.NewManager(sessCfg,
		session.WithIdentityStore(st),
		session.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return nil, err
	}

	accountMetrics, err := account.NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	wsMetrics, err := realtime.NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	httpMetrics, err := newHTTPMetrics(reg)
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(log, realtime.WithHubMetrics(wsMetrics))

	accounts, err := account.NewService(st, deriver, sessions,
		account.WithLogger(log),
		account.WithNotifier(hub),
		account.WithMetrics(accountMetrics),
		account.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return nil, err
	}

	wsCfg, err := realtime.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("realtime config: %w", err)
	}
	ws, err := realtime.NewWSGateway(wsCfg, hub, sessions,
		realtime.WithProfileReader(accounts),
		realtime.WithGatewayLogger(log),
	)
	if err != nil {
		return nil, err
	}

	hasher, err := tokenHasher(cfg)
	if err != nil {
		return nil, err
	}
	resetCfg, err := reset.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("reset config: %w", err)
	}
	resets, err := reset.NewService(st, deriver,
		reset.WithConfig(resetCfg),
		reset.WithHasher(hasher),
		reset.WithMailer(reset.LogMailer{Log: log}),
		reset.WithPolicy(policy),
		reset.WithLogger(log),
		reset.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return nil, err
	}

	apiCfg, err := authapi.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("api config: %w", err)
	}
	auth, err := authapi.NewHandler(apiCfg, accounts, sessions, sessions,
		authapi.WithLogger(log),
		authapi.WithResets(resets),
		authapi.WithPasswordPolicy(policy),
	)
	if err != nil {
		return nil, err
	}

	handler := newRouter(routes{
		log:      log,
		cfg:      cfg,
		store:    st,
		auth:     auth,
		ws:       ws,
		registry: registry,
		metrics:  httpMetrics,
	})

	return &App{cfg: cfg, log: log, store: st, handler: handler}, nil
}

// Handler exposes the fully wired router.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "store", a.cfg.Store, "metrics", a.cfg.MetricsEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		_ = a.store.Close(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
