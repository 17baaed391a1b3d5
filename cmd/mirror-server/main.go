// Copyright 2025 The Mirror Server Authors
// SPDX-License-Identifier: Apache-2.0

// mirror-server is a multi-protocol caching mirror for package ecosystems.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HEXIkx/mirror-server/internal/api"
	"github.com/HEXIkx/mirror-server/internal/authz"
	"github.com/HEXIkx/mirror-server/internal/config"
	"github.com/HEXIkx/mirror-server/internal/fetcher"
	"github.com/HEXIkx/mirror-server/internal/health"
	"github.com/HEXIkx/mirror-server/internal/httpx"
	"github.com/HEXIkx/mirror-server/internal/lifecycle"
	"github.com/HEXIkx/mirror-server/internal/metadb"
	"github.com/HEXIkx/mirror-server/internal/mirror"
	"github.com/HEXIkx/mirror-server/internal/monitor"
	"github.com/HEXIkx/mirror-server/internal/prewarm"
	"github.com/HEXIkx/mirror-server/internal/scheduler"
	"github.com/HEXIkx/mirror-server/internal/server"
	"github.com/HEXIkx/mirror-server/internal/store"
	"github.com/HEXIkx/mirror-server/internal/urlx"
)

var version = "dev"

func main() {
	var configPath, listen string
	var debug bool

	cmd := &cobra.Command{
		Use:          "mirror-server",
		Short:        "Multi-protocol caching mirror for package ecosystems",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, listen, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "settings.json", "path to the settings file (json or toml)")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address override")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, listen string, debug bool) error {
	log, err := buildLogger(debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfgMgr, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	cfg := cfgMgr.Get()
	if listen != "" {
		if err := cfgMgr.Update(map[string]any{"listen": listen}); err != nil {
			return fmt.Errorf("applying listen override: %w", err)
		}
		cfg = cfgMgr.Get()
	}

	st, err := store.New(cfg.BaseDir, log)
	if err != nil {
		return fmt.Errorf("opening content store: %w", err)
	}
	db, err := metadb.Open(cfg.DB, log)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	metrics := mirror.NewMetrics(reg)

	httpClient := &http.Client{}
	ua := "mirror-server/" + version
	fetch := fetcher.New(httpClient, ua, log)
	checker := health.NewChecker(fetch, cfg.Health, cfg.Mirrors, log)

	deps := mirror.Deps{
		Store:   st,
		Fetcher: fetch,
		Health:  checker,
		DB:      db,
		Metrics: metrics,
		Log:     log,
		Config:  cfgMgr.Get,
	}
	adapters := buildAdapters(deps, cfg)

	sessionSecret := cfg.SessionSecret
	if sessionSecret == "" {
		// Sessions do not survive a restart without a configured secret.
		sessionSecret = uuid.NewString()
		log.Warn("session_secret not configured, sessions reset on restart")
	}
	sessionTTL := time.Duration(cfg.Auth.SessionTTLSecs) * time.Second
	sessions := authz.NewSessions(sessionSecret, sessionTTL)
	gate := authz.NewGate(db, cfgMgr.Get, sessions, log)
	limiter := authz.NewRateLimiter(cfg.Auth.RateLimit)

	life := lifecycle.NewManager(log)
	gracefulTimeout := time.Duration(cfg.GracefulTimeout) * time.Second
	life.HandleSignals(gracefulTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-life.Done()
		cancel()
	}()

	selfBase := urlx.MustParse(selfURL(cfg.Listen))
	selfClient := httpx.BasicClient(&httpx.WithUserAgent{BasicClient: httpClient, UserAgent: ua})
	// Bulk sync pulls through the server's own front door; pace the pulls so
	// interactive clients are not starved.
	syncClient := &httpx.RateLimitedClient{BasicClient: selfClient, Ticker: time.NewTicker(100 * time.Millisecond)}
	itemFn := func(ctx context.Context, source, item string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlx.Join(selfBase, item), nil)
		if err != nil {
			return err
		}
		resp, err := syncClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("sync item %s: status %d", item, resp.StatusCode)
		}
		return nil
	}

	queue := scheduler.NewQueue()
	sched := scheduler.New(db, cfgMgr.Get, queue, itemFn, log)
	warmer := prewarm.New(selfClient, selfBase.String(), cfg.Prewarm.BatchSize, cfg.Prewarm.MaxAttempts, log)
	sampler := monitor.New(db, cfg.BaseDir, log)
	notifier := api.NewNotifier(db, selfClient, log)

	apiHandler := api.New(api.Deps{
		Config:   cfgMgr,
		Store:    st,
		DB:       db,
		Health:   checker,
		Sched:    sched,
		Queue:    queue,
		Prewarm:  warmer,
		Monitor:  sampler,
		Life:     life,
		Gate:     gate,
		Notifier: notifier,
		Adapters: adapters,
		Gatherer: reg,
		Version:  version,
		Log:      log,
	})

	srv := server.New(server.Options{
		Config:   cfgMgr,
		Store:    st,
		DB:       db,
		Gate:     gate,
		Limiter:  limiter,
		Life:     life,
		API:      apiHandler,
		Adapters: adapters,
		Log:      log,
	})
	defer srv.Close()

	go checker.Run(ctx)
	go notifier.Run(ctx)
	go sampler.Run(ctx,
		time.Duration(cfg.Monitor.IntervalSecs)*time.Second,
		time.Duration(cfg.Monitor.RetentionHrs)*time.Hour)
	go gate.PurgeLoop(life.Done(), 10*time.Minute)
	go sweepLoop(ctx, st, cfgMgr.Get, log)
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("scheduler stopped", zap.Error(err))
		}
	}()
	if err := cfgMgr.Watch(ctx, log); err != nil {
		log.Warn("config watcher unavailable", zap.Error(err))
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go life.ShutdownServer(httpSrv, gracefulTimeout)

	log.Info("mirror server listening",
		zap.String("addr", cfg.Listen),
		zap.String("base_dir", cfg.BaseDir),
		zap.String("version", version))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving: %w", err)
	}
	<-life.Done()
	log.Info("mirror server stopped")
	return nil
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildAdapters instantiates the protocol adapters plus a generic passthrough
// for every configured mirror without a dedicated one.
func buildAdapters(deps mirror.Deps, cfg *config.Config) []mirror.Adapter {
	adapters := []mirror.Adapter{
		mirror.NewPyPI(deps),
		mirror.NewDocker(deps),
		mirror.NewNPM(deps, "/npm"),
		mirror.NewAPT(deps),
		mirror.NewYUM(deps),
		mirror.NewGoProxy(deps),
	}
	known := map[string]bool{}
	for _, a := range adapters {
		known[a.Name()] = true
	}
	for name := range cfg.Mirrors {
		if !known[name] {
			adapters = append(adapters, mirror.NewGeneric(deps, name))
		}
	}
	return adapters
}

// selfURL derives a loopback base URL from the listen address, for the sync
// scheduler and prewarmer to pull through the server's own adapters.
func selfURL(listen string) string {
	host := listen
	if strings.HasPrefix(listen, ":") {
		host = "127.0.0.1" + listen
	} else if strings.HasPrefix(listen, "0.0.0.0:") {
		host = "127.0.0.1" + listen[len("0.0.0.0"):]
	}
	return "http://" + host
}

func sweepLoop(ctx context.Context, st *store.Store, cfg func() *config.Config, log *zap.Logger) {
	for {
		secs := cfg().Cache.SweepSecs
		if secs <= 0 {
			secs = 600
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(secs) * time.Second):
			if n := st.Sweep(); n > 0 {
				log.Info("cache sweep", zap.Int("expired", n))
			}
		}
	}
}
