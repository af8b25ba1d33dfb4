package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quangdng/notifeed/internal/app"
	"github.com/quangdng/notifeed/internal/engine"
	"github.com/quangdng/notifeed/internal/feed"
	"github.com/quangdng/notifeed/internal/history"
	"github.com/quangdng/notifeed/internal/push"
	"github.com/quangdng/notifeed/internal/session"
	"github.com/quangdng/notifeed/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("feedtail", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	var token string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory")
	fs.StringVar(&token, "token", "", "Bearer token (overrides auth.token)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}
	if token != "" {
		cfg.Auth.Token = token
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Log.Level); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("feedtail")

	holder := session.NewHolder(cfg.Auth.Token)
	creds := session.NewJWTSource(holder, cfg.Auth.ExpiryLeeway)
	if _, ok := creds.Token(); !ok {
		log.Warn("no usable credential; waiting for a token before connecting")
	}

	engineCfg := engine.Config{
		History: history.Config{
			BaseURL: cfg.History.BaseURL,
			Timeout: cfg.History.Timeout,
		},
		Push: push.Config{
			URL:            cfg.Push.URL,
			Heartbeat:      cfg.Push.Heartbeat,
			PongWait:       cfg.Push.PongWait,
			BackoffBase:    cfg.Push.BackoffBase,
			BackoffCap:     cfg.Push.BackoffCap,
			CredentialPoll: cfg.Push.CredentialPoll,
		},
		PageSize: cfg.History.PageSize,
	}
	if cfg.Reconcile.Enabled {
		engineCfg.ReconcileInterval = cfg.Reconcile.Interval
	}

	eng, err := engine.New(engineCfg, creds)
	if err != nil {
		return err
	}

	eng.Store().OnChange(func(snap feed.Snapshot) {
		logSnapshot(log, snap)
	})

	if err := eng.Start(ctx); err != nil {
		return err
	}

	// Left open when metrics are disabled so the select below blocks on it.
	metricsErr := make(chan error, 1)
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Endpoint, promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			log.Info("metrics listening", zap.String("addr", metricsSrv.Addr), zap.String("endpoint", cfg.Metrics.Endpoint))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				metricsErr <- err
			}
			close(metricsErr)
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-metricsErr:
		if err != nil {
			_ = eng.Close()
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics shutdown failed", zap.Error(err))
		}
		if err, ok := <-metricsErr; ok && err != nil {
			log.Warn("metrics server error", zap.Error(err))
		}
	}

	if err := eng.Close(); err != nil {
		return err
	}
	log.Info("feed engine stopped gracefully")
	return nil
}

func logSnapshot(log *zap.Logger, snap feed.Snapshot) {
	fields := []zap.Field{
		zap.Int("entries", len(snap.Entries)),
		zap.Int("unread", snap.UnreadCount),
		zap.Bool("loading", snap.Loading),
		zap.Bool("hasMore", snap.HasMore),
	}
	if snap.Err != nil {
		fields = append(fields, zap.NamedError("feedError", snap.Err))
	}
	if len(snap.Entries) > 0 {
		top := snap.Entries[0]
		fields = append(fields,
			zap.Int64("topId", top.ID),
			zap.String("topSender", top.SenderName),
			zap.String("topType", top.Type),
		)
	}
	log.Info("feed updated", fields...)
}

func loadApplicationConfig(path string) (*app.Config, error) {
	if strings.TrimSpace(path) == "" {
		return app.LoadConfig()
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config path %q: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config path %q: expected a directory", path)
	}
	return app.LoadConfig(path)
}
