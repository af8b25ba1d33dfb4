// Command stubserver runs the development stand-in for the notification
// backend: the paged history API, the read-state endpoints, and the websocket
// push channel, backed by sqlite. Intended for local development of feed
// consumers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/quangdng/notifeed/internal/app"
	"github.com/quangdng/notifeed/internal/feed"
	"github.com/quangdng/notifeed/internal/stub"
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
	fs := flag.NewFlagSet("stubserver", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var (
		addr     string
		secret   string
		dbPath   string
		logLevel string
		devUser  string
		seedDemo bool
	)
	fs.StringVar(&addr, "addr", ":8080", "Listen address")
	fs.StringVar(&secret, "secret", "", "JWT signing secret (required)")
	fs.StringVar(&dbPath, "db", "", "Sqlite database path (in-memory when empty)")
	fs.StringVar(&logLevel, "log-level", "info", "Log level")
	fs.StringVar(&devUser, "issue-token", "", "Print a 24h token for this user id and continue")
	fs.BoolVar(&seedDemo, "seed-demo", false, "Seed demo notifications for the issue-token user")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if secret == "" {
		return fmt.Errorf("-secret is required")
	}
	if seedDemo && devUser == "" {
		return fmt.Errorf("-seed-demo requires -issue-token")
	}

	if err := app.ConfigureLogging(logLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("stubserver")

	backend, err := stub.NewServer(stub.Config{JWTSecret: secret, DatabasePath: dbPath})
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn("backend close failed", zap.Error(err))
		}
	}()

	if devUser != "" {
		token, err := backend.IssueToken(devUser, 24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Printf("token for %s:\n%s\n", devUser, token)
	}
	if seedDemo {
		if err := backend.Seed(devUser, demoRecords()...); err != nil {
			return err
		}
		log.Info("seeded demo notifications", zap.String("user", devUser))
	}

	server := &http.Server{
		Addr:    addr,
		Handler: backend.Handler(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("stub backend listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info("stub backend stopped gracefully")
	return nil
}

func demoRecords() []feed.Record {
	post := int64(42)
	now := time.Now()
	at := func(d time.Duration) feed.Time { return feed.NewTime(now.Add(-d)) }
	return []feed.Record{
		{SenderID: 1, SenderName: "Lan", Type: feed.TypeLike, PostID: &post, CreatedAt: at(3 * time.Hour)},
		{SenderID: 2, SenderName: "Minh", Type: feed.TypeComment, PostID: &post, Message: "Nice shot!", CreatedAt: at(2 * time.Hour)},
		{SenderID: 3, SenderName: "Phuong", Type: feed.TypeLike, PostID: &post, CreatedAt: at(time.Hour)},
		{SenderID: 4, SenderName: "Tuan", Type: feed.TypeFriendRequest, CreatedAt: at(30 * time.Minute)},
		{SenderID: 5, SenderName: "Huy", Type: feed.TypeFriendAccept, CreatedAt: at(10 * time.Minute)},
	}
}
