// Package engine assembles the notification feed: the history client backing
// the store, the push listener feeding it live records, and an optional
// periodic reconcile that re-fetches the first page to heal drift left behind
// by optimistic updates.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/quangdng/notifeed/internal/feed"
	"github.com/quangdng/notifeed/internal/history"
	"github.com/quangdng/notifeed/internal/push"
	"github.com/quangdng/notifeed/internal/session"
	"github.com/quangdng/notifeed/pkg/logger"
)

// Config wires the engine's collaborators together.
type Config struct {
	History  history.Config
	Push     push.Config
	PageSize int

	// ReconcileInterval re-fetches the first page on a schedule when set.
	// Zero disables reconciliation.
	ReconcileInterval time.Duration
}

// Engine owns the feed store and the push listener lifecycle.
type Engine struct {
	store    *feed.Store
	listener *push.Listener
	cron     *cron.Cron
	log      *zap.Logger

	reconcile time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	started bool
}

// Option customises engine construction.
type Option func(*Engine)

// WithLogger overrides the engine logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// New constructs an engine from configuration and a credential source.
func New(cfg Config, creds session.Source, opts ...Option) (*Engine, error) {
	client, err := history.NewClient(cfg.History, creds)
	if err != nil {
		return nil, fmt.Errorf("engine: history client: %w", err)
	}

	storeOpts := []feed.StoreOption{}
	if cfg.PageSize > 0 {
		storeOpts = append(storeOpts, feed.WithPageSize(cfg.PageSize))
	}
	store, err := feed.NewStore(client, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("engine: store: %w", err)
	}

	listener, err := push.NewListener(cfg.Push, creds, store)
	if err != nil {
		return nil, fmt.Errorf("engine: listener: %w", err)
	}

	e := &Engine{
		store:     store,
		listener:  listener,
		log:       logger.WithModule("engine"),
		reconcile: cfg.ReconcileInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Store exposes the feed store for consumers to read and subscribe.
func (e *Engine) Store() *feed.Store {
	return e.store
}

// ListenerState reports the push connection state.
func (e *Engine) ListenerState() push.State {
	return e.listener.State()
}

// Start performs the initial history fetch and launches the push listener.
// A failed initial fetch is recorded on the store and does not abort startup;
// the caller can retry through the store.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine: already started")
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	if err := e.store.FetchPage(runCtx, 0); err != nil {
		e.log.Warn("initial fetch failed", zap.Error(err))
	}

	go func() {
		defer close(e.done)
		err := e.listener.Run(runCtx)
		e.mu.Lock()
		e.runErr = err
		e.mu.Unlock()
	}()

	if e.reconcile > 0 {
		e.cron = cron.New()
		_, err := e.cron.AddFunc("@every "+e.reconcile.String(), func() {
			if err := e.store.Refresh(runCtx); err != nil {
				e.log.Warn("reconcile refresh failed", zap.Error(err))
			}
		})
		if err != nil {
			cancel()
			<-e.done
			return fmt.Errorf("engine: schedule reconcile: %w", err)
		}
		e.cron.Start()
		e.log.Info("reconcile scheduled", zap.Duration("interval", e.reconcile))
	}

	return nil
}

// Close stops the reconcile schedule and the push listener, waiting for the
// listener to exit.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.started || e.cancel == nil {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	done := e.done
	c := e.cron
	e.cancel = nil
	e.mu.Unlock()

	var errs error
	if c != nil {
		<-c.Stop().Done()
	}
	cancel()
	<-done

	e.mu.Lock()
	runErr := e.runErr
	e.mu.Unlock()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		errs = multierr.Append(errs, fmt.Errorf("engine: listener: %w", runErr))
	}
	return errs
}
