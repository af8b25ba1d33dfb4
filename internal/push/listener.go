// Package push maintains the live notification subscription: one persistent
// websocket per authenticated user, reconnected with jittered exponential
// backoff, feeding each inbound record into the feed store.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quangdng/notifeed/internal/feed"
	"github.com/quangdng/notifeed/internal/session"
	apperrors "github.com/quangdng/notifeed/pkg/errors"
	"github.com/quangdng/notifeed/pkg/logger"
	"github.com/quangdng/notifeed/pkg/metrics"
	"github.com/quangdng/notifeed/pkg/validator"
)

const (
	defaultHeartbeat      = 4 * time.Second
	defaultPongWait       = 10 * time.Second
	defaultWriteWait      = 10 * time.Second
	defaultBackoffBase    = time.Second
	defaultBackoffCap     = 30 * time.Second
	defaultCredentialPoll = time.Second
	handshakeTimeout      = 10 * time.Second
	maxFrameSize          = 1 << 20 // 1 MiB
)

// State is the listener's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Sink receives records and channel-level failures. *feed.Store satisfies it.
type Sink interface {
	Ingest(feed.Record)
	SetPushError(error)
}

// Config holds listener settings.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host/ws/notifications.
	URL string

	Heartbeat      time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	CredentialPoll time.Duration
}

func (c *Config) applyDefaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = defaultHeartbeat
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.PongWait <= c.Heartbeat {
		// The read deadline must outlive at least one ping round trip.
		c.PongWait = 2 * c.Heartbeat
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
	if c.CredentialPoll <= 0 {
		c.CredentialPoll = defaultCredentialPoll
	}
}

// Listener owns the live subscription lifecycle.
type Listener struct {
	cfg    Config
	creds  session.Source
	sink   Sink
	log    *zap.Logger
	dialer *websocket.Dialer
	state  atomic.Int32
}

// Option customises listener construction.
type Option func(*Listener)

// WithLogger overrides the listener logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Listener) {
		if log != nil {
			l.log = log
		}
	}
}

// NewListener constructs a push listener. The sink is typically the feed
// store; the credential source gates connection attempts.
func NewListener(cfg Config, creds session.Source, sink Sink, opts ...Option) (*Listener, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, fmt.Errorf("push: websocket url is required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("push: invalid websocket url: %w", err)
	}
	if creds == nil {
		return nil, fmt.Errorf("push: credential source is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("push: sink is required")
	}

	cfg.URL = endpoint
	cfg.applyDefaults()

	l := &Listener{
		cfg:    cfg,
		creds:  creds,
		sink:   sink,
		log:    logger.WithModule("push"),
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// State returns the current connection state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	if State(l.state.Swap(int32(s))) != s {
		l.log.Debug("state change", zap.String("state", s.String()))
	}
}

// Run drives the connection state machine until the context is cancelled:
// dial when a credential exists, ingest frames while connected, back off and
// redial on any transport failure, park disconnected while the credential is
// absent. Cancellation tears the connection down from any state.
func (l *Listener) Run(ctx context.Context) error {
	defer l.setState(StateDisconnected)

	retry := newBackoff(l.cfg.BackoffBase, l.cfg.BackoffCap)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		token, ok := l.creds.Token()
		if !ok {
			l.setState(StateDisconnected)
			if !sleep(ctx, l.cfg.CredentialPoll) {
				return ctx.Err()
			}
			continue
		}

		l.setState(StateConnecting)
		conn, err := l.dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.sink.SetPushError(fmt.Errorf("push: connect: %w", err))
			l.setState(StateReconnecting)
			metrics.Reconnects.Inc()
			l.log.Warn("connect failed", zap.Error(err))
			if !sleep(ctx, retry.next()) {
				return ctx.Err()
			}
			continue
		}

		retry.reset()
		l.setState(StateConnected)
		l.sink.SetPushError(nil)
		l.log.Info("connected", zap.String("url", l.cfg.URL))

		err = l.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.sink.SetPushError(fmt.Errorf("push: connection lost: %w", err))
		l.setState(StateReconnecting)
		metrics.Reconnects.Inc()
		l.log.Warn("connection lost", zap.Error(err))
		if !sleep(ctx, retry.next()) {
			return ctx.Err()
		}
	}
}

// dial performs the handshake. The token travels as a bearer header and, for
// proxies that strip headers during the upgrade, as a query parameter too.
func (l *Listener) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	u, err := url.Parse(l.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := l.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// serve reads frames until the connection fails, pinging on the heartbeat
// interval so silent loss is detected within the pong deadline.
func (l *Listener) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(l.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.PongWait))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go l.heartbeatLoop(ctx, conn, stop)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			continue
		}

		rec, err := decodeFrame(payload)
		if err != nil {
			metrics.FramesDropped.Inc()
			l.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		l.sink.Ingest(rec)
	}
}

func (l *Listener) heartbeatLoop(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			// Unblocks the read loop so Run can observe the cancellation.
			_ = conn.Close()
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// decodeFrame parses and validates one inbound frame. Anything that fails here
// is logged and dropped by the caller without affecting the rest of the feed.
func decodeFrame(payload []byte) (feed.Record, error) {
	var rec feed.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return feed.Record{}, apperrors.ErrMalformedFrame.WithInternal(err)
	}
	if err := validator.ValidateStruct(rec); err != nil {
		return feed.Record{}, apperrors.ErrMalformedFrame.WithInternal(err)
	}
	return rec, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
