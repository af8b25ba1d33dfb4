// Package history talks to the external notification history API: paginated
// reads plus the two read-state mutations. Credential issuance is not handled
// here; the client observes whatever bearer token the session layer currently
// holds.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quangdng/notifeed/internal/feed"
	"github.com/quangdng/notifeed/internal/session"
	apperrors "github.com/quangdng/notifeed/pkg/errors"
	"github.com/quangdng/notifeed/pkg/logger"
)

const defaultTimeout = 10 * time.Second

// Config holds connection settings for the history API.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements feed.HistoryAPI over HTTP.
type Client struct {
	baseURL string
	creds   session.Source
	httpc   *http.Client
	log     *zap.Logger
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) {
		if httpc != nil {
			c.httpc = httpc
		}
	}
}

// WithLogger overrides the client logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient constructs a history API client.
func NewClient(cfg Config, creds session.Source, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("history: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("history: invalid base url: %w", err)
	}
	if creds == nil {
		return nil, fmt.Errorf("history: credential source is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL: base,
		creds:   creds,
		httpc:   &http.Client{Timeout: timeout},
		log:     logger.WithModule("history"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchPage requests one page of historical records, newest first.
func (c *Client) FetchPage(ctx context.Context, page, size int) (feed.HistoryPage, error) {
	endpoint := c.baseURL + "/notifications?page=" + strconv.Itoa(page) + "&size=" + strconv.Itoa(size)

	req, err := c.newRequest(ctx, http.MethodGet, endpoint)
	if err != nil {
		return feed.HistoryPage{}, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return feed.HistoryPage{}, fmt.Errorf("history: fetch page %d: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return feed.HistoryPage{}, apperrors.ErrHistoryStatus.WithInternal(
			fmt.Errorf("GET /notifications?page=%d: status %d", page, resp.StatusCode))
	}

	var result feed.HistoryPage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return feed.HistoryPage{}, fmt.Errorf("history: decode page %d: %w", page, err)
	}
	return result, nil
}

// MarkRead flags one notification as read server-side.
func (c *Client) MarkRead(ctx context.Context, id int64) error {
	endpoint := c.baseURL + "/notifications/" + strconv.FormatInt(id, 10) + "/read"
	return c.put(ctx, endpoint)
}

// MarkAllRead flags every notification as read server-side.
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.put(ctx, c.baseURL+"/notifications/read-all")
}

func (c *Client) put(ctx context.Context, endpoint string) error {
	req, err := c.newRequest(ctx, http.MethodPut, endpoint)
	if err != nil {
		return err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("history: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.ErrHistoryStatus.WithInternal(
			fmt.Errorf("PUT %s: status %d", endpoint, resp.StatusCode))
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("history: build request: %w", err)
	}

	token, ok := c.creds.Token()
	if !ok {
		return nil, apperrors.ErrCredentialMissing
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}
