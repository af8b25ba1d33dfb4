package feed

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/quangdng/notifeed/pkg/errors"
	"github.com/quangdng/notifeed/pkg/logger"
	"github.com/quangdng/notifeed/pkg/metrics"
)

// DefaultPageSize matches the history API's fixed page size.
const DefaultPageSize = 10

// Snapshot is a read-only view of the feed state handed to change observers.
type Snapshot struct {
	Entries     []Entry
	UnreadCount int
	Page        int
	HasMore     bool
	Loading     bool
	Err         error
}

// Store owns the feed state: the flat record list, the derived display list,
// the pagination cursor, and the unread counter. All mutations go through its
// operations; the display list and unread counter are re-derived from the full
// flat list after every change so correctness never depends on the arrival
// order of pushes versus page fetches.
type Store struct {
	mu     sync.RWMutex
	api    HistoryAPI
	log    *zap.Logger
	size   int
	flight singleflight.Group

	flat    []Record
	entries []Entry
	unread  int
	page    int
	hasMore bool
	loading bool
	err     error

	observers []func(Snapshot)
}

// StoreOption customises store construction.
type StoreOption func(*Store)

// WithPageSize overrides the history page size.
func WithPageSize(size int) StoreOption {
	return func(s *Store) {
		if size > 0 {
			s.size = size
		}
	}
}

// WithStoreLogger overrides the store logger.
func WithStoreLogger(log *zap.Logger) StoreOption {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// NewStore constructs a feed store backed by the provided history API.
func NewStore(api HistoryAPI, opts ...StoreOption) (*Store, error) {
	if api == nil {
		return nil, fmt.Errorf("feed: history api is required")
	}

	s := &Store{
		api:  api,
		log:  logger.WithModule("feed"),
		size: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OnChange registers an observer invoked after every state change with a fresh
// snapshot. Observers run outside the store lock and may call back into the
// store.
func (s *Store) OnChange(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// FetchPage loads one page of historical records. Page zero replaces the flat
// list; later pages append, skipping ids already present. A second call while
// a fetch is in flight returns ErrFetchInFlight, and concurrent callers that
// slip past the guard are collapsed onto one upstream request per page number.
// On failure the prior state is left untouched apart from the error field.
func (s *Store) FetchPage(ctx context.Context, pageNum int) error {
	if pageNum < 0 {
		return apperrors.ErrInvalidPage
	}

	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return apperrors.ErrFetchInFlight
	}
	s.loading = true
	s.mu.Unlock()
	s.notify()

	result, err, _ := s.flight.Do(strconv.Itoa(pageNum), func() (any, error) {
		return s.api.FetchPage(ctx, pageNum, s.size)
	})
	if err != nil {
		metrics.HistoryFetches.WithLabelValues("failure").Inc()
		s.mu.Lock()
		s.loading = false
		s.err = fmt.Errorf("feed: fetch page %d: %w", pageNum, err)
		s.mu.Unlock()
		s.notify()
		return err
	}
	metrics.HistoryFetches.WithLabelValues("success").Inc()

	page := result.(HistoryPage)
	s.mu.Lock()
	if pageNum == 0 {
		s.flat = append([]Record(nil), page.Content...)
	} else {
		s.appendNewLocked(page.Content)
	}
	s.page = pageNum
	s.hasMore = pageNum < page.TotalPages-1
	s.loading = false
	s.err = nil
	s.recomputeLocked()
	s.mu.Unlock()
	s.notify()
	return nil
}

// LoadMore fetches the next page. It is a no-op while a fetch is in flight or
// when the server reported no further pages.
func (s *Store) LoadMore(ctx context.Context) error {
	s.mu.RLock()
	loading, hasMore, page := s.loading, s.hasMore, s.page
	s.mu.RUnlock()

	if loading || !hasMore {
		return nil
	}
	return s.FetchPage(ctx, page+1)
}

// Refresh reloads the feed from the first page.
func (s *Store) Refresh(ctx context.Context) error {
	return s.FetchPage(ctx, 0)
}

// Ingest inserts one live record delivered by the push channel. A record whose
// id is already present replaces the stored copy; the flat list never holds
// two records with the same id.
func (s *Store) Ingest(rec Record) {
	s.mu.Lock()
	replaced := false
	for i := range s.flat {
		if s.flat[i].ID == rec.ID {
			s.flat[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		s.flat = append([]Record{rec}, s.flat...)
	}
	s.recomputeLocked()
	s.mu.Unlock()
	s.notify()

	metrics.RecordsIngested.Inc()
}

// MarkAsRead optimistically flags the matching record as read, then informs
// the history API. The local flag stays set even when the remote call fails;
// the failure is logged and swallowed.
func (s *Store) MarkAsRead(ctx context.Context, id int64) {
	s.mu.Lock()
	changed := false
	for i := range s.flat {
		if s.flat[i].ID == id && !s.flat[i].IsRead {
			s.flat[i].IsRead = true
			changed = true
		}
	}
	if changed {
		s.recomputeLocked()
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}

	if err := s.api.MarkRead(ctx, id); err != nil {
		s.log.Warn("mark read failed", zap.Int64("id", id), zap.Error(err))
	}
}

// MarkAllAsRead optimistically flags every record as read, then informs the
// history API. Same no-rollback policy as MarkAsRead.
func (s *Store) MarkAllAsRead(ctx context.Context) {
	s.mu.Lock()
	changed := false
	for i := range s.flat {
		if !s.flat[i].IsRead {
			s.flat[i].IsRead = true
			changed = true
		}
	}
	if changed {
		s.recomputeLocked()
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}

	if err := s.api.MarkAllRead(ctx); err != nil {
		s.log.Warn("mark all read failed", zap.Error(err))
	}
}

// SetPushError records a push-channel failure in the feed error field so
// presentation adapters can surface it. A nil error clears a previous one.
// Reconnection keeps running regardless.
func (s *Store) SetPushError(err error) {
	s.mu.Lock()
	if err == nil && s.err == nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.mu.Unlock()
	s.notify()
}

// Entries returns a copy of the current display list.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...)
}

// UnreadCount returns the number of unread display entries. A grouped entry
// with any unread member counts once.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// Page returns the last successfully fetched page index.
func (s *Store) Page() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.page
}

// HasMore reports whether further history pages exist.
func (s *Store) HasMore() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasMore
}

// Loading reports whether a historical fetch is in flight.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Err returns the last fetch or push error, if any.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Records returns a copy of the flat record list.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.flat...)
}

func (s *Store) appendNewLocked(records []Record) {
	seen := make(map[int64]struct{}, len(s.flat))
	for _, rec := range s.flat {
		seen[rec.ID] = struct{}{}
	}
	for _, rec := range records {
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		s.flat = append(s.flat, rec)
	}
}

// recomputeLocked re-derives the display list and unread counter from the full
// flat list. Derived state is never patched in place.
func (s *Store) recomputeLocked() {
	s.entries = Aggregate(s.flat)
	unread := 0
	for _, entry := range s.entries {
		if !entry.IsRead {
			unread++
		}
	}
	s.unread = unread
	metrics.UnreadEntries.Set(float64(unread))
}

func (s *Store) notify() {
	s.mu.RLock()
	observers := make([]func(Snapshot), len(s.observers))
	copy(observers, s.observers)
	snap := Snapshot{
		Entries:     append([]Entry(nil), s.entries...),
		UnreadCount: s.unread,
		Page:        s.page,
		HasMore:     s.hasMore,
		Loading:     s.loading,
		Err:         s.err,
	}
	s.mu.RUnlock()

	for _, fn := range observers {
		fn(snap)
	}
}
