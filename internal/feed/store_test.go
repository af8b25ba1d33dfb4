package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/quangdng/notifeed/pkg/errors"
)

// fakeHistory is an in-memory stand-in for the history API collaborator.
type fakeHistory struct {
	mu          sync.Mutex
	pages       map[int]HistoryPage
	fetchCalls  int32
	fetchErr    error
	markErr     error
	markedIDs   []int64
	markedAll   int
	fetchGate   chan struct{} // when set, FetchPage blocks until closed
	gateEntered chan struct{}
}

func (f *fakeHistory) FetchPage(ctx context.Context, page, size int) (HistoryPage, error) {
	atomic.AddInt32(&f.fetchCalls, 1)
	if f.gateEntered != nil {
		f.gateEntered <- struct{}{}
	}
	if f.fetchGate != nil {
		<-f.fetchGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return HistoryPage{}, f.fetchErr
	}
	return f.pages[page], nil
}

func (f *fakeHistory) MarkRead(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.markedIDs = append(f.markedIDs, id)
	return nil
}

func (f *fakeHistory) MarkAllRead(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.markedAll++
	return nil
}

func (f *fakeHistory) calls() int {
	return int(atomic.LoadInt32(&f.fetchCalls))
}

func twoPageHistory() *fakeHistory {
	return &fakeHistory{
		pages: map[int]HistoryPage{
			0: {
				Content: []Record{
					friendRecord(30, "Lan", 1, at(30, 12)),
					friendRecord(29, "Minh", 2, at(30, 11)),
				},
				TotalPages: 2,
			},
			1: {
				Content: []Record{
					friendRecord(29, "Minh", 2, at(30, 11)), // overlaps page 0
					friendRecord(28, "Hoa", 3, at(30, 10)),
				},
				TotalPages: 2,
			},
		},
	}
}

func TestStoreFetchPageZeroReplaces(t *testing.T) {
	api := twoPageHistory()
	store, err := NewStore(api)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.FetchPage(ctx, 0))
	require.Len(t, store.Records(), 2)
	require.True(t, store.HasMore())
	require.Equal(t, 0, store.Page())
	require.False(t, store.Loading())
	require.NoError(t, store.Err())

	// A refresh after live ingestion drops everything not on page 0.
	store.Ingest(friendRecord(99, "Tuan", 4, Time{}))
	require.Len(t, store.Records(), 3)
	require.NoError(t, store.Refresh(ctx))
	require.Len(t, store.Records(), 2)
}

func TestStorePaginationMonotonicity(t *testing.T) {
	api := twoPageHistory()
	store, err := NewStore(api)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.FetchPage(ctx, 0))
	require.NoError(t, store.LoadMore(ctx))

	records := store.Records()
	require.Len(t, records, 3) // overlap deduplicated by id
	seen := map[int64]bool{}
	for _, rec := range records {
		require.False(t, seen[rec.ID], "duplicate id %d", rec.ID)
		seen[rec.ID] = true
	}
	require.True(t, seen[30] && seen[29] && seen[28])

	require.Equal(t, 1, store.Page())
	require.False(t, store.HasMore())

	// No more pages: LoadMore is a no-op.
	calls := api.calls()
	require.NoError(t, store.LoadMore(ctx))
	require.Equal(t, calls, api.calls())
}

func TestStoreRejectsOverlappingFetch(t *testing.T) {
	api := twoPageHistory()
	api.fetchGate = make(chan struct{})
	api.gateEntered = make(chan struct{}, 1)

	store, err := NewStore(api)
	require.NoError(t, err)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- store.FetchPage(ctx, 0) }()

	<-api.gateEntered
	require.True(t, store.Loading())
	require.ErrorIs(t, store.FetchPage(ctx, 0), apperrors.ErrFetchInFlight)
	require.ErrorIs(t, store.FetchPage(ctx, 1), apperrors.ErrFetchInFlight)
	require.NoError(t, store.LoadMore(ctx)) // no-op while loading

	close(api.fetchGate)
	require.NoError(t, <-done)
	require.Equal(t, 1, api.calls())
}

func TestStoreFetchFailureLeavesStateUntouched(t *testing.T) {
	api := twoPageHistory()
	store, err := NewStore(api)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.FetchPage(ctx, 0))
	before := store.Records()

	api.mu.Lock()
	api.fetchErr = errors.New("503 from upstream")
	api.mu.Unlock()

	require.Error(t, store.FetchPage(ctx, 1))
	require.Equal(t, before, store.Records())
	require.Equal(t, 0, store.Page())
	require.False(t, store.Loading())
	require.Error(t, store.Err())

	// Retry succeeds once the upstream recovers and clears the error.
	api.mu.Lock()
	api.fetchErr = nil
	api.mu.Unlock()
	require.NoError(t, store.FetchPage(ctx, 1))
	require.NoError(t, store.Err())
}

func TestStoreInvalidPage(t *testing.T) {
	store, err := NewStore(twoPageHistory())
	require.NoError(t, err)
	require.ErrorIs(t, store.FetchPage(context.Background(), -1), apperrors.ErrInvalidPage)
}

func TestStoreIngestOrderIndependence(t *testing.T) {
	live := friendRecord(31, "Tuan", 4, Time{})

	// The record is server-persisted before it is pushed, so the history API's
	// first page already contains it.
	withLive := func() *fakeHistory {
		api := twoPageHistory()
		page := api.pages[0]
		page.Content = append([]Record{live}, page.Content...)
		api.pages[0] = page
		return api
	}

	// Push delivered before the fetch resolves.
	first, err := NewStore(withLive())
	require.NoError(t, err)
	first.Ingest(live)
	require.NoError(t, first.FetchPage(context.Background(), 0))

	// Push delivered after the fetch.
	second, err := NewStore(withLive())
	require.NoError(t, err)
	require.NoError(t, second.FetchPage(context.Background(), 0))
	second.Ingest(live)

	ids := func(records []Record) map[int64]bool {
		out := map[int64]bool{}
		for _, rec := range records {
			out[rec.ID] = true
		}
		return out
	}
	require.Equal(t, ids(second.Records()), ids(first.Records()))
	require.Equal(t, second.UnreadCount(), first.UnreadCount())

	// The null-timestamp live record displays first.
	require.Equal(t, live.ID, second.Entries()[0].ID)
}

func TestStoreIngestReplacesSameID(t *testing.T) {
	store, err := NewStore(twoPageHistory())
	require.NoError(t, err)
	require.NoError(t, store.FetchPage(context.Background(), 0))

	updated := friendRecord(30, "Lan", 1, at(30, 12))
	updated.IsRead = true
	store.Ingest(updated)

	require.Len(t, store.Records(), 2)
	for _, rec := range store.Records() {
		if rec.ID == 30 {
			require.True(t, rec.IsRead)
		}
	}
}

func TestStoreUnreadCountedOverDisplayEntries(t *testing.T) {
	api := &fakeHistory{
		pages: map[int]HistoryPage{
			0: {
				Content: []Record{
					postRecord(3, TypeLike, "Lan", 1, 42, at(30, 12)),
					postRecord(2, TypeLike, "Minh", 2, 42, at(30, 11)),
					postRecord(1, TypeComment, "Hoa", 3, 42, at(30, 10)),
					friendRecord(4, "Tuan", 4, at(30, 9)),
				},
				TotalPages: 1,
			},
		},
	}
	store, err := NewStore(api)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.FetchPage(ctx, 0))

	// One grouped entry (3 unread members) plus one single: two unread entries,
	// not four unread records.
	require.Len(t, store.Entries(), 2)
	require.Equal(t, 2, store.UnreadCount())

	// Reading two of three group members leaves the group unread.
	store.MarkAsRead(ctx, 3)
	store.MarkAsRead(ctx, 2)
	require.Equal(t, 2, store.UnreadCount())

	// Reading the last member flips the grouped entry.
	store.MarkAsRead(ctx, 1)
	require.Equal(t, 1, store.UnreadCount())

	store.MarkAllAsRead(ctx)
	require.Equal(t, 0, store.UnreadCount())
	require.Equal(t, []int64{3, 2, 1}, api.markedIDs)
	require.Equal(t, 1, api.markedAll)
}

func TestStoreMarkReadSurvivesRemoteFailure(t *testing.T) {
	api := twoPageHistory()
	api.markErr = errors.New("PUT /notifications/30/read: 500")

	store, err := NewStore(api)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.FetchPage(ctx, 0))
	require.Equal(t, 2, store.UnreadCount())

	// Optimistic update sticks even though the remote call failed.
	store.MarkAsRead(ctx, 30)
	require.Equal(t, 1, store.UnreadCount())

	store.MarkAllAsRead(ctx)
	require.Equal(t, 0, store.UnreadCount())
}

func TestStoreMarkReadIdempotent(t *testing.T) {
	api := twoPageHistory()
	store, err := NewStore(api)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.FetchPage(ctx, 0))

	store.MarkAsRead(ctx, 30)
	store.MarkAsRead(ctx, 30)
	require.Equal(t, 1, store.UnreadCount())
	require.Equal(t, []int64{30, 30}, api.markedIDs) // remote informed each time
}

func TestStoreOnChangeObservers(t *testing.T) {
	store, err := NewStore(twoPageHistory())
	require.NoError(t, err)

	var mu sync.Mutex
	var snapshots []Snapshot
	store.OnChange(func(s Snapshot) {
		mu.Lock()
		snapshots = append(snapshots, s)
		mu.Unlock()
	})

	require.NoError(t, store.FetchPage(context.Background(), 0))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(snapshots), 2) // loading start + resolution
	require.True(t, snapshots[0].Loading)
	last := snapshots[len(snapshots)-1]
	require.False(t, last.Loading)
	require.Len(t, last.Entries, 2)
	require.Equal(t, 2, last.UnreadCount)
}

func TestStoreSetPushError(t *testing.T) {
	store, err := NewStore(twoPageHistory())
	require.NoError(t, err)

	pushErr := errors.New("push: connection lost")
	store.SetPushError(pushErr)
	require.ErrorIs(t, store.Err(), pushErr)

	store.SetPushError(nil)
	require.NoError(t, store.Err())
}

func TestStoreConcurrentIngestAndRead(t *testing.T) {
	store, err := NewStore(twoPageHistory())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := int64(0); i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			store.Ingest(friendRecord(100+id, "Lan", 1, NewTime(time.Date(2026, 8, 30, 0, int(id), 0, 0, time.UTC))))
		}(i)
	}
	wg.Wait()

	require.Len(t, store.Records(), 50)
	require.Equal(t, 50, store.UnreadCount())
}
