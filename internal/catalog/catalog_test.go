package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustEntry(t *testing.T, rawURL string, priority int, from string) *Entry {
	t.Helper()
	e, err := NewEntry(rawURL, priority, from)
	require.NoError(t, err)
	return e
}

func TestInsertIfAbsentDeduplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := mustEntry(t, "HTTP://EXAMPLE.ORG/a/", PriorityUser, "")
	res, err := s.InsertIfAbsent(ctx, []*Entry{first})
	require.NoError(t, err)
	assert.Equal(t, InsertResult{Added: 1, Skipped: 0}, res)

	// Normalization-equivalent URL is a duplicate.
	second := mustEntry(t, "http://example.org/a", PriorityUser, "")
	res, err = s.InsertIfAbsent(ctx, []*Entry{second})
	require.NoError(t, err)
	assert.Equal(t, InsertResult{Added: 0, Skipped: 1}, res)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Total)

	got, err := s.GetByURL(ctx, "http://example.org/a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "http://example.org/a", got.URL)
}

func TestInsertNeverUpdatesExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := mustEntry(t, "https://example.org/a", PriorityDiscovered, "crawl:https://example.org")
	_, err := s.InsertIfAbsent(ctx, []*Entry{e})
	require.NoError(t, err)

	// Re-inserting with a higher priority must not change the stored row.
	again := mustEntry(t, "https://example.org/a", PriorityUser, "")
	_, err = s.InsertIfAbsent(ctx, []*Entry{again})
	require.NoError(t, err)

	got, err := s.Get(ctx, e.URLHash)
	require.NoError(t, err)
	assert.Equal(t, PriorityDiscovered, got.Priority)
	assert.Equal(t, "crawl:https://example.org", got.DiscoveredFrom)
}

func TestClaimBatchOrdersAndMarksInFlight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	low := mustEntry(t, "https://example.org/low", PriorityDiscovered, "")
	low.AddedAt = time.Now().Add(-2 * time.Hour)
	high := mustEntry(t, "https://example.org/high", PriorityUser, "")
	high.AddedAt = time.Now().Add(-1 * time.Hour)
	older := mustEntry(t, "https://example.org/older", PriorityDiscovered, "")
	older.AddedAt = time.Now().Add(-3 * time.Hour)

	_, err := s.InsertIfAbsent(ctx, []*Entry{low, high, older})
	require.NoError(t, err)

	batch, err := s.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "https://example.org/high", batch[0].URL)  // priority wins
	assert.Equal(t, "https://example.org/older", batch[1].URL) // then age

	// A second claim must not return the same entries.
	batch2, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch2, 1)
	assert.Equal(t, "https://example.org/low", batch2[0].URL)

	// Queue drained.
	batch3, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch3)
}

func TestRequeueInFlight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := mustEntry(t, "https://example.org/a", PriorityUser, "")
	_, err := s.InsertIfAbsent(ctx, []*Entry{e})
	require.NoError(t, err)

	_, err = s.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	n, err := s.RequeueInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	batch, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestMarkFetchedSetsTimestamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := mustEntry(t, "https://docs.example.com/intro", PriorityUser, "")
	_, err := s.InsertIfAbsent(ctx, []*Entry{e})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	next := now.Add(14 * 24 * time.Hour)
	require.NoError(t, s.MarkFetched(ctx, e.URLHash, now, next))

	got, err := s.Get(ctx, e.URLHash)
	require.NoError(t, err)
	assert.Equal(t, StatusFetched, got.Status)
	assert.Equal(t, now, got.LastFetchedAt)
	assert.Equal(t, next, got.NextRefreshAt)
	assert.GreaterOrEqual(t, got.NextRefreshAt.Unix(), got.LastFetchedAt.Unix())
}

func TestFailureAccounting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	const maxRetries = 3

	e := mustEntry(t, "https://example.org/flaky", PriorityUser, "")
	_, err := s.InsertIfAbsent(ctx, []*Entry{e})
	require.NoError(t, err)

	// Two transient failures return the entry to pending.
	for i := 1; i < maxRetries; i++ {
		_, err = s.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, s.MarkFailed(ctx, e.URLHash, "HTTP 500", true, maxRetries))

		got, err := s.Get(ctx, e.URLHash)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, i, got.RetryCount)
	}

	// The third exhausts retries.
	_, err = s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, e.URLHash, "HTTP 500", true, maxRetries))

	got, err := s.Get(ctx, e.URLHash)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, maxRetries, got.RetryCount)
	assert.Equal(t, "HTTP 500", got.LastError)

	// Failed entries are not claimable.
	batch, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := mustEntry(t, "https://example.org/gone", PriorityUser, "")
	_, err := s.InsertIfAbsent(ctx, []*Entry{e})
	require.NoError(t, err)

	_, err = s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, e.URLHash, "HTTP 404", false, 3))

	got, err := s.Get(ctx, e.URLHash)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestDueForRefresh(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := mustEntry(t, "https://docs.example.com/old", PriorityUser, "")
	notDue := mustEntry(t, "https://docs.example.com/new", PriorityUser, "")
	video := mustEntry(t, "https://www.youtube.com/watch?v=abc", PriorityUser, "")

	_, err := s.InsertIfAbsent(ctx, []*Entry{due, notDue, video})
	require.NoError(t, err)

	require.NoError(t, s.MarkFetched(ctx, due.URLHash, now.Add(-15*24*time.Hour), now.Add(-24*time.Hour)))
	require.NoError(t, s.MarkFetched(ctx, notDue.URLHash, now, now.Add(14*24*time.Hour)))
	// Videos get no next_refresh_at at all.
	require.NoError(t, s.MarkFetched(ctx, video.URLHash, now, time.Time{}))

	got, err := s.DueForRefresh(ctx, now, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.URLHash, got[0].URLHash)
}

func TestClearProtectsFetched(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fetched := mustEntry(t, "https://example.org/done", PriorityUser, "")
	pending := mustEntry(t, "https://example.org/todo", PriorityUser, "")
	_, err := s.InsertIfAbsent(ctx, []*Entry{fetched, pending})
	require.NoError(t, err)
	require.NoError(t, s.MarkFetched(ctx, fetched.URLHash, time.Now(), time.Time{}))

	_, err = s.Clear(ctx, StatusFetched)
	require.Error(t, err)

	n, err := s.Clear(ctx, StatusPending, StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.ByStatus[StatusFetched])
	assert.Equal(t, 0, counts.ByStatus[StatusPending])
}

func TestDeleteAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := mustEntry(t, "https://example.org/a", PriorityUser, "")
	_, err := s.InsertIfAbsent(ctx, []*Entry{e})
	require.NoError(t, err)
	require.NoError(t, s.LogAPICall(ctx, APICall{APIName: "search", Success: true, LatencyMS: 12}))

	require.NoError(t, s.DeleteAll(ctx))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Total)
}

func TestQuotaSnapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LogAPICall(ctx, APICall{APIName: "search", Success: true, LatencyMS: 10, RemainingQuota: 1990}))
	require.NoError(t, s.LogAPICall(ctx, APICall{APIName: "search", Success: false, LatencyMS: 8, RemainingQuota: -1}))
	require.NoError(t, s.LogAPICall(ctx, APICall{APIName: "llm", Success: true, LatencyMS: 900, RemainingQuota: -1}))

	snaps, err := s.QuotaSnapshots(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	byName := map[string]QuotaSnapshot{}
	for _, snap := range snaps {
		byName[snap.APIName] = snap
	}
	assert.Equal(t, 2, byName["search"].Calls)
	assert.Equal(t, 1, byName["search"].Failures)
	assert.Equal(t, 1990, byName["search"].RemainingQuota)
	assert.Equal(t, -1, byName["llm"].RemainingQuota)
}
