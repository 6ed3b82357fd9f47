package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	qerrors "github.com/quarry-kb/quarry/internal/errors"
)

// Store is the SQLite-backed URL catalog. It exclusively owns the lifecycle
// of catalog entries; only the discovery orchestrator, queue processor,
// refresher, and operator maintenance write to it.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	closed bool
}

const schema = `
CREATE TABLE IF NOT EXISTS catalog (
	url_hash        TEXT PRIMARY KEY,
	url             TEXT NOT NULL,
	kind            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	priority        INTEGER NOT NULL DEFAULT 50,
	discovered_from TEXT NOT NULL DEFAULT '',
	added_at        INTEGER NOT NULL,
	last_fetched_at INTEGER,
	next_refresh_at INTEGER,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	refresh_policy  TEXT NOT NULL DEFAULT 'never'
);
CREATE INDEX IF NOT EXISTS idx_catalog_claim
	ON catalog (status, priority DESC, added_at);
CREATE INDEX IF NOT EXISTS idx_catalog_refresh
	ON catalog (status, next_refresh_at);

CREATE TABLE IF NOT EXISTS api_call_log (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	api_name        TEXT NOT NULL,
	timestamp       INTEGER NOT NULL,
	success         INTEGER NOT NULL,
	latency_ms      INTEGER NOT NULL,
	remaining_quota INTEGER NOT NULL DEFAULT -1
);
CREATE INDEX IF NOT EXISTS idx_api_call_log_name
	ON api_call_log (api_name, timestamp);
`

// Open opens (or creates) the catalog database at path.
// WAL mode with a busy timeout handles writer contention between the queue
// processor and refresher.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating catalog directory %s: %w", dir, err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}

	// Single writer prevents SQLITE_BUSY storms.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, qerrors.New(qerrors.ErrCodeCatalogCorrupt, "creating catalog schema", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// InsertIfAbsent inserts entries whose url_hash is not yet present.
// Existing entries are never updated through this path; duplicates are
// counted, not errors.
func (s *Store) InsertIfAbsent(ctx context.Context, entries []*Entry) (InsertResult, error) {
	var res InsertResult
	if len(entries) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO catalog
			(url_hash, url, kind, status, priority, discovered_from, added_at, refresh_policy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url_hash) DO NOTHING`)
	if err != nil {
		return res, fmt.Errorf("preparing insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, e := range entries {
		addedAt := e.AddedAt
		if addedAt.IsZero() {
			addedAt = now
		}
		status := e.Status
		if status == "" {
			status = StatusPending
		}
		policy := e.RefreshPolicy
		if policy == "" {
			policy = DefaultRefreshPolicy(e.Kind)
		}
		r, err := stmt.ExecContext(ctx,
			e.URLHash, e.URL, string(e.Kind), string(status), e.Priority,
			e.DiscoveredFrom, addedAt.Unix(), string(policy))
		if err != nil {
			return res, fmt.Errorf("inserting %s: %w", e.URL, err)
		}
		n, _ := r.RowsAffected()
		if n > 0 {
			res.Added++
		} else {
			res.Skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("committing insert: %w", err)
	}
	return res, nil
}

// ClaimBatch atomically claims up to n pending entries ordered by priority
// (descending) then insertion time. Claimed entries move to in_flight so a
// concurrent worker cannot claim them again.
func (s *Store) ClaimBatch(ctx context.Context, n int) ([]*Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM catalog
		WHERE status = ?
		ORDER BY priority DESC, added_at ASC
		LIMIT ?`, string(StatusPending), n)
	if err != nil {
		return nil, fmt.Errorf("selecting pending entries: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, tx.Commit()
	}

	hashes := make([]any, 0, len(entries))
	for _, e := range entries {
		hashes = append(hashes, e.URLHash)
		e.Status = StatusInFlight
	}
	query := fmt.Sprintf(`UPDATE catalog SET status = '%s' WHERE url_hash IN (%s)`,
		StatusInFlight, placeholders(len(hashes)))
	if _, err := tx.ExecContext(ctx, query, hashes...); err != nil {
		return nil, fmt.Errorf("marking entries in flight: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return entries, nil
}

// RequeueInFlight returns orphaned in_flight entries to pending.
// Called at startup; in_flight rows can only be left behind by a crash.
func (s *Store) RequeueInFlight(ctx context.Context) (int, error) {
	r, err := s.db.ExecContext(ctx,
		`UPDATE catalog SET status = ? WHERE status = ?`,
		string(StatusPending), string(StatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("requeueing in-flight entries: %w", err)
	}
	n, _ := r.RowsAffected()
	if n > 0 {
		slog.Info("requeued_orphaned_entries", slog.Int64("count", n))
	}
	return int(n), nil
}

// MarkFetched transitions an entry to fetched and schedules its next
// refresh. Resets retry accounting.
func (s *Store) MarkFetched(ctx context.Context, urlHash string, when, nextRefresh time.Time) error {
	var next any
	if !nextRefresh.IsZero() {
		next = nextRefresh.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE catalog
		SET status = ?, last_fetched_at = ?, next_refresh_at = ?, retry_count = 0, last_error = ''
		WHERE url_hash = ?`,
		string(StatusFetched), when.Unix(), next, urlHash)
	if err != nil {
		return fmt.Errorf("marking %s fetched: %w", urlHash, err)
	}
	return nil
}

// MarkFailed records a failed attempt. Retriable failures return the entry
// to pending until maxRetries is exhausted; permanent failures and
// exhausted entries stick at failed.
func (s *Store) MarkFailed(ctx context.Context, urlHash, errMsg string, retriable bool, maxRetries int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning failure transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var retryCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT retry_count FROM catalog WHERE url_hash = ?`, urlHash).Scan(&retryCount); err != nil {
		return fmt.Errorf("reading retry count for %s: %w", urlHash, err)
	}

	retryCount++
	status := StatusFailed
	if retriable && retryCount < maxRetries {
		status = StatusPending
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE catalog SET status = ?, retry_count = ?, last_error = ?
		WHERE url_hash = ?`,
		string(status), retryCount, truncateError(errMsg), urlHash); err != nil {
		return fmt.Errorf("marking %s failed: %w", urlHash, err)
	}
	return tx.Commit()
}

// maxErrorLen bounds stored error messages.
const maxErrorLen = 500

func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}

// DueForRefresh returns fetched entries whose refresh deadline has passed,
// oldest deadline first. Entries with policy "never" are excluded by their
// NULL next_refresh_at.
func (s *Store) DueForRefresh(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM catalog
		WHERE status = ? AND refresh_policy != ? AND next_refresh_at IS NOT NULL AND next_refresh_at <= ?
		ORDER BY next_refresh_at ASC
		LIMIT ?`,
		string(StatusFetched), string(RefreshNever), now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("selecting due entries: %w", err)
	}
	return scanEntries(rows)
}

// Get returns the entry with the given hash, or nil if absent.
func (s *Store) Get(ctx context.Context, urlHash string) (*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM catalog WHERE url_hash = ?`, urlHash)
	if err != nil {
		return nil, fmt.Errorf("selecting entry %s: %w", urlHash, err)
	}
	entries, err := scanEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// GetByURL returns the entry for a raw (not yet normalized) URL.
func (s *Store) GetByURL(ctx context.Context, rawURL string) (*Entry, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeInvalidURL, "normalizing URL", err)
	}
	return s.Get(ctx, HashURL(normalized))
}

// Clear bulk-deletes entries in the given statuses. Only pending, failed,
// and in_flight may be cleared; fetched entries are never touched.
func (s *Store) Clear(ctx context.Context, statuses ...Status) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		if st == StatusFetched {
			return 0, qerrors.Permanent(qerrors.ErrCodeContentRejected,
				"clear never touches fetched entries", nil)
		}
		args = append(args, string(st))
	}
	query := fmt.Sprintf(`DELETE FROM catalog WHERE status IN (%s)`, placeholders(len(args)))
	r, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clearing entries: %w", err)
	}
	n, _ := r.RowsAffected()
	return int(n), nil
}

// DeleteAll wipes the catalog. Callers must pair this with a vector index
// wipe to keep the two stores consistent.
func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM catalog`); err != nil {
		return fmt.Errorf("wiping catalog: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM api_call_log`); err != nil {
		return fmt.Errorf("wiping api call log: %w", err)
	}
	return nil
}

// Counts returns entry counts by status and kind.
func (s *Store) Counts(ctx context.Context) (*Counts, error) {
	c := &Counts{
		ByStatus: make(map[Status]int),
		ByKind:   make(map[Kind]int),
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, kind, COUNT(*) FROM catalog GROUP BY status, kind`)
	if err != nil {
		return nil, fmt.Errorf("counting entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status, kind string
		var n int
		if err := rows.Scan(&status, &kind, &n); err != nil {
			return nil, err
		}
		c.ByStatus[Status(status)] += n
		c.ByKind[Kind(kind)] += n
		c.Total += n
	}
	return c, rows.Err()
}

// LogAPICall appends a row to the external-API call log.
func (s *Store) LogAPICall(ctx context.Context, call APICall) error {
	ts := call.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_call_log (api_name, timestamp, success, latency_ms, remaining_quota)
		VALUES (?, ?, ?, ?, ?)`,
		call.APIName, ts.Unix(), boolToInt(call.Success), call.LatencyMS, call.RemainingQuota)
	if err != nil {
		return fmt.Errorf("logging api call: %w", err)
	}
	return nil
}

// QuotaSnapshots summarizes API usage over the trailing window.
func (s *Store) QuotaSnapshots(ctx context.Context, window time.Duration) ([]QuotaSnapshot, error) {
	since := time.Now().UTC().Add(-window).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT api_name,
		       COUNT(*),
		       SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
		       MAX(timestamp)
		FROM api_call_log
		WHERE timestamp >= ?
		GROUP BY api_name`, since)
	if err != nil {
		return nil, fmt.Errorf("summarizing api calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snaps []QuotaSnapshot
	for rows.Next() {
		var snap QuotaSnapshot
		var lastCall int64
		if err := rows.Scan(&snap.APIName, &snap.Calls, &snap.Failures, &lastCall); err != nil {
			return nil, err
		}
		snap.LastCall = time.Unix(lastCall, 0).UTC()
		snap.RemainingQuota = -1
		// Latest reported quota, if the provider returns one.
		err := s.db.QueryRowContext(ctx, `
			SELECT remaining_quota FROM api_call_log
			WHERE api_name = ? AND remaining_quota >= 0
			ORDER BY timestamp DESC LIMIT 1`, snap.APIName).Scan(&snap.RemainingQuota)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

const entryColumns = `url_hash, url, kind, status, priority, discovered_from,
	added_at, last_fetched_at, next_refresh_at, retry_count, last_error, refresh_policy`

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer func() { _ = rows.Close() }()
	var entries []*Entry
	for rows.Next() {
		var e Entry
		var kind, status, policy string
		var addedAt int64
		var lastFetched, nextRefresh sql.NullInt64
		if err := rows.Scan(&e.URLHash, &e.URL, &kind, &status, &e.Priority,
			&e.DiscoveredFrom, &addedAt, &lastFetched, &nextRefresh,
			&e.RetryCount, &e.LastError, &policy); err != nil {
			return nil, fmt.Errorf("scanning catalog row: %w", err)
		}
		e.Kind = Kind(kind)
		e.Status = Status(status)
		e.RefreshPolicy = RefreshPolicy(policy)
		e.AddedAt = time.Unix(addedAt, 0).UTC()
		if lastFetched.Valid {
			e.LastFetchedAt = time.Unix(lastFetched.Int64, 0).UTC()
		}
		if nextRefresh.Valid {
			e.NextRefreshAt = time.Unix(nextRefresh.Int64, 0).UTC()
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
