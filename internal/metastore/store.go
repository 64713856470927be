// Package metastore is the durable metadata store: per-package fetch/access
// counters and TTLs, and an RPC response cache, backed by a single SQLite
// file under the cache root.
package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/alecthomas/errors"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers "sqlite"

	"github.com/xamionex/aurora-server/internal/logging"
)

// DefaultTTLHours is the TTL every materialization is recorded with.
// spec.md §9 leaves per-package TTL configuration an open question and
// instructs implementers to preserve the source's behaviour of always
// overwriting with this constant.
const DefaultTTLHours = 12

// rpcCacheTTL is the maximum age of a cached RPC response before it is
// lazily evicted at read time.
const rpcCacheTTL = 12 * time.Hour

// Record is a single row of the packages relation.
type Record struct {
	Name                 string
	FetchedAt            time.Time
	LastAccessed         time.Time
	LastMeaningfulAccess time.Time
	TTLHours             int
	FetchCount           int64
	TotalRequests        int64
}

// Stats is the aggregate view served by GET /stats.
type Stats struct {
	TotalPackages int64
	TotalRequests int64
	TotalFetches  int64
	LastUpdated   time.Time
}

// Store is the metadata store. One Store owns one packages.db file; the
// handle is process-wide, shared by every lane (C4, C5, C6), per spec.md
// §9's "single metadata-store handle" design note.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if absent) the SQLite database at
// cacheRoot/packages.db, runs migrations, and repairs zeroed counters.
// Errors here are fatal to the process per spec.md §4.1.
func Open(ctx context.Context, cacheRoot string) (*Store, error) {
	dbPath := filepath.Join(cacheRoot, "packages.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	// SQLite does not support concurrent writers; serialize through one
	// connection so readers never see a mid-transaction state from writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate metadata store")
	}
	if err := s.FixZeroCounts(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "fix zero counts")
	}

	logging.FromContext(ctx).InfoContext(ctx, "metadata store initialised", "path", dbPath)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS packages (
			name TEXT PRIMARY KEY,
			fetched_at TIMESTAMP NOT NULL,
			last_accessed TIMESTAMP NOT NULL,
			last_meaningful_access TIMESTAMP NOT NULL,
			ttl_hours INTEGER NOT NULL DEFAULT 12,
			fetch_count INTEGER NOT NULL DEFAULT 1,
			total_requests INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_fetch_count ON packages(fetch_count DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_total_requests ON packages(total_requests DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_fetched_at ON packages(fetched_at DESC)`,
		`CREATE TABLE IF NOT EXISTS rpc_cache (
			key TEXT PRIMARY KEY,
			response_data BLOB NOT NULL,
			cached_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS hourly_activity (
			hour_start TIMESTAMP NOT NULL,
			package_name TEXT NOT NULL,
			fetch_count INTEGER NOT NULL DEFAULT 0,
			request_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (hour_start, package_name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "exec %q", stmt)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return errors.WithStack(s.db.Close())
}

// DB exposes the underlying *sql.DB for tests that need to manipulate rows
// directly (e.g. backdating fetched_at to exercise TTL expiry).
func (s *Store) DB() *sql.DB {
	return s.db
}

// RecordFetch implements record_fetch: insert-or-update fetched_at,
// fetch_count, ttl_hours for name. ttl is always the caller's constant per
// spec.md §9's open question — no per-package TTL is computed here.
func (s *Store) RecordFetch(ctx context.Context, name string, ttl int) {
	logger := logging.FromContext(ctx)
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packages (name, fetched_at, last_accessed, last_meaningful_access, ttl_hours, fetch_count, total_requests)
		VALUES (?, ?, ?, ?, ?, 1, 1)
		ON CONFLICT(name) DO UPDATE SET
			fetched_at = excluded.fetched_at,
			fetch_count = packages.fetch_count + 1,
			ttl_hours = excluded.ttl_hours
	`, name, now, now, now, ttl)
	if err != nil {
		logger.ErrorContext(ctx, "record_fetch failed", "name", name, "error", err)
	}
}

// TouchAccess implements touch_access: last_accessed := now,
// total_requests += 1. No-op if name is absent.
func (s *Store) TouchAccess(ctx context.Context, name string) {
	logger := logging.FromContext(ctx)
	_, err := s.db.ExecContext(ctx, `
		UPDATE packages SET last_accessed = ?, total_requests = total_requests + 1
		WHERE name = ?
	`, time.Now().UTC(), name)
	if err != nil {
		logger.ErrorContext(ctx, "touch_access failed", "name", name, "error", err)
	}
}

// TouchMeaningful implements touch_meaningful: last_meaningful_access :=
// now. No-op if absent.
func (s *Store) TouchMeaningful(ctx context.Context, name string) {
	logger := logging.FromContext(ctx)
	_, err := s.db.ExecContext(ctx, `
		UPDATE packages SET last_meaningful_access = ? WHERE name = ?
	`, time.Now().UTC(), name)
	if err != nil {
		logger.ErrorContext(ctx, "touch_meaningful failed", "name", name, "error", err)
	}
}

// IncrementFetch implements increment_fetch: fetch_count += 1. Used when a
// request hits an already-materialized repository.
func (s *Store) IncrementFetch(ctx context.Context, name string) {
	logger := logging.FromContext(ctx)
	_, err := s.db.ExecContext(ctx, `
		UPDATE packages SET fetch_count = fetch_count + 1 WHERE name = ?
	`, name)
	if err != nil {
		logger.ErrorContext(ctx, "increment_fetch failed", "name", name, "error", err)
	}
}

// ShouldRefresh implements should_refresh: true if no record exists, or if
// now - fetched_at >= ttl_hours.
func (s *Store) ShouldRefresh(ctx context.Context, name string) bool {
	logger := logging.FromContext(ctx)
	var fetchedAt time.Time
	var ttlHours int
	err := s.db.QueryRowContext(ctx, `
		SELECT fetched_at, ttl_hours FROM packages WHERE name = ?
	`, name).Scan(&fetchedAt, &ttlHours)
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	if err != nil {
		logger.ErrorContext(ctx, "should_refresh failed", "name", name, "error", err)
		return false
	}
	return time.Since(fetchedAt) >= time.Duration(ttlHours)*time.Hour
}

// FixZeroCounts implements fix_zero_counts: a one-shot startup repair
// setting any fetch_count or total_requests <= 0 to 1.
func (s *Store) FixZeroCounts(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE packages SET fetch_count = 1 WHERE fetch_count <= 0`)
	if err != nil {
		return errors.Wrap(err, "fix fetch_count")
	}
	_, err = s.db.ExecContext(ctx, `UPDATE packages SET total_requests = 1 WHERE total_requests <= 0`)
	if err != nil {
		return errors.Wrap(err, "fix total_requests")
	}
	return nil
}

// GetRecord implements get_record. Returns (nil, false) if absent or on
// error; per spec.md §4.1 per-call errors surface as absence of data.
func (s *Store) GetRecord(ctx context.Context, name string) (*Record, bool) {
	logger := logging.FromContext(ctx)
	row := s.db.QueryRowContext(ctx, `
		SELECT name, fetched_at, last_accessed, last_meaningful_access, ttl_hours, fetch_count, total_requests
		FROM packages WHERE name = ?
	`, name)
	var r Record
	err := row.Scan(&r.Name, &r.FetchedAt, &r.LastAccessed, &r.LastMeaningfulAccess, &r.TTLHours, &r.FetchCount, &r.TotalRequests)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		logger.ErrorContext(ctx, "get_record failed", "name", name, "error", err)
		return nil, false
	}
	return &r, true
}

// TopFetched implements top_fetched(limit): the limit packages with the
// highest fetch_count.
func (s *Store) TopFetched(ctx context.Context, limit int) []Record {
	return s.topBy(ctx, "fetch_count", limit)
}

// TopRequested implements top_requested(limit): the limit packages with
// the highest total_requests.
func (s *Store) TopRequested(ctx context.Context, limit int) []Record {
	return s.topBy(ctx, "total_requests", limit)
}

// RecentlyFetched implements recently_fetched(limit): the limit packages
// with the most recent fetched_at.
func (s *Store) RecentlyFetched(ctx context.Context, limit int) []Record {
	return s.topBy(ctx, "fetched_at", limit)
}

func (s *Store) topBy(ctx context.Context, column string, limit int) []Record {
	logger := logging.FromContext(ctx)
	query := fmt.Sprintf(`
		SELECT name, fetched_at, last_accessed, last_meaningful_access, ttl_hours, fetch_count, total_requests
		FROM packages ORDER BY %s DESC LIMIT ?
	`, column)
	rows, err := s.db.QueryContext(ctx, query, limit) //nolint:gosec // column is one of a fixed internal set, never user input
	if err != nil {
		logger.ErrorContext(ctx, "top-N query failed", "column", column, "error", err)
		return nil
	}
	defer rows.Close() //nolint:errcheck

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Name, &r.FetchedAt, &r.LastAccessed, &r.LastMeaningfulAccess, &r.TTLHours, &r.FetchCount, &r.TotalRequests); err != nil {
			logger.ErrorContext(ctx, "top-N scan failed", "column", column, "error", err)
			return nil
		}
		out = append(out, r)
	}
	return out
}

// Stats implements stats(): the aggregate counters served by GET /stats.
func (s *Store) Stats(ctx context.Context) Stats {
	logger := logging.FromContext(ctx)
	var stats Stats
	var lastUpdated sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_requests), 0), COALESCE(SUM(fetch_count), 0), MAX(fetched_at)
		FROM packages
	`).Scan(&stats.TotalPackages, &stats.TotalRequests, &stats.TotalFetches, &lastUpdated)
	if err != nil {
		logger.ErrorContext(ctx, "stats query failed", "error", err)
		return Stats{}
	}
	if lastUpdated.Valid {
		stats.LastUpdated = lastUpdated.Time
	}
	return stats
}

// CacheSize implements cache_size(): the sum of on-disk sizes for each
// name in packages, rendered with a power-of-1024 unit suffix and
// two-decimal precision.
func (s *Store) CacheSize(ctx context.Context, cacheRoot string) string {
	logger := logging.FromContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM packages`)
	if err != nil {
		logger.ErrorContext(ctx, "cache_size query failed", "error", err)
		return formatBytes(0)
	}
	defer rows.Close() //nolint:errcheck

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			logger.ErrorContext(ctx, "cache_size scan failed", "error", err)
			continue
		}
		names = append(names, name)
	}

	var total int64
	for _, name := range names {
		total += dirSize(filepath.Join(cacheRoot, name))
	}
	return formatBytes(total)
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort; missing/unreadable paths just contribute 0
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr
		}
		total += info.Size()
		return nil
	})
	return total
}

func formatBytes(n int64) string {
	const unit = 1024.0
	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(n)
	idx := 0
	for size >= unit && idx < len(units)-1 {
		size /= unit
		idx++
	}
	return fmt.Sprintf("%.2f%s", size, units[idx])
}

// RPCCacheGet implements the RPC cache's get(key): the stored JSON if
// present and now - cached_at < 12h; otherwise the row is deleted and
// nothing is returned.
func (s *Store) RPCCacheGet(ctx context.Context, key string) ([]byte, bool) {
	logger := logging.FromContext(ctx)
	var data []byte
	var cachedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT response_data, cached_at FROM rpc_cache WHERE key = ?
	`, key).Scan(&data, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		logger.ErrorContext(ctx, "rpc cache get failed", "key", key, "error", err)
		return nil, false
	}
	if time.Since(cachedAt) >= rpcCacheTTL {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM rpc_cache WHERE key = ?`, key); err != nil {
			logger.ErrorContext(ctx, "rpc cache evict failed", "key", key, "error", err)
		}
		return nil, false
	}
	return data, true
}

// RPCCachePut implements the RPC cache's put(key, data): an upsert.
func (s *Store) RPCCachePut(ctx context.Context, key string, data []byte) {
	logger := logging.FromContext(ctx)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rpc_cache (key, response_data, cached_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET response_data = excluded.response_data, cached_at = excluded.cached_at
	`, key, data, time.Now().UTC())
	if err != nil {
		logger.ErrorContext(ctx, "rpc cache put failed", "key", key, "error", err)
	}
}

// SortedJoin sorts names and joins them with sep. Used by
// internal/rpctranslate to build the canonical RPC cache key, so that any
// permutation of arg[] parameters yields the same key (spec.md §8's
// canonical-key law).
func SortedJoin(names []string, sep string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	out := ""
	for i, n := range sorted {
		if i > 0 {
			out += sep
		}
		out += n
	}
	return out
}
