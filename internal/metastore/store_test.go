package metastore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/xamionex/aurora-server/internal/logging"
	"github.com/xamionex/aurora-server/internal/metastore"
)

func TestRecordFetch_CreatesAndUpdates(t *testing.T) {
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	store, err := metastore.Open(ctx, t.TempDir())
	assert.NoError(t, err)
	defer store.Close() //nolint:errcheck

	store.RecordFetch(ctx, "pkgfoo", metastore.DefaultTTLHours)
	rec, ok := store.GetRecord(ctx, "pkgfoo")
	assert.True(t, ok)
	assert.Equal(t, int64(1), rec.FetchCount)
	assert.Equal(t, int64(1), rec.TotalRequests)
	assert.Equal(t, metastore.DefaultTTLHours, rec.TTLHours)

	store.RecordFetch(ctx, "pkgfoo", metastore.DefaultTTLHours)
	rec, ok = store.GetRecord(ctx, "pkgfoo")
	assert.True(t, ok)
	assert.Equal(t, int64(2), rec.FetchCount)
}

func TestTouchAccess_NoopIfAbsent(t *testing.T) {
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	store, err := metastore.Open(ctx, t.TempDir())
	assert.NoError(t, err)
	defer store.Close() //nolint:errcheck

	store.TouchAccess(ctx, "ghost")
	_, ok := store.GetRecord(ctx, "ghost")
	assert.False(t, ok)
}

func TestTouchAccess_IncrementsTotalRequests(t *testing.T) {
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	store, err := metastore.Open(ctx, t.TempDir())
	assert.NoError(t, err)
	defer store.Close() //nolint:errcheck

	store.RecordFetch(ctx, "pkgfoo", metastore.DefaultTTLHours)
	store.TouchAccess(ctx, "pkgfoo")
	store.TouchAccess(ctx, "pkgfoo")

	rec, ok := store.GetRecord(ctx, "pkgfoo")
	assert.True(t, ok)
	assert.Equal(t, int64(3), rec.TotalRequests)
}

func TestShouldRefresh(t *testing.T) {
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	store, err := metastore.Open(ctx, t.TempDir())
	assert.NoError(t, err)
	defer store.Close() //nolint:errcheck

	assert.True(t, store.ShouldRefresh(ctx, "unknown"))

	store.RecordFetch(ctx, "pkgfoo", metastore.DefaultTTLHours)
	assert.False(t, store.ShouldRefresh(ctx, "pkgfoo"))
}

func TestShouldRefresh_AtExactBoundary(t *testing.T) {
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	store, err := metastore.Open(ctx, t.TempDir())
	assert.NoError(t, err)
	defer store.Close() //nolint:errcheck

	store.RecordFetch(ctx, "pkgfoo", 1)
	assert.False(t, store.ShouldRefresh(ctx, "pkgfoo"))

	_, err = store.DB().ExecContext(ctx, `UPDATE packages SET fetched_at = ? WHERE name = ?`,
		time.Now().Add(-61*time.Minute), "pkgfoo")
	assert.NoError(t, err)
	assert.True(t, store.ShouldRefresh(ctx, "pkgfoo"))
}

func TestFixZeroCounts(t *testing.T) {
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	store, err := metastore.Open(ctx, t.TempDir())
	assert.NoError(t, err)
	defer store.Close() //nolint:errcheck

	store.RecordFetch(ctx, "pkgfoo", metastore.DefaultTTLHours)
	_, err = store.DB().ExecContext(ctx, `UPDATE packages SET fetch_count = 0, total_requests = -1 WHERE name = ?`, "pkgfoo")
	assert.NoError(t, err)

	assert.NoError(t, store.FixZeroCounts(ctx))

	rec, ok := store.GetRecord(ctx, "pkgfoo")
	assert.True(t, ok)
	assert.Equal(t, int64(1), rec.FetchCount)
	assert.Equal(t, int64(1), rec.TotalRequests)
}

func TestTopFetchedOrdering(t *testing.T) {
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	store, err := metastore.Open(ctx, t.TempDir())
	assert.NoError(t, err)
	defer store.Close() //nolint:errcheck

	store.RecordFetch(ctx, "low", metastore.DefaultTTLHours)
	store.RecordFetch(ctx, "high", metastore.DefaultTTLHours)
	store.RecordFetch(ctx, "high", metastore.DefaultTTLHours)
	store.RecordFetch(ctx, "high", metastore.DefaultTTLHours)

	top := store.TopFetched(ctx, 10)
	assert.Equal(t, 2, len(top))
	assert.Equal(t, "high", top[0].Name)
	assert.Equal(t, int64(3), top[0].FetchCount)
}

func TestRPCCache_RoundTrip(t *testing.T) {
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	store, err := metastore.Open(ctx, t.TempDir())
	assert.NoError(t, err)
	defer store.Close() //nolint:errcheck

	key := "/rpc/?type=info&packages=pkgfoo"
	store.RPCCachePut(ctx, key, []byte(`{"hello":"world"}`))

	data, ok := store.RPCCacheGet(ctx, key)
	assert.True(t, ok)
	assert.Equal(t, `{"hello":"world"}`, string(data))
}

func TestRPCCache_ExpiresAndDeletes(t *testing.T) {
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	store, err := metastore.Open(ctx, t.TempDir())
	assert.NoError(t, err)
	defer store.Close() //nolint:errcheck

	key := "/rpc/?type=info&packages=pkgfoo"
	store.RPCCachePut(ctx, key, []byte(`{}`))

	_, err = store.DB().ExecContext(ctx, `UPDATE rpc_cache SET cached_at = ? WHERE key = ?`,
		time.Now().Add(-13*time.Hour), key)
	assert.NoError(t, err)

	_, ok := store.RPCCacheGet(ctx, key)
	assert.False(t, ok)

	var count int
	assert.NoError(t, store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM rpc_cache WHERE key = ?`, key).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSortedJoin_PermutationInvariant(t *testing.T) {
	a := metastore.SortedJoin([]string{"pkgbar", "pkgfoo"}, ",")
	b := metastore.SortedJoin([]string{"pkgfoo", "pkgbar"}, ",")
	assert.Equal(t, a, b)
}

func TestCacheSize_FormatsHumanReadable(t *testing.T) {
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	root := t.TempDir()
	store, err := metastore.Open(ctx, root)
	assert.NoError(t, err)
	defer store.Close() //nolint:errcheck

	assert.Equal(t, "0.00B", store.CacheSize(ctx, root))
}
