package fs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCleanupTestFS(t *testing.T, cfg CleanupConfig) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(Options{DBPath: ":memory:", Cleanup: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestOrphanGracePeriod(t *testing.T) {
	t.Parallel()
	fs := newCleanupTestFS(t, CleanupConfig{
		MinOrphanCount: 1000, // never triggers opportunistically
		MinOrphanAge:   50 * time.Millisecond,
	})

	_, err := fs.Write("/f", []byte("doomed"), nil)
	require.NoError(t, err)
	require.NoError(t, fs.Unlink("/f"))

	// inside the grace period the orphan survives
	result, err := fs.RunScheduledCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Found)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Cleaned)

	row, err := getBlobRow(fs.metadata.db, BlobID([]byte("doomed")))
	require.NoError(t, err)
	assert.Zero(t, row.RefCount)

	// past the grace period it is reclaimed
	time.Sleep(80 * time.Millisecond)
	result, err = fs.RunScheduledCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Cleaned)

	_, err = getBlobRow(fs.metadata.db, BlobID([]byte("doomed")))
	require.Error(t, err)
}

func TestOrphanRescuedByRewrite(t *testing.T) {
	t.Parallel()
	fs := newCleanupTestFS(t, CleanupConfig{
		MinOrphanCount: 1000,
		MinOrphanAge:   time.Hour,
	})

	content := []byte("phoenix")
	_, err := fs.Write("/a", content, nil)
	require.NoError(t, err)
	require.NoError(t, fs.Unlink("/a"))

	// identical content re-uses the orphaned row instead of re-storing
	_, err = fs.Write("/b", content, nil)
	require.NoError(t, err)
	row, err := getBlobRow(fs.metadata.db, BlobID(content))
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.RefCount)

	// nothing eligible for cleanup anymore
	result, err := fs.RunScheduledCleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Found)
}

func TestShouldRunThreshold(t *testing.T) {
	t.Parallel()
	fs := newCleanupTestFS(t, CleanupConfig{
		MinOrphanCount: 2,
		MinOrphanAge:   time.Hour,
	})

	_, err := fs.Write("/1", []byte("one"), nil)
	require.NoError(t, err)
	require.NoError(t, fs.Unlink("/1"))
	assert.False(t, fs.Cleanup().ShouldRun(), "one orphan is below the threshold")

	_, err = fs.Write("/2", []byte("two"), nil)
	require.NoError(t, err)
	require.NoError(t, fs.Unlink("/2"))
	assert.True(t, fs.Cleanup().ShouldRun())
}

func TestCleanupStats(t *testing.T) {
	t.Parallel()
	fs := newCleanupTestFS(t, CleanupConfig{
		MinOrphanCount: 1000,
		MinOrphanAge:   time.Millisecond,
	})

	_, err := fs.Write("/s", []byte("stat me"), nil)
	require.NoError(t, err)
	require.NoError(t, fs.Unlink("/s"))

	time.Sleep(10 * time.Millisecond)
	_, err = fs.RunScheduledCleanup(context.Background())
	require.NoError(t, err)

	stats := fs.Cleanup().Stats()
	assert.Equal(t, int64(1), stats.CleanupCount)
	assert.Equal(t, int64(1), stats.TotalCleaned)
	assert.Zero(t, stats.OrphanCount)
	assert.NotZero(t, stats.LastCleanup)
}

func TestCleanupBatchLimit(t *testing.T) {
	t.Parallel()
	fs := newCleanupTestFS(t, CleanupConfig{
		MinOrphanCount: 1000,
		MinOrphanAge:   time.Millisecond,
		BatchSize:      3,
	})

	for _, s := range []string{"a", "b", "c", "d", "e"} {
		_, err := fs.Write("/"+s, []byte("batch-"+s), nil)
		require.NoError(t, err)
		require.NoError(t, fs.Unlink("/"+s))
	}

	time.Sleep(10 * time.Millisecond)
	result, err := fs.RunScheduledCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Found, "batch size caps a single pass")
	assert.Equal(t, 3, result.Cleaned)

	result, err = fs.RunScheduledCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Cleaned)
}
