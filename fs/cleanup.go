package fs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CleanupConfig tunes the orphan blob scheduler. Zero values select the
// defaults.
type CleanupConfig struct {
	// MinOrphanCount is the orphan backlog required before a run starts.
	MinOrphanCount int
	// MinOrphanAge is the grace period before a zero-refcount blob is
	// eligible for removal.
	MinOrphanAge time.Duration
	// BatchSize caps rows inspected per invocation.
	BatchSize int
	// Async defers opportunistic runs to a background goroutine.
	Async bool
}

func (c CleanupConfig) withDefaults() CleanupConfig {
	if c.MinOrphanCount <= 0 {
		c.MinOrphanCount = 10
	}
	if c.MinOrphanAge <= 0 {
		c.MinOrphanAge = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// CleanupResult summarizes one scheduler run.
type CleanupResult struct {
	Cleaned int `json:"cleaned"`
	Skipped int `json:"skipped"`
	Found   int `json:"found"`
}

// CleanupStats is the scheduler's cumulative bookkeeping.
type CleanupStats struct {
	LastCleanup  int64 `json:"lastCleanupMs,omitempty"`
	CleanupCount int64 `json:"cleanupCount"`
	TotalCleaned int64 `json:"totalCleaned"`
	OrphanCount  int64 `json:"orphanCount"`
}

// CleanupScheduler reclaims orphaned blobs (reference count zero) after a
// grace period. Mutation paths nudge it opportunistically; it never runs two
// sweeps at once.
type CleanupScheduler struct {
	fs  *Filesystem
	cfg CleanupConfig

	mu           sync.Mutex
	running      bool
	lastCleanup  int64
	cleanupCount int64
	totalCleaned int64

	wg   sync.WaitGroup
	done chan struct{}
}

func newCleanupScheduler(f *Filesystem, cfg CleanupConfig) *CleanupScheduler {
	return &CleanupScheduler{
		fs:   f,
		cfg:  cfg.withDefaults(),
		done: make(chan struct{}),
	}
}

func (c *CleanupScheduler) stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.wg.Wait()
}

// ShouldRun reports whether a sweep would start right now: not already
// running and enough orphans accumulated.
func (c *CleanupScheduler) ShouldRun() bool {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	count, err := c.orphanCount()
	if err != nil {
		return false
	}
	return count >= int64(c.cfg.MinOrphanCount)
}

func (c *CleanupScheduler) orphanCount() (int64, error) {
	if err := c.fs.metadata.ensureInit(); err != nil {
		return 0, err
	}
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	var n int64
	err := c.fs.q().QueryRow(`SELECT COUNT(*) FROM blobs WHERE refcount = 0`).Scan(&n)
	return n, err
}

// maybeRunBackground starts a sweep if the threshold is met. With Async
// disabled the sweep runs inline.
func (c *CleanupScheduler) maybeRunBackground() {
	if !c.ShouldRun() {
		return
	}
	if !c.cfg.Async {
		c.Run(context.Background())
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-c.done:
			return
		default:
		}
		c.Run(context.Background())
	}()
}

// Run performs one sweep: inspect up to BatchSize zero-refcount blobs oldest
// first, delete those past the grace period, skip the rest.
func (c *CleanupScheduler) Run(ctx context.Context) (*CleanupResult, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return &CleanupResult{}, nil
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if err := c.fs.metadata.ensureInit(); err != nil {
		return nil, err
	}

	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()

	type orphan struct {
		id        string
		tier      Tier
		createdMs int64
	}
	rows, err := c.fs.q().Query(`
		SELECT id, tier, created_ms FROM blobs
		WHERE refcount = 0 ORDER BY created_ms ASC LIMIT ?`, c.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.tier, &o.createdMs); err != nil {
			rows.Close()
			return nil, err
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &CleanupResult{Found: len(orphans)}
	cutoff := time.Now().Add(-c.cfg.MinOrphanAge).UnixMilli()
	for _, o := range orphans {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if o.createdMs > cutoff {
			result.Skipped++
			continue
		}
		if err := c.fs.deleteBlobRow(c.fs.q(), o.id, o.tier); err != nil {
			log.Warn().Err(err).Str("blobID", o.id).Msg("Could not reclaim orphaned blob.")
			result.Skipped++
			continue
		}
		result.Cleaned++
	}

	c.mu.Lock()
	c.lastCleanup = nowMs()
	c.cleanupCount++
	c.totalCleaned += int64(result.Cleaned)
	c.mu.Unlock()

	if result.Cleaned > 0 {
		log.Debug().
			Int("cleaned", result.Cleaned).
			Int("skipped", result.Skipped).
			Msg("Orphan cleanup pass finished.")
	}
	return result, nil
}

// Stats reports the scheduler's counters plus the current orphan backlog.
func (c *CleanupScheduler) Stats() CleanupStats {
	count, _ := c.orphanCount()
	c.mu.Lock()
	defer c.mu.Unlock()
	return CleanupStats{
		LastCleanup:  c.lastCleanup,
		CleanupCount: c.cleanupCount,
		TotalCleaned: c.totalCleaned,
		OrphanCount:  count,
	}
}

// RunScheduledCleanup runs one sweep regardless of the orphan threshold.
func (f *Filesystem) RunScheduledCleanup(ctx context.Context) (*CleanupResult, error) {
	return f.cleanup.Run(ctx)
}

// Cleanup exposes the scheduler for stats and tuning.
func (f *Filesystem) Cleanup() *CleanupScheduler {
	return f.cleanup
}
