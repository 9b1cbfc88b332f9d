package fs

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const blobIDPrefix = "blob-"

// BlobID derives the content-addressed id for a byte sequence.
func BlobID(content []byte) string {
	sum := sha256.Sum256(content)
	return blobIDPrefix + hex.EncodeToString(sum[:])
}

// blobRow mirrors one row of the blobs table (without the inline payload).
type blobRow struct {
	ID        string
	Size      int64
	Checksum  string
	Tier      Tier
	RefCount  int64
	CreatedMs int64
}

// DedupStats summarizes content deduplication across all live blobs.
type DedupStats struct {
	TotalBlobs int64   `json:"totalBlobs"`
	TotalRefs  int64   `json:"totalRefs"`
	DedupRatio float64 `json:"dedupRatio"`
	SavedBytes int64   `json:"savedBytes"`
}

// IntegrityReport is the result of re-hashing a stored blob.
type IntegrityReport struct {
	BlobID         string `json:"blobId"`
	StoredChecksum string `json:"storedChecksum"`
	ActualChecksum string `json:"actualChecksum"`
	Valid          bool   `json:"valid"`
}

// selectTier picks a storage class for content of the given size. An explicit
// override wins; otherwise content at or below the hot threshold stays hot,
// and larger content goes warm when a warm store is configured.
func (f *Filesystem) selectTier(size int64, override Tier) Tier {
	if override != "" {
		return override
	}
	if size <= f.hotThreshold {
		return TierHot
	}
	if f.warm != nil {
		return TierWarm
	}
	return TierHot
}

// objectStore returns the backend for a non-hot tier.
func (f *Filesystem) objectStore(tier Tier) (ObjectStore, error) {
	switch tier {
	case TierWarm:
		if f.warm == nil {
			return nil, errUnavailable("warm tier backend not configured")
		}
		return f.warm, nil
	case TierCold:
		if f.cold == nil {
			return nil, errUnavailable("cold tier backend not configured")
		}
		return f.cold, nil
	}
	return nil, errUnavailable(fmt.Sprintf("no object store for tier %q", tier))
}

// putBlob stores content under its content-addressed id. A second put of
// identical content increments the existing row's refcount instead of
// storing anything.
func (f *Filesystem) putBlob(q querier, content []byte, tier Tier) (string, error) {
	id := BlobID(content)
	res, err := q.Exec(`UPDATE blobs SET refcount = refcount + 1 WHERE id = ?`, id)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return id, nil
	}

	checksum := strings.TrimPrefix(id, blobIDPrefix)
	if tier == TierHot {
		_, err = q.Exec(`
			INSERT INTO blobs (id, data, size, checksum, tier, refcount, created_ms)
			VALUES (?, ?, ?, ?, 'hot', 1, ?)`,
			id, content, len(content), checksum, nowMs())
		return id, err
	}

	// secondary object first, row second: a crash in between leaves a
	// harmless unreferenced object, never a row without bytes
	store, err := f.objectStore(tier)
	if err != nil {
		return "", err
	}
	if err := store.Put(id, content); err != nil {
		return "", err
	}
	_, err = q.Exec(`
		INSERT INTO blobs (id, size, checksum, tier, refcount, created_ms)
		VALUES (?, ?, ?, ?, 1, ?)`,
		id, len(content), checksum, tier, nowMs())
	return id, err
}

// getBlobRow fetches blob bookkeeping without the payload.
func getBlobRow(q querier, id string) (*blobRow, error) {
	var b blobRow
	err := q.QueryRow(`
		SELECT id, size, checksum, tier, refcount, created_ms
		FROM blobs WHERE id = ?`, id).
		Scan(&b.ID, &b.Size, &b.Checksum, &b.Tier, &b.RefCount, &b.CreatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// getBlobContent returns a blob's bytes from wherever its tier says they live.
func (f *Filesystem) getBlobContent(q querier, id string) ([]byte, error) {
	row, err := getBlobRow(q, id)
	if err != nil {
		return nil, err
	}
	if row.Tier == TierHot {
		var data []byte
		err := q.QueryRow(`SELECT data FROM blobs WHERE id = ?`, id).Scan(&data)
		if err != nil {
			return nil, err
		}
		if data == nil {
			data = []byte{}
		}
		return data, nil
	}
	store, err := f.objectStore(row.Tier)
	if err != nil {
		return nil, err
	}
	return store.Get(id)
}

// incBlobRef atomically increments a blob's reference count.
func incBlobRef(q querier, id string) error {
	res, err := q.Exec(`UPDATE blobs SET refcount = refcount + 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNotFound(id)
	}
	return nil
}

// decBlobRef atomically decrements a blob's reference count. A count of zero
// marks the row an orphan; reclamation is deferred to the cleanup scheduler
// so interrupted multi-step mutations never lose live bytes.
func decBlobRef(q querier, id string) error {
	_, err := q.Exec(`UPDATE blobs SET refcount = refcount - 1 WHERE id = ? AND refcount > 0`, id)
	return err
}

// moveBlobTier migrates a blob's payload between tiers. The destination is
// written first and the source deleted last; a crash in between leaves a
// stale source object that cleanup reclaims, never a blob without bytes.
func (f *Filesystem) moveBlobTier(q querier, id string, content []byte, from, to Tier) error {
	if from == to {
		return nil
	}

	if to == TierHot {
		if _, err := q.Exec(`UPDATE blobs SET data = ?, tier = 'hot' WHERE id = ?`, content, id); err != nil {
			return err
		}
	} else {
		store, err := f.objectStore(to)
		if err != nil {
			return err
		}
		if err := store.Put(id, content); err != nil {
			return err
		}
		if _, err := q.Exec(`UPDATE blobs SET data = NULL, tier = ? WHERE id = ?`, to, id); err != nil {
			return err
		}
	}

	// clear the source location
	if from == TierHot {
		if to != TierHot {
			_, err := q.Exec(`UPDATE blobs SET data = NULL WHERE id = ?`, id)
			return err
		}
		return nil
	}
	store, err := f.objectStore(from)
	if err != nil {
		return err
	}
	return store.Delete(id)
}

// deleteBlobRow removes a blob row and its secondary object, if any.
func (f *Filesystem) deleteBlobRow(q querier, id string, tier Tier) error {
	if tier != TierHot {
		if store, err := f.objectStore(tier); err == nil {
			if err := store.Delete(id); err != nil {
				return err
			}
		}
	}
	_, err := q.Exec(`DELETE FROM blobs WHERE id = ?`, id)
	return err
}

// VerifyIntegrity re-reads and re-hashes a blob, reporting whether the stored
// checksum still matches the content.
func (f *Filesystem) VerifyIntegrity(id string) (*IntegrityReport, error) {
	if err := f.metadata.ensureInit(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	row, err := getBlobRow(f.metadata.db, id)
	if err != nil {
		return nil, err
	}
	content, err := f.getBlobContent(f.metadata.db, id)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(content)
	actual := hex.EncodeToString(sum[:])
	return &IntegrityReport{
		BlobID:         id,
		StoredChecksum: row.Checksum,
		ActualChecksum: actual,
		Valid:          actual == row.Checksum,
	}, nil
}

// GetDedupStats reports deduplication effectiveness across all live blobs.
func (f *Filesystem) GetDedupStats() (*DedupStats, error) {
	if err := f.metadata.ensureInit(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var stats DedupStats
	err := f.metadata.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(refcount), 0),
		       COALESCE(SUM((refcount - 1) * size), 0)
		FROM blobs WHERE refcount > 0`).
		Scan(&stats.TotalBlobs, &stats.TotalRefs, &stats.SavedBytes)
	if err != nil {
		return nil, err
	}
	if stats.TotalBlobs > 0 {
		stats.DedupRatio = float64(stats.TotalRefs) / float64(stats.TotalBlobs)
	}
	return &stats, nil
}
