package fs

import (
	"database/sql"
	"fmt"
	gopath "path"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tierfs/tierfs/errdefs"
	"github.com/tierfs/tierfs/fs/watch"
)

// maxSymlinkDepth bounds symlink chain resolution.
const maxSymlinkDepth = 40

// DefaultHotThreshold is the largest content size kept inline in the
// metadata store.
const DefaultHotThreshold = 1 << 20

// DefaultHighWaterMark bounds read-stream chunk sizes.
const DefaultHighWaterMark = 64 * 1024

// Options configures a Filesystem.
type Options struct {
	// DBPath locates the sqlite metadata database. ":memory:" is accepted.
	DBPath string
	// Warm and Cold are optional secondary object stores. A nil store makes
	// the corresponding tier unavailable.
	Warm ObjectStore
	Cold ObjectStore
	// HotThreshold is the inline-content size cutoff in bytes.
	HotThreshold int64
	// HighWaterMark bounds stream chunk sizes in bytes.
	HighWaterMark int
	// Cleanup tunes the orphan blob scheduler.
	Cleanup CleanupConfig
}

// Filesystem is the POSIX-semantics engine over the metadata and blob
// stores. It is the sole owner of all metadata mutations; every public
// operation serializes through one writer domain.
type Filesystem struct {
	metadata      *metadataStore
	warm          ObjectStore
	cold          ObjectStore
	hotThreshold  int64
	highWaterMark int

	// mu serializes the writer domain. The broadcaster runs beside the
	// engine and never shares references with it across a suspension.
	mu sync.Mutex

	// explicit transaction state, guarded by mu
	tx             *sql.Tx
	txDepth        int
	savepoints     []string
	savepointMarks []int // txEvents length at each savepoint
	savepointSeq   int
	txEvents       []watch.Event
	txLog          []TxLogEntry
	txSeq          int64

	nextHandle uint64
	handles    map[uint64]*Handle

	cleanup *CleanupScheduler

	sinkMu sync.RWMutex
	sink   func(watch.Event)
}

// NewFilesystem opens the metadata store and wires the optional tier
// backends. The schema is created lazily on first operation.
func NewFilesystem(opts Options) (*Filesystem, error) {
	if opts.DBPath == "" {
		opts.DBPath = ":memory:"
	}
	if opts.HotThreshold <= 0 {
		opts.HotThreshold = DefaultHotThreshold
	}
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = DefaultHighWaterMark
	}
	meta, err := openMetadataStore(opts.DBPath)
	if err != nil {
		return nil, err
	}
	f := &Filesystem{
		metadata:      meta,
		warm:          opts.Warm,
		cold:          opts.Cold,
		hotThreshold:  opts.HotThreshold,
		highWaterMark: opts.HighWaterMark,
		handles:       make(map[uint64]*Handle),
	}
	f.cleanup = newCleanupScheduler(f, opts.Cleanup)
	return f, nil
}

// Close flushes and closes every store. Open handles are invalidated.
func (f *Filesystem) Close() error {
	f.cleanup.stop()
	f.mu.Lock()
	if f.tx != nil {
		f.tx.Rollback()
		f.tx = nil
		f.txDepth = 0
		f.savepoints = nil
	}
	f.handles = make(map[uint64]*Handle)
	f.mu.Unlock()

	err := f.metadata.close()
	if f.warm != nil {
		f.warm.Close()
	}
	if f.cold != nil {
		f.cold.Close()
	}
	return err
}

// SetEventSink registers the callback receiving change events, normally the
// watch broadcaster's Publish.
func (f *Filesystem) SetEventSink(fn func(watch.Event)) {
	f.sinkMu.Lock()
	f.sink = fn
	f.sinkMu.Unlock()
}

func (f *Filesystem) publish(events []watch.Event) {
	if len(events) == 0 {
		return
	}
	f.sinkMu.RLock()
	sink := f.sink
	f.sinkMu.RUnlock()
	if sink == nil {
		return
	}
	for _, e := range events {
		sink(e)
	}
}

// finish routes an op's events either into the surrounding explicit
// transaction (emitted on commit) or out to the sink. Called with mu held;
// returned func runs after unlock.
func (f *Filesystem) finish(events []watch.Event) func() {
	if f.tx != nil {
		f.txEvents = append(f.txEvents, events...)
		return func() {}
	}
	return func() {
		f.publish(events)
		f.cleanup.maybeRunBackground()
	}
}

// q returns the active querier: the explicit transaction when one is open,
// the database otherwise.
func (f *Filesystem) q() querier {
	if f.tx != nil {
		return f.tx
	}
	return f.metadata.db
}

// withTx runs fn atomically. Inside an explicit transaction it nests via a
// savepoint; otherwise it opens its own transaction.
func (f *Filesystem) withTx(fn func(q querier) error) error {
	if f.tx != nil {
		f.savepointSeq++
		name := fmt.Sprintf("sp_auto_%d", f.savepointSeq)
		if _, err := f.tx.Exec("SAVEPOINT " + name); err != nil {
			return err
		}
		if err := fn(f.tx); err != nil {
			f.tx.Exec("ROLLBACK TO " + name)
			f.tx.Exec("RELEASE " + name)
			return err
		}
		_, err := f.tx.Exec("RELEASE " + name)
		return err
	}

	tx, err := f.metadata.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// enter is the common prologue of every public operation.
func (f *Filesystem) enter() error {
	if err := f.metadata.ensureInit(); err != nil {
		return err
	}
	f.mu.Lock()
	return nil
}

func checkPath(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", errInvalid("path must be absolute", path)
	}
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	return path, nil
}

// resolveInode follows symlink chains starting at path, bounded at
// maxSymlinkDepth hops.
func (f *Filesystem) resolveInode(q querier, path string) (*Inode, error) {
	inode, err := inodeByPath(q, path)
	if err != nil {
		return nil, err
	}
	depth := 0
	for inode.IsSymlink() {
		depth++
		if depth > maxSymlinkDepth {
			return nil, errLoop(path)
		}
		target := inode.Target
		if !strings.HasPrefix(target, "/") {
			target = gopath.Join(dirName(inode.Path), target)
		}
		target = gopath.Clean(target)
		inode, err = inodeByPath(q, target)
		if err != nil {
			return nil, err
		}
	}
	return inode, nil
}

// ReadRange selects an inclusive [Start, End] byte window.
type ReadRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Read returns a file's content, following symlinks. A non-nil rng selects
// the inclusive byte window [Start, End], clamped to the file size. Reading
// updates the access time.
func (f *Filesystem) Read(path string, rng *ReadRange) ([]byte, error) {
	path, err := checkPath(path)
	if err != nil {
		return nil, err
	}
	if err := f.enter(); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	inode, err := f.resolveInode(f.q(), path)
	if err != nil {
		return nil, err
	}
	if inode.IsDir() {
		return nil, errIsDir(path)
	}

	var content []byte
	if inode.HasBlob() {
		content, err = f.getBlobContent(f.q(), inode.BlobID)
		if err != nil {
			return nil, err
		}
	} else {
		content = []byte{}
	}

	if rng != nil {
		size := int64(len(content))
		if rng.Start < 0 || rng.Start >= size && size > 0 || rng.End < rng.Start {
			return nil, errInvalid("invalid read range", path)
		}
		end := rng.End
		if end >= size {
			end = size - 1
		}
		if size == 0 {
			content = []byte{}
		} else {
			content = content[rng.Start : end+1]
		}
	}

	f.q().Exec(`UPDATE files SET atime_ms = ? WHERE id = ?`, nowMs(), inode.ID)
	return content, nil
}

// WriteOptions tune a Write.
type WriteOptions struct {
	// Exclusive fails with EEXIST when the target already exists.
	Exclusive bool
	// Append concatenates to existing content instead of replacing it.
	Append bool
	// Mode is the POSIX mode for a newly created file (0644 when zero).
	Mode uint32
	UID  int
	GID  int
	// Tier overrides automatic tier selection.
	Tier Tier
}

// Write stores content at path. Content is always content-addressed: the
// payload lands in the blob store and the inode references it by id.
func (f *Filesystem) Write(path string, data []byte, opts *WriteOptions) (*Inode, error) {
	path, err := checkPath(path)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &WriteOptions{}
	}
	if err := f.enter(); err != nil {
		return nil, err
	}

	var (
		inode  *Inode
		events []watch.Event
	)
	err = f.withTx(func(q querier) error {
		var txErr error
		inode, events, txErr = f.writeInTx(q, path, data, *opts)
		return txErr
	})
	after := f.finish(events)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	after()
	return inode, nil
}

// Append concatenates data to an existing file, creating it if absent.
func (f *Filesystem) Append(path string, data []byte) (*Inode, error) {
	return f.Write(path, data, &WriteOptions{Append: true})
}

// writeInTx implements Write inside a transaction. Ordering matters for
// crash safety: the new blob reference is obtained before the old one is
// released, so an interruption leaves the old content live.
func (f *Filesystem) writeInTx(q querier, path string, data []byte, opts WriteOptions) (*Inode, []watch.Event, error) {
	existing, err := inodeByPath(q, path)
	if err == nil && existing.IsSymlink() {
		resolved, rerr := f.resolveInode(q, path)
		if rerr == nil {
			path = resolved.Path
			existing = resolved
		} else if errdefs.IsNotFound(rerr) {
			return nil, nil, rerr
		} else {
			return nil, nil, rerr
		}
	}

	now := nowMs()
	if err == nil {
		// overwrite
		if existing.IsDir() {
			return nil, nil, errIsDir(path)
		}
		if opts.Exclusive {
			return nil, nil, errExists(path)
		}
		if opts.Append {
			old, rerr := f.contentOf(q, existing)
			if rerr != nil {
				return nil, nil, rerr
			}
			data = append(old, data...)
		}

		newBlob, tier, werr := f.storeContent(q, data, opts.Tier)
		if werr != nil {
			return nil, nil, werr
		}
		if existing.BlobID != "" {
			if werr := decBlobRef(q, existing.BlobID); werr != nil {
				return nil, nil, werr
			}
		}
		_, werr = q.Exec(`
			UPDATE files SET size = ?, blob_id = ?, tier = ?, mtime_ms = ?, ctime_ms = ?
			WHERE id = ?`,
			len(data), nullable(newBlob), tier, now, now, existing.ID)
		if werr != nil {
			return nil, nil, werr
		}
		updated, werr := inodeByID(q, existing.ID)
		if werr != nil {
			return nil, nil, werr
		}
		return updated, []watch.Event{{
			Type:    watch.EventModify,
			Path:    path,
			Size:    int64(len(data)),
			MtimeMs: now,
		}}, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, nil, err
	}

	// create
	parent, err := inodeByPath(q, dirName(path))
	if err != nil {
		return nil, nil, err
	}
	if !parent.IsDir() {
		return nil, nil, errNotDir(dirName(path))
	}

	newBlob, tier, err := f.storeContent(q, data, opts.Tier)
	if err != nil {
		return nil, nil, err
	}
	mode := opts.Mode
	if mode == 0 {
		mode = 0o644
	}
	parentID := parent.ID
	inode := &Inode{
		Path:      path,
		Name:      baseName(path),
		ParentID:  &parentID,
		Type:      TypeFile,
		Mode:      mode,
		UID:       opts.UID,
		GID:       opts.GID,
		Size:      int64(len(data)),
		BlobID:    newBlob,
		Tier:      tier,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
		Birthtime: now,
		Nlink:     1,
	}
	id, err := insertInode(q, inode)
	if err != nil {
		return nil, nil, err
	}
	inode.ID = id
	return inode, []watch.Event{{
		Type:    watch.EventCreate,
		Path:    path,
		Size:    inode.Size,
		MtimeMs: now,
	}}, nil
}

// storeContent puts non-empty content into the blob store. Zero-length files
// carry no blob id.
func (f *Filesystem) storeContent(q querier, data []byte, override Tier) (string, Tier, error) {
	if len(data) == 0 {
		return "", TierHot, nil
	}
	tier := f.selectTier(int64(len(data)), override)
	id, err := f.putBlob(q, data, tier)
	return id, tier, err
}

// contentOf returns an inode's bytes, or empty for blobless files.
func (f *Filesystem) contentOf(q querier, inode *Inode) ([]byte, error) {
	if !inode.HasBlob() {
		return []byte{}, nil
	}
	return f.getBlobContent(q, inode.BlobID)
}

// Truncate resizes a file. Growing pads with zero bytes.
func (f *Filesystem) Truncate(path string, size int64) error {
	path, err := checkPath(path)
	if err != nil {
		return err
	}
	if size < 0 {
		return errInvalid("negative truncate size", path)
	}
	if err := f.enter(); err != nil {
		return err
	}

	var events []watch.Event
	err = f.withTx(func(q querier) error {
		inode, err := f.resolveInode(q, path)
		if err != nil {
			return err
		}
		if inode.IsDir() {
			return errIsDir(path)
		}
		content, err := f.contentOf(q, inode)
		if err != nil {
			return err
		}
		switch {
		case int64(len(content)) == size:
			return nil
		case int64(len(content)) > size:
			content = content[:size]
		default:
			content = append(content, make([]byte, size-int64(len(content)))...)
		}
		_, events, err = f.writeInTx(q, inode.Path, content, WriteOptions{})
		return err
	})
	after := f.finish(events)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	after()
	return nil
}

// Unlink removes a file or symlink. Directories fail with EISDIR.
func (f *Filesystem) Unlink(path string) error {
	path, err := checkPath(path)
	if err != nil {
		return err
	}
	if err := f.enter(); err != nil {
		return err
	}

	var events []watch.Event
	err = f.withTx(func(q querier) error {
		inode, err := inodeByPath(q, path)
		if err != nil {
			return err
		}
		if inode.IsDir() {
			return errIsDir(path)
		}
		if err := f.removeFileRow(q, inode); err != nil {
			return err
		}
		events = []watch.Event{{Type: watch.EventDelete, Path: path}}
		return nil
	})
	after := f.finish(events)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	after()
	return nil
}

// removeFileRow deletes a file or symlink row, releasing its blob reference
// and updating hard-link counts on rows sharing the blob.
func (f *Filesystem) removeFileRow(q querier, inode *Inode) error {
	if inode.BlobID != "" {
		if err := decBlobRef(q, inode.BlobID); err != nil {
			return err
		}
		if inode.Nlink > 1 {
			if _, err := q.Exec(`
				UPDATE files SET nlink = nlink - 1
				WHERE blob_id = ? AND id != ? AND nlink > 1`,
				inode.BlobID, inode.ID); err != nil {
				return err
			}
		}
	}
	_, err := q.Exec(`DELETE FROM files WHERE id = ?`, inode.ID)
	return err
}

// Stat returns inode metadata, following symlinks.
func (f *Filesystem) Stat(path string) (*Inode, error) {
	path, err := checkPath(path)
	if err != nil {
		return nil, err
	}
	if err := f.enter(); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	return f.resolveInode(f.q(), path)
}

// Lstat returns inode metadata without following a leaf symlink.
func (f *Filesystem) Lstat(path string) (*Inode, error) {
	path, err := checkPath(path)
	if err != nil {
		return nil, err
	}
	if err := f.enter(); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	return inodeByPath(f.q(), path)
}

// Exists reports whether a path names an inode (dangling symlinks included).
func (f *Filesystem) Exists(path string) (bool, error) {
	_, err := f.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// Access verifies a path is reachable. Mode bits are recorded but not
// enforced, so reachability is the whole check.
func (f *Filesystem) Access(path string, mode uint32) error {
	_, err := f.Stat(path)
	return err
}

// Chmod updates the POSIX mode bits.
func (f *Filesystem) Chmod(path string, mode uint32) error {
	return f.updateMeta(path, `mode = ?`, mode)
}

// Chown records new ownership. No authorization is applied.
func (f *Filesystem) Chown(path string, uid, gid int) error {
	return f.updateMeta(path, `uid = ?, gid = ?`, uid, gid)
}

// Utimes sets access and modification times in milliseconds.
func (f *Filesystem) Utimes(path string, atimeMs, mtimeMs int64) error {
	return f.updateMeta(path, `atime_ms = ?, mtime_ms = ?`, atimeMs, mtimeMs)
}

func (f *Filesystem) updateMeta(path, setClause string, args ...any) error {
	path, err := checkPath(path)
	if err != nil {
		return err
	}
	if err := f.enter(); err != nil {
		return err
	}

	var events []watch.Event
	err = func() error {
		inode, err := f.resolveInode(f.q(), path)
		if err != nil {
			return err
		}
		query := `UPDATE files SET ` + setClause + `, ctime_ms = ? WHERE id = ?`
		args := append(append([]any{}, args...), nowMs(), inode.ID)
		if _, err := f.q().Exec(query, args...); err != nil {
			return err
		}
		events = []watch.Event{{Type: watch.EventModify, Path: inode.Path, MtimeMs: nowMs()}}
		return nil
	}()
	after := f.finish(events)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	after()
	return nil
}

// Symlink creates a symbolic link whose target is stored verbatim. Dangling
// targets are permitted; jail checks on targets belong to the caller.
func (f *Filesystem) Symlink(target, linkPath string) (*Inode, error) {
	linkPath, err := checkPath(linkPath)
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, errInvalid("empty symlink target", linkPath)
	}
	if err := f.enter(); err != nil {
		return nil, err
	}

	var (
		inode  *Inode
		events []watch.Event
	)
	err = f.withTx(func(q querier) error {
		if _, err := inodeByPath(q, linkPath); err == nil {
			return errExists(linkPath)
		} else if !errdefs.IsNotFound(err) {
			return err
		}
		parent, err := inodeByPath(q, dirName(linkPath))
		if err != nil {
			return err
		}
		if !parent.IsDir() {
			return errNotDir(dirName(linkPath))
		}
		now := nowMs()
		parentID := parent.ID
		inode = &Inode{
			Path:      linkPath,
			Name:      baseName(linkPath),
			ParentID:  &parentID,
			Type:      TypeSymlink,
			Mode:      0o777,
			Size:      int64(len(target)),
			Target:    target,
			Tier:      TierHot,
			Atime:     now,
			Mtime:     now,
			Ctime:     now,
			Birthtime: now,
			Nlink:     1,
		}
		id, err := insertInode(q, inode)
		inode.ID = id
		events = []watch.Event{{Type: watch.EventCreate, Path: linkPath, MtimeMs: now}}
		return err
	})
	after := f.finish(events)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	after()
	return inode, nil
}

// Link creates a hard link: a second inode row sharing the source's blob.
// Both rows carry the incremented link count.
func (f *Filesystem) Link(existingPath, newPath string) (*Inode, error) {
	existingPath, err := checkPath(existingPath)
	if err != nil {
		return nil, err
	}
	newPath, err = checkPath(newPath)
	if err != nil {
		return nil, err
	}
	if err := f.enter(); err != nil {
		return nil, err
	}

	var (
		inode  *Inode
		events []watch.Event
	)
	err = f.withTx(func(q querier) error {
		src, err := inodeByPath(q, existingPath)
		if err != nil {
			return err
		}
		if src.IsDir() {
			return errIsDir(existingPath)
		}
		if _, err := inodeByPath(q, newPath); err == nil {
			return errExists(newPath)
		} else if !errdefs.IsNotFound(err) {
			return err
		}
		parent, err := inodeByPath(q, dirName(newPath))
		if err != nil {
			return err
		}
		if !parent.IsDir() {
			return errNotDir(dirName(newPath))
		}

		if src.BlobID != "" {
			if err := incBlobRef(q, src.BlobID); err != nil {
				return err
			}
		}
		newNlink := src.Nlink + 1
		if _, err := q.Exec(`UPDATE files SET nlink = ?, ctime_ms = ? WHERE id = ?`,
			newNlink, nowMs(), src.ID); err != nil {
			return err
		}
		now := nowMs()
		parentID := parent.ID
		inode = &Inode{
			Path:      newPath,
			Name:      baseName(newPath),
			ParentID:  &parentID,
			Type:      src.Type,
			Mode:      src.Mode,
			UID:       src.UID,
			GID:       src.GID,
			Size:      src.Size,
			BlobID:    src.BlobID,
			Target:    src.Target,
			Tier:      src.Tier,
			Atime:     now,
			Mtime:     src.Mtime,
			Ctime:     now,
			Birthtime: now,
			Nlink:     newNlink,
		}
		id, err := insertInode(q, inode)
		inode.ID = id
		events = []watch.Event{{Type: watch.EventCreate, Path: newPath, Size: src.Size, MtimeMs: now}}
		return err
	})
	after := f.finish(events)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	after()
	return inode, nil
}

// Readlink returns a symlink's stored target.
func (f *Filesystem) Readlink(path string) (string, error) {
	inode, err := f.Lstat(path)
	if err != nil {
		return "", err
	}
	if !inode.IsSymlink() {
		return "", errInvalid("not a symlink", path)
	}
	return inode.Target, nil
}

// Realpath resolves symlink chains and returns the final physical path.
func (f *Filesystem) Realpath(path string) (string, error) {
	inode, err := f.Stat(path)
	if err != nil {
		return "", err
	}
	return inode.Path, nil
}

// logOpError is shared zerolog seasoning for engine failures worth noting.
func logOpError(op, path string, err error) {
	if err == nil || errdefs.IsNotFound(err) {
		return
	}
	log.Debug().Err(err).Str("op", op).Str("path", path).Msg("Filesystem operation failed.")
}
