package fs

import (
	"strings"

	"github.com/tierfs/tierfs/errdefs"
	"github.com/tierfs/tierfs/fs/watch"
)

// Mkdir creates a directory. With recursive set, missing ancestors are
// created too and an existing target is not an error.
func (f *Filesystem) Mkdir(path string, mode uint32, recursive bool) (*Inode, error) {
	path, err := checkPath(path)
	if err != nil {
		return nil, err
	}
	if mode == 0 {
		mode = 0o755
	}
	if err := f.enter(); err != nil {
		return nil, err
	}

	var (
		inode  *Inode
		events []watch.Event
	)
	err = f.withTx(func(q querier) error {
		if existing, err := inodeByPath(q, path); err == nil {
			if recursive && existing.IsDir() {
				inode = existing
				return nil
			}
			return errExists(path)
		} else if !errdefs.IsNotFound(err) {
			return err
		}

		if recursive {
			var txErr error
			inode, events, txErr = f.mkdirAll(q, path, mode)
			return txErr
		}
		var txErr error
		inode, txErr = f.mkdirOne(q, path, mode)
		if txErr == nil {
			events = []watch.Event{{Type: watch.EventCreate, Path: path, IsDirectory: true}}
		}
		return txErr
	})
	after := f.finish(events)
	f.mu.Unlock()
	if err != nil {
		logOpError("mkdir", path, err)
		return nil, err
	}
	after()
	return inode, nil
}

func (f *Filesystem) mkdirOne(q querier, path string, mode uint32) (*Inode, error) {
	parent, err := inodeByPath(q, dirName(path))
	if err != nil {
		return nil, err
	}
	if !parent.IsDir() {
		return nil, errNotDir(dirName(path))
	}
	now := nowMs()
	parentID := parent.ID
	inode := &Inode{
		Path:      path,
		Name:      baseName(path),
		ParentID:  &parentID,
		Type:      TypeDirectory,
		Mode:      mode,
		Tier:      TierHot,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
		Birthtime: now,
		Nlink:     2,
	}
	id, err := insertInode(q, inode)
	if err != nil {
		return nil, err
	}
	inode.ID = id
	// the new subdirectory's ".." adds a link to the parent
	_, err = q.Exec(`UPDATE files SET nlink = nlink + 1, mtime_ms = ? WHERE id = ?`, now, parent.ID)
	return inode, err
}

func (f *Filesystem) mkdirAll(q querier, path string, mode uint32) (*Inode, []watch.Event, error) {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	current := ""
	var (
		inode  *Inode
		events []watch.Event
	)
	for _, seg := range segments {
		current += "/" + seg
		existing, err := inodeByPath(q, current)
		switch {
		case err == nil:
			if !existing.IsDir() {
				return nil, nil, errNotDir(current)
			}
			inode = existing
		case errdefs.IsNotFound(err):
			inode, err = f.mkdirOne(q, current, mode)
			if err != nil {
				return nil, nil, err
			}
			events = append(events, watch.Event{Type: watch.EventCreate, Path: current, IsDirectory: true})
		default:
			return nil, nil, err
		}
	}
	return inode, events, nil
}

// Rmdir removes a directory. Without recursive it fails with ENOTEMPTY when
// any child exists.
func (f *Filesystem) Rmdir(path string, recursive bool) error {
	path, err := checkPath(path)
	if err != nil {
		return err
	}
	if path == "/" {
		return errInvalid("cannot remove root", path)
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
		if !inode.IsDir() {
			return errNotDir(path)
		}
		if !recursive {
			n, err := childCount(q, inode.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				return errNotEmpty(path)
			}
		}
		events, err = f.removeSubtree(q, inode)
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

// Rm removes a file or directory. With force, a missing target is not an
// error; recursive is required for non-empty directories.
func (f *Filesystem) Rm(path string, recursive, force bool) error {
	path, err := checkPath(path)
	if err != nil {
		return err
	}
	if path == "/" {
		return errInvalid("cannot remove root", path)
	}
	if err := f.enter(); err != nil {
		return err
	}

	var events []watch.Event
	err = f.withTx(func(q querier) error {
		inode, err := inodeByPath(q, path)
		if err != nil {
			if force && errdefs.IsNotFound(err) {
				return nil
			}
			return err
		}
		if inode.IsDir() {
			if !recursive {
				n, err := childCount(q, inode.ID)
				if err != nil {
					return err
				}
				if n > 0 {
					return errNotEmpty(path)
				}
			}
			events, err = f.removeSubtree(q, inode)
			return err
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

// removeSubtree deletes a directory and all descendants depth-first,
// releasing every contained blob reference. Deletes are keyed by row id, so
// a retried traversal is idempotent.
func (f *Filesystem) removeSubtree(q querier, dir *Inode) ([]watch.Event, error) {
	children, err := childrenOf(q, dir.ID)
	if err != nil {
		return nil, err
	}
	var events []watch.Event
	for _, child := range children {
		if child.IsDir() {
			sub, err := f.removeSubtree(q, child)
			if err != nil {
				return nil, err
			}
			events = append(events, sub...)
			continue
		}
		if err := f.removeFileRow(q, child); err != nil {
			return nil, err
		}
		events = append(events, watch.Event{Type: watch.EventDelete, Path: child.Path})
	}
	if _, err := q.Exec(`DELETE FROM files WHERE id = ?`, dir.ID); err != nil {
		return nil, err
	}
	if dir.ParentID != nil {
		q.Exec(`UPDATE files SET nlink = nlink - 1 WHERE id = ? AND nlink > 2`, *dir.ParentID)
	}
	events = append(events, watch.Event{Type: watch.EventDelete, Path: dir.Path, IsDirectory: true})
	return events, nil
}

// ReaddirOptions tune a directory listing.
type ReaddirOptions struct {
	// Recursive walks the whole subtree depth-first.
	Recursive bool
	// WithTypes includes type information per entry.
	WithTypes bool
}

// Readdir lists a directory. Entries come back sorted by name per level.
func (f *Filesystem) Readdir(path string, opts *ReaddirOptions) ([]DirEntry, error) {
	path, err := checkPath(path)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &ReaddirOptions{}
	}
	if err := f.enter(); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	dir, err := f.resolveInode(f.q(), path)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, errNotDir(path)
	}
	entries, err := f.listEntries(f.q(), dir, opts.Recursive)
	if err != nil {
		return nil, err
	}
	if !opts.WithTypes {
		for i := range entries {
			entries[i].Type = ""
		}
	}
	f.q().Exec(`UPDATE files SET atime_ms = ? WHERE id = ?`, nowMs(), dir.ID)
	return entries, nil
}

func (f *Filesystem) listEntries(q querier, dir *Inode, recursive bool) ([]DirEntry, error) {
	children, err := childrenOf(q, dir.ID)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(children))
	for _, child := range children {
		entries = append(entries, entryFromInode(child))
		if recursive && child.IsDir() {
			sub, err := f.listEntries(q, child, true)
			if err != nil {
				return nil, err
			}
			entries = append(entries, sub...)
		}
	}
	return entries, nil
}

// Rename moves an inode. Renaming onto an existing target fails with EEXIST
// unless overwrite is set; directory sources carry their whole subtree.
func (f *Filesystem) Rename(oldPath, newPath string, overwrite bool) error {
	oldPath, err := checkPath(oldPath)
	if err != nil {
		return err
	}
	newPath, err = checkPath(newPath)
	if err != nil {
		return err
	}
	if oldPath == "/" || newPath == "/" {
		return errInvalid("cannot rename root", oldPath)
	}
	if oldPath == newPath {
		return nil
	}
	if newPath == oldPath || strings.HasPrefix(newPath, oldPath+"/") {
		return errInvalid("cannot rename a directory into itself", oldPath)
	}
	if err := f.enter(); err != nil {
		return err
	}

	var events []watch.Event
	err = f.withTx(func(q querier) error {
		src, err := inodeByPath(q, oldPath)
		if err != nil {
			return err
		}

		if dst, err := inodeByPath(q, newPath); err == nil {
			if !overwrite {
				return errExists(newPath)
			}
			if dst.IsDir() {
				n, err := childCount(q, dst.ID)
				if err != nil {
					return err
				}
				if n > 0 {
					return errNotEmpty(newPath)
				}
				if _, err := q.Exec(`DELETE FROM files WHERE id = ?`, dst.ID); err != nil {
					return err
				}
			} else if err := f.removeFileRow(q, dst); err != nil {
				return err
			}
		} else if !errdefs.IsNotFound(err) {
			return err
		}

		newParent, err := inodeByPath(q, dirName(newPath))
		if err != nil {
			return err
		}
		if !newParent.IsDir() {
			return errNotDir(dirName(newPath))
		}

		now := nowMs()
		if _, err := q.Exec(`
			UPDATE files SET path = ?, name = ?, parent_id = ?, ctime_ms = ?
			WHERE id = ?`,
			newPath, baseName(newPath), newParent.ID, now, src.ID); err != nil {
			return err
		}

		if src.IsDir() {
			// rewrite every descendant's path prefix
			prefix := oldPath + "/"
			rows, err := q.Query(`SELECT id, path FROM files WHERE substr(path, 1, length(?)) = ?`,
				prefix, prefix)
			if err != nil {
				return err
			}
			type rename struct {
				id   int64
				path string
			}
			var pending []rename
			for rows.Next() {
				var r rename
				if err := rows.Scan(&r.id, &r.path); err != nil {
					rows.Close()
					return err
				}
				pending = append(pending, r)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
			for _, r := range pending {
				moved := newPath + strings.TrimPrefix(r.path, oldPath)
				if _, err := q.Exec(`UPDATE files SET path = ?, ctime_ms = ? WHERE id = ?`,
					moved, now, r.id); err != nil {
					return err
				}
			}
		}

		events = []watch.Event{{
			Type:        watch.EventRename,
			Path:        newPath,
			OldPath:     oldPath,
			Size:        src.Size,
			IsDirectory: src.IsDir(),
			MtimeMs:     now,
		}}
		return nil
	})
	after := f.finish(events)
	f.mu.Unlock()
	if err != nil {
		logOpError("rename", oldPath, err)
		return err
	}
	after()
	return nil
}

// CopyFile duplicates a file by sharing its blob: the destination gets the
// same blob id and the reference count goes up, no bytes are rehashed.
func (f *Filesystem) CopyFile(srcPath, dstPath string) (*Inode, error) {
	srcPath, err := checkPath(srcPath)
	if err != nil {
		return nil, err
	}
	dstPath, err = checkPath(dstPath)
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
		var txErr error
		inode, events, txErr = f.copyFileInTx(q, srcPath, dstPath, true)
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

func (f *Filesystem) copyFileInTx(q querier, srcPath, dstPath string, preserveMeta bool) (*Inode, []watch.Event, error) {
	src, err := f.resolveInode(q, srcPath)
	if err != nil {
		return nil, nil, err
	}
	if src.IsDir() {
		return nil, nil, errIsDir(srcPath)
	}

	eventType := watch.EventCreate
	if dst, err := inodeByPath(q, dstPath); err == nil {
		if dst.IsDir() {
			return nil, nil, errIsDir(dstPath)
		}
		if err := f.removeFileRow(q, dst); err != nil {
			return nil, nil, err
		}
		eventType = watch.EventModify
	} else if !errdefs.IsNotFound(err) {
		return nil, nil, err
	}

	parent, err := inodeByPath(q, dirName(dstPath))
	if err != nil {
		return nil, nil, err
	}
	if !parent.IsDir() {
		return nil, nil, errNotDir(dirName(dstPath))
	}

	if src.BlobID != "" {
		if err := incBlobRef(q, src.BlobID); err != nil {
			return nil, nil, err
		}
	}
	now := nowMs()
	parentID := parent.ID
	inode := &Inode{
		Path:      dstPath,
		Name:      baseName(dstPath),
		ParentID:  &parentID,
		Type:      TypeFile,
		Mode:      0o644,
		Size:      src.Size,
		BlobID:    src.BlobID,
		Tier:      src.Tier,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
		Birthtime: now,
		Nlink:     1,
	}
	if preserveMeta {
		inode.Mode = src.Mode
		inode.UID = src.UID
		inode.GID = src.GID
		inode.Mtime = src.Mtime
	}
	id, err := insertInode(q, inode)
	if err != nil {
		return nil, nil, err
	}
	inode.ID = id
	return inode, []watch.Event{{
		Type:    eventType,
		Path:    dstPath,
		Size:    src.Size,
		MtimeMs: now,
	}}, nil
}

// CopyDir recursively copies a directory tree. File content is shared via
// blob reference counts, never duplicated. The whole copy is one atomic
// transaction.
func (f *Filesystem) CopyDir(srcPath, dstPath string, preserveMeta bool) error {
	srcPath, err := checkPath(srcPath)
	if err != nil {
		return err
	}
	dstPath, err = checkPath(dstPath)
	if err != nil {
		return err
	}
	if dstPath == srcPath || strings.HasPrefix(dstPath, srcPath+"/") {
		return errInvalid("cannot copy a directory into itself", srcPath)
	}
	if err := f.enter(); err != nil {
		return err
	}

	var events []watch.Event
	err = f.withTx(func(q querier) error {
		src, err := inodeByPath(q, srcPath)
		if err != nil {
			return err
		}
		if !src.IsDir() {
			return errNotDir(srcPath)
		}
		events, err = f.copyDirInTx(q, src, dstPath, preserveMeta)
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

func (f *Filesystem) copyDirInTx(q querier, src *Inode, dstPath string, preserveMeta bool) ([]watch.Event, error) {
	mode := uint32(0o755)
	if preserveMeta {
		mode = src.Mode
	}
	dst, err := f.mkdirOne(q, dstPath, mode)
	if err != nil {
		return nil, err
	}
	if preserveMeta {
		if _, err := q.Exec(`UPDATE files SET uid = ?, gid = ?, mtime_ms = ? WHERE id = ?`,
			src.UID, src.GID, src.Mtime, dst.ID); err != nil {
			return nil, err
		}
	}
	events := []watch.Event{{Type: watch.EventCreate, Path: dstPath, IsDirectory: true}}

	children, err := childrenOf(q, src.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		childDst := dstPath + "/" + child.Name
		switch {
		case child.IsDir():
			sub, err := f.copyDirInTx(q, child, childDst, preserveMeta)
			if err != nil {
				return nil, err
			}
			events = append(events, sub...)
		case child.IsSymlink():
			now := nowMs()
			parentID := dst.ID
			link := &Inode{
				Path: childDst, Name: child.Name, ParentID: &parentID,
				Type: TypeSymlink, Mode: child.Mode, Size: child.Size,
				Target: child.Target, Tier: TierHot,
				Atime: now, Mtime: now, Ctime: now, Birthtime: now, Nlink: 1,
			}
			if _, err := insertInode(q, link); err != nil {
				return nil, err
			}
			events = append(events, watch.Event{Type: watch.EventCreate, Path: childDst})
		default:
			_, sub, err := f.copyFileInTx(q, child.Path, childDst, preserveMeta)
			if err != nil {
				return nil, err
			}
			events = append(events, sub...)
		}
	}
	return events, nil
}

// SetTier migrates a file's content to the target storage tier. Every inode
// sharing the blob follows it. No-op when source equals target.
func (f *Filesystem) SetTier(path string, tier Tier) error {
	path, err := checkPath(path)
	if err != nil {
		return err
	}
	switch tier {
	case TierHot, TierWarm, TierCold:
	default:
		return errInvalid("unknown tier", path)
	}
	if err := f.enter(); err != nil {
		return err
	}
	defer f.mu.Unlock()

	return f.withTx(func(q querier) error {
		inode, err := f.resolveInode(q, path)
		if err != nil {
			return err
		}
		if !inode.HasBlob() {
			if _, err := q.Exec(`UPDATE files SET tier = ? WHERE id = ?`, tier, inode.ID); err != nil {
				return err
			}
			return nil
		}
		row, err := getBlobRow(q, inode.BlobID)
		if err != nil {
			return err
		}
		if row.Tier != tier {
			content, err := f.getBlobContent(q, inode.BlobID)
			if err != nil {
				return err
			}
			if err := f.moveBlobTier(q, inode.BlobID, content, row.Tier, tier); err != nil {
				return err
			}
		}
		_, err = q.Exec(`UPDATE files SET tier = ? WHERE blob_id = ?`, tier, inode.BlobID)
		return err
	})
}

// WriteRequest is one entry of a WriteMany batch.
type WriteRequest struct {
	Path string        `json:"path"`
	Data []byte        `json:"data"`
	Opts *WriteOptions `json:"-"`
}

// WriteMany applies a batch of writes in a single transaction: either every
// write lands or none do.
func (f *Filesystem) WriteMany(requests []WriteRequest) ([]*Inode, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}

	var (
		inodes []*Inode
		events []watch.Event
	)
	err := f.withTx(func(q querier) error {
		for _, req := range requests {
			path, err := checkPath(req.Path)
			if err != nil {
				return err
			}
			opts := WriteOptions{}
			if req.Opts != nil {
				opts = *req.Opts
			}
			inode, evs, err := f.writeInTx(q, path, req.Data, opts)
			if err != nil {
				return err
			}
			inodes = append(inodes, inode)
			events = append(events, evs...)
		}
		return nil
	})
	after := f.finish(events)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	after()
	return inodes, nil
}
