package fs

import (
	"io"
	"sync"

	"github.com/tierfs/tierfs/errdefs"
	"github.com/tierfs/tierfs/fs/watch"
)

// OpenFlags tune Open.
type OpenFlags struct {
	Read      bool `json:"read"`
	Write     bool `json:"write"`
	Create    bool `json:"create"`
	Exclusive bool `json:"exclusive"`
	Truncate  bool `json:"truncate"`
	Append    bool `json:"append"`
	Mode      uint32
}

// Handle is an open file. It buffers content in memory; dirty buffers are
// written back as one blob on Sync or Close, so two handles on the same path
// never interleave partial writes (last writer wins).
type Handle struct {
	id   uint64
	fs   *Filesystem
	path string

	mu       sync.Mutex
	buf      []byte
	writable bool
	appendAt bool
	dirty    bool
	closed   bool
}

// Open returns a handle on path. Handle ids are issued from a monotonic
// counter per filesystem.
func (f *Filesystem) Open(path string, flags OpenFlags) (*Handle, error) {
	path, err := checkPath(path)
	if err != nil {
		return nil, err
	}
	if !flags.Read && !flags.Write {
		flags.Read = true
	}
	if err := f.enter(); err != nil {
		return nil, err
	}

	var (
		buf    []byte
		events []watch.Event
	)
	err = f.withTx(func(q querier) error {
		inode, err := inodeByPath(q, path)
		switch {
		case err == nil:
			if flags.Exclusive && flags.Create {
				return errExists(path)
			}
			if inode.IsDir() {
				return errIsDir(path)
			}
			if flags.Truncate {
				// truncation happens at open time, not at close
				_, events, err = f.writeInTx(q, path, nil, WriteOptions{})
				return err
			}
			buf, err = f.contentOf(q, inode)
			return err
		case errdefs.IsNotFound(err):
			if !flags.Create {
				return err
			}
			_, events, err = f.writeInTx(q, path, nil, WriteOptions{Mode: flags.Mode})
			return err
		default:
			return err
		}
	})
	after := f.finish(events)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}

	f.nextHandle++
	h := &Handle{
		id:       f.nextHandle,
		fs:       f,
		path:     path,
		buf:      buf,
		writable: flags.Write,
		appendAt: flags.Append,
	}
	f.handles[h.id] = h
	f.mu.Unlock()
	after()
	return h, nil
}

// ID returns the handle's descriptor number.
func (h *Handle) ID() uint64 { return h.id }

// ReadAt copies bytes from the buffered content at the given offset.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, errInvalid("handle closed", h.path)
	}
	if off < 0 || off > int64(len(h.buf)) {
		return 0, errInvalid("read offset out of range", h.path)
	}
	n := copy(p, h.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes bytes at the given offset, growing the buffer as needed.
// With the append flag the offset is ignored and bytes land at the end.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, errInvalid("handle closed", h.path)
	}
	if !h.writable {
		return 0, errInvalid("handle not open for writing", h.path)
	}
	if h.appendAt {
		off = int64(len(h.buf))
	}
	if off < 0 {
		return 0, errInvalid("write offset out of range", h.path)
	}
	end := off + int64(len(p))
	if end > int64(len(h.buf)) {
		grown := make([]byte, end)
		copy(grown, h.buf)
		h.buf = grown
	}
	copy(h.buf[off:], p)
	h.dirty = true
	return len(p), nil
}

// Stat returns the inode behind the handle's path.
func (h *Handle) Stat() (*Inode, error) {
	return h.fs.Stat(h.path)
}

// Truncate resizes the buffered content.
func (h *Handle) Truncate(size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errInvalid("handle closed", h.path)
	}
	if !h.writable {
		return errInvalid("handle not open for writing", h.path)
	}
	switch {
	case size < 0:
		return errInvalid("negative truncate size", h.path)
	case size <= int64(len(h.buf)):
		h.buf = h.buf[:size]
	default:
		h.buf = append(h.buf, make([]byte, size-int64(len(h.buf)))...)
	}
	h.dirty = true
	return nil
}

// Size returns the buffered content length.
func (h *Handle) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.buf))
}

// Sync writes the buffer back if it is dirty. Clean handles write nothing.
func (h *Handle) Sync() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errInvalid("handle closed", h.path)
	}
	dirty := h.dirty
	data := make([]byte, len(h.buf))
	copy(data, h.buf)
	h.dirty = false
	h.mu.Unlock()

	if !dirty {
		return nil
	}
	_, err := h.fs.Write(h.path, data, nil)
	return err
}

// Close syncs a dirty buffer and releases the handle.
func (h *Handle) Close() error {
	err := h.Sync()
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.fs.mu.Lock()
	delete(h.fs.handles, h.id)
	h.fs.mu.Unlock()
	return err
}
