package fs

import (
	"context"
	"io"
	"sync"
)

// ReadStream emits a file's content in chunks bounded by the filesystem's
// high-water mark. It implements io.Reader.
type ReadStream struct {
	content []byte
	offset  int
	chunk   int
	ctx     context.Context
}

// CreateReadStream opens a chunked reader over a file, optionally sliced to
// an inclusive byte range. The content snapshot is taken at open time.
func (f *Filesystem) CreateReadStream(ctx context.Context, path string, rng *ReadRange) (*ReadStream, error) {
	content, err := f.Read(path, rng)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &ReadStream{
		content: content,
		chunk:   f.highWaterMark,
		ctx:     ctx,
	}, nil
}

// Read returns at most one high-water-mark chunk per call.
func (r *ReadStream) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if r.offset >= len(r.content) {
		return 0, io.EOF
	}
	limit := len(p)
	if limit > r.chunk {
		limit = r.chunk
	}
	n := copy(p[:limit], r.content[r.offset:])
	r.offset += n
	return n, nil
}

// Size returns the total stream length.
func (r *ReadStream) Size() int64 {
	return int64(len(r.content))
}

// WriteStream accumulates chunks and materializes a single blob on Close, so
// concurrent readers observe either the old content or the whole new
// content, never a prefix.
type WriteStream struct {
	fs   *Filesystem
	path string
	opts WriteOptions

	mu     sync.Mutex
	buf    []byte
	closed bool
}

// CreateWriteStream opens a buffered writer for path. Nothing is visible
// until Close.
func (f *Filesystem) CreateWriteStream(path string, opts *WriteOptions) (*WriteStream, error) {
	path, err := checkPath(path)
	if err != nil {
		return nil, err
	}
	o := WriteOptions{}
	if opts != nil {
		o = *opts
	}
	return &WriteStream{fs: f, path: path, opts: o}, nil
}

// Write buffers a chunk.
func (w *WriteStream) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, errInvalid("write stream closed", w.path)
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// Close materializes the buffered content as one write.
func (w *WriteStream) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	data := w.buf
	w.buf = nil
	w.mu.Unlock()

	_, err := w.fs.Write(w.path, data, &w.opts)
	return err
}

// Abort discards the buffered content without writing.
func (w *WriteStream) Abort() {
	w.mu.Lock()
	w.closed = true
	w.buf = nil
	w.mu.Unlock()
}
