package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/tierfs/tierfs/errdefs"
	"github.com/tierfs/tierfs/fs"
	"github.com/tierfs/tierfs/fs/vpath"
)

// contentTypes maps recognized file extensions to media types. Anything else
// streams as application/octet-stream.
var contentTypes = map[string]string{
	"json": "application/json",
	"txt":  "text/plain; charset=utf-8",
	"html": "text/html; charset=utf-8",
	"htm":  "text/html; charset=utf-8",
	"css":  "text/css; charset=utf-8",
	"js":   "text/javascript; charset=utf-8",
	"mjs":  "text/javascript; charset=utf-8",
	"ts":   "text/typescript; charset=utf-8",
	"tsx":  "text/typescript; charset=utf-8",
	"xml":  "application/xml",
	"svg":  "image/svg+xml",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"webp": "image/webp",
	"ico":  "image/x-icon",
	"pdf":  "application/pdf",
	"zip":  "application/zip",
	"md":   "text/markdown; charset=utf-8",
	"mdx":  "text/markdown; charset=utf-8",
	"wasm": "application/wasm",
	"mp3":  "audio/mpeg",
	"mp4":  "video/mp4",
	"webm": "video/webm",
}

func contentTypeFor(path string) string {
	dot := strings.LastIndexByte(path, '.')
	if dot < 0 || dot == len(path)-1 {
		return "application/octet-stream"
	}
	if ct, ok := contentTypes[strings.ToLower(path[dot+1:])]; ok {
		return ct
	}
	return "application/octet-stream"
}

// handleFile streams a file with conditional request and byte range support.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	raw := "/" + mux.Vars(r)["path"]
	path, err := vpath.Validate(raw, "/")
	if err != nil {
		s.writeFileError(w, err)
		return
	}

	inode, err := s.fs.Stat(path)
	if err != nil {
		s.writeFileError(w, err)
		return
	}
	if inode.IsDir() {
		s.writeFileError(w, errdefs.New(errdefs.IsDirectory, "is a directory", path))
		return
	}

	etag := fmt.Sprintf(`"%d-%d"`, inode.Size, inode.Mtime)
	lastModified := time.UnixMilli(inode.Mtime).UTC()
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentTypeFor(path))

	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if match := r.Header.Get("If-Match"); match != "" && !etagMatches(match, etag) {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	size := inode.Size
	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		start, end, ok := parseRange(rangeHeader, size)
		if !ok {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method == http.MethodHead {
			return
		}
		stream, err := s.fs.CreateReadStream(r.Context(), path, &fs.ReadRange{Start: start, End: end})
		if err != nil {
			return
		}
		io.Copy(w, stream)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if r.Method == http.MethodHead {
		return
	}
	stream, err := s.fs.CreateReadStream(r.Context(), path, nil)
	if err != nil {
		s.writeFileError(w, err)
		return
	}
	io.Copy(w, stream)
}

func (s *Server) writeFileError(w http.ResponseWriter, err error) {
	e, ok := err.(*errdefs.Error)
	if !ok {
		e = errdefs.New(errdefs.InvalidArgument, err.Error(), "")
	}
	writeJSON(w, httpStatus(string(e.Code)), rpcResponse{
		Error: &rpcError{Code: string(e.Code), Message: e.Message, Path: e.Path},
	})
}

// etagMatches implements the If-Match / If-None-Match comparison, including
// the "*" wildcard and comma-separated lists.
func etagMatches(header, etag string) bool {
	if header == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}

// parseRange handles a single byte range: bytes=start-end, bytes=start-, and
// the suffix form bytes=-n. Returns ok=false for unsatisfiable or malformed
// ranges.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}

	if startStr == "" {
		// suffix form: last n bytes
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		if size == 0 {
			return 0, 0, false
		}
		return size - n, size - 1, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	if endStr == "" {
		return start, size - 1, true
	}
	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	if end >= size {
		end = size - 1
	}
	return start, end, true
}
