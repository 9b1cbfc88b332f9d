// Package vpath validates and normalizes externally supplied paths and
// enforces a root jail. It is the sole trust boundary for path input: bad
// paths are rejected outright, never repaired.
package vpath

import (
	"strings"

	"github.com/tierfs/tierfs/errdefs"
)

const (
	// MaxPathLen is the longest accepted path in bytes.
	MaxPathLen = 4096
	// MaxSegmentLen is the longest accepted single path segment in bytes.
	MaxSegmentLen = 255
)

// Validate normalizes path and confirms the result stays at or below root.
// Relative inputs resolve against root. The returned path is absolute, uses
// forward slashes, and contains no "." or ".." segments.
func Validate(path, root string) (string, error) {
	if err := check(path); err != nil {
		return "", err
	}
	normRoot := normalize(root, "/")
	resolved := normalize(path, normRoot)
	if !within(resolved, normRoot) {
		return "", errdefs.New(errdefs.PermissionDenied, "path escapes root", path)
	}
	return resolved, nil
}

// IsEscape reports whether path would escape root, without returning an
// error. Malformed input counts as an escape.
func IsEscape(path, root string) bool {
	_, err := Validate(path, root)
	return err != nil
}

// IsSymlinkEscape reports whether a symlink target would escape root.
// Absolute targets are checked directly; relative targets resolve against the
// directory containing the link.
func IsSymlinkEscape(target, linkPath, root string) bool {
	if check(target) != nil {
		return true
	}
	normRoot := normalize(root, "/")
	var resolved string
	if strings.HasPrefix(target, "/") || strings.HasPrefix(target, "\\") {
		resolved = normalize(target, normRoot)
	} else {
		parent := parentDir(normalize(linkPath, normRoot))
		resolved = normalize(target, parent)
	}
	return !within(resolved, normRoot)
}

// check applies the rejection rules without normalizing anything.
func check(path string) error {
	if strings.TrimSpace(path) == "" {
		return errdefs.New(errdefs.InvalidArgument, "empty path", path)
	}
	if strings.Contains(path, "%00") {
		return errdefs.New(errdefs.InvalidArgument, "encoded null byte in path", path)
	}
	for _, r := range path {
		switch {
		case r == 0x00:
			return errdefs.New(errdefs.InvalidArgument, "null byte in path", path)
		case r >= 0x01 && r <= 0x1f:
			return errdefs.New(errdefs.InvalidArgument, "control character in path", path)
		case r == 0x7f:
			return errdefs.New(errdefs.InvalidArgument, "control character in path", path)
		case r == '\u2028' || r == '\u2029' || r == '\u202e' || r == '\ufffd':
			return errdefs.New(errdefs.InvalidArgument, "disallowed unicode character in path", path)
		}
	}
	if strings.TrimRight(path, " \t") != path {
		return errdefs.New(errdefs.InvalidArgument, "trailing whitespace in path", path)
	}
	if path == "." || path == ".." {
		return errdefs.New(errdefs.InvalidArgument, "bare dot path", path)
	}
	if len(path) > MaxPathLen {
		return errdefs.New(errdefs.NameTooLong, "path exceeds 4096 bytes", path)
	}
	for _, seg := range splitSegments(path) {
		if len(seg) > MaxSegmentLen {
			return errdefs.New(errdefs.NameTooLong, "path segment exceeds 255 bytes", path)
		}
		if seg != strings.TrimLeft(seg, " \t") {
			return errdefs.New(errdefs.InvalidArgument, "segment begins with whitespace", path)
		}
	}
	return nil
}

// normalize maps backslashes to slashes, strips alternate-stream suffixes,
// resolves "." and "..", collapses slash runs and resolves relative paths
// against base. ".." never ascends above "/".
func normalize(path, base string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	if !strings.HasPrefix(path, "/") {
		path = strings.TrimSuffix(base, "/") + "/" + path
	}

	out := make([]string, 0, 8)
	for _, seg := range strings.Split(path, "/") {
		// strip alternate-stream syntax ("name:stream")
		if idx := strings.IndexByte(seg, ':'); idx >= 0 {
			seg = seg[:idx]
		}
		switch seg {
		case "", ".":
			// collapse
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return "/"
	}
	return "/" + strings.Join(out, "/")
}

// within reports whether path equals root or lives under it.
func within(path, root string) bool {
	if root == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == root || strings.HasPrefix(path, root+"/")
}

func splitSegments(path string) []string {
	path = strings.ReplaceAll(path, "\\", "/")
	raw := strings.Split(path, "/")
	segs := raw[:0]
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func parentDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}
