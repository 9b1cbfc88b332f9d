package fs

import "github.com/tierfs/tierfs/errdefs"

// Error is re-exported so callers holding a *fs.Filesystem do not need a
// second import just to inspect failures.
type Error = errdefs.Error

func errNotFound(path string) *Error {
	return errdefs.New(errdefs.NotFound, "no such file or directory", path)
}

func errExists(path string) *Error {
	return errdefs.New(errdefs.AlreadyExists, "file exists", path)
}

func errNotDir(path string) *Error {
	return errdefs.New(errdefs.NotDirectory, "not a directory", path)
}

func errIsDir(path string) *Error {
	return errdefs.New(errdefs.IsDirectory, "is a directory", path)
}

func errNotEmpty(path string) *Error {
	return errdefs.New(errdefs.NotEmpty, "directory not empty", path)
}

func errInvalid(msg, path string) *Error {
	return errdefs.New(errdefs.InvalidArgument, msg, path)
}

func errLoop(path string) *Error {
	return errdefs.New(errdefs.TooManyLinks, "too many levels of symbolic links", path)
}

func errUnavailable(msg string) *Error {
	return errdefs.New(errdefs.Unavailable, msg, "")
}
