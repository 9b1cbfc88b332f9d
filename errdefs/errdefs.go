// Package errdefs defines the error taxonomy shared by the filesystem engine,
// the path validator, and the HTTP surface. Codes are POSIX-flavored stable
// wire values, not Go type names.
package errdefs

import (
	"errors"
	"fmt"
)

// Code is the taxonomy tag carried by every error this service returns.
type Code string

const (
	NotFound          Code = "ENOENT"
	AlreadyExists     Code = "EEXIST"
	NotDirectory      Code = "ENOTDIR"
	IsDirectory       Code = "EISDIR"
	NotEmpty          Code = "ENOTEMPTY"
	InvalidArgument   Code = "EINVAL"
	NameTooLong       Code = "ENAMETOOLONG"
	PermissionDenied  Code = "EACCES"
	TooManyLinks      Code = "ELOOP"
	ResourceExhausted Code = "RESOURCE_EXHAUSTED"
	RateLimited       Code = "RATE_LIMITED"
	Unavailable       Code = "UNAVAILABLE"
)

// Error is the concrete error type returned by all public operations.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an Error with the given code.
func New(code Code, msg string, path string) *Error {
	return &Error{Code: code, Message: msg, Path: path}
}

// CodeOf extracts the taxonomy code from err. Errors that did not originate
// from this module report InvalidArgument.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InvalidArgument
}

// IsNotFound reports whether err carries ENOENT.
func IsNotFound(err error) bool { return CodeOf(err) == NotFound }

// IsAlreadyExists reports whether err carries EEXIST.
func IsAlreadyExists(err error) bool { return CodeOf(err) == AlreadyExists }

// IsPermissionDenied reports whether err carries EACCES.
func IsPermissionDenied(err error) bool { return CodeOf(err) == PermissionDenied }

// IsInvalid reports whether err carries EINVAL.
func IsInvalid(err error) bool { return CodeOf(err) == InvalidArgument }
