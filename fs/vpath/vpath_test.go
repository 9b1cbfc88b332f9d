package vpath

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tierfs/tierfs/errdefs"
)

func TestValidateNormalizes(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"/a/b/c":        "/a/b/c",
		"a/b/../c.txt":  "/app/data/a/c.txt",
		"a//b///c":      "/app/data/a/b/c",
		"/app/data/x/.": "/app/data/x",
		"a\\b\\c":       "/app/data/a/b/c",
		"/app/data/f/":  "/app/data/f",
	}
	for in, want := range cases {
		got, err := Validate(in, "/app/data")
		if in == "/a/b/c" {
			// absolute path outside the jail
			require.Error(t, err)
			continue
		}
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}
}

func TestValidateRoot(t *testing.T) {
	t.Parallel()
	got, err := Validate("/", "/")
	require.NoError(t, err)
	assert.Equal(t, "/", got)

	got, err = Validate("/app/data", "/app/data")
	require.NoError(t, err)
	assert.Equal(t, "/app/data", got)
}

func TestValidateIdempotent(t *testing.T) {
	t.Parallel()
	first, err := Validate("a/b/../c.txt", "/")
	require.NoError(t, err)
	second, err := Validate(first, "/")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestValidateRejectsTraversal(t *testing.T) {
	t.Parallel()
	_, err := Validate("../../../etc/passwd", "/app/data")
	require.Error(t, err)
	assert.Equal(t, errdefs.PermissionDenied, errdefs.CodeOf(err))
}

func TestValidateRejectsBadBytes(t *testing.T) {
	t.Parallel()
	bad := []string{
		"file\x00.txt",
		"file%00.txt",
		"file\x01.txt",
		"file\x1f.txt",
		"file\x7f.txt",
		"file\u2028.txt",
		"file\u2029.txt",
		"file\u202e.txt",
		"file\ufffd.txt",
		"",
		"   ",
		".",
		"..",
		"trailing ",
		"a/ b/c",
	}
	for _, in := range bad {
		_, err := Validate(in, "/")
		require.Error(t, err, "input %q", in)
		assert.Equal(t, errdefs.InvalidArgument, errdefs.CodeOf(err), "input %q", in)
	}
}

func TestValidateLengthLimits(t *testing.T) {
	t.Parallel()
	// 16 segments of 255 bytes plus separators lands exactly on 4096
	seg := strings.Repeat("a", 255)
	parts := make([]string, 16)
	for i := range parts {
		parts[i] = seg
	}
	exact := "/" + strings.Join(parts, "/") // 16*255 + 16 = 4096
	require.Len(t, exact, 4096)
	_, err := Validate(exact, "/")
	assert.NoError(t, err)

	_, err = Validate(exact+"/a", "/")
	require.Error(t, err)
	assert.Equal(t, errdefs.NameTooLong, errdefs.CodeOf(err))

	_, err = Validate("/"+strings.Repeat("b", 256), "/")
	require.Error(t, err)
	assert.Equal(t, errdefs.NameTooLong, errdefs.CodeOf(err))
}

func TestValidateStripsAlternateStream(t *testing.T) {
	t.Parallel()
	got, err := Validate("/a/file.txt:hidden", "/")
	require.NoError(t, err)
	assert.Equal(t, "/a/file.txt", got)
}

func TestIsEscape(t *testing.T) {
	t.Parallel()
	assert.True(t, IsEscape("../../etc", "/app"))
	assert.True(t, IsEscape("/etc/passwd", "/app"))
	assert.False(t, IsEscape("sub/file", "/app"))
	assert.False(t, IsEscape("/app/sub", "/app"))
	// malformed input counts as escape
	assert.True(t, IsEscape("bad\x00", "/app"))
}

func TestIsSymlinkEscape(t *testing.T) {
	t.Parallel()
	// absolute target outside the jail
	assert.True(t, IsSymlinkEscape("/etc/passwd", "/app/link", "/app"))
	// absolute target inside the jail
	assert.False(t, IsSymlinkEscape("/app/real", "/app/link", "/app"))
	// relative target resolved against the link's parent
	assert.False(t, IsSymlinkEscape("sibling.txt", "/app/dir/link", "/app"))
	assert.True(t, IsSymlinkEscape("../../../etc", "/app/dir/link", "/app"))
}
