package watch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tierfs/tierfs/errdefs"
)

func TestPatternMatches(t *testing.T) {
	t.Parallel()
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/a/b.txt", "/a/b.txt", true},
		{"/a/b.txt", "/a/c.txt", false},
		{"/a/**", "/a/b.txt", true},
		{"/a/**", "/a/deep/nested/file", true},
		{"/a/**", "/a", false},
		{"/a/**", "/ab/c", false},
		{"/**", "/anything/at/all", true},
		{"/a/*.txt", "/a/b.txt", true},
		{"/a/*.txt", "/a/b.log", false},
		{"/a/*.txt", "/a/sub/b.txt", false},
		{"*.log", "/var/log/app.log", true},
		{"*.log", "/var/log/app.txt", false},
		{"/*/b", "/a/b", true},
		{"/*/b", "/a/c/b", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PatternMatches(tc.pattern, tc.path),
			"pattern %q against %q", tc.pattern, tc.path)
	}
}

func TestGlobMatchBacktracking(t *testing.T) {
	t.Parallel()
	assert.True(t, globMatch("a*b*c", "aXbYbZc"))
	assert.True(t, globMatch("*", "anything"))
	assert.True(t, globMatch("*", ""))
	assert.False(t, globMatch("a*b", "ac"))
	assert.True(t, globMatch("a**b", "ab"))
}

func TestSubscribeRecursiveRewrite(t *testing.T) {
	t.Parallel()
	idx := NewSubscriptionIndex(0)
	stored, err := idx.Subscribe("s1", "/data", true)
	require.NoError(t, err)
	assert.Equal(t, "/data/**", stored)

	// an explicit glob is left alone even with recursive set
	stored, err = idx.Subscribe("s1", "/logs/*.log", true)
	require.NoError(t, err)
	assert.Equal(t, "/logs/*.log", stored)
}

func TestSubscribersForPath(t *testing.T) {
	t.Parallel()
	idx := NewSubscriptionIndex(0)
	_, err := idx.Subscribe("s1", "/a/**", false)
	require.NoError(t, err)
	_, err = idx.Subscribe("s2", "/a/b.txt", false)
	require.NoError(t, err)
	_, err = idx.Subscribe("s3", "/other/**", false)
	require.NoError(t, err)

	subs := idx.SubscribersForPath("/a/b.txt")
	assert.ElementsMatch(t, []string{"s1", "s2"}, subs)

	subs = idx.SubscribersForPath("/a/deep/c")
	assert.ElementsMatch(t, []string{"s1"}, subs)

	assert.Empty(t, idx.SubscribersForPath("/unwatched"))
}

func TestSubscriberNotDuplicated(t *testing.T) {
	t.Parallel()
	idx := NewSubscriptionIndex(0)
	_, err := idx.Subscribe("s1", "/a/**", false)
	require.NoError(t, err)
	_, err = idx.Subscribe("s1", "/a/b/**", false)
	require.NoError(t, err)

	subs := idx.SubscribersForPath("/a/b/c")
	assert.Equal(t, []string{"s1"}, subs)
}

func TestSubscriptionLimit(t *testing.T) {
	t.Parallel()
	idx := NewSubscriptionIndex(3)
	for i := 0; i < 3; i++ {
		_, err := idx.Subscribe("s1", fmt.Sprintf("/p%d/**", i), false)
		require.NoError(t, err)
	}
	_, err := idx.Subscribe("s1", "/p4/**", false)
	require.Error(t, err)
	assert.Equal(t, errdefs.ResourceExhausted, errdefs.CodeOf(err))

	// re-subscribing an existing pattern is not a new slot
	_, err = idx.Subscribe("s1", "/p0/**", false)
	require.NoError(t, err)
}

func TestUnsubscribeAndRemove(t *testing.T) {
	t.Parallel()
	idx := NewSubscriptionIndex(0)
	_, err := idx.Subscribe("s1", "/a/**", false)
	require.NoError(t, err)
	_, err = idx.Subscribe("s1", "/b/**", false)
	require.NoError(t, err)

	idx.Unsubscribe("s1", "/a/**")
	assert.Empty(t, idx.SubscribersForPath("/a/x"))
	assert.NotEmpty(t, idx.SubscribersForPath("/b/x"))
	assert.Len(t, idx.Patterns("s1"), 1)

	idx.RemoveSubscriber("s1")
	assert.Empty(t, idx.SubscribersForPath("/b/x"))
	assert.Empty(t, idx.Patterns("s1"))

	// removing twice is harmless
	idx.RemoveSubscriber("s1")
}
