package watch

import (
	"strings"
	"sync"

	"github.com/tierfs/tierfs/errdefs"
)

// DefaultMaxSubscriptions bounds how many patterns a single connection may
// hold.
const DefaultMaxSubscriptions = 100

// SubscriptionIndex maps subscriber handles to glob patterns and back.
// Subscribe and Unsubscribe are O(1); SubscribersForPath enumerates handles
// whose patterns match a path.
type SubscriptionIndex struct {
	mu           sync.RWMutex
	bySubscriber map[string]map[string]struct{}
	byPattern    map[string]map[string]struct{}
	maxPerSub    int
}

// NewSubscriptionIndex returns an index capping each subscriber at maxPerSub
// patterns (DefaultMaxSubscriptions when zero).
func NewSubscriptionIndex(maxPerSub int) *SubscriptionIndex {
	if maxPerSub <= 0 {
		maxPerSub = DefaultMaxSubscriptions
	}
	return &SubscriptionIndex{
		bySubscriber: make(map[string]map[string]struct{}),
		byPattern:    make(map[string]map[string]struct{}),
		maxPerSub:    maxPerSub,
	}
}

// Subscribe registers a pattern for a subscriber and returns the pattern
// actually stored. A recursive subscribe of a non-glob path is rewritten to
// path/**.
func (s *SubscriptionIndex) Subscribe(sub, pattern string, recursive bool) (string, error) {
	if recursive && !strings.ContainsAny(pattern, "*?") {
		pattern = strings.TrimSuffix(pattern, "/") + "/**"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	patterns := s.bySubscriber[sub]
	if patterns == nil {
		patterns = make(map[string]struct{})
		s.bySubscriber[sub] = patterns
	}
	if _, ok := patterns[pattern]; !ok && len(patterns) >= s.maxPerSub {
		return "", errdefs.New(errdefs.ResourceExhausted, "subscription limit reached", pattern)
	}
	patterns[pattern] = struct{}{}

	subs := s.byPattern[pattern]
	if subs == nil {
		subs = make(map[string]struct{})
		s.byPattern[pattern] = subs
	}
	subs[sub] = struct{}{}
	return pattern, nil
}

// Unsubscribe removes one pattern for a subscriber.
func (s *SubscriptionIndex) Unsubscribe(sub, pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(sub, pattern)
}

// RemoveSubscriber drops a subscriber and all of its patterns.
func (s *SubscriptionIndex) RemoveSubscriber(sub string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pattern := range s.bySubscriber[sub] {
		s.remove(sub, pattern)
	}
}

func (s *SubscriptionIndex) remove(sub, pattern string) {
	if patterns := s.bySubscriber[sub]; patterns != nil {
		delete(patterns, pattern)
		if len(patterns) == 0 {
			delete(s.bySubscriber, sub)
		}
	}
	if subs := s.byPattern[pattern]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(s.byPattern, pattern)
		}
	}
}

// Patterns returns the patterns a subscriber currently holds.
func (s *SubscriptionIndex) Patterns(sub string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.bySubscriber[sub]))
	for p := range s.bySubscriber[sub] {
		out = append(out, p)
	}
	return out
}

// SubscribersForPath returns the handles of all subscribers holding at least
// one pattern matching path.
func (s *SubscriptionIndex) SubscribersForPath(path string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for pattern, subs := range s.byPattern {
		if !PatternMatches(pattern, path) {
			continue
		}
		for sub := range subs {
			if _, dup := seen[sub]; !dup {
				seen[sub] = struct{}{}
				out = append(out, sub)
			}
		}
	}
	return out
}

// PatternMatches reports whether a subscription pattern matches a path.
// Semantics: an exact pattern matches only itself; "dir/**" matches any path
// under dir; "*" matches within one segment; a pattern without a slash also
// matches against the path's basename.
func PatternMatches(pattern, path string) bool {
	if pattern == path {
		return true
	}
	if dir, ok := strings.CutSuffix(pattern, "/**"); ok {
		if dir == "" {
			return true
		}
		return strings.HasPrefix(path, dir+"/")
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	if segmentsMatch(pattern, path) {
		return true
	}
	// basename matches admit patterns like "*.log"
	if !strings.Contains(pattern, "/") {
		base := path[strings.LastIndexByte(path, '/')+1:]
		return globMatch(pattern, base)
	}
	return false
}

func segmentsMatch(pattern, path string) bool {
	psegs := strings.Split(strings.Trim(pattern, "/"), "/")
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(psegs) != len(segs) {
		return false
	}
	for i := range psegs {
		if !globMatch(psegs[i], segs[i]) {
			return false
		}
	}
	return true
}

// globMatch matches s against a pattern where '*' matches any run of
// characters. Iterative with single-star backtracking.
func globMatch(pattern, s string) bool {
	var pi, si int
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == s[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
