package match

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher reports whether a topic matches a compiled pattern set.
type Matcher func(topic string) bool

// ErrBadPattern is returned when a glob pattern cannot be compiled.
var ErrBadPattern = doublestar.ErrBadPattern

// New compiles glob patterns into a predicate over topics.
//
// Globs follow shell rules with strict slash handling: `*` stays within a
// topic segment, `**` crosses segment boundaries. No patterns at all, or an
// empty-string pattern, match every topic. Several patterns match when any
// one of them does.
func New(patterns ...string) (Matcher, error) {
	globs := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			return All, nil
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: %q", ErrBadPattern, p)
		}
		globs = append(globs, p)
	}
	if len(globs) == 0 {
		return All, nil
	}
	return func(topic string) bool {
		for _, g := range globs {
			if doublestar.MatchUnvalidated(g, topic) {
				return true
			}
		}
		return false
	}, nil
}

// All matches every topic.
func All(string) bool { return true }

// And combines two matchers; nil stands for match-all.
func And(a, b Matcher) Matcher {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(topic string) bool { return a(topic) && b(topic) }
}
