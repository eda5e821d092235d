package match

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBadSpec is returned when a JSON pattern spec has an unsupported shape.
var ErrBadSpec = errors.New("pattern spec must be a boolean, a string or an array of strings")

// Spec is the JSON form of a pattern set as it appears in the rights table
// and in subscription bindings: `true` (match everything), `false` (match
// nothing), a glob string, or an array of glob strings.
type Spec struct {
	boolean  bool
	allow    bool
	patterns []string
}

// AllowAll is the spec equivalent of JSON `true`.
func AllowAll() Spec { return Spec{boolean: true, allow: true} }

// PatternsSpec builds a spec from literal glob patterns.
func PatternsSpec(patterns ...string) Spec { return Spec{patterns: patterns} }

// UnmarshalJSON accepts true, false, "glob" or ["glob", ...].
func (s *Spec) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*s = Spec{boolean: true, allow: b}
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = Spec{patterns: []string{one}}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*s = Spec{patterns: many}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBadSpec, data)
}

// Denied reports whether the spec is the literal `false`.
func (s Spec) Denied() bool { return s.boolean && !s.allow }

// Patterns returns the literal glob patterns, nil for the boolean forms.
func (s Spec) Patterns() []string { return s.patterns }

// Matcher compiles the spec. The `false` form yields a never-matching
// predicate; callers that need to distinguish denial should check Denied
// first.
func (s Spec) Matcher() (Matcher, error) {
	if s.boolean {
		if s.allow {
			return All, nil
		}
		return None, nil
	}
	return New(s.patterns...)
}

// None matches no topic.
func None(string) bool { return false }
