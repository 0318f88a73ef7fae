// Package match implements tag-based builder matching as a pure, I/O-free
// function over locally held data. It is intentionally small: given the
// calling identity's project tags and a catalog of other builders, it keeps
// the builders sharing at least one tag.
//
// Comparison semantics: tags are compared after trimming surrounding
// whitespace and applying Unicode case folding, so "AI " and "ai" overlap.
// Catalog order is preserved in the result; there is no ranking by overlap
// count (a possible future enhancement, not a contract).
package match

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/Sidopolis/milap/internal/domain"
)

// folder performs Unicode case folding for caseless tag comparison. The
// fold transformer carries no per-use state, so one shared caser is safe
// for concurrent use.
var folder = cases.Fold()

// Normalize maps tags to their canonical comparison form: trimmed and
// case-folded, with empties dropped and duplicates collapsed.
func Normalize(tags []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = folder.String(strings.TrimSpace(t))
		if t != "" {
			out[t] = struct{}{}
		}
	}
	return out
}

// Matcher holds one identity's normalized tag set for matching against a
// catalog. A Matcher with no tags matches nothing.
type Matcher struct {
	self map[string]struct{}
}

// NewMatcher builds a Matcher from the calling identity's project tags.
func NewMatcher(selfTags []string) *Matcher {
	return &Matcher{self: Normalize(selfTags)}
}

// Matches reports whether any of tags overlaps the matcher's tag set.
func (m *Matcher) Matches(tags []string) bool {
	for _, t := range tags {
		t = folder.String(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := m.self[t]; ok {
			return true
		}
	}
	return false
}

// Match returns the catalog entries sharing at least one tag with the
// matcher's set, preserving catalog order.
func (m *Matcher) Match(catalog []domain.Builder) []domain.Builder {
	out := []domain.Builder{}
	for _, b := range catalog {
		if m.Matches(b.Tags()) {
			out = append(out, b)
		}
	}
	return out
}
