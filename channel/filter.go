package channel

import (
	"fmt"

	"github.com/gobwas/glob"
)

// EntityFilter is a glob allow-list of entity names. An empty list admits
// every entity.
type EntityFilter struct {
	patterns []string
	globs    []glob.Glob
}

// NewEntityFilter compiles patterns such as "courses" or "user_*".
func NewEntityFilter(patterns []string) (*EntityFilter, error) {
	f := &EntityFilter{
		patterns: patterns,
		globs:    make([]glob.Glob, 0, len(patterns)),
	}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid entity pattern %q: %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Match reports whether entity is allowed.
func (f *EntityFilter) Match(entity string) bool {
	if f == nil || len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(entity) {
			return true
		}
	}
	return false
}
