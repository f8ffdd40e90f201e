// Package lang is the language profile registry (spec §9): a flat,
// capability-set-per-language table the config resolver, file enumerator,
// and chunker all consult instead of branching on language name. Adding a
// language means adding one Profile entry, never touching a switch
// statement scattered across packages.
package lang

import "strings"

// Profile describes one language's file-discovery and chunking surface.
type Profile struct {
	ID         string
	Extensions []string
	// Patterns are glob patterns (relative, "**/*.go" style) matched
	// against file enumeration; joined under a project's configured
	// paths by the config resolver.
	Patterns []string
	// Excludes are additional directory/file globs layered on top of this
	// package's universalExcludes (node_modules, .git, vendor, ...), which
	// Lookup prepends.
	Excludes []string
}

var registry = map[string]Profile{
	"go": {
		ID:         "go",
		Extensions: []string{".go"},
		Patterns:   []string{"**/*.go"},
		Excludes:   []string{"**/*_test.go"},
	},
	"typescript": {
		ID:         "typescript",
		Extensions: []string{".ts", ".tsx"},
		Patterns:   []string{"**/*.ts", "**/*.tsx"},
		Excludes:   []string{"**/*.d.ts"},
	},
	"javascript": {
		ID:         "javascript",
		Extensions: []string{".js", ".jsx", ".mjs"},
		Patterns:   []string{"**/*.js", "**/*.jsx", "**/*.mjs"},
		Excludes:   []string{"**/*.min.js"},
	},
	"python": {
		ID:         "python",
		Extensions: []string{".py"},
		Patterns:   []string{"**/*.py"},
		Excludes:   []string{"**/__pycache__/**"},
	},
}

// universalExcludes apply regardless of which languages are configured.
var universalExcludes = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/vendor/**",
	"**/dist/**",
	"**/build/**",
}

// Lookup returns the profile for id, or an empty-pattern profile if id is
// unknown — an unrecognized language contributes no patterns rather than
// failing config resolution, since excludes/paths may still be valid.
func Lookup(id string) Profile {
	p, ok := registry[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Profile{ID: id}
	}
	merged := p
	merged.Excludes = append(append([]string{}, universalExcludes...), p.Excludes...)
	return merged
}

// Known reports whether id names a registered language profile.
func Known(id string) bool {
	_, ok := registry[strings.ToLower(strings.TrimSpace(id))]
	return ok
}

// IDs returns all registered language identifiers.
func IDs() []string {
	out := make([]string, 0, len(registry))
	for id := range registry {
		out = append(out, id)
	}
	return out
}
