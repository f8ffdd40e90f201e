// Package registry tracks which (group, project) pairs are currently
// known to a running server — the identity binding config.Project
// itself does not carry, per spec §4.11. The HTTP API consults it to
// reject file-changed events against unregistered projects and to
// report registered project counts at GET /api/stats.
package registry

import (
	"fmt"
	"sync"

	"github.com/paparats/paparats/internal/config"
	apperrors "github.com/paparats/paparats/internal/errors"
	"github.com/paparats/paparats/internal/indexer"
	"github.com/paparats/paparats/internal/lang"
)

// Registry is a concurrency-safe (group, project) -> indexer.Project map.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]indexer.Project
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]indexer.Project)}
}

func key(group, project string) string {
	return group + "/" + project
}

// Register records proj under its (Group, Name) pair, replacing any
// existing entry.
func (r *Registry) Register(proj indexer.Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key(proj.Group, proj.Name)] = proj
}

// Get returns the registered project for (group, project), if any.
func (r *Registry) Get(group, project string) (indexer.Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[key(group, project)]
	return p, ok
}

// List returns every registered project, in no particular order.
func (r *Registry) List() []indexer.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]indexer.Project, 0, len(r.entries))
	for _, p := range r.entries {
		out = append(out, p)
	}
	return out
}

// Groups returns the distinct set of group names with at least one
// registered project.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, p := range r.entries {
		if !seen[p.Group] {
			seen[p.Group] = true
			out = append(out, p.Group)
		}
	}
	return out
}

// Count returns the number of registered (group, project) pairs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// defaultLanguages lists every language profile known to the registry,
// used to synthesize a config for projects registered by inline
// content (POST /api/index) that carry no on-disk config document.
var defaultLanguages = lang.IDs()

// EnsureDefault returns the registered project for (group, project),
// registering one with a synthesized default config if none exists
// yet. It is used by the HTTP API's /api/index handler, whose request
// body supplies files inline rather than a filesystem root or config
// file.
func (r *Registry) EnsureDefault(group, project string) (indexer.Project, error) {
	if p, ok := r.Get(group, project); ok {
		return p, nil
	}

	raw := fmt.Sprintf("group: %q\nlanguage: [%s]\n", group, joinYAMLList(defaultLanguages))
	cfg, err := config.Resolve([]byte(raw))
	if err != nil {
		return indexer.Project{}, apperrors.ConfigError(
			fmt.Sprintf("failed to synthesize default config for %s/%s", group, project), err)
	}

	proj := indexer.Project{Group: group, Name: project, Config: cfg}
	r.Register(proj)
	return proj, nil
}

func joinYAMLList(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
