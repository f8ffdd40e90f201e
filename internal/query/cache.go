package query

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// cache is the query-result cache of spec §4.13: keyed by a deterministic
// fingerprint of the search's full parameter set, invalidated wholesale
// per group whenever the indexer writes to that group. Modeled on
// internal/embed.CachedEmbedder's in-process map, generalized from a
// single LRU to a per-group index so InvalidateGroup can drop exactly
// one group's entries without scanning the whole cache.
type cache struct {
	mu      sync.Mutex
	entries map[string]SearchResult
	byGroup map[string]map[string]bool
}

func newCache() *cache {
	return &cache{
		entries: make(map[string]SearchResult),
		byGroup: make(map[string]map[string]bool),
	}
}

func (c *cache) get(key string) (SearchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *cache) put(group, key string, result SearchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = result
	if c.byGroup[group] == nil {
		c.byGroup[group] = make(map[string]bool)
	}
	c.byGroup[group][key] = true
}

func (c *cache) invalidateGroup(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.byGroup[group] {
		delete(c.entries, key)
	}
	delete(c.byGroup, group)
}

// fingerprint builds the deterministic cache key spec §4.13 calls for:
// (group, op_tag, query, project_filter, limit, additional_filter).
func fingerprint(group, opTag, query, projectFilter string, limit int, additionalFilter string) string {
	parts := []string{group, opTag, query, projectFilter, fmt.Sprintf("%d", limit), additionalFilter}
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:])
}

// canonicalFilter renders a Filter (see engine.go) into a stable string
// for fingerprinting, independent of map iteration order.
func canonicalFilter(equals map[string]string) string {
	if len(equals) == 0 {
		return ""
	}
	keys := make([]string, 0, len(equals))
	for k := range equals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(equals[k])
		b.WriteByte(';')
	}
	return b.String()
}
