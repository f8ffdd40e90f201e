// Package query implements the Query Engine of spec §4.13: embedding a
// query, vector-searching a group with optional project/filter
// scoping, query-variation expansion merged by chunk identity, result
// caching, and token-savings metrics.
package query

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/paparats/paparats/internal/embed"
	apperrors "github.com/paparats/paparats/internal/errors"
	"github.com/paparats/paparats/internal/telemetry"
	"github.com/paparats/paparats/internal/vectorstore"
)

// Limit bounds, per spec §4.13.
const (
	MinLimit     = 1
	MaxLimit     = 100
	DefaultLimit = 5
)

// Result is one scored hit, with its full stored payload.
type Result struct {
	Score   float32
	Payload map[string]any
}

// Metrics is the per-search token-savings estimate of spec §4.13.
type Metrics struct {
	TokensReturned           int
	EstimatedFullFileTokens  int
	TokensSaved              int
	SavingsPercent           int
}

// SearchResult is a completed search's hits plus its metrics.
type SearchResult struct {
	Hits    []Result
	Metrics Metrics
}

// Options configures a single search call.
type Options struct {
	Project string // "" = unrestricted/default scope, "all" = every allowed project
	Limit   int
}

func (o Options) clampedLimit() int {
	if o.Limit == 0 {
		return DefaultLimit
	}
	if o.Limit > MaxLimit {
		return MaxLimit
	}
	if o.Limit < MinLimit {
		return MinLimit
	}
	return o.Limit
}

// Engine is the Query Engine.
type Engine struct {
	embedder        embed.Embedder
	vectors         *vectorstore.Store
	cache           *cache
	metrics         *telemetry.QueryMetrics
	allowedProjects []string
}

// Config configures an Engine.
type Config struct {
	Embedder embed.Embedder
	Vectors  *vectorstore.Store
	Metrics  *telemetry.QueryMetrics
	// AllowedProjects is an allow-list of project names; empty means
	// unrestricted, per spec §4.13's project-scoping rule.
	AllowedProjects []string
}

// New creates an Engine.
func New(cfg Config) *Engine {
	return &Engine{
		embedder:        cfg.Embedder,
		vectors:         cfg.Vectors,
		cache:           newCache(),
		metrics:         cfg.Metrics,
		allowedProjects: cfg.AllowedProjects,
	}
}

// InvalidateGroup drops every cached entry for group — called whenever
// the indexer writes to that group, per spec §4.13's caching contract.
func (e *Engine) InvalidateGroup(group string) {
	e.cache.invalidateGroup(group)
}

// Search is spec §4.13's `search` operation.
func (e *Engine) Search(ctx context.Context, group, q string, opts Options) (SearchResult, error) {
	return e.run(ctx, "search", group, q, opts, nil)
}

// SearchWithFilter is spec §4.13's `search_with_filter` operation: as
// Search, but additionalFilter is conjoined into the query.
func (e *Engine) SearchWithFilter(ctx context.Context, group, q string, additionalFilter map[string]string, opts Options) (SearchResult, error) {
	return e.run(ctx, "search_with_filter", group, q, opts, additionalFilter)
}

// ExpandedSearch is spec §4.13's `expanded_search` operation: runs an
// internal search per query variation at limit*2, merges by unique
// chunk id keeping the highest score, and returns the top limit.
func (e *Engine) ExpandedSearch(ctx context.Context, group, q string, opts Options) (SearchResult, error) {
	if err := validateGroupQuery(group, q); err != nil {
		return SearchResult{}, err
	}
	limit := opts.clampedLimit()

	filter, scopeEmpty, err := e.resolveScope(opts.Project, nil)
	if err != nil {
		return SearchResult{}, err
	}
	key := fingerprint(group, "expanded_search", q, canonicalFilter(filter.Equals), limit, "")
	if cached, ok := e.cache.get(key); ok {
		return cached, nil
	}
	if scopeEmpty {
		result := SearchResult{}
		e.cache.put(group, key, result)
		return result, nil
	}

	variations := Variations(q)
	subLimit := limit * 2

	best := make(map[string]Result)
	var order []string
	for _, variation := range variations {
		hits, err := e.vectorSearch(ctx, group, variation, filter, subLimit)
		if err != nil {
			return SearchResult{}, err
		}
		for _, h := range hits {
			id, _ := h.Payload["chunk_id"].(string)
			if id == "" {
				continue
			}
			existing, ok := best[id]
			if !ok {
				order = append(order, id)
				best[id] = h
				continue
			}
			if h.Score > existing.Score {
				best[id] = h
			}
		}
	}

	merged := make([]Result, 0, len(order))
	for _, id := range order {
		merged = append(merged, best[id])
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > limit {
		merged = merged[:limit]
	}

	result := SearchResult{Hits: merged, Metrics: computeMetrics(merged)}
	e.cache.put(group, key, result)
	e.recordTelemetry(q, len(result.Hits))
	return result, nil
}

func (e *Engine) run(ctx context.Context, opTag, group, q string, opts Options, additionalFilter map[string]string) (SearchResult, error) {
	if err := validateGroupQuery(group, q); err != nil {
		return SearchResult{}, err
	}
	limit := opts.clampedLimit()

	filter, scopeEmpty, err := e.resolveScope(opts.Project, additionalFilter)
	if err != nil {
		return SearchResult{}, err
	}
	key := fingerprint(group, opTag, q, canonicalFilter(filter.Equals), limit, canonicalFilter(additionalFilter))
	if cached, ok := e.cache.get(key); ok {
		return cached, nil
	}
	if scopeEmpty {
		result := SearchResult{}
		e.cache.put(group, key, result)
		return result, nil
	}

	hits, err := e.vectorSearch(ctx, group, q, filter, limit)
	if err != nil {
		return SearchResult{}, err
	}

	result := SearchResult{Hits: hits, Metrics: computeMetrics(hits)}
	e.cache.put(group, key, result)
	e.recordTelemetry(q, len(hits))
	return result, nil
}

func (e *Engine) vectorSearch(ctx context.Context, group, q string, filter vectorstore.Filter, limit int) ([]Result, error) {
	vec, err := e.embedder.Embed(ctx, embed.QueryPrefix(q))
	if err != nil {
		return nil, apperrors.UpstreamError("failed to embed query", err)
	}
	hits, err := e.vectors.Search(ctx, group, vec, limit, filter)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{Score: h.Score, Payload: h.Payload}
	}
	return results, nil
}

// resolveScope applies spec §4.13's project-scoping rule to build the
// vector-store filter. scopeEmpty is true when an explicit
// non-allow-listed project was requested — the caller must return an
// empty result without erroring in that case.
func (e *Engine) resolveScope(project string, additionalFilter map[string]string) (vectorstore.Filter, bool, error) {
	filter := vectorstore.Filter{Equals: map[string]string{}}
	for k, v := range additionalFilter {
		filter.Equals[k] = v
	}

	switch {
	case project == "" || project == "all":
		if len(e.allowedProjects) > 0 {
			filter.AnyOf = map[string][]string{"project": e.allowedProjects}
		}
	default:
		if len(e.allowedProjects) > 0 && !contains(e.allowedProjects, project) {
			return filter, true, nil
		}
		filter.Equals["project"] = project
	}
	return filter, false, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func validateGroupQuery(group, q string) error {
	if group == "" {
		return apperrors.InputError("group must not be empty", nil)
	}
	if q == "" {
		return apperrors.InputError("query must not be empty", nil)
	}
	return nil
}

// computeMetrics implements spec §4.13's per-search token-savings
// estimate.
func computeMetrics(hits []Result) Metrics {
	tokensReturned := 0
	maxEndLineByFile := map[string]int{}
	for _, h := range hits {
		content, _ := h.Payload["content"].(string)
		tokensReturned += ceilDiv(len(content), 4)

		file, _ := h.Payload["file"].(string)
		end := payloadInt(h.Payload["end_line"])
		if end > maxEndLineByFile[file] {
			maxEndLineByFile[file] = end
		}
	}

	estimated := 0
	for _, end := range maxEndLineByFile {
		estimated += ceilDiv(end*50, 4)
	}

	saved := estimated - tokensReturned
	if saved < 0 {
		saved = 0
	}
	percent := 0
	if estimated > 0 {
		percent = int(math.Round(float64(saved) / float64(estimated) * 100))
	}

	return Metrics{
		TokensReturned:          tokensReturned,
		EstimatedFullFileTokens: estimated,
		TokensSaved:             saved,
		SavingsPercent:          percent,
	}
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func payloadInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func (e *Engine) recordTelemetry(q string, resultCount int) {
	if e.metrics == nil {
		return
	}
	e.metrics.Record(telemetry.QueryEvent{
		Query:       q,
		ResultCount: resultCount,
		Timestamp:   time.Now(),
	})
}
