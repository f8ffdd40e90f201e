// Package config resolves a per-project configuration document into a
// validated Project, merging language profiles and applying the range
// checks spec'd for the indexing and watcher subsystems.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/paparats/paparats/internal/errors"
	"github.com/paparats/paparats/internal/lang"
)

// Project is the resolved, validated configuration for one project.
// The same struct serves the on-disk YAML document and the JSON surface
// exposed at GET /api/stats.
type Project struct {
	Group    string   `yaml:"group" json:"group"`
	Language []string `yaml:"language" json:"language"`

	Paths              []string `yaml:"paths" json:"paths"`
	Excludes           []string `yaml:"excludes" json:"excludes"`
	RespectIgnoreFile  bool     `yaml:"respect_ignore_file" json:"respect_ignore_file"`

	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
	Overlap   int `yaml:"overlap" json:"overlap"`

	Concurrency int `yaml:"concurrency" json:"concurrency"`
	BatchSize   int `yaml:"batch_size" json:"batch_size"`

	Watcher    WatcherConfig    `yaml:"watcher" json:"watcher"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Metadata   MetadataConfig   `yaml:"metadata" json:"metadata"`

	// ResolvedPatterns/ResolvedExcludes/ResolvedExtensions are computed by
	// Resolve from the language profile registry union'd with user-supplied
	// paths/excludes (which override the defaults entirely, never merge).
	ResolvedPatterns   []string `yaml:"-" json:"-"`
	ResolvedExcludes   []string `yaml:"-" json:"-"`
	ResolvedExtensions []string `yaml:"-" json:"-"`
}

// WatcherConfig controls debounce/stability timing for the file watcher.
type WatcherConfig struct {
	DebounceMS  int `yaml:"debounce_ms" json:"debounce_ms"`
	StabilityMS int `yaml:"stability_ms" json:"stability_ms"`
}

// EmbeddingsConfig names the remote embedding provider and model.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider" json:"provider"`
	Model      string `yaml:"model" json:"model"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
}

// MetadataConfig carries the static tags attached to every chunk plus the
// git-metadata extraction settings.
type MetadataConfig struct {
	Service        string            `yaml:"service" json:"service"`
	BoundedContext string            `yaml:"bounded_context" json:"bounded_context"`
	Tags           []string          `yaml:"tags" json:"tags"`
	DirectoryTags  map[string]string `yaml:"directory_tags" json:"directory_tags"`
	Git            GitConfig         `yaml:"git" json:"git"`
}

// GitConfig configures the git metadata extractor.
type GitConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	MaxCommitsPerFile int      `yaml:"max_commits_per_file" json:"max_commits_per_file"`
	TicketPatterns    []string `yaml:"ticket_patterns" json:"ticket_patterns"`
}

// Defaults applied before validation when a field is left at its zero value.
const (
	DefaultChunkSize         = 1200
	DefaultOverlap           = 100
	DefaultConcurrency       = 4
	DefaultBatchSize         = 64
	DefaultWatcherDebounceMS = 500
	DefaultWatcherStableMS  = 500
	DefaultGitMaxCommits    = 50
	DefaultEmbeddingDims    = 768
)

// Option customizes resolution (used by tests and by env-var overrides).
type Option func(*Project)

// Resolve parses raw (a YAML document) into a validated Project, applying
// defaults and language-profile resolution. It returns a *errors.Error
// with Kind=ConfigError naming the offending field on any validation
// failure.
func Resolve(raw []byte, opts ...Option) (*Project, error) {
	var p Project
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, apperrors.ConfigError(fmt.Sprintf("invalid config document: %v", err), err)
	}

	applyDefaults(&p)

	for _, opt := range opts {
		opt(&p)
	}

	if err := resolveLanguageProfiles(&p); err != nil {
		return nil, err
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return &p, nil
}

func applyDefaults(p *Project) {
	if p.ChunkSize == 0 {
		p.ChunkSize = DefaultChunkSize
	}
	if p.Overlap == 0 {
		p.Overlap = DefaultOverlap
	}
	if p.Concurrency == 0 {
		p.Concurrency = DefaultConcurrency
	}
	if p.BatchSize == 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.Watcher.DebounceMS == 0 {
		p.Watcher.DebounceMS = DefaultWatcherDebounceMS
	}
	if p.Watcher.StabilityMS == 0 {
		p.Watcher.StabilityMS = DefaultWatcherStableMS
	}
	if p.Metadata.Git.MaxCommitsPerFile == 0 {
		p.Metadata.Git.MaxCommitsPerFile = DefaultGitMaxCommits
	}
	if p.Embeddings.Dimensions == 0 {
		p.Embeddings.Dimensions = DefaultEmbeddingDims
	}
}

// resolveLanguageProfiles unions each declared language's profile
// patterns/excludes/extensions. User-supplied Paths/Excludes override the
// defaults entirely rather than merging with them (spec §4.1).
func resolveLanguageProfiles(p *Project) error {
	if len(p.Language) == 0 {
		return apperrors.ConfigError("field \"language\" is required", nil)
	}

	var patterns, excludes, extensions []string
	for _, id := range p.Language {
		profile := lang.Lookup(id)
		patterns = append(patterns, profile.Patterns...)
		excludes = append(excludes, profile.Excludes...)
		extensions = append(extensions, profile.Extensions...)
	}

	if len(p.Paths) > 0 {
		var joined []string
		for _, root := range p.Paths {
			root = strings.TrimSuffix(filepath.ToSlash(root), "/")
			for _, pat := range patterns {
				joined = append(joined, root+"/"+pat)
			}
		}
		patterns = joined
	}

	if len(p.Excludes) > 0 {
		excludes = append([]string{}, p.Excludes...)
	}

	p.ResolvedPatterns = dedupe(patterns)
	p.ResolvedExcludes = dedupe(excludes)
	p.ResolvedExtensions = dedupe(extensions)
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Validate checks the resolved config against spec §4.1's range table.
// Errors name the offending field and its allowed range.
func (p *Project) Validate() error {
	if p.Group == "" {
		return apperrors.ConfigError("field \"group\" is required", nil)
	}
	if !groupCharset.MatchString(p.Group) {
		return apperrors.ConfigError(fmt.Sprintf("field \"group\" has invalid characters: %q (allowed: a-z0-9-_)", p.Group), nil)
	}

	if p.ChunkSize < 128 || p.ChunkSize > 8192 {
		return apperrors.ConfigError(fmt.Sprintf("field \"chunk_size\" must be in [128, 8192], got %d", p.ChunkSize), nil)
	}
	if p.Overlap < 0 || p.Overlap >= p.ChunkSize {
		return apperrors.ConfigError(fmt.Sprintf("field \"overlap\" must be in [0, chunk_size=%d), got %d", p.ChunkSize, p.Overlap), nil)
	}
	if p.Concurrency < 1 || p.Concurrency > 20 {
		return apperrors.ConfigError(fmt.Sprintf("field \"concurrency\" must be in [1, 20], got %d", p.Concurrency), nil)
	}
	if p.BatchSize < 1 || p.BatchSize > 1000 {
		return apperrors.ConfigError(fmt.Sprintf("field \"batch_size\" must be in [1, 1000], got %d", p.BatchSize), nil)
	}
	if p.Watcher.DebounceMS < 100 || p.Watcher.DebounceMS > 10000 {
		return apperrors.ConfigError(fmt.Sprintf("field \"watcher.debounce_ms\" must be in [100, 10000], got %d", p.Watcher.DebounceMS), nil)
	}
	if p.Watcher.StabilityMS < 100 || p.Watcher.StabilityMS > 10000 {
		return apperrors.ConfigError(fmt.Sprintf("field \"watcher.stability_ms\" must be in [100, 10000], got %d", p.Watcher.StabilityMS), nil)
	}
	if p.Metadata.Git.Enabled {
		if p.Metadata.Git.MaxCommitsPerFile < 1 || p.Metadata.Git.MaxCommitsPerFile > 500 {
			return apperrors.ConfigError(fmt.Sprintf("field \"metadata.git.max_commits_per_file\" must be in [1, 500], got %d", p.Metadata.Git.MaxCommitsPerFile), nil)
		}
	}
	for _, pat := range p.Metadata.Git.TicketPatterns {
		if _, err := regexp.Compile(pat); err != nil {
			return apperrors.ConfigError(fmt.Sprintf("field \"metadata.git.ticket_patterns\" contains invalid regex %q: %v", pat, err), err)
		}
	}

	for _, rel := range p.Paths {
		if err := validateRelativePath(rel); err != nil {
			return err
		}
	}

	return nil
}

var groupCharset = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// validateRelativePath rejects absolute paths and any ".." traversal
// component, per spec §4.1.
func validateRelativePath(rel string) error {
	clean := filepath.ToSlash(rel)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "/") {
		return apperrors.ConfigError(fmt.Sprintf("field \"paths\" must be relative, got %q", rel), nil)
	}
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return apperrors.ConfigError(fmt.Sprintf("field \"paths\" must not escape the project root, got %q", rel), nil)
		}
	}
	return nil
}

// Load reads and resolves the project config file at path.
func Load(path string) (*Project, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.ConfigError(fmt.Sprintf("cannot read config at %s", path), err)
	}
	return Resolve(raw)
}
