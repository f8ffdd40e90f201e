package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config configures an HTTPEmbedder pointed at any Ollama-compatible
// /api/embed endpoint.
type Config struct {
	// Host is the embedding server's base URL, e.g. http://localhost:11434.
	Host string
	// Model is the primary model name to request embeddings from.
	Model string
	// FallbackModels are tried, in order, if Model is not installed on
	// the server.
	FallbackModels []string
	// Dimensions is the expected embedding width. Auto-detected from a
	// test call when zero.
	Dimensions int
	// BatchSize caps how many texts are sent per HTTP call; larger
	// batches are split into sequential sub-batches (spec §4.7).
	BatchSize int
	// Timeout bounds a single HTTP call.
	Timeout time.Duration
	// ConnectTimeout bounds the startup health check / model discovery.
	ConnectTimeout time.Duration
	// PoolSize bounds idle HTTP connections kept to the server.
	PoolSize int
	// SkipHealthCheck disables the startup model-discovery round trip,
	// for tests that construct an HTTPEmbedder against a stub server
	// with a known model/dimension already in hand.
	SkipHealthCheck bool
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "http://localhost:11434"
	}
	if c.Model == "" {
		c.Model = "nomic-embed-text"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize > MaxBatchSize {
		c.BatchSize = MaxBatchSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	return c
}

// HTTPEmbedder generates embeddings over HTTP against an
// Ollama-compatible /api/embed endpoint, applying spec §4.7's
// task-specific prefix scheme and batching rules.
type HTTPEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    Config
	modelName string
	dims      int

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*HTTPEmbedder)(nil)

type embedModel struct {
	Name string `json:"name"`
}

type embedModelList struct {
	Models []embedModel `json:"models"`
}

type embedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// NewHTTPEmbedder creates an HTTPEmbedder, performing model discovery
// and dimension detection unless cfg.SkipHealthCheck is set.
func NewHTTPEmbedder(ctx context.Context, cfg Config) (*HTTPEmbedder, error) {
	cfg = cfg.withDefaults()

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     10 * time.Second,
	}
	e := &HTTPEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		modelName: cfg.Model,
		dims:      cfg.Dimensions,
	}

	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()

		model, err := e.findAvailableModel(checkCtx)
		if err != nil {
			transport.CloseIdleConnections()
			return nil, fmt.Errorf("embed: connect to provider: %w", err)
		}
		e.modelName = model

		if cfg.Dimensions == 0 {
			dims, err := e.detectDimensions(checkCtx)
			if err != nil {
				transport.CloseIdleConnections()
				return nil, fmt.Errorf("embed: detect dimensions: %w", err)
			}
			e.dims = dims
		}
	}
	if e.dims == 0 {
		e.dims = DefaultDimensions
	}
	return e, nil
}

func (e *HTTPEmbedder) listModels(ctx context.Context) ([]embedModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Host+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to embedding server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	var list embedModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	return list.Models, nil
}

func (e *HTTPEmbedder) findAvailableModel(ctx context.Context) (string, error) {
	models, err := e.listModels(ctx)
	if err != nil {
		return "", err
	}
	available := make(map[string]string, len(models))
	for _, m := range models {
		name := strings.ToLower(m.Name)
		available[name] = m.Name
		available[strings.Split(name, ":")[0]] = m.Name
	}

	candidates := append([]string{e.config.Model}, e.config.FallbackModels...)
	for _, candidate := range candidates {
		name := strings.ToLower(candidate)
		if actual, ok := available[name]; ok {
			return actual, nil
		}
		if actual, ok := available[strings.Split(name, ":")[0]]; ok {
			return actual, nil
		}
	}
	return "", fmt.Errorf("no embedding model available (tried %v)", candidates)
}

func (e *HTTPEmbedder) detectDimensions(ctx context.Context) (int, error) {
	embeddings, err := e.doEmbed(ctx, []string{"dimension detection"})
	if err != nil {
		return 0, err
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return 0, fmt.Errorf("empty embedding returned")
	}
	return len(embeddings[0]), nil
}

// Embed generates an embedding for a single query-time text, prefixed
// per spec §4.7's query-prefix scheme.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("embed: embedder is closed")
	}

	if strings.TrimSpace(text) == "" {
		return make([]float32, e.dims), nil
	}

	embeddings, err := e.embedWithRetry(ctx, []string{QueryPrefix(text) + text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("embed: no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple indexing-time texts,
// each prefixed per spec §4.7's passage-prefix scheme, splitting into
// sequential sub-batches of at most config.BatchSize items.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("embed: embedder is closed")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var nonEmptyIdx []int
	var nonEmptyTexts []string
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, e.dims)
			continue
		}
		nonEmptyIdx = append(nonEmptyIdx, i)
		nonEmptyTexts = append(nonEmptyTexts, PassagePrefix(text)+text)
	}
	if len(nonEmptyIdx) == 0 {
		return results, nil
	}

	for start := 0; start < len(nonEmptyTexts); start += e.config.BatchSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		end := start + e.config.BatchSize
		if end > len(nonEmptyTexts) {
			end = len(nonEmptyTexts)
		}
		embeddings, err := e.embedWithRetry(ctx, nonEmptyTexts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed: batch [%d:%d]: %w", start, end, err)
		}
		for i, emb := range embeddings {
			results[nonEmptyIdx[start+i]] = emb
		}
	}
	return results, nil
}

// embedWithRetry retries transient failures per spec §4.7: 3 attempts,
// exponential backoff of 1s/2s/4s. A shape mismatch is not transient,
// so it short-circuits the retry loop rather than spending it.
func (e *HTTPEmbedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var embeddings [][]float32
	var shapeErr *ShapeError

	err := DownloadWithRetry(ctx, DefaultRetryConfig(), func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()

		var err error
		embeddings, err = e.doEmbed(callCtx, texts)
		if err != nil {
			if errors.As(err, &shapeErr) {
				return nil
			}
			slog.Debug("embed_attempt_failed", slog.String("error", err.Error()), slog.Int("texts", len(texts)))
		}
		return err
	})
	if shapeErr != nil {
		return nil, shapeErr
	}
	return embeddings, err
}

func (e *HTTPEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	var input any = texts
	if len(texts) == 1 {
		input = texts[0]
	}

	body, err := json.Marshal(embedRequest{Model: e.modelName, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if e.dims != 0 {
		for _, emb := range result.Embeddings {
			if len(emb) != e.dims {
				return nil, &ShapeError{Expected: e.dims, Got: len(emb)}
			}
		}
	}

	embeddings := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		v := make([]float32, len(emb))
		for j, f := range emb {
			v[j] = float32(f)
		}
		embeddings[i] = normalizeVector(v)
	}
	return embeddings, nil
}

// ShapeError reports a vector whose dimension doesn't match the
// embedder's configured dimension, per spec §4.7.
type ShapeError struct {
	Expected int
	Got      int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("embedding shape error: expected %d dimensions, got %d", e.Expected, e.Got)
}

// Dimensions returns the embedding dimension.
func (e *HTTPEmbedder) Dimensions() int { return e.dims }

// ModelName returns the model identifier.
func (e *HTTPEmbedder) ModelName() string { return e.modelName }

// Available checks whether the provider is reachable and serving the
// configured model.
func (e *HTTPEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return false
	}
	models, err := e.listModels(ctx)
	if err != nil {
		return false
	}
	want := strings.ToLower(e.modelName)
	for _, m := range models {
		if strings.Contains(strings.ToLower(m.Name), want) || strings.Contains(want, strings.ToLower(m.Name)) {
			return true
		}
	}
	return false
}

// Close releases the embedder's HTTP connections.
func (e *HTTPEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.transport != nil {
		e.transport.CloseIdleConnections()
	}
	return nil
}
