package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubEmbedServer(t *testing.T, dims int, modelName string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_ = json.NewEncoder(w).Encode(embedModelList{Models: []embedModel{{Name: modelName}}})
		case "/api/embed":
			var req embedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			var count int
			switch input := req.Input.(type) {
			case string:
				count = 1
			case []any:
				count = len(input)
			}
			embeddings := make([][]float64, count)
			for i := range embeddings {
				vec := make([]float64, dims)
				for j := range vec {
					vec[j] = 0.1
				}
				embeddings[i] = vec
			}
			_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: embeddings})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestHTTPEmbedder_Embed_ReturnsNormalizedVector(t *testing.T) {
	srv := stubEmbedServer(t, 4, "nomic-embed-text")
	defer srv.Close()

	e, err := NewHTTPEmbedder(context.Background(), Config{Host: srv.URL, Model: "nomic-embed-text"})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	vec, err := e.Embed(context.Background(), "func main() {}")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
}

func TestHTTPEmbedder_EmbedBatch_SplitsIntoSubBatches(t *testing.T) {
	srv := stubEmbedServer(t, 4, "nomic-embed-text")
	defer srv.Close()

	e, err := NewHTTPEmbedder(context.Background(), Config{Host: srv.URL, Model: "nomic-embed-text", BatchSize: 2})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	results, err := e.EmbedBatch(context.Background(), []string{"one", "two", "three", "four", "five"})
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, v := range results {
		assert.Len(t, v, 4)
	}
}

func TestHTTPEmbedder_EmbedBatch_EmptyTextGetsZeroVector(t *testing.T) {
	srv := stubEmbedServer(t, 4, "nomic-embed-text")
	defer srv.Close()

	e, err := NewHTTPEmbedder(context.Background(), Config{Host: srv.URL, Model: "nomic-embed-text"})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	results, err := e.EmbedBatch(context.Background(), []string{"", "real text"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, make([]float32, 4), results[0])
}

func TestHTTPEmbedder_FallsBackToSecondaryModel(t *testing.T) {
	srv := stubEmbedServer(t, 4, "installed-model")
	defer srv.Close()

	e, err := NewHTTPEmbedder(context.Background(), Config{
		Host:           srv.URL,
		Model:          "missing-model",
		FallbackModels: []string{"installed-model"},
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	assert.Equal(t, "installed-model", e.ModelName())
}

func TestHTTPEmbedder_NoModelAvailable_ReturnsError(t *testing.T) {
	srv := stubEmbedServer(t, 4, "some-other-model")
	defer srv.Close()

	_, err := NewHTTPEmbedder(context.Background(), Config{Host: srv.URL, Model: "missing-model"})
	assert.Error(t, err)
}

func TestHTTPEmbedder_ShapeMismatch_ReturnsShapeError(t *testing.T) {
	srv := stubEmbedServer(t, 4, "nomic-embed-text")
	defer srv.Close()

	e, err := NewHTTPEmbedder(context.Background(), Config{
		Host: srv.URL, Model: "nomic-embed-text", Dimensions: 8, SkipHealthCheck: true,
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	_, err = e.Embed(context.Background(), "func main() {}")
	require.Error(t, err)
	var shapeErr *ShapeError
	assert.ErrorAs(t, err, &shapeErr)
}

func TestHTTPEmbedder_Available_ChecksModelPresence(t *testing.T) {
	srv := stubEmbedServer(t, 4, "nomic-embed-text")
	defer srv.Close()

	e, err := NewHTTPEmbedder(context.Background(), Config{Host: srv.URL, Model: "nomic-embed-text"})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	assert.True(t, e.Available(context.Background()))
}
