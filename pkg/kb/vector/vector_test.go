package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/httpclient"
)

func newMemoryStore(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(ChromemConfig{})
	require.NoError(t, err)
	return store
}

func TestChromemUpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	require.NoError(t, store.CreateCollection(ctx, "col-1"))

	docs := []Document{
		{ID: "a", Content: "alpha", Metadata: map[string]string{"file_id": "f1"}, Embedding: []float32{1, 0, 0}},
		{ID: "b", Content: "beta", Metadata: map[string]string{"file_id": "f1"}, Embedding: []float32{0, 1, 0}},
		{ID: "c", Content: "gamma", Metadata: map[string]string{"file_id": "f2"}, Embedding: []float32{0, 0, 1}},
	}
	require.NoError(t, store.UpsertBatch(ctx, "col-1", docs))

	results, err := store.Query(ctx, "col-1", []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "alpha", results[0].Content)
	assert.InDelta(t, 1.0, float64(results[0].Score), 0.01)
}

func TestChromemQueryFilter(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	require.NoError(t, store.UpsertBatch(ctx, "col", []Document{
		{ID: "a", Content: "alpha", Metadata: map[string]string{"file_id": "f1"}, Embedding: []float32{1, 0}},
		{ID: "b", Content: "beta", Metadata: map[string]string{"file_id": "f2"}, Embedding: []float32{0.9, 0.1}},
	}))

	results, err := store.Query(ctx, "col", []float32{1, 0}, 5, map[string]string{"file_id": "f2"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestChromemQueryClampsTopK(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)

	// Empty collection returns no results, not an error.
	results, err := store.Query(ctx, "col", []float32{1, 0}, 3, nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, store.UpsertBatch(ctx, "col", []Document{
		{ID: "a", Content: "alpha", Embedding: []float32{1, 0}},
	}))
	results, err = store.Query(ctx, "col", []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestChromemDeleteByFilter(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	require.NoError(t, store.UpsertBatch(ctx, "col", []Document{
		{ID: "a", Content: "alpha", Metadata: map[string]string{"file_id": "f1"}, Embedding: []float32{1, 0}},
		{ID: "b", Content: "beta", Metadata: map[string]string{"file_id": "f2"}, Embedding: []float32{0, 1}},
	}))

	require.NoError(t, store.DeleteByFilter(ctx, "col", map[string]string{"file_id": "f1"}))

	results, err := store.Query(ctx, "col", []float32{1, 0}, 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestChromemDeleteCollection(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	require.NoError(t, store.UpsertBatch(ctx, "col", []Document{
		{ID: "a", Content: "alpha", Embedding: []float32{1, 0}},
	}))

	require.NoError(t, store.DeleteCollection(ctx, "col"))

	// Collection is recreated empty on next access.
	results, err := store.Query(ctx, "col", []float32{1, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromaUpsertBatchPayload(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/collections/uuid-1/upsert", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`true`))
	}))
	defer server.Close()

	store, err := NewChromaStore(ChromaConfig{BaseURL: server.URL}, httpclient.NewPool())
	require.NoError(t, err)

	err = store.UpsertBatch(context.Background(), "uuid-1", []Document{
		{ID: "a", Content: "alpha", Metadata: map[string]string{"chunk_index": "0"}, Embedding: []float32{1, 0}},
		{ID: "b", Content: "beta", Metadata: map[string]string{"chunk_index": "1"}, Embedding: []float32{0, 1}},
	})
	require.NoError(t, err)

	ids, _ := captured["ids"].([]any)
	assert.Equal(t, []any{"a", "b"}, ids)
	embeddings, _ := captured["embeddings"].([]any)
	assert.Len(t, embeddings, 2)
	documents, _ := captured["documents"].([]any)
	assert.Equal(t, []any{"alpha", "beta"}, documents)
}

func TestChromaQueryConversion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/collections/uuid-1/query", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.EqualValues(t, 2, req["n_results"])
		assert.Equal(t, map[string]any{"file_id": "f1"}, req["where"])

		w.Write([]byte(`{
			"ids": [["b", "a"]],
			"distances": [[0.4, 0.1]],
			"documents": [["beta", "alpha"]],
			"metadatas": [[{"file_id": "f1"}, {"file_id": "f1"}]]
		}`))
	}))
	defer server.Close()

	store, err := NewChromaStore(ChromaConfig{BaseURL: server.URL}, httpclient.NewPool())
	require.NoError(t, err)

	results, err := store.Query(context.Background(), "uuid-1", []float32{1, 0}, 2, map[string]string{"file_id": "f1"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Sorted by similarity, so the closer hit comes first.
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 0.9, float64(results[0].Score), 0.001)
	assert.Equal(t, "f1", results[0].Metadata["file_id"])
	assert.Equal(t, "b", results[1].ID)
}

func TestChromaErrorSurfacesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"collection not found"}`))
	}))
	defer server.Close()

	store, err := NewChromaStore(ChromaConfig{BaseURL: server.URL}, httpclient.NewPool())
	require.NoError(t, err)

	err = store.DeleteByFilter(context.Background(), "missing", map[string]string{"file_id": "f1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "collection not found")
}

func TestFactorySelectsProvider(t *testing.T) {
	pool := httpclient.NewPool()

	store, err := New(&config.Settings{VectorStore: "chromem"}, pool)
	require.NoError(t, err)
	assert.IsType(t, &ChromemStore{}, store)

	store, err = New(&config.Settings{VectorStore: "chroma", ChromaURL: "http://localhost:8000"}, pool)
	require.NoError(t, err)
	assert.IsType(t, &ChromaStore{}, store)

	_, err = New(&config.Settings{VectorStore: "qdrant"}, pool)
	assert.Error(t, err)
}
