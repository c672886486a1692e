// Package vector abstracts the vector engine behind the knowledge base.
// Two providers are supported: an embedded chromem-go store for
// zero-dependency deployments and a Chroma server reached over HTTP.
package vector

import "context"

// Provider names accepted by the factory.
const (
	ProviderChromem = "chromem"
	ProviderChroma  = "chroma"
)

// Document is one chunk bound for a collection, with its pre-computed
// embedding. Metadata values are strings so both providers store them
// identically.
type Document struct {
	ID        string
	Content   string
	Metadata  map[string]string
	Embedding []float32
}

// Result is one similarity hit. Score is a similarity in [0,1], higher
// is closer.
type Result struct {
	ID       string
	Content  string
	Score    float32
	Metadata map[string]string
}

// Store is the vector engine interface. Collections are addressed by their
// vector_store_uuid, never by display name.
type Store interface {
	// CreateCollection ensures a collection exists. Idempotent.
	CreateCollection(ctx context.Context, collection string) error

	// UpsertBatch writes all documents of one file in a single call so a
	// file is never partially visible to queries.
	UpsertBatch(ctx context.Context, collection string, docs []Document) error

	// Query returns the topK most similar documents, optionally restricted
	// by a metadata equality filter.
	Query(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string) ([]Result, error)

	// DeleteByFilter removes every document matching the metadata filter.
	DeleteByFilter(ctx context.Context, collection string, filter map[string]string) error

	// DeleteCollection removes the collection and all its documents.
	DeleteCollection(ctx context.Context, collection string) error

	Close() error
}
