package provider

import (
	"context"

	"github.com/spetr/repograph/pkg/types"
)

// VectorBackend is a durable id → embedding store supporting cosine
// nearest-neighbor search.
type VectorBackend interface {
	// Name returns the backend name (e.g., "sqlitevec", "weaviate").
	Name() string

	// Init opens the backend. The DSN is a file path for embedded backends
	// and an http(s) URL for networked ones.
	Init(dsn string) error

	// Close releases resources and closes connections.
	Close() error

	// Upsert writes or replaces the embedding for an id.
	Upsert(ctx context.Context, id string, vector []float32) error

	// Delete removes embeddings by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Search returns the k nearest ids by cosine similarity, best first.
	Search(ctx context.Context, vector []float32, k int) ([]types.VectorHit, error)
}

// VectorConfig contains configuration for vector backends.
type VectorConfig struct {
	Backend string // "sqlitevec", "weaviate"
	DSN     string // file path or http URL
}
