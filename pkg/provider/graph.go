// Package provider defines interfaces for pluggable components.
package provider

import (
	"context"

	"github.com/spetr/repograph/pkg/types"
)

// GraphBackend is a durable store for typed nodes and directed, typed edges.
// Implementations must make PutNode and PutEdge idempotent upserts keyed on
// node id and (from, to, relation) respectively.
type GraphBackend interface {
	// Name returns the backend name (e.g., "sqlite", "neo4j").
	Name() string

	// Init opens the backend. The DSN is a file path for embedded backends
	// and a connection URI for networked ones.
	Init(dsn string) error

	// Close releases resources and closes connections.
	Close() error

	// PutNode inserts or replaces a node record.
	PutNode(ctx context.Context, node *types.Node) error

	// GetNode returns a node by id, or types.ErrNotFound.
	GetNode(ctx context.Context, id string) (*types.Node, error)

	// SetEmbeddingPending flips the embedding_pending flag on a node.
	SetEmbeddingPending(ctx context.Context, id string, pending bool) error

	// PendingEmbeddings lists nodes whose vector write has not succeeded yet.
	PendingEmbeddings(ctx context.Context, repo string, limit int) ([]*types.Node, error)

	// PutEdge inserts an edge if it does not exist. Re-putting the same
	// (from, to, relation) is a no-op.
	PutEdge(ctx context.Context, edge *types.Edge) error

	// Edges returns the edges touching a node in the given direction.
	Edges(ctx context.Context, nodeID string, dir types.Direction) ([]*types.Edge, error)

	// DeleteRepo removes every node and edge belonging to a repository.
	DeleteRepo(ctx context.Context, repo string) ([]string, error)

	// Stats returns node and edge counts for a repository.
	Stats(ctx context.Context, repo string) (nodes int, edges int, err error)
}

// GraphConfig contains configuration for graph backends.
type GraphConfig struct {
	Backend string // "sqlite", "neo4j"
	DSN     string // file path or bolt:// URI
	User    string // neo4j only
	Pass    string // neo4j only
}
