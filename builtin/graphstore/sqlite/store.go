// Package sqlite implements GraphBackend on a single-file SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/spetr/repograph/pkg/types"
)

// SchemaVersion is incremented when schema changes require reindexing.
const SchemaVersion = 1

// Store implements the GraphBackend interface using SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// New creates a new SQLite graph store.
func New() *Store {
	return &Store{}
}

// Name returns the backend name.
func (s *Store) Name() string {
	return "sqlite"
}

// Init opens the database file, creating it and its schema if needed.
func (s *Store) Init(dsn string) error {
	s.path = dsn

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL mode for concurrent reads, busy_timeout to wait for locks instead
	// of failing immediately.
	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	if err := s.createSchema(); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *Store) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			repo TEXT NOT NULL,
			path TEXT NOT NULL,
			name TEXT,
			content TEXT,
			metadata TEXT,
			content_hash TEXT,
			signature TEXT,
			embedding_pending INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_nodes_repo ON nodes(repo)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_nodes_pending ON nodes(embedding_pending)`)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS edges (
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			relation TEXT NOT NULL,
			weight REAL NOT NULL DEFAULT 1.0,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (from_id, to_id, relation)
		)
	`)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id)`)
	return err
}

// Close releases resources and closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// PutNode inserts or replaces a node record.
func (s *Store) PutNode(ctx context.Context, node *types.Node) error {
	meta, err := json.Marshal(node.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes
		(id, type, repo, path, name, content, metadata, content_hash, signature, embedding_pending, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			content = excluded.content,
			metadata = excluded.metadata,
			content_hash = excluded.content_hash,
			signature = excluded.signature,
			embedding_pending = excluded.embedding_pending,
			updated_at = excluded.updated_at
	`,
		node.ID, string(node.Type), node.Repo, node.Path, node.Name,
		node.Content, string(meta), node.ContentHash, node.Signature,
		boolToInt(node.EmbeddingPending),
		node.CreatedAt.UTC(), node.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store node %s: %w", node.ID, err)
	}
	return nil
}

// GetNode returns a node by id.
func (s *Store) GetNode(ctx context.Context, id string) (*types.Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, repo, path, name, content, metadata, content_hash, signature, embedding_pending, created_at, updated_at
		FROM nodes WHERE id = ?
	`, id)
	return scanNode(row)
}

// SetEmbeddingPending flips the embedding_pending flag on a node.
func (s *Store) SetEmbeddingPending(ctx context.Context, id string, pending bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET embedding_pending = ? WHERE id = ?`,
		boolToInt(pending), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// PendingEmbeddings lists nodes whose vector write has not succeeded yet.
func (s *Store) PendingEmbeddings(ctx context.Context, repo string, limit int) ([]*types.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, repo, path, name, content, metadata, content_hash, signature, embedding_pending, created_at, updated_at
		FROM nodes WHERE embedding_pending = 1 AND repo = ?
		ORDER BY updated_at LIMIT ?
	`, repo, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*types.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// PutEdge inserts an edge; re-putting the same (from, to, relation) keeps
// the original row.
func (s *Store) PutEdge(ctx context.Context, edge *types.Edge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO edges (from_id, to_id, relation, weight, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, edge.FromID, edge.ToID, string(edge.Relation), edge.Weight, edge.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store edge %s-[%s]->%s: %w", edge.FromID, edge.Relation, edge.ToID, err)
	}
	return nil
}

// Edges returns the edges touching a node in the given direction.
func (s *Store) Edges(ctx context.Context, nodeID string, dir types.Direction) ([]*types.Edge, error) {
	var query string
	var args []any
	switch dir {
	case types.DirectionOut:
		query = `SELECT from_id, to_id, relation, weight, created_at FROM edges WHERE from_id = ?`
		args = []any{nodeID}
	case types.DirectionIn:
		query = `SELECT from_id, to_id, relation, weight, created_at FROM edges WHERE to_id = ?`
		args = []any{nodeID}
	default:
		query = `SELECT from_id, to_id, relation, weight, created_at FROM edges WHERE from_id = ? OR to_id = ?`
		args = []any{nodeID, nodeID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []*types.Edge
	for rows.Next() {
		var e types.Edge
		var relation string
		if err := rows.Scan(&e.FromID, &e.ToID, &relation, &e.Weight, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Relation = types.RelationType(relation)
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// DeleteRepo removes every node and edge belonging to a repository and
// returns the removed node ids so vector entries can be dropped too.
func (s *Store) DeleteRepo(ctx context.Context, repo string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM nodes WHERE repo = ?`, repo)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM edges WHERE from_id IN (SELECT id FROM nodes WHERE repo = ?)
		 OR to_id IN (SELECT id FROM nodes WHERE repo = ?)`, repo, repo); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE repo = ?`, repo); err != nil {
		return nil, err
	}

	return ids, tx.Commit()
}

// Stats returns node and edge counts for a repository.
func (s *Store) Stats(ctx context.Context, repo string) (int, int, error) {
	var nodes, edges int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE repo = ?`, repo).Scan(&nodes)
	if err != nil {
		return 0, 0, err
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM edges
		WHERE from_id IN (SELECT id FROM nodes WHERE repo = ?)
	`, repo).Scan(&edges)
	if err != nil {
		return 0, 0, err
	}
	return nodes, edges, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*types.Node, error) {
	var node types.Node
	var nodeType, meta string
	var name, content, contentHash, signature sql.NullString
	var pending int

	err := row.Scan(
		&node.ID, &nodeType, &node.Repo, &node.Path, &name, &content,
		&meta, &contentHash, &signature, &pending,
		&node.CreatedAt, &node.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	node.Type = types.NodeType(nodeType)
	node.Name = name.String
	node.Content = content.String
	node.ContentHash = contentHash.String
	node.Signature = signature.String
	node.EmbeddingPending = pending != 0
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &node.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", node.ID, err)
		}
	}
	node.CreatedAt = node.CreatedAt.UTC()
	node.UpdatedAt = node.UpdatedAt.UTC()
	return &node, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
