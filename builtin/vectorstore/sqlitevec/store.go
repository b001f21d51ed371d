// Package sqlitevec implements VectorBackend using sqlite-vec for cosine
// nearest-neighbor search.
package sqlitevec

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spetr/repograph/pkg/types"
)

// Ensure sqlite-vec Auto() is called exactly once before any db connection.
var vecAutoOnce sync.Once

// Store implements the VectorBackend interface using sqlite-vec.
type Store struct {
	db         *sql.DB
	path       string
	dimensions int
	mu         sync.Mutex // guards lazy vector-table creation
}

// New creates a new sqlite-vec store.
func New() *Store {
	return &Store{}
}

// Name returns the backend name.
func (s *Store) Name() string {
	return "sqlitevec"
}

// Init initializes the store at the given path.
func (s *Store) Init(dsn string) error {
	s.path = dsn

	// Register sqlite-vec extension before opening any database connection.
	vecAutoOnce.Do(func() {
		sqlite_vec.Auto()
	})

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	if _, err := db.Exec("SELECT vec_version()"); err != nil {
		return fmt.Errorf("sqlite-vec extension not available: %w", err)
	}
	return nil
}

// createVectorTable creates the vector table with the specified dimensions.
// The table is created lazily on first upsert because dimensions come from
// the embedding provider at runtime.
func (s *Store) createVectorTable(dimensions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dimensions == dimensions {
		return nil
	}
	if s.dimensions != 0 {
		return fmt.Errorf("embedding dimensions changed from %d to %d, reindex required", s.dimensions, dimensions)
	}
	s.dimensions = dimensions

	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS node_embeddings USING vec0(
			node_id TEXT PRIMARY KEY,
			embedding float[%d]
		)
	`, dimensions))
	if err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}
	return nil
}

// Close releases resources and closes connections.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Upsert writes or replaces the embedding for an id.
func (s *Store) Upsert(ctx context.Context, id string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", types.ErrInvalidArgument)
	}
	if err := s.createVectorTable(len(vector)); err != nil {
		return err
	}

	// vec0 virtual tables reject INSERT OR REPLACE, so delete first.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM node_embeddings WHERE node_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO node_embeddings (node_id, embedding) VALUES (?, ?)
	`, id, floatsToBytes(vector)); err != nil {
		return fmt.Errorf("failed to store embedding for %s: %w", id, err)
	}
	return tx.Commit()
}

// Delete removes embeddings by id.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 || s.dimensions == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM node_embeddings WHERE node_id IN ("+strings.Join(placeholders, ",")+")",
		args...)
	return err
}

// Search returns the k nearest ids by cosine similarity, best first.
func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]types.VectorHit, error) {
	if s.dimensions == 0 {
		return nil, nil // nothing indexed yet
	}
	if len(vector) != s.dimensions {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, index has %d",
			types.ErrInvalidArgument, len(vector), s.dimensions)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, vec_distance_cosine(embedding, ?) AS distance
		FROM node_embeddings
		ORDER BY distance ASC
		LIMIT ?
	`, floatsToBytes(vector), k)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var hits []types.VectorHit
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		// Cosine distance in [0,2] → similarity in [-1,1].
		hits = append(hits, types.VectorHit{ID: id, Score: 1.0 - distance})
	}
	return hits, rows.Err()
}

// floatsToBytes converts a float32 slice to little-endian bytes for sqlite-vec.
func floatsToBytes(floats []float32) []byte {
	bytes := make([]byte, len(floats)*4)
	for i, f := range floats {
		bits := math.Float32bits(f)
		bytes[i*4] = byte(bits)
		bytes[i*4+1] = byte(bits >> 8)
		bytes[i*4+2] = byte(bits >> 16)
		bytes[i*4+3] = byte(bits >> 24)
	}
	return bytes
}
