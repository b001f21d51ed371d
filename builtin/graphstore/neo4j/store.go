// Package neo4j implements GraphBackend against a Neo4j server.
package neo4j

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/spetr/repograph/pkg/types"
)

// Config contains Neo4j connection parameters.
type Config struct {
	URI  string // bolt:// or neo4j:// URI
	User string
	Pass string
}

// Store implements the GraphBackend interface on Neo4j. All node records
// carry the RepoNode label; relationship types mirror types.RelationType.
type Store struct {
	config Config
	driver neo4j.DriverWithContext
}

// New creates a new Neo4j graph store.
func New(cfg Config) *Store {
	return &Store{config: cfg}
}

// Name returns the backend name.
func (s *Store) Name() string {
	return "neo4j"
}

// Init connects to the server and verifies connectivity.
func (s *Store) Init(dsn string) error {
	if dsn == "" {
		dsn = s.config.URI
	}
	driver, err := neo4j.NewDriverWithContext(dsn, neo4j.BasicAuth(s.config.User, s.config.Pass, ""))
	if err != nil {
		return fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return fmt.Errorf("neo4j not reachable: %w", err)
	}

	s.driver = driver
	return s.createConstraints(ctx)
}

func (s *Store) createConstraints(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`CREATE CONSTRAINT repograph_node_id IF NOT EXISTS
		 FOR (n:RepoNode) REQUIRE n.id IS UNIQUE`, nil)
	return err
}

// Close shuts down the driver.
func (s *Store) Close() error {
	if s.driver == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.driver.Close(ctx)
}

// PutNode inserts or replaces a node record.
func (s *Store) PutNode(ctx context.Context, node *types.Node) error {
	meta, err := json.Marshal(node.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
			MERGE (n:RepoNode {id: $id})
			ON CREATE SET n.created_at = $createdAt
			SET n.type = $type,
				n.repo = $repo,
				n.path = $path,
				n.name = $name,
				n.content = $content,
				n.metadata = $metadata,
				n.content_hash = $contentHash,
				n.signature = $signature,
				n.embedding_pending = $pending,
				n.updated_at = $updatedAt
		`, map[string]any{
			"id":          node.ID,
			"type":        string(node.Type),
			"repo":        node.Repo,
			"path":        node.Path,
			"name":        node.Name,
			"content":     node.Content,
			"metadata":    string(meta),
			"contentHash": node.ContentHash,
			"signature":   node.Signature,
			"pending":     node.EmbeddingPending,
			"createdAt":   node.CreatedAt.UTC().Format(time.RFC3339Nano),
			"updatedAt":   node.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to store node %s: %w", node.ID, err)
	}
	return nil
}

// GetNode returns a node by id.
func (s *Store) GetNode(ctx context.Context, id string) (*types.Node, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			`MATCH (n:RepoNode {id: $id}) RETURN n`, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		raw, _ := record.Get("n")
		return raw, nil
	})
	if err != nil {
		if neo4j.IsNeo4jError(err) {
			return nil, err
		}
		// Single() fails when no row matched.
		return nil, types.ErrNotFound
	}

	n, ok := result.(neo4j.Node)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T", result)
	}
	return nodeFromProps(n.Props)
}

// SetEmbeddingPending flips the embedding_pending flag on a node.
func (s *Store) SetEmbeddingPending(ctx context.Context, id string, pending bool) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	count, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (n:RepoNode {id: $id})
			SET n.embedding_pending = $pending
			RETURN count(n) AS c
		`, map[string]any{"id": id, "pending": pending})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		c, _ := record.Get("c")
		return c, nil
	})
	if err != nil {
		return err
	}
	if c, ok := count.(int64); ok && c == 0 {
		return types.ErrNotFound
	}
	return nil
}

// PendingEmbeddings lists nodes whose vector write has not succeeded yet.
func (s *Store) PendingEmbeddings(ctx context.Context, repo string, limit int) ([]*types.Node, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (n:RepoNode {repo: $repo, embedding_pending: true})
			RETURN n ORDER BY n.updated_at LIMIT $limit
		`, map[string]any{"repo": repo, "limit": limit})
		if err != nil {
			return nil, err
		}
		var nodes []*types.Node
		for res.Next(ctx) {
			raw, _ := res.Record().Get("n")
			n, ok := raw.(neo4j.Node)
			if !ok {
				continue
			}
			node, err := nodeFromProps(n.Props)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
		}
		return nodes, res.Err()
	})
	if err != nil {
		return nil, err
	}
	return result.([]*types.Node), nil
}

// PutEdge inserts an edge if it does not exist.
func (s *Store) PutEdge(ctx context.Context, edge *types.Edge) error {
	rel, err := relationLabel(edge.Relation)
	if err != nil {
		return err
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	// Relationship types cannot be parameterized in Cypher; rel is
	// validated against the closed RelationType set above.
	query := fmt.Sprintf(`
		MATCH (a:RepoNode {id: $from}), (b:RepoNode {id: $to})
		MERGE (a)-[r:%s]->(b)
		ON CREATE SET r.weight = $weight, r.created_at = $createdAt
	`, rel)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, map[string]any{
			"from":      edge.FromID,
			"to":        edge.ToID,
			"weight":    edge.Weight,
			"createdAt": edge.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to store edge %s-[%s]->%s: %w", edge.FromID, rel, edge.ToID, err)
	}
	return nil
}

// Edges returns the edges touching a node in the given direction.
func (s *Store) Edges(ctx context.Context, nodeID string, dir types.Direction) ([]*types.Edge, error) {
	var pattern string
	switch dir {
	case types.DirectionOut:
		pattern = `MATCH (a:RepoNode {id: $id})-[r]->(b:RepoNode)`
	case types.DirectionIn:
		pattern = `MATCH (b:RepoNode)-[r]->(a:RepoNode {id: $id})`
	default:
		pattern = `MATCH (a:RepoNode {id: $id})-[r]-(b:RepoNode)`
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, pattern+`
			RETURN startNode(r).id AS from_id, endNode(r).id AS to_id,
			       type(r) AS relation, r.weight AS weight, r.created_at AS created_at
		`, map[string]any{"id": nodeID})
		if err != nil {
			return nil, err
		}

		var edges []*types.Edge
		for res.Next(ctx) {
			record := res.Record()
			e := &types.Edge{Weight: 1.0}
			if v, ok := record.Get("from_id"); ok {
				e.FromID, _ = v.(string)
			}
			if v, ok := record.Get("to_id"); ok {
				e.ToID, _ = v.(string)
			}
			if v, ok := record.Get("relation"); ok {
				if rel, ok := v.(string); ok {
					e.Relation = types.RelationType(rel)
				}
			}
			if v, ok := record.Get("weight"); ok {
				if w, ok := v.(float64); ok {
					e.Weight = w
				}
			}
			if v, ok := record.Get("created_at"); ok {
				if ts, ok := v.(string); ok {
					e.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
				}
			}
			edges = append(edges, e)
		}
		return edges, res.Err()
	})
	if err != nil {
		return nil, err
	}
	return result.([]*types.Edge), nil
}

// DeleteRepo removes every node and edge belonging to a repository.
func (s *Store) DeleteRepo(ctx context.Context, repo string) ([]string, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (n:RepoNode {repo: $repo})
			WITH n, n.id AS id
			DETACH DELETE n
			RETURN collect(id) AS ids
		`, map[string]any{"repo": repo})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return []string(nil), nil // nothing matched
		}
		raw, _ := record.Get("ids")
		list, _ := raw.([]any)
		ids := make([]string, 0, len(list))
		for _, v := range list {
			if id, ok := v.(string); ok {
				ids = append(ids, id)
			}
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

// Stats returns node and edge counts for a repository.
func (s *Store) Stats(ctx context.Context, repo string) (int, int, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	type counts struct{ nodes, edges int64 }
	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (n:RepoNode {repo: $repo})
			OPTIONAL MATCH (n)-[r]->(:RepoNode)
			RETURN count(DISTINCT n) AS nodes, count(r) AS edges
		`, map[string]any{"repo": repo})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		var c counts
		if v, ok := record.Get("nodes"); ok {
			c.nodes, _ = v.(int64)
		}
		if v, ok := record.Get("edges"); ok {
			c.edges, _ = v.(int64)
		}
		return c, nil
	})
	if err != nil {
		return 0, 0, err
	}
	c := result.(counts)
	return int(c.nodes), int(c.edges), nil
}

func relationLabel(r types.RelationType) (string, error) {
	switch r {
	case types.RelationContains, types.RelationPartOf, types.RelationImports,
		types.RelationCalls, types.RelationEvolvesFrom, types.RelationRelatesTo,
		types.RelationSupports, types.RelationContradicts:
		return string(r), nil
	}
	return "", fmt.Errorf("%w: unknown relation %q", types.ErrInvalidArgument, r)
}

func nodeFromProps(props map[string]any) (*types.Node, error) {
	node := &types.Node{}
	str := func(key string) string {
		if v, ok := props[key].(string); ok {
			return v
		}
		return ""
	}

	node.ID = str("id")
	node.Type = types.NodeType(str("type"))
	node.Repo = str("repo")
	node.Path = str("path")
	node.Name = str("name")
	node.Content = str("content")
	node.ContentHash = str("content_hash")
	node.Signature = str("signature")
	if v, ok := props["embedding_pending"].(bool); ok {
		node.EmbeddingPending = v
	}
	if meta := str("metadata"); meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &node.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", node.ID, err)
		}
	}
	node.CreatedAt, _ = time.Parse(time.RFC3339Nano, str("created_at"))
	node.UpdatedAt, _ = time.Parse(time.RFC3339Nano, str("updated_at"))
	return node, nil
}
