// Package store implements the unified store: a single write path that keeps
// the graph backend and the vector backend consistent for every node, and the
// combined graph-plus-similarity read paths built on top of it.
package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spetr/repograph/pkg/provider"
	"github.com/spetr/repograph/pkg/types"
)

// Options tune the ranking formula. Zero values fall back to defaults.
type Options struct {
	SimilarityWeight float64 // weight of cosine similarity
	DegreeWeight     float64 // weight of graph connectivity
	TraversalDecay   float64 // per-hop similarity decay during expansion
}

// Default ranking parameters.
const (
	DefaultSimilarityWeight = 0.7
	DefaultDegreeWeight     = 0.3
	DefaultTraversalDecay   = 0.5
)

// Depth limits for graph reads.
const (
	MaxExpandDepth  = 5
	MaxRelatedDepth = 5
	MaxTraceLength  = 1000
)

// lockShards is the number of id-keyed write locks. Writes to different
// nodes proceed in parallel; writes to the same node serialize.
const lockShards = 64

// Unified coordinates one graph backend, one vector backend and one
// embedding provider behind a single node-level API. A node "exists" once
// its graph write succeeds; the vector write may lag behind under backend
// failure, tracked by the embedding_pending flag.
type Unified struct {
	graph    provider.GraphBackend
	vector   provider.VectorBackend
	embedder provider.EmbeddingProvider
	logger   *slog.Logger
	opts     Options

	locks [lockShards]sync.Mutex
}

// New creates a unified store over already-initialized backends.
func New(graph provider.GraphBackend, vector provider.VectorBackend, embedder provider.EmbeddingProvider, logger *slog.Logger, opts Options) *Unified {
	if opts.SimilarityWeight == 0 && opts.DegreeWeight == 0 {
		opts.SimilarityWeight = DefaultSimilarityWeight
		opts.DegreeWeight = DefaultDegreeWeight
	}
	if opts.TraversalDecay == 0 {
		opts.TraversalDecay = DefaultTraversalDecay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Unified{
		graph:    graph,
		vector:   vector,
		embedder: embedder,
		logger:   logger,
		opts:     opts,
	}
}

// Close closes all backends, returning the first error.
func (u *Unified) Close() error {
	var first error
	for _, c := range []func() error{u.vector.Close, u.graph.Close, u.embedder.Close} {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (u *Unified) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &u.locks[h.Sum32()%lockShards]
}

// StoreNode writes a node to the graph and its embedding to the vector
// backend. The call is idempotent: an unchanged node (same id, same content
// hash) is skipped entirely. If embedding or the vector write fails after
// retries, the node is kept with embedding_pending set and the call still
// succeeds; RetryPendingEmbeddings reconciles it later.
func (u *Unified) StoreNode(ctx context.Context, node *types.Node) error {
	return u.storeNode(ctx, node, false)
}

// ForceStoreNode stores a node even when its content hash is unchanged,
// re-embedding and rewriting it. Used by forced re-index runs; CreatedAt is
// still preserved.
func (u *Unified) ForceStoreNode(ctx context.Context, node *types.Node) error {
	return u.storeNode(ctx, node, true)
}

func (u *Unified) storeNode(ctx context.Context, node *types.Node, force bool) error {
	if err := validateNode(node); err != nil {
		return err
	}
	if node.ID == "" {
		node.ID = types.NodeID(node.Repo, node.Path)
	}

	mu := u.lockFor(node.ID)
	mu.Lock()
	defer mu.Unlock()

	node.ContentHash = types.HashContent(embeddingText(node))
	node.Signature = types.NodeSignature(node)

	existing, err := u.graph.GetNode(ctx, node.ID)
	if err != nil && types.Kind(err) != types.KindNotFound {
		return fmt.Errorf("failed to look up node %s: %w", node.ID, err)
	}

	now := time.Now().UTC()
	if existing != nil {
		if !force && existing.ContentHash == node.ContentHash && !existing.EmbeddingPending {
			u.logger.Debug("node unchanged, skipping", "id", node.ID, "path", node.Path)
			return nil
		}
		node.CreatedAt = existing.CreatedAt
	} else {
		node.CreatedAt = now
	}
	node.UpdatedAt = now

	if err := withRetry(ctx, u.logger, "graph.PutNode", func() error {
		return u.graph.PutNode(ctx, node)
	}); err != nil {
		return err
	}

	if err := u.writeEmbedding(ctx, node); err != nil {
		u.logger.Warn("embedding deferred", "id", node.ID, "path", node.Path, "error", err)
		node.EmbeddingPending = true
		return withRetry(ctx, u.logger, "graph.SetEmbeddingPending", func() error {
			return u.graph.SetEmbeddingPending(ctx, node.ID, true)
		})
	}

	if node.EmbeddingPending {
		node.EmbeddingPending = false
		return withRetry(ctx, u.logger, "graph.SetEmbeddingPending", func() error {
			return u.graph.SetEmbeddingPending(ctx, node.ID, false)
		})
	}
	return nil
}

func (u *Unified) writeEmbedding(ctx context.Context, node *types.Node) error {
	var vec []float32
	if err := withRetry(ctx, u.logger, "embedder.Embed", func() error {
		vecs, err := u.embedder.Embed(ctx, []string{embeddingText(node)})
		if err != nil {
			return err
		}
		if len(vecs) != 1 || len(vecs[0]) == 0 {
			return fmt.Errorf("embedder returned %d vectors, want 1", len(vecs))
		}
		vec = vecs[0]
		return nil
	}); err != nil {
		return err
	}

	return withRetry(ctx, u.logger, "vector.Upsert", func() error {
		return u.vector.Upsert(ctx, node.ID, vec)
	})
}

func validateNode(node *types.Node) error {
	if node == nil {
		return fmt.Errorf("%w: nil node", types.ErrInvalidArgument)
	}
	if node.Repo == "" || node.Path == "" {
		return fmt.Errorf("%w: node requires repo and path", types.ErrInvalidArgument)
	}
	if node.Type == "" {
		return fmt.Errorf("%w: node requires a type", types.ErrInvalidArgument)
	}
	if len(node.Metadata) > types.MaxMetadataEntries {
		return fmt.Errorf("%w: metadata exceeds %d entries", types.ErrInvalidArgument, types.MaxMetadataEntries)
	}
	return nil
}

// embeddingText is the canonical text a node is embedded and hashed on.
func embeddingText(node *types.Node) string {
	parts := []string{string(node.Type), node.Name}
	if doc := node.Metadata["doc"]; doc != "" {
		parts = append(parts, doc)
	}
	parts = append(parts, node.Content)
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// CreateEdge validates both endpoints and writes the edge. Containment
// relations are written as a CONTAINS/PART_OF pair; EVOLVES_FROM is checked
// for cycles and for a second outgoing evolution edge. Re-creating an
// existing edge is a no-op.
func (u *Unified) CreateEdge(ctx context.Context, edge *types.Edge) error {
	if err := validateEdge(edge); err != nil {
		return err
	}

	if _, err := u.GetNode(ctx, edge.FromID); err != nil {
		return fmt.Errorf("%w: from node %s", types.ErrDanglingReference, edge.FromID)
	}
	if _, err := u.GetNode(ctx, edge.ToID); err != nil {
		return fmt.Errorf("%w: to node %s", types.ErrDanglingReference, edge.ToID)
	}

	if edge.Relation == types.RelationEvolvesFrom {
		if err := u.checkEvolution(ctx, edge); err != nil {
			return err
		}
	}

	if edge.Weight == 0 {
		edge.Weight = 1.0
	}
	edge.CreatedAt = time.Now().UTC()

	if err := withRetry(ctx, u.logger, "graph.PutEdge", func() error {
		return u.graph.PutEdge(ctx, edge)
	}); err != nil {
		return err
	}

	if inv := edge.Relation.Inverse(); inv != "" {
		pair := &types.Edge{
			FromID:    edge.ToID,
			ToID:      edge.FromID,
			Relation:  inv,
			Weight:    edge.Weight,
			CreatedAt: edge.CreatedAt,
		}
		return withRetry(ctx, u.logger, "graph.PutEdge", func() error {
			return u.graph.PutEdge(ctx, pair)
		})
	}
	return nil
}

func validateEdge(edge *types.Edge) error {
	if edge == nil {
		return fmt.Errorf("%w: nil edge", types.ErrInvalidArgument)
	}
	if edge.FromID == "" || edge.ToID == "" {
		return fmt.Errorf("%w: edge requires both endpoints", types.ErrInvalidArgument)
	}
	if edge.FromID == edge.ToID {
		return fmt.Errorf("%w: self edge", types.ErrInvalidArgument)
	}
	switch edge.Relation {
	case types.RelationContains, types.RelationPartOf, types.RelationImports,
		types.RelationCalls, types.RelationEvolvesFrom, types.RelationRelatesTo,
		types.RelationSupports, types.RelationContradicts:
		return nil
	}
	return fmt.Errorf("%w: unknown relation %q", types.ErrInvalidArgument, edge.Relation)
}

// checkEvolution enforces that evolution edges form chains: one outgoing
// EVOLVES_FROM per node, no cycles.
func (u *Unified) checkEvolution(ctx context.Context, edge *types.Edge) error {
	out, err := u.graph.Edges(ctx, edge.FromID, types.DirectionOut)
	if err != nil {
		return err
	}
	for _, e := range out {
		if e.Relation == types.RelationEvolvesFrom && e.ToID != edge.ToID {
			return fmt.Errorf("%w: %s already evolves from %s", types.ErrCycle, edge.FromID, e.ToID)
		}
	}

	// Walk the ancestor chain from the target; reaching the source closes
	// a cycle.
	visited := map[string]bool{edge.FromID: true}
	current := edge.ToID
	for current != "" && !visited[current] {
		visited[current] = true
		next := ""
		edges, err := u.graph.Edges(ctx, current, types.DirectionOut)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if e.Relation == types.RelationEvolvesFrom {
				next = e.ToID
				break
			}
		}
		current = next
	}
	if current != "" {
		return fmt.Errorf("%w: edge %s -> %s closes an evolution cycle", types.ErrCycle, edge.FromID, edge.ToID)
	}
	return nil
}

// GetNode returns a node by id.
func (u *Unified) GetNode(ctx context.Context, id string) (*types.Node, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty node id", types.ErrInvalidArgument)
	}
	var node *types.Node
	err := withRetry(ctx, u.logger, "graph.GetNode", func() error {
		var err error
		node, err = u.graph.GetNode(ctx, id)
		return err
	})
	return node, err
}

// Query embeds the text, finds the k nearest nodes, optionally expands each
// hit through the graph up to expandDepth hops, and ranks the union by
// combined similarity and connectivity. Results are best first; ties break
// by most recently updated.
func (u *Unified) Query(ctx context.Context, text string, k, expandDepth int) ([]types.QueryResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty query text", types.ErrInvalidArgument)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", types.ErrInvalidArgument)
	}
	if expandDepth < 0 || expandDepth > MaxExpandDepth {
		return nil, fmt.Errorf("%w: expand depth must be in [0, %d]", types.ErrInvalidArgument, MaxExpandDepth)
	}

	var vec []float32
	if err := withRetry(ctx, u.logger, "embedder.Embed", func() error {
		vecs, err := u.embedder.Embed(ctx, []string{text})
		if err != nil {
			return err
		}
		if len(vecs) != 1 {
			return fmt.Errorf("embedder returned %d vectors, want 1", len(vecs))
		}
		vec = vecs[0]
		return nil
	}); err != nil {
		return nil, err
	}

	var hits []types.VectorHit
	if err := withRetry(ctx, u.logger, "vector.Search", func() error {
		var err error
		hits, err = u.vector.Search(ctx, vec, k)
		return err
	}); err != nil {
		return nil, err
	}

	// seen maps node id to its best result so far.
	seen := map[string]*types.QueryResult{}
	var seeds []*types.QueryResult
	for _, hit := range hits {
		node, err := u.graph.GetNode(ctx, hit.ID)
		if err != nil {
			// Vector hit without a graph node: a write that half-failed.
			// Skip it rather than failing the query.
			u.logger.Warn("vector hit has no graph node", "id", hit.ID)
			continue
		}
		if node.EmbeddingPending {
			continue
		}
		r := &types.QueryResult{Node: node, Similarity: hit.Score, Hops: 0}
		seen[node.ID] = r
		seeds = append(seeds, r)
	}

	if expandDepth > 0 {
		if err := u.expand(ctx, seeds, seen, expandDepth); err != nil {
			return nil, err
		}
	}

	results := make([]types.QueryResult, 0, len(seen))
	for _, r := range seen {
		degree, err := u.degree(ctx, r.Node.ID)
		if err != nil {
			return nil, err
		}
		r.Score = u.opts.SimilarityWeight*r.Similarity +
			u.opts.DegreeWeight*(float64(degree)/float64(degree+1))
		results = append(results, *r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Node.UpdatedAt.After(results[j].Node.UpdatedAt)
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// expand walks outward from each seed, attributing every newly reached node
// a decayed share of its seed's similarity. A node reached twice keeps its
// best similarity.
func (u *Unified) expand(ctx context.Context, seeds []*types.QueryResult, seen map[string]*types.QueryResult, depth int) error {
	type frontier struct {
		id   string
		sim  float64
		hops int
	}

	queue := make([]frontier, 0, len(seeds))
	for _, s := range seeds {
		queue = append(queue, frontier{id: s.Node.ID, sim: s.Similarity, hops: 0})
	}

	for len(queue) > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cur := queue[0]
		queue = queue[1:]
		if cur.hops >= depth {
			continue
		}

		edges, err := u.graph.Edges(ctx, cur.id, types.DirectionBoth)
		if err != nil {
			return err
		}
		for _, e := range edges {
			neighbor := e.ToID
			if neighbor == cur.id {
				neighbor = e.FromID
			}

			sim := cur.sim * u.opts.TraversalDecay
			hops := cur.hops + 1

			if existing, ok := seen[neighbor]; ok {
				if sim <= existing.Similarity {
					continue
				}
				existing.Similarity = sim
				existing.Hops = hops
			} else {
				node, err := u.graph.GetNode(ctx, neighbor)
				if err != nil {
					continue
				}
				seen[neighbor] = &types.QueryResult{Node: node, Similarity: sim, Hops: hops}
			}
			queue = append(queue, frontier{id: neighbor, sim: sim, hops: hops})
		}
	}
	return nil
}

func (u *Unified) degree(ctx context.Context, id string) (int, error) {
	edges, err := u.graph.Edges(ctx, id, types.DirectionBoth)
	if err != nil {
		return 0, err
	}
	return len(edges), nil
}

// TraceConcept returns the evolution chain a node belongs to, oldest first.
// The chain follows EVOLVES_FROM back to the oldest ancestor, then forward
// again; when a node has several successors the earliest-created one
// continues the chain.
func (u *Unified) TraceConcept(ctx context.Context, id string) ([]*types.Node, error) {
	start, err := u.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	// Walk back to the oldest ancestor.
	visited := map[string]bool{}
	oldest := start
	for !visited[oldest.ID] {
		visited[oldest.ID] = true
		edges, err := u.graph.Edges(ctx, oldest.ID, types.DirectionOut)
		if err != nil {
			return nil, err
		}
		var parentID string
		for _, e := range edges {
			if e.Relation == types.RelationEvolvesFrom {
				parentID = e.ToID
				break
			}
		}
		if parentID == "" {
			break
		}
		if visited[parentID] {
			return nil, fmt.Errorf("%w: evolution chain of %s", types.ErrCycle, id)
		}
		oldest, err = u.GetNode(ctx, parentID)
		if err != nil {
			return nil, err
		}
	}

	// Walk forward, choosing the earliest-created successor at each step.
	chain := []*types.Node{oldest}
	onChain := map[string]bool{oldest.ID: true}
	current := oldest
	for len(chain) < MaxTraceLength {
		edges, err := u.graph.Edges(ctx, current.ID, types.DirectionIn)
		if err != nil {
			return nil, err
		}
		var next *types.Node
		for _, e := range edges {
			if e.Relation != types.RelationEvolvesFrom {
				continue
			}
			child, err := u.GetNode(ctx, e.FromID)
			if err != nil {
				continue
			}
			if onChain[child.ID] {
				return nil, fmt.Errorf("%w: evolution chain of %s", types.ErrCycle, id)
			}
			if next == nil || child.CreatedAt.Before(next.CreatedAt) {
				next = child
			}
		}
		if next == nil {
			break
		}
		chain = append(chain, next)
		onChain[next.ID] = true
		current = next
	}
	return chain, nil
}

// FindRelated returns every node within depth hops of the origin, nearest
// first. The origin itself is excluded.
func (u *Unified) FindRelated(ctx context.Context, id string, depth int) ([]types.QueryResult, error) {
	if depth < 1 || depth > MaxRelatedDepth {
		return nil, fmt.Errorf("%w: depth must be in [1, %d]", types.ErrInvalidArgument, MaxRelatedDepth)
	}
	if _, err := u.GetNode(ctx, id); err != nil {
		return nil, err
	}

	type frontier struct {
		id   string
		hops int
	}
	visited := map[string]bool{id: true}
	queue := []frontier{{id: id, hops: 0}}
	var results []types.QueryResult

	for len(queue) > 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		cur := queue[0]
		queue = queue[1:]
		if cur.hops >= depth {
			continue
		}

		edges, err := u.graph.Edges(ctx, cur.id, types.DirectionBoth)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			neighbor := e.ToID
			if neighbor == cur.id {
				neighbor = e.FromID
			}
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true

			node, err := u.graph.GetNode(ctx, neighbor)
			if err != nil {
				continue
			}
			results = append(results, types.QueryResult{Node: node, Hops: cur.hops + 1})
			queue = append(queue, frontier{id: neighbor, hops: cur.hops + 1})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Hops < results[j].Hops
	})
	return results, nil
}

// RetryPendingEmbeddings re-embeds nodes whose vector write previously
// failed and clears their pending flag. Returns how many were reconciled.
func (u *Unified) RetryPendingEmbeddings(ctx context.Context, repo string, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	pending, err := u.graph.PendingEmbeddings(ctx, repo, limit)
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, node := range pending {
		if ctx.Err() != nil {
			return reconciled, ctx.Err()
		}
		mu := u.lockFor(node.ID)
		mu.Lock()
		err := u.writeEmbedding(ctx, node)
		if err == nil {
			err = u.graph.SetEmbeddingPending(ctx, node.ID, false)
		}
		mu.Unlock()

		if err != nil {
			u.logger.Warn("embedding still pending", "id", node.ID, "error", err)
			continue
		}
		reconciled++
	}
	return reconciled, nil
}

// RemoveRepo deletes every node, edge and embedding belonging to a
// repository.
func (u *Unified) RemoveRepo(ctx context.Context, repo string) (int, error) {
	if repo == "" {
		return 0, fmt.Errorf("%w: empty repo", types.ErrInvalidArgument)
	}

	var removed []string
	if err := withRetry(ctx, u.logger, "graph.DeleteRepo", func() error {
		var err error
		removed, err = u.graph.DeleteRepo(ctx, repo)
		return err
	}); err != nil {
		return 0, err
	}
	if len(removed) == 0 {
		return 0, nil
	}

	if err := withRetry(ctx, u.logger, "vector.Delete", func() error {
		return u.vector.Delete(ctx, removed)
	}); err != nil {
		// Graph rows are already gone; orphaned vectors are harmless for
		// search correctness because hits without nodes are skipped.
		u.logger.Warn("failed to delete embeddings", "repo", repo, "error", err)
	}
	return len(removed), nil
}

// Stats returns node and edge counts for a repository.
func (u *Unified) Stats(ctx context.Context, repo string) (nodes, edges int, err error) {
	return u.graph.Stats(ctx, repo)
}
