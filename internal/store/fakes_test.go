package store

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/spetr/repograph/pkg/types"
)

// fakeGraph is an in-memory GraphBackend.
type fakeGraph struct {
	mu       sync.Mutex
	nodes    map[string]*types.Node
	edges    map[string]*types.Edge // keyed from|to|relation
	putCalls int
	failPuts int
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		nodes: map[string]*types.Node{},
		edges: map[string]*types.Edge{},
	}
}

func (g *fakeGraph) Name() string      { return "fake" }
func (g *fakeGraph) Init(string) error { return nil }
func (g *fakeGraph) Close() error      { return nil }

func (g *fakeGraph) PutNode(_ context.Context, node *types.Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.putCalls++
	if g.failPuts > 0 {
		g.failPuts--
		return errors.New("graph down")
	}
	n := *node
	g.nodes[node.ID] = &n
	return nil
}

func (g *fakeGraph) GetNode(_ context.Context, id string) (*types.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	node, ok := g.nodes[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	n := *node
	return &n, nil
}

func (g *fakeGraph) SetEmbeddingPending(_ context.Context, id string, pending bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	node, ok := g.nodes[id]
	if !ok {
		return types.ErrNotFound
	}
	node.EmbeddingPending = pending
	return nil
}

func (g *fakeGraph) PendingEmbeddings(_ context.Context, repo string, limit int) ([]*types.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*types.Node
	for _, node := range g.nodes {
		if node.EmbeddingPending && (repo == "" || node.Repo == repo) {
			n := *node
			out = append(out, &n)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (g *fakeGraph) PutEdge(_ context.Context, edge *types.Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := edge.FromID + "|" + edge.ToID + "|" + string(edge.Relation)
	if _, ok := g.edges[key]; !ok {
		e := *edge
		g.edges[key] = &e
	}
	return nil
}

func (g *fakeGraph) Edges(_ context.Context, nodeID string, dir types.Direction) ([]*types.Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*types.Edge
	for _, e := range g.edges {
		match := (dir != types.DirectionIn && e.FromID == nodeID) ||
			(dir != types.DirectionOut && e.ToID == nodeID)
		if match {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FromID+out[i].ToID < out[j].FromID+out[j].ToID
	})
	return out, nil
}

func (g *fakeGraph) DeleteRepo(_ context.Context, repo string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var removed []string
	for id, node := range g.nodes {
		if node.Repo == repo {
			removed = append(removed, id)
			delete(g.nodes, id)
		}
	}
	for key, e := range g.edges {
		for _, id := range removed {
			if e.FromID == id || e.ToID == id {
				delete(g.edges, key)
				break
			}
		}
	}
	return removed, nil
}

func (g *fakeGraph) Stats(_ context.Context, repo string) (int, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	nodes := 0
	for _, n := range g.nodes {
		if n.Repo == repo {
			nodes++
		}
	}
	return nodes, len(g.edges), nil
}

// fakeVector is an in-memory VectorBackend with brute-force cosine search.
type fakeVector struct {
	mu          sync.Mutex
	vectors     map[string][]float32
	failUpserts int
}

func newFakeVector() *fakeVector {
	return &fakeVector{vectors: map[string][]float32{}}
}

func (v *fakeVector) Name() string      { return "fake" }
func (v *fakeVector) Init(string) error { return nil }
func (v *fakeVector) Close() error      { return nil }

func (v *fakeVector) Upsert(_ context.Context, id string, vec []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failUpserts > 0 {
		v.failUpserts--
		return errors.New("vector down")
	}
	c := make([]float32, len(vec))
	copy(c, vec)
	v.vectors[id] = c
	return nil
}

func (v *fakeVector) Delete(_ context.Context, ids []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range ids {
		delete(v.vectors, id)
	}
	return nil
}

func (v *fakeVector) Search(_ context.Context, vec []float32, k int) ([]types.VectorHit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var hits []types.VectorHit
	for id, stored := range v.vectors {
		hits = append(hits, types.VectorHit{ID: id, Score: cosine(vec, stored)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// fakeEmbedder maps exact texts to fixed vectors, with a deterministic
// fallback so every text embeds to something.
type fakeEmbedder struct {
	mu    sync.Mutex
	fixed map[string][]float32
	failN int
	calls int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{fixed: map[string][]float32{}}
}

func (e *fakeEmbedder) Name() string    { return "fake" }
func (e *fakeEmbedder) Dimensions() int { return 4 }
func (e *fakeEmbedder) Close() error    { return nil }

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failN > 0 {
		e.failN--
		return nil, errors.New("embedder down")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if vec, ok := e.fixed[text]; ok {
			out[i] = vec
			continue
		}
		out[i] = fallbackVector(text)
	}
	return out, nil
}

func fallbackVector(text string) []float32 {
	var h uint32 = 2166136261
	for _, b := range []byte(text) {
		h = (h ^ uint32(b)) * 16777619
	}
	vec := make([]float32, 4)
	for i := range vec {
		vec[i] = float32((h>>(i*8))&0xff)/255.0 + 0.01
	}
	return vec
}
