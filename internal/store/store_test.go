package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/spetr/repograph/pkg/types"
)

func newTestStore() (*Unified, *fakeGraph, *fakeVector, *fakeEmbedder) {
	graph := newFakeGraph()
	vector := newFakeVector()
	embedder := newFakeEmbedder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	u := New(graph, vector, embedder, logger, Options{})
	return u, graph, vector, embedder
}

func fileNode(repo, path, content string) *types.Node {
	return &types.Node{
		Type:    types.NodeTypeFile,
		Repo:    repo,
		Path:    path,
		Name:    path,
		Content: content,
	}
}

func TestStoreNodeWritesGraphAndVector(t *testing.T) {
	u, graph, vector, _ := newTestStore()
	ctx := context.Background()

	node := fileNode("repo", "main.go", "package main")
	if err := u.StoreNode(ctx, node); err != nil {
		t.Fatalf("StoreNode failed: %v", err)
	}

	wantID := types.NodeID("repo", "main.go")
	if node.ID != wantID {
		t.Errorf("id = %q, want %q", node.ID, wantID)
	}

	stored, err := graph.GetNode(ctx, wantID)
	if err != nil {
		t.Fatalf("node not in graph: %v", err)
	}
	if stored.ContentHash == "" {
		t.Error("content hash not set")
	}
	if stored.CreatedAt.IsZero() || stored.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
	if _, ok := vector.vectors[wantID]; !ok {
		t.Error("embedding not in vector store")
	}
}

func TestStoreNodeUnchangedSkips(t *testing.T) {
	u, graph, _, embedder := newTestStore()
	ctx := context.Background()

	node := fileNode("repo", "main.go", "package main")
	if err := u.StoreNode(ctx, node); err != nil {
		t.Fatal(err)
	}
	puts, embeds := graph.putCalls, embedder.calls

	if err := u.StoreNode(ctx, fileNode("repo", "main.go", "package main")); err != nil {
		t.Fatal(err)
	}
	if graph.putCalls != puts {
		t.Errorf("graph writes = %d, want %d (unchanged node re-written)", graph.putCalls, puts)
	}
	if embedder.calls != embeds {
		t.Errorf("embed calls = %d, want %d (unchanged node re-embedded)", embedder.calls, embeds)
	}

	// Changed content writes again.
	if err := u.StoreNode(ctx, fileNode("repo", "main.go", "package main // v2")); err != nil {
		t.Fatal(err)
	}
	if graph.putCalls == puts {
		t.Error("changed node not re-written")
	}
}

func TestStoreNodeComputesSignature(t *testing.T) {
	u, graph, _, _ := newTestStore()
	ctx := context.Background()

	if err := u.StoreNode(ctx, fileNode("repo", "sig.go", "v1")); err != nil {
		t.Fatal(err)
	}
	id := types.NodeID("repo", "sig.go")
	first, err := graph.GetNode(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if first.Signature == "" {
		t.Fatal("signature not set")
	}
	if first.Signature == first.ContentHash {
		t.Error("signature identical to content hash, want type+path folded in")
	}

	if err := u.StoreNode(ctx, fileNode("repo", "sig.go", "v2")); err != nil {
		t.Fatal(err)
	}
	second, _ := graph.GetNode(ctx, id)
	if second.Signature == first.Signature {
		t.Error("signature not recomputed on content change")
	}

	// Same text at a different location carries a different signature.
	other := fileNode("repo", "other.go", "v2")
	if err := u.StoreNode(ctx, other); err != nil {
		t.Fatal(err)
	}
	stored, _ := graph.GetNode(ctx, other.ID)
	if stored.Signature == second.Signature {
		t.Error("identical content at two paths produced identical signatures")
	}
}

func TestForceStoreNodeBypassesSkip(t *testing.T) {
	u, graph, _, embedder := newTestStore()
	ctx := context.Background()

	if err := u.StoreNode(ctx, fileNode("repo", "f.go", "same")); err != nil {
		t.Fatal(err)
	}
	id := types.NodeID("repo", "f.go")
	first, _ := graph.GetNode(ctx, id)
	puts, embeds := graph.putCalls, embedder.calls

	if err := u.ForceStoreNode(ctx, fileNode("repo", "f.go", "same")); err != nil {
		t.Fatal(err)
	}
	if graph.putCalls == puts {
		t.Error("unchanged node not re-written under force")
	}
	if embedder.calls == embeds {
		t.Error("unchanged node not re-embedded under force")
	}

	second, _ := graph.GetNode(ctx, id)
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed under force: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestStoreNodePreservesCreatedAt(t *testing.T) {
	u, graph, _, _ := newTestStore()
	ctx := context.Background()

	if err := u.StoreNode(ctx, fileNode("repo", "a.go", "v1")); err != nil {
		t.Fatal(err)
	}
	id := types.NodeID("repo", "a.go")
	first, _ := graph.GetNode(ctx, id)

	time.Sleep(5 * time.Millisecond)
	if err := u.StoreNode(ctx, fileNode("repo", "a.go", "v2")); err != nil {
		t.Fatal(err)
	}
	second, _ := graph.GetNode(ctx, id)

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed on update: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("updated_at not advanced: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestStoreNodeValidation(t *testing.T) {
	u, _, _, _ := newTestStore()
	ctx := context.Background()

	meta := map[string]string{}
	for i := 0; i < types.MaxMetadataEntries+1; i++ {
		meta[string(rune('a'+i%26))+string(rune('0'+i/26))] = "v"
	}

	tests := []struct {
		name string
		node *types.Node
	}{
		{"nil node", nil},
		{"missing repo", &types.Node{Type: types.NodeTypeFile, Path: "a.go"}},
		{"missing path", &types.Node{Type: types.NodeTypeFile, Repo: "repo"}},
		{"missing type", &types.Node{Repo: "repo", Path: "a.go"}},
		{"oversized metadata", &types.Node{Type: types.NodeTypeFile, Repo: "r", Path: "p", Metadata: meta}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := u.StoreNode(ctx, tt.node)
			if !errors.Is(err, types.ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestStoreNodeEmbeddingFailureSetsPending(t *testing.T) {
	u, graph, _, embedder := newTestStore()
	ctx := context.Background()

	embedder.failN = retryAttempts // exhaust retries
	node := fileNode("repo", "flaky.go", "package flaky")
	if err := u.StoreNode(ctx, node); err != nil {
		t.Fatalf("StoreNode should succeed with pending embedding, got %v", err)
	}

	stored, err := graph.GetNode(ctx, node.ID)
	if err != nil {
		t.Fatalf("node missing from graph: %v", err)
	}
	if !stored.EmbeddingPending {
		t.Fatal("embedding_pending not set")
	}

	n, err := u.RetryPendingEmbeddings(ctx, "repo", 10)
	if err != nil {
		t.Fatalf("RetryPendingEmbeddings failed: %v", err)
	}
	if n != 1 {
		t.Errorf("reconciled = %d, want 1", n)
	}
	stored, _ = graph.GetNode(ctx, node.ID)
	if stored.EmbeddingPending {
		t.Error("embedding_pending not cleared")
	}
}

func TestCreateEdgeDanglingReference(t *testing.T) {
	u, _, _, _ := newTestStore()
	ctx := context.Background()

	a := fileNode("repo", "a.go", "a")
	if err := u.StoreNode(ctx, a); err != nil {
		t.Fatal(err)
	}

	err := u.CreateEdge(ctx, &types.Edge{
		FromID:   a.ID,
		ToID:     "missing",
		Relation: types.RelationImports,
	})
	if !errors.Is(err, types.ErrDanglingReference) {
		t.Errorf("err = %v, want ErrDanglingReference", err)
	}
}

func TestCreateEdgeContainmentPair(t *testing.T) {
	u, graph, _, _ := newTestStore()
	ctx := context.Background()

	dir := fileNode("repo", "pkg", "")
	dir.Type = types.NodeTypeDirectory
	file := fileNode("repo", "pkg/a.go", "a")
	for _, n := range []*types.Node{dir, file} {
		if err := u.StoreNode(ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	if err := u.CreateEdge(ctx, &types.Edge{
		FromID:   dir.ID,
		ToID:     file.ID,
		Relation: types.RelationContains,
	}); err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}

	out, _ := graph.Edges(ctx, file.ID, types.DirectionOut)
	foundPair := false
	for _, e := range out {
		if e.Relation == types.RelationPartOf && e.ToID == dir.ID {
			foundPair = true
		}
	}
	if !foundPair {
		t.Error("PART_OF pair edge not written")
	}

	// Idempotent: same edge again does not error or duplicate.
	if err := u.CreateEdge(ctx, &types.Edge{
		FromID:   dir.ID,
		ToID:     file.ID,
		Relation: types.RelationContains,
	}); err != nil {
		t.Fatalf("re-creating edge failed: %v", err)
	}
	all, _ := graph.Edges(ctx, dir.ID, types.DirectionBoth)
	if len(all) != 2 {
		t.Errorf("edges = %d, want 2 (contains + part_of)", len(all))
	}
}

func TestCreateEdgeEvolutionRules(t *testing.T) {
	u, _, _, _ := newTestStore()
	ctx := context.Background()

	var nodes []*types.Node
	for _, p := range []string{"v1.md", "v2.md", "v3.md"} {
		n := fileNode("repo", p, p)
		n.Type = types.NodeTypeConcept
		if err := u.StoreNode(ctx, n); err != nil {
			t.Fatal(err)
		}
		nodes = append(nodes, n)
	}
	v1, v2, v3 := nodes[0], nodes[1], nodes[2]

	evolves := func(from, to *types.Node) error {
		return u.CreateEdge(ctx, &types.Edge{
			FromID: from.ID, ToID: to.ID, Relation: types.RelationEvolvesFrom,
		})
	}

	if err := evolves(v2, v1); err != nil {
		t.Fatalf("v2 -> v1 failed: %v", err)
	}
	if err := evolves(v3, v2); err != nil {
		t.Fatalf("v3 -> v2 failed: %v", err)
	}

	// Closing the chain into a cycle is rejected.
	if err := evolves(v1, v3); !errors.Is(err, types.ErrCycle) {
		t.Errorf("cycle err = %v, want ErrCycle", err)
	}

	// A second outgoing evolution edge is rejected.
	if err := evolves(v3, v1); !errors.Is(err, types.ErrCycle) {
		t.Errorf("second parent err = %v, want ErrCycle", err)
	}
}

func TestQueryRankingAndExpansion(t *testing.T) {
	u, _, _, embedder := newTestStore()
	ctx := context.Background()

	hub := fileNode("repo", "hub.go", "hub content")
	leaf := fileNode("repo", "leaf.go", "leaf content")
	neighbor := fileNode("repo", "near.go", "neighbor content")
	for _, n := range []*types.Node{hub, leaf, neighbor} {
		if err := u.StoreNode(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	if err := u.CreateEdge(ctx, &types.Edge{
		FromID: hub.ID, ToID: neighbor.ID, Relation: types.RelationImports,
	}); err != nil {
		t.Fatal(err)
	}

	// Make the query embed exactly like hub so hub is the best hit, and
	// drop the neighbor's vector so it is only reachable through the graph.
	embedder.mu.Lock()
	embedder.fixed["find the hub"] = fallbackVector(embeddingText(hub))
	embedder.mu.Unlock()
	if err := u.vector.Delete(ctx, []string{neighbor.ID}); err != nil {
		t.Fatal(err)
	}

	results, err := u.Query(ctx, "find the hub", 3, 1)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Node.ID != hub.ID {
		t.Errorf("top result = %s, want hub", results[0].Node.Path)
	}
	if results[0].Similarity < 0.999 {
		t.Errorf("hub similarity = %v, want ~1", results[0].Similarity)
	}

	// Expansion reached the neighbor with a decayed score.
	var nr *types.QueryResult
	for i := range results {
		if results[i].Node.ID == neighbor.ID {
			nr = &results[i]
		}
	}
	if nr == nil {
		t.Fatal("neighbor not reached by expansion")
	}
	if nr.Hops != 1 {
		t.Errorf("neighbor hops = %d, want 1", nr.Hops)
	}
	if nr.Score >= results[0].Score {
		t.Error("expanded neighbor outranked the direct hit")
	}
}

func TestQueryValidation(t *testing.T) {
	u, _, _, _ := newTestStore()
	ctx := context.Background()

	tests := []struct {
		name   string
		text   string
		k      int
		expand int
	}{
		{"empty text", "  ", 5, 0},
		{"zero k", "q", 0, 0},
		{"negative expand", "q", 5, -1},
		{"expand too deep", "q", 5, MaxExpandDepth + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := u.Query(ctx, tt.text, tt.k, tt.expand)
			if !errors.Is(err, types.ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestQueryExcludesPendingNodes(t *testing.T) {
	u, graph, vector, _ := newTestStore()
	ctx := context.Background()

	node := fileNode("repo", "p.go", "pending content")
	if err := u.StoreNode(ctx, node); err != nil {
		t.Fatal(err)
	}
	// Simulate a stale vector entry for a node flagged pending.
	if err := graph.SetEmbeddingPending(ctx, node.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, ok := vector.vectors[node.ID]; !ok {
		t.Fatal("test setup: vector missing")
	}

	results, err := u.Query(ctx, "pending content", 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.Node.ID == node.ID {
			t.Error("pending node returned from query")
		}
	}
}

func TestTraceConcept(t *testing.T) {
	u, _, _, _ := newTestStore()
	ctx := context.Background()

	var nodes []*types.Node
	for _, p := range []string{"design-v1.md", "design-v2.md", "design-v3.md"} {
		n := fileNode("repo", p, p)
		n.Type = types.NodeTypeConcept
		if err := u.StoreNode(ctx, n); err != nil {
			t.Fatal(err)
		}
		nodes = append(nodes, n)
		time.Sleep(2 * time.Millisecond) // distinct created_at ordering
	}
	v1, v2, v3 := nodes[0], nodes[1], nodes[2]

	for _, pair := range [][2]*types.Node{{v2, v1}, {v3, v2}} {
		if err := u.CreateEdge(ctx, &types.Edge{
			FromID: pair[0].ID, ToID: pair[1].ID, Relation: types.RelationEvolvesFrom,
		}); err != nil {
			t.Fatal(err)
		}
	}

	// Tracing from any member returns the same oldest-first chain.
	for _, start := range nodes {
		chain, err := u.TraceConcept(ctx, start.ID)
		if err != nil {
			t.Fatalf("TraceConcept(%s) failed: %v", start.Path, err)
		}
		if len(chain) != 3 {
			t.Fatalf("chain length = %d, want 3", len(chain))
		}
		want := []string{v1.ID, v2.ID, v3.ID}
		for i, n := range chain {
			if n.ID != want[i] {
				t.Errorf("chain[%d] = %s, want %s", i, n.Path, nodes[i].Path)
			}
		}
	}
}

func TestTraceConceptSingleNode(t *testing.T) {
	u, _, _, _ := newTestStore()
	ctx := context.Background()

	n := fileNode("repo", "solo.md", "solo")
	if err := u.StoreNode(ctx, n); err != nil {
		t.Fatal(err)
	}
	chain, err := u.TraceConcept(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 1 || chain[0].ID != n.ID {
		t.Errorf("chain = %d nodes, want just the node itself", len(chain))
	}

	if _, err := u.TraceConcept(ctx, "unknown"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFindRelated(t *testing.T) {
	u, _, _, _ := newTestStore()
	ctx := context.Background()

	a := fileNode("repo", "a.go", "a")
	b := fileNode("repo", "b.go", "b")
	c := fileNode("repo", "c.go", "c")
	for _, n := range []*types.Node{a, b, c} {
		if err := u.StoreNode(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	// a -> b -> c
	for _, pair := range [][2]*types.Node{{a, b}, {b, c}} {
		if err := u.CreateEdge(ctx, &types.Edge{
			FromID: pair[0].ID, ToID: pair[1].ID, Relation: types.RelationImports,
		}); err != nil {
			t.Fatal(err)
		}
	}

	results, err := u.FindRelated(ctx, a.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Node.ID != b.ID {
		t.Fatalf("depth 1 results = %v, want just b", len(results))
	}

	results, err = u.FindRelated(ctx, a.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("depth 2 results = %d, want 2", len(results))
	}
	if results[0].Hops != 1 || results[1].Hops != 2 {
		t.Errorf("hops = %d,%d, want 1,2", results[0].Hops, results[1].Hops)
	}
	for _, r := range results {
		if r.Node.ID == a.ID {
			t.Error("origin included in related results")
		}
	}

	if _, err := u.FindRelated(ctx, a.ID, 0); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("depth 0 err = %v, want ErrInvalidArgument", err)
	}
}

func TestRemoveRepo(t *testing.T) {
	u, graph, vector, _ := newTestStore()
	ctx := context.Background()

	keep := fileNode("other", "keep.go", "keep")
	gone1 := fileNode("repo", "a.go", "a")
	gone2 := fileNode("repo", "b.go", "b")
	for _, n := range []*types.Node{keep, gone1, gone2} {
		if err := u.StoreNode(ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	n, err := u.RemoveRepo(ctx, "repo")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	if _, err := graph.GetNode(ctx, gone1.ID); !errors.Is(err, types.ErrNotFound) {
		t.Error("node a still in graph")
	}
	if _, ok := vector.vectors[gone1.ID]; ok {
		t.Error("embedding a still in vector store")
	}
	if _, err := graph.GetNode(ctx, keep.ID); err != nil {
		t.Error("other repo's node was removed")
	}
}

func TestWithRetryExhaustion(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calls := 0
	err := withRetry(context.Background(), logger, "op", func() error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, types.ErrBackendUnavailable) {
		t.Errorf("err = %v, want ErrBackendUnavailable", err)
	}
	if calls != retryAttempts {
		t.Errorf("calls = %d, want %d", calls, retryAttempts)
	}
}

func TestWithRetryNoRetryOnCallerError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calls := 0
	err := withRetry(context.Background(), logger, "op", func() error {
		calls++
		return types.ErrInvalidArgument
	})
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
