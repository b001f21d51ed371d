package query

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/spetr/repograph/internal/store"
	"github.com/spetr/repograph/pkg/types"
)

// The service tests only exercise validation and defaulting; the ranking
// behavior itself is covered by the store tests. A store over empty fakes
// is enough.

type nopGraph struct{}

func (nopGraph) Name() string                                           { return "nop" }
func (nopGraph) Init(string) error                                      { return nil }
func (nopGraph) Close() error                                           { return nil }
func (nopGraph) PutNode(context.Context, *types.Node) error             { return nil }
func (nopGraph) GetNode(context.Context, string) (*types.Node, error)   { return nil, types.ErrNotFound }
func (nopGraph) SetEmbeddingPending(context.Context, string, bool) error { return nil }
func (nopGraph) PendingEmbeddings(context.Context, string, int) ([]*types.Node, error) {
	return nil, nil
}
func (nopGraph) PutEdge(context.Context, *types.Edge) error { return nil }
func (nopGraph) Edges(context.Context, string, types.Direction) ([]*types.Edge, error) {
	return nil, nil
}
func (nopGraph) DeleteRepo(context.Context, string) ([]string, error) { return nil, nil }
func (nopGraph) Stats(context.Context, string) (int, int, error)      { return 0, 0, nil }

type nopVector struct{}

func (nopVector) Name() string                                  { return "nop" }
func (nopVector) Init(string) error                             { return nil }
func (nopVector) Close() error                                  { return nil }
func (nopVector) Upsert(context.Context, string, []float32) error { return nil }
func (nopVector) Delete(context.Context, []string) error        { return nil }
func (nopVector) Search(context.Context, []float32, int) ([]types.VectorHit, error) {
	return nil, nil
}

type nopEmbedder struct{}

func (nopEmbedder) Name() string    { return "nop" }
func (nopEmbedder) Dimensions() int { return 2 }
func (nopEmbedder) Close() error    { return nil }
func (nopEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func newTestService() *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(nopGraph{}, nopVector{}, nopEmbedder{}, logger, store.Options{})
	return NewService(st, logger)
}

func TestQueryValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"valid", Request{Text: "find things"}, false},
		{"valid with expand", Request{Text: "q", Limit: 5, ExpandDepth: 2}, false},
		{"empty text", Request{Text: "   "}, true},
		{"limit too large", Request{Text: "q", Limit: MaxLimit + 1}, true},
		{"negative limit", Request{Text: "q", Limit: -1}, true},
		{"expand too deep", Request{Text: "q", ExpandDepth: store.MaxExpandDepth + 1}, true},
		{"negative expand", Request{Text: "q", ExpandDepth: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Query(ctx, tt.req)
			if tt.wantErr {
				if !errors.Is(err, types.ErrInvalidArgument) {
					t.Errorf("err = %v, want ErrInvalidArgument", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestQueryAcceptsKAsLimit(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Query(ctx, Request{Text: "q", K: 5}); err != nil {
		t.Errorf("k alone rejected: %v", err)
	}
	if _, err := svc.Query(ctx, Request{Text: "q", K: MaxLimit + 1}); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("oversized k err = %v, want ErrInvalidArgument", err)
	}
	// K wins when both are set.
	if _, err := svc.Query(ctx, Request{Text: "q", K: 5, Limit: MaxLimit + 1}); err != nil {
		t.Errorf("k not preferred over limit: %v", err)
	}
}

func TestQueryDefaultsLimit(t *testing.T) {
	svc := newTestService()
	results, err := svc.Query(context.Background(), Request{Text: "anything"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %d, want 0 from empty store", len(results))
	}
}

func TestGetValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Get(ctx, ""); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("empty id err = %v, want ErrInvalidArgument", err)
	}
	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("missing id err = %v, want ErrNotFound", err)
	}
}

func TestTraceValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Trace(ctx, ""); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("empty id err = %v, want ErrInvalidArgument", err)
	}
	if _, err := svc.Trace(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("missing id err = %v, want ErrNotFound", err)
	}
}

func TestRelatedValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Related(ctx, "", 1); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("empty id err = %v, want ErrInvalidArgument", err)
	}
	if _, err := svc.Related(ctx, "id", store.MaxRelatedDepth+1); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("deep err = %v, want ErrInvalidArgument", err)
	}
	if _, err := svc.Related(ctx, "id", -1); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("negative err = %v, want ErrInvalidArgument", err)
	}
	// depth 0 defaults to 1 and reaches the store, which reports not found.
	if _, err := svc.Related(ctx, "missing", 0); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("default depth err = %v, want ErrNotFound", err)
	}
}

func TestErrorMessagesNameTheField(t *testing.T) {
	svc := newTestService()
	_, err := svc.Query(context.Background(), Request{Text: ""})
	if err == nil || !strings.Contains(err.Error(), "text") {
		t.Errorf("err = %v, want message naming the text field", err)
	}
}
