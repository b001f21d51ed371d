// Package query is the read-side façade over the unified store. It owns
// request validation and defaulting so the HTTP layer stays thin.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spetr/repograph/internal/store"
	"github.com/spetr/repograph/pkg/types"
)

// Limits on caller-supplied parameters.
const (
	MaxLimit     = 100
	DefaultLimit = 10
)

// Request is a semantic search request. K and Limit name the same
// parameter; K wins when both are set.
type Request struct {
	Text        string `json:"text"`
	K           int    `json:"k"`            // result count, 0 = default
	Limit       int    `json:"limit"`        // alias for K
	ExpandDepth int    `json:"expand_depth"` // 0 = no graph expansion
}

// Service validates and executes read requests.
type Service struct {
	store  *store.Unified
	logger *slog.Logger
}

// NewService creates a query service.
func NewService(st *store.Unified, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// Query runs a ranked semantic search.
func (s *Service) Query(ctx context.Context, req Request) ([]types.QueryResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: query text is required", types.ErrInvalidArgument)
	}
	if req.K != 0 {
		req.Limit = req.K
	}
	if req.Limit == 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit < 1 || req.Limit > MaxLimit {
		return nil, fmt.Errorf("%w: limit must be in [1, %d]", types.ErrInvalidArgument, MaxLimit)
	}
	if req.ExpandDepth < 0 || req.ExpandDepth > store.MaxExpandDepth {
		return nil, fmt.Errorf("%w: expand_depth must be in [0, %d]", types.ErrInvalidArgument, store.MaxExpandDepth)
	}

	results, err := s.store.Query(ctx, req.Text, req.Limit, req.ExpandDepth)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("query executed",
		"text_len", len(req.Text), "limit", req.Limit,
		"expand", req.ExpandDepth, "results", len(results))
	return results, nil
}

// Get returns a single node by id.
func (s *Service) Get(ctx context.Context, id string) (*types.Node, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: node id is required", types.ErrInvalidArgument)
	}
	return s.store.GetNode(ctx, id)
}

// Trace returns the evolution chain of a node, oldest first.
func (s *Service) Trace(ctx context.Context, id string) ([]*types.Node, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: node id is required", types.ErrInvalidArgument)
	}
	return s.store.TraceConcept(ctx, id)
}

// Related returns the nodes within depth hops of id, nearest first.
func (s *Service) Related(ctx context.Context, id string, depth int) ([]types.QueryResult, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: node id is required", types.ErrInvalidArgument)
	}
	if depth == 0 {
		depth = 1
	}
	if depth < 1 || depth > store.MaxRelatedDepth {
		return nil, fmt.Errorf("%w: depth must be in [1, %d]", types.ErrInvalidArgument, store.MaxRelatedDepth)
	}
	return s.store.FindRelated(ctx, id, depth)
}
