// Package weaviate implements VectorBackend against a Weaviate server.
package weaviate

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/spetr/repograph/pkg/types"
)

// ClassName is the Weaviate class holding node embeddings.
const ClassName = "RepographNode"

// idNamespace maps node ids onto stable Weaviate object UUIDs.
var idNamespace = uuid.MustParse("9a6f11a4-52fb-4e41-bd5a-7c1d0d1f3b6e")

// Store implements the VectorBackend interface on Weaviate. Vectors are
// provided by the caller (vectorizer "none"); the node id is kept as a
// property so search results map back onto graph nodes.
type Store struct {
	client *weaviate.Client
}

// New creates a new Weaviate vector store.
func New() *Store {
	return &Store{}
}

// Name returns the backend name.
func (s *Store) Name() string {
	return "weaviate"
}

// Init connects to the server given an http(s) URL and ensures the class
// exists.
func (s *Store) Init(dsn string) error {
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: invalid weaviate url %q", types.ErrInvalidArgument, dsn)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   u.Host,
		Scheme: u.Scheme,
	})
	if err != nil {
		return fmt.Errorf("failed to create weaviate client: %w", err)
	}
	s.client = client

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if ready, err := client.Misc().ReadyChecker().Do(ctx); err != nil || !ready {
		return fmt.Errorf("weaviate not reachable at %s: %w", dsn, err)
	}
	return s.ensureClass(ctx)
}

func (s *Store) ensureClass(ctx context.Context) error {
	exists, err := s.client.Schema().ClassExistenceChecker().WithClassName(ClassName).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to check class: %w", err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:      ClassName,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "nodeId", DataType: []string{"text"}},
		},
	}
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create class: %w", err)
	}
	return nil
}

// Close releases resources. The underlying HTTP client needs no shutdown.
func (s *Store) Close() error {
	return nil
}

// Upsert writes or replaces the embedding for an id. Batch objects with a
// fixed UUID act as an upsert in Weaviate.
func (s *Store) Upsert(ctx context.Context, id string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", types.ErrInvalidArgument)
	}

	obj := &models.Object{
		Class:      ClassName,
		ID:         objectID(id),
		Vector:     models.C11yVector(vector),
		Properties: map[string]any{"nodeId": id},
	}
	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(obj).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to store embedding for %s: %w", id, err)
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("failed to store embedding for %s: %s", id, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// Delete removes embeddings by id.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		err := s.client.Data().Deleter().
			WithClassName(ClassName).
			WithID(string(objectID(id))).
			Do(ctx)
		if err != nil {
			// Unknown ids are not an error for delete.
			continue
		}
	}
	return nil
}

// Search returns the k nearest ids by cosine similarity, best first.
func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]types.VectorHit, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	resp, err := s.client.GraphQL().Get().
		WithClassName(ClassName).
		WithFields(
			graphql.Field{Name: "nodeId"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
		).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("vector search failed: %s", resp.Errors[0].Message)
	}

	return parseHits(resp)
}

func parseHits(resp *models.GraphQLResponse) ([]types.VectorHit, error) {
	get, ok := resp.Data["Get"].(map[string]any)
	if !ok {
		return nil, nil
	}
	objects, ok := get[ClassName].([]any)
	if !ok {
		return nil, nil
	}

	hits := make([]types.VectorHit, 0, len(objects))
	for _, raw := range objects {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := obj["nodeId"].(string)
		if id == "" {
			continue
		}

		hit := types.VectorHit{ID: id}
		if additional, ok := obj["_additional"].(map[string]any); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				// certainty = (1 + cosine) / 2
				hit.Score = 2*certainty - 1
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func objectID(nodeID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(idNamespace, []byte(nodeID)).String())
}
