// Package builtin registers all built-in backends with the default registry.
package builtin

import (
	ollamaEmbed "github.com/spetr/repograph/builtin/embedding/ollama"
	openaiEmbed "github.com/spetr/repograph/builtin/embedding/openai"
	neo4jGraph "github.com/spetr/repograph/builtin/graphstore/neo4j"
	sqliteGraph "github.com/spetr/repograph/builtin/graphstore/sqlite"
	"github.com/spetr/repograph/builtin/vectorstore/sqlitevec"
	weaviateVec "github.com/spetr/repograph/builtin/vectorstore/weaviate"
	"github.com/spetr/repograph/pkg/provider"
)

func init() {
	// Graph backends
	provider.RegisterGraph("sqlite", func(cfg provider.GraphConfig) (provider.GraphBackend, error) {
		return sqliteGraph.New(), nil
	})
	provider.RegisterGraph("neo4j", func(cfg provider.GraphConfig) (provider.GraphBackend, error) {
		return neo4jGraph.New(neo4jGraph.Config{
			URI:  cfg.DSN,
			User: cfg.User,
			Pass: cfg.Pass,
		}), nil
	})

	// Vector backends
	provider.RegisterVector("sqlitevec", func(cfg provider.VectorConfig) (provider.VectorBackend, error) {
		return sqlitevec.New(), nil
	})
	provider.RegisterVector("weaviate", func(cfg provider.VectorConfig) (provider.VectorBackend, error) {
		return weaviateVec.New(), nil
	})

	// Embedding providers
	provider.RegisterEmbedding("ollama", func(cfg provider.EmbeddingConfig) (provider.EmbeddingProvider, error) {
		return ollamaEmbed.New(ollamaEmbed.Config{
			Endpoint:  cfg.Endpoint,
			Model:     cfg.Model,
			BatchSize: cfg.BatchSize,
		}), nil
	})
	provider.RegisterEmbedding("openai", func(cfg provider.EmbeddingConfig) (provider.EmbeddingProvider, error) {
		return openaiEmbed.New(openaiEmbed.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BatchSize: cfg.BatchSize,
		}), nil
	})
}
