// repograph is a repository knowledge store: it indexes code, docs and
// configuration into a typed graph with vector embeddings, and serves
// combined semantic and structural queries over HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/spetr/repograph/builtin"
	"github.com/spetr/repograph/internal/config"
	"github.com/spetr/repograph/internal/index"
	"github.com/spetr/repograph/internal/parser"
	"github.com/spetr/repograph/internal/query"
	"github.com/spetr/repograph/internal/server"
	"github.com/spetr/repograph/internal/store"
	"github.com/spetr/repograph/pkg/provider"
	"github.com/spetr/repograph/pkg/types"
)

var (
	version   = "0.1.0"
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "repograph",
	Short: "Repository knowledge store with graph and vector search",
	Long: `repograph indexes a repository's code, documentation and configuration
into a typed knowledge graph backed by vector embeddings.

It supports:
- Pluggable graph backends (SQLite, Neo4j)
- Pluggable vector backends (sqlite-vec, Weaviate)
- Embedding providers (Ollama, OpenAI)
- Combined semantic + structural queries over HTTP`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("repograph %s\n", version)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write a default configuration to <dir>/.repograph/config.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot(args)
		if err != nil {
			return err
		}
		cfg := config.DefaultConfig()
		cfg.Graph.DSN = config.StoreDBPath(root)
		cfg.Vector.DSN = config.StoreDBPath(root)
		if err := config.Save(root, cfg); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", config.ConfigPath(root))
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve [dir]",
	Short: "Run the HTTP server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, cfg, err := loadConfig(args)
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		logger := slog.Default()
		indexer := index.NewService(st, parser.Default(), cfg.Index, logger)
		queries := query.NewService(st, logger)
		srv := server.New(st, indexer, queries, logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		indexer.Start(ctx)
		defer indexer.Stop()

		watch, _ := cmd.Flags().GetBool("watch")
		if watch {
			watcher, err := index.NewWatcher(indexer, root, cfg.Index.Exclude, cfg.Index.WatchDebounce, logger)
			if err != nil {
				return err
			}
			go func() {
				if err := watcher.Watch(ctx); err != nil {
					logger.Error("watcher stopped", "error", err)
				}
			}()
		}

		return srv.Run(ctx, cfg.Server.Listen)
	},
}

var indexCmd = &cobra.Command{
	Use:   "index [dir]",
	Short: "Index a repository and wait for completion",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, cfg, err := loadConfig(args)
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		logger := slog.Default()
		indexer := index.NewService(st, parser.Default(), cfg.Index, logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		indexer.Start(ctx)
		defer indexer.Stop()

		force, _ := cmd.Flags().GetBool("force")
		job, err := indexer.Enqueue(root, force)
		if err != nil {
			return err
		}

		job, err = waitForJob(ctx, indexer, job.ID)
		if err != nil {
			return err
		}

		fmt.Printf("state: %s\n", job.State)
		for _, w := range job.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
		if job.Error != "" {
			return fmt.Errorf("indexing failed: %s", job.Error)
		}

		if status, err := indexer.Status(root); err == nil {
			fmt.Printf("nodes: %d, edges: %d\n", status.NodeCount, status.EdgeCount)
		}
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Run a semantic query against the index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		expand, _ := cmd.Flags().GetInt("expand")

		queries := query.NewService(st, slog.Default())
		results, err := queries.Query(context.Background(), query.Request{
			Text:        args[0],
			Limit:       limit,
			ExpandDepth: expand,
		})
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return json.NewEncoder(os.Stdout).Encode(results)
		}
		for _, r := range results {
			fmt.Printf("%.3f  %-10s %s", r.Score, r.Node.Type, r.Node.Path)
			if r.Hops > 0 {
				fmt.Printf("  (%d hops)", r.Hops)
			}
			fmt.Println()
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [dir]",
	Short: "Show index statistics for a repository",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, cfg, err := loadConfig(args)
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		nodes, edges, err := st.Stats(context.Background(), root)
		if err != nil {
			return err
		}
		fmt.Printf("repo:  %s\n", root)
		fmt.Printf("nodes: %d\n", nodes)
		fmt.Printf("edges: %d\n", edges)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove [dir]",
	Short: "Remove a repository from the index",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, cfg, err := loadConfig(args)
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		removed, err := st.RemoveRepo(context.Background(), root)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d nodes\n", removed)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	serveCmd.Flags().Bool("watch", false, "watch the repository and re-index on changes")
	indexCmd.Flags().Bool("force", false, "discard the existing index and rebuild")
	queryCmd.Flags().Int("limit", 0, "maximum results (default 10)")
	queryCmd.Flags().Int("expand", 1, "graph expansion depth (0-5)")
	queryCmd.Flags().Bool("json", false, "print results as JSON")

	rootCmd.AddCommand(versionCmd, initCmd, serveCmd, indexCmd, queryCmd, statusCmd, removeCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func projectRoot(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	return filepath.Abs(dir)
}

func loadConfig(args []string) (string, *config.Config, error) {
	root, err := projectRoot(args)
	if err != nil {
		return "", nil, err
	}

	cfg, warnings, err := config.Load(root)
	if err != nil {
		return "", nil, err
	}
	for _, w := range warnings {
		slog.Warn(w)
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return "", nil, fmt.Errorf("invalid configuration: %v", errs)
	}
	return root, cfg, nil
}

// openStore creates and initializes all backends from configuration.
func openStore(cfg *config.Config) (*store.Unified, error) {
	if cfg.Graph.Backend == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Graph.DSN), 0755); err != nil {
			return nil, err
		}
	}

	graph, err := provider.DefaultRegistry.CreateGraph(cfg.Graph.Backend, provider.GraphConfig{
		Backend: cfg.Graph.Backend,
		DSN:     cfg.Graph.DSN,
		User:    cfg.Graph.User,
		Pass:    cfg.Graph.Pass,
	})
	if err != nil {
		return nil, err
	}
	if err := graph.Init(cfg.Graph.DSN); err != nil {
		return nil, fmt.Errorf("failed to open graph backend: %w", err)
	}

	vector, err := provider.DefaultRegistry.CreateVector(cfg.Vector.Backend, provider.VectorConfig{
		Backend: cfg.Vector.Backend,
		DSN:     cfg.Vector.DSN,
	})
	if err != nil {
		graph.Close()
		return nil, err
	}
	if err := vector.Init(cfg.Vector.DSN); err != nil {
		graph.Close()
		return nil, fmt.Errorf("failed to open vector backend: %w", err)
	}

	embedder, err := provider.DefaultRegistry.CreateEmbedding(cfg.Embedding.Provider, provider.EmbeddingConfig{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.Model,
		Endpoint:  cfg.Embedding.Endpoint,
		APIKey:    cfg.Embedding.APIKey,
		BatchSize: cfg.Embedding.BatchSize,
	})
	if err != nil {
		vector.Close()
		graph.Close()
		return nil, err
	}

	return store.New(graph, vector, embedder, slog.Default(), store.Options{
		SimilarityWeight: cfg.Query.SimilarityWeight,
		DegreeWeight:     cfg.Query.DegreeWeight,
		TraversalDecay:   cfg.Query.TraversalDecay,
	}), nil
}

func waitForJob(ctx context.Context, indexer *index.Service, jobID string) (*types.IndexJob, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			job, err := indexer.Job(jobID)
			if err != nil {
				return nil, err
			}
			if job.State.Terminal() {
				return job, nil
			}
		}
	}
}
