package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pyindex/pyindexd/internal/config"
	"github.com/pyindex/pyindexd/internal/embedder"
	"github.com/pyindex/pyindexd/internal/indexer"
	"github.com/pyindex/pyindexd/internal/logging"
	"github.com/pyindex/pyindexd/internal/storage"
	"github.com/pyindex/pyindexd/internal/vectorindex"
	"github.com/pyindex/pyindexd/internal/vectorizer"
	"github.com/pyindex/pyindexd/internal/watcher"
)

// workerCmd's subcommands are the actual child-process entrypoints the
// orchestrator (cmd/serve.go, internal/orchestrator) fork/execs; they
// are not meant to be invoked by hand except for debugging a single
// worker in isolation.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single worker in the foreground (normally launched by the orchestrator)",
	Hidden: true,
}

var workerFileWatcherCmd = &cobra.Command{
	Use:   "file-watcher",
	Short: "Run the file watcher worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker("file-watcher", func(ctx context.Context, cfg *config.Config, client *storage.Client, log *logging.Logger) error {
			return watcher.NewWorker(client, cfg.Watch, log).Run(ctx, cfg.ScanInterval())
		})
	},
}

var workerIndexerCmd = &cobra.Command{
	Use:   "indexer",
	Short: "Run the indexing worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker("indexer", func(ctx context.Context, cfg *config.Config, client *storage.Client, log *logging.Logger) error {
			return indexer.NewWorker(client, cfg.Indexer, log).Run(ctx)
		})
	},
}

var workerVectorizerCmd = &cobra.Command{
	Use:   "vectorizer",
	Short: "Run the chunking/vectorization worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker("vectorizer", func(ctx context.Context, cfg *config.Config, client *storage.Client, log *logging.Logger) error {
			ee, err := embedder.New(cfg.Embedder, cfg.Vectorizer.RequestTimeoutDuration(), cfg.Embedder.Model)
			if err != nil {
				return err
			}
			breaker := embedder.NewBreaker(cfg.Vectorizer.BreakerThreshold, cfg.Vectorizer.BreakerCooldownDuration(), log)
			guarded := embedder.NewGuarded(ee, breaker)
			vi := vectorindex.NewManager(cfg.VectorDir(), cfg.Vectorizer.EmbeddingDimension, log)
			return vectorizer.NewWorker(client, guarded, vi, cfg.Vectorizer, log).Run(ctx)
		})
	},
}

// runWorker loads config, dials the storage broker, and runs fn until
// a shutdown signal arrives (spec §4.6: the orchestrator sends SIGTERM
// to each child; the child's own process handles it here like any
// foreground Go service would).
func runWorker(name string, fn func(ctx context.Context, cfg *config.Config, client *storage.Client, log *logging.Logger) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logging.New(os.Stderr, name)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := storage.NewClient(cfg.Storage.RequestSocket, 30*time.Second)
	if err := client.WaitUntilReady(ctx, 200*time.Millisecond); err != nil {
		return err
	}

	err = fn(ctx, cfg, client, log)
	if err == context.Canceled {
		return nil
	}
	return err
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerFileWatcherCmd)
	workerCmd.AddCommand(workerIndexerCmd)
	workerCmd.AddCommand(workerVectorizerCmd)
}
