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
	"github.com/pyindex/pyindexd/internal/errs"
	"github.com/pyindex/pyindexd/internal/indexer"
	"github.com/pyindex/pyindexd/internal/logging"
	"github.com/pyindex/pyindexd/internal/orchestrator"
	"github.com/pyindex/pyindexd/internal/pyparse"
	"github.com/pyindex/pyindexd/internal/storage"
	"github.com/pyindex/pyindexd/internal/vectorindex"
	"github.com/pyindex/pyindexd/internal/vectorizer"
	"github.com/pyindex/pyindexd/internal/watcher"
)

var inlineMode bool

// serveCmd runs the Worker Orchestrator: WO supervises FW, IW, and CVW
// (spec §4.6) but does not itself own the Storage Engine, which is its
// own process started with `pyindexd storage serve` -- WO only waits for
// it to accept connections before spawning any worker. --inline folds SE
// and all three workers into this one process for local development.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker orchestrator in the foreground",
	Long: `serve starts the worker orchestrator (WO), which supervises the
file-watcher, indexer, and vectorizer workers as separate OS processes.

It expects the Storage Engine to already be listening at
storage.request_socket (start it first with 'pyindexd storage serve').
With --inline, serve instead starts the storage broker and runs all
three workers as goroutines inside this single process, which is
convenient for local development but gives up the process isolation the
production topology relies on.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log := logging.New(os.Stderr, "pyindexd")

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if inlineMode {
			return serveInline(ctx, cfg, log)
		}
		return serveOrchestrator(ctx, cfg, log)
	},
}

// serveOrchestrator is the production path: it assumes a separately
// started `storage serve` process owns SE, and only supervises FW/IW/CVW
// as child processes.
func serveOrchestrator(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	client := storage.NewClient(cfg.Storage.RequestSocket, 30*time.Second)
	if err := client.WaitUntilReady(ctx, 200*time.Millisecond); err != nil {
		return errs.Wrap(errs.ConfigError, "waiting for storage broker at "+cfg.Storage.RequestSocket+" (start it with 'pyindexd storage serve')", err)
	}

	self, err := os.Executable()
	if err != nil {
		return errs.Wrap(errs.ConfigError, "resolving executable path", err)
	}

	sup := orchestrator.NewSupervisor(self, configPath, cfg, client, log)
	if err := sup.CheckSingleInstance(); err != nil {
		return err
	}
	defer sup.ReleaseSingleInstance()

	err = sup.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// serveInline starts SE in-process and runs FW/IW/CVW as goroutines,
// still talking to SE exclusively through the socket client so the
// "only through SE" invariant holds regardless of process topology.
func serveInline(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	parser, err := pyparse.NewParser()
	if err != nil {
		return errs.Wrap(errs.ConfigError, "initializing parser", err)
	}
	defer parser.Close()

	engine, err := storage.Open(cfg.Storage.Path, cfg.Storage.BackupDir, log)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	if _, err := engine.SyncNow(ctx); err != nil {
		return err
	}

	broker := storage.NewBroker(cfg.Storage.RequestSocket, engine, log, indexer.NewCachingParseFunc(parser, 0))
	brokerDone := make(chan error, 1)
	go func() { brokerDone <- broker.ListenAndServe(ctx) }()

	client := storage.NewClient(cfg.Storage.RequestSocket, 30*time.Second)
	if err := client.WaitUntilReady(ctx, 200*time.Millisecond); err != nil {
		return errs.Wrap(errs.ConfigError, "waiting for storage broker to come up", err)
	}

	runErr := runInlineWorkers(ctx, cfg, client, log)

	if brokerErr := <-brokerDone; brokerErr != nil && brokerErr != context.Canceled {
		log.Warnf("storage broker stopped: %v", brokerErr)
	}
	if runErr != nil && runErr != context.Canceled {
		return runErr
	}
	return nil
}

func runInlineWorkers(ctx context.Context, cfg *config.Config, client *storage.Client, log *logging.Logger) error {
	ee, err := embedder.New(cfg.Embedder, cfg.Vectorizer.RequestTimeoutDuration(), cfg.Embedder.Model)
	if err != nil {
		return err
	}
	breaker := embedder.NewBreaker(cfg.Vectorizer.BreakerThreshold, cfg.Vectorizer.BreakerCooldownDuration(), log)
	guarded := embedder.NewGuarded(ee, breaker)

	vi := vectorindex.NewManager(cfg.VectorDir(), cfg.Vectorizer.EmbeddingDimension, log)

	fw := watcher.NewWorker(client, cfg.Watch, log)
	iw := indexer.NewWorker(client, cfg.Indexer, log)
	cvw := vectorizer.NewWorker(client, guarded, vi, cfg.Vectorizer, log)

	errCh := make(chan error, 3)
	running := 0

	if cfg.Workers.FileWatcher.Enabled {
		running++
		go func() { errCh <- fw.Run(ctx, cfg.ScanInterval()) }()
	}
	if cfg.Workers.Indexer.Enabled {
		running++
		go func() { errCh <- iw.Run(ctx) }()
	}
	if cfg.Workers.Vectorizer.Enabled {
		running++
		go func() { errCh <- cvw.Run(ctx) }()
	}

	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && err != context.Canceled && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&inlineMode, "inline", false, "Run storage broker and workers as a single in-process instance")
}
