package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pyindex/pyindexd/internal/config"
	"github.com/pyindex/pyindexd/internal/indexer"
	"github.com/pyindex/pyindexd/internal/logging"
	"github.com/pyindex/pyindexd/internal/pyparse"
	"github.com/pyindex/pyindexd/internal/storage"
)

// storageCmd groups the Storage Engine's own process lifecycle
// commands, separate from `pyindexd serve` (spec §6: SE normally runs
// as its own process, started ahead of the orchestrator).
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Run or administer the Storage Engine",
}

var storageServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Storage Engine broker in the foreground",
	Long: `storage serve opens the sqlite database at storage.path, runs
sync_schema once, and then listens on storage.request_socket for
length-prefixed JSON requests from FW/IW/CVW/WO until it receives a
shutdown signal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log := logging.New(os.Stderr, "storage")

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		parser, err := pyparse.NewParser()
		if err != nil {
			return err
		}
		defer parser.Close()

		engine, err := storage.Open(cfg.Storage.Path, cfg.Storage.BackupDir, log)
		if err != nil {
			return err
		}
		defer func() { _ = engine.Close() }()

		result, err := engine.SyncNow(ctx)
		if err != nil {
			return err
		}
		log.Infof("schema sync: %s -> %s (%d statements applied)", result.VersionBefore, result.VersionAfter, len(result.Applied))

		broker := storage.NewBroker(cfg.Storage.RequestSocket, engine, log, indexer.NewCachingParseFunc(parser, 0))
		err = broker.ListenAndServe(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

var storageSyncSchemaCmd = &cobra.Command{
	Use:   "sync-schema",
	Short: "Run sync_schema once against storage.path and exit",
	Long: `sync-schema connects directly to the sqlite database at
storage.path (not through the broker) and runs the six-step schema
synchronization algorithm once: diff against the current catalog,
back up if user data is present, then apply the needed DDL. Use this
for an operator-driven migration ahead of starting 'storage serve'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log := logging.New(os.Stderr, "storage")

		engine, err := storage.Open(cfg.Storage.Path, cfg.Storage.BackupDir, log)
		if err != nil {
			return err
		}
		defer func() { _ = engine.Close() }()

		result, err := engine.SyncNow(cmd.Context())
		if err != nil {
			return err
		}
		output(result, func(data interface{}) string {
			r := data.(*storage.SyncResult)
			s := fmt.Sprintf("schema version: %s -> %s\n", r.VersionBefore, r.VersionAfter)
			if r.BackupID != "" {
				s += fmt.Sprintf("backup: %s\n", r.BackupID)
			}
			if len(r.Applied) == 0 {
				s += "no changes needed\n"
			}
			for _, stmt := range r.Applied {
				s += fmt.Sprintf("applied: %s\n", stmt)
			}
			for _, name := range r.ObsoleteTables {
				s += fmt.Sprintf("obsolete table (not dropped): %s\n", name)
			}
			for table, cols := range r.ObsoleteColumns {
				for _, col := range cols {
					s += fmt.Sprintf("obsolete column (not dropped): %s.%s\n", table, col)
				}
			}
			return s
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(storageServeCmd)
	storageCmd.AddCommand(storageSyncSchemaCmd)
}
