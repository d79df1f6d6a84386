package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pyindex/pyindexd/internal/config"
	"github.com/pyindex/pyindexd/internal/storage"
)

// statusPayload is what `pyindexd status --json` emits.
type statusPayload struct {
	SchemaVersion string               `json:"schema_version"`
	Projects      []storage.Project    `json:"projects"`
	WorkerStats   []storage.WorkerStat `json:"worker_stats"`
}

var statusLimit int

// statusCmd dumps worker_stats and schema version from a running
// instance (spec §6), talking to SE through the same client every
// worker uses.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show schema version, registered projects, and recent worker activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		client := storage.NewClient(cfg.Storage.RequestSocket, 10*time.Second)
		ctx := cmd.Context()

		version, err := client.GetSchemaVersion(ctx)
		if err != nil {
			return err
		}
		projects, err := client.ListProjects(ctx)
		if err != nil {
			return err
		}
		stats, err := client.ListWorkerStats(ctx, statusLimit)
		if err != nil {
			return err
		}

		payload := statusPayload{SchemaVersion: version, Projects: projects, WorkerStats: stats}
		output(payload, func(data interface{}) string {
			p := data.(statusPayload)
			s := fmt.Sprintf("schema version: %s\n", p.SchemaVersion)
			s += fmt.Sprintf("projects: %d\n", len(p.Projects))
			for _, proj := range p.Projects {
				s += fmt.Sprintf("  %s\t%s\n", proj.ProjectID, proj.RootPath)
			}
			s += fmt.Sprintf("recent worker activity (%d):\n", len(p.WorkerStats))
			for _, st := range p.WorkerStats {
				s += fmt.Sprintf("  %s\t%s\tscanned=%d added=%d changed=%d deleted=%d errors=%d\n",
					st.CreatedAt.Format(time.RFC3339), st.Worker, st.Scanned, st.Added, st.Changed, st.Deleted, st.Errors)
			}
			return s
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Number of worker_stats rows to show")
}
