package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pyindex/pyindexd/internal/config"
)

// projectCmd manages watch.dirs[] in the configuration file (spec §6:
// "pyindexd project list|add|remove"). It edits the config on disk;
// the running file-watcher picks up additions on its next load/restart.
var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage watched directories (watch.dirs[])",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured watch directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		output(cfg.Watch.Dirs, func(data interface{}) string {
			dirs := data.([]config.WatchDirSpec)
			if len(dirs) == 0 {
				return "No watch directories configured.\n"
			}
			var s string
			for _, d := range dirs {
				s += fmt.Sprintf("%s\t%s\n", d.ID, d.Path)
			}
			return s
		})
		return nil
	},
}

var projectAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Add a directory to watch.dirs[]",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		path := args[0]
		for _, d := range cfg.Watch.Dirs {
			if d.Path == path {
				exitError("watch dir %s already configured (id %s)", path, d.ID)
				return nil
			}
		}
		spec := config.WatchDirSpec{ID: uuid.NewString(), Path: path}
		cfg.Watch.Dirs = append(cfg.Watch.Dirs, spec)
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		output(spec, func(data interface{}) string {
			s := data.(config.WatchDirSpec)
			return fmt.Sprintf("added watch dir %s (id %s)\n", s.Path, s.ID)
		})
		return nil
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:   "remove <id-or-path>",
	Short: "Remove a directory from watch.dirs[]",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		key := args[0]
		kept := cfg.Watch.Dirs[:0]
		removed := false
		for _, d := range cfg.Watch.Dirs {
			if d.ID == key || d.Path == key {
				removed = true
				continue
			}
			kept = append(kept, d)
		}
		if !removed {
			exitError("no watch dir matching %q", key)
			return nil
		}
		cfg.Watch.Dirs = kept
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		output(map[string]string{"removed": key}, func(data interface{}) string {
			return fmt.Sprintf("removed watch dir %s\n", key)
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectRemoveCmd)
}
