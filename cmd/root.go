// Package cmd implements pyindexd's command-line surface with
// spf13/cobra, following the teacher's root.go shape: a persistent
// --json/-v flag pair plus the output/outputJSON/exitError/
// exitErrorJSON helpers every subcommand renders through.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pyindex/pyindexd/internal/errs"
)

var (
	// Global flags
	jsonOutput bool
	verbose    bool
	configPath string
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "pyindexd",
	Short: "Multi-process code-analysis core for Python source trees",
	Long: `pyindexd keeps a relational and vector index of a set of watched
Python source trees current, and serves that index to external callers
over a request socket.

Use 'pyindexd serve' to run the orchestrator in the foreground, or the
'pyindexd storage', 'pyindexd project', and 'pyindexd status' subcommands
to operate on a running instance.`,
	Version: "1.0.0",
}

// Execute adds all child commands to the root command and runs it,
// translating the command's error into the exit code spec §6 defines:
// 0 clean stop, 1 config error, 2 fatal startup error, 3 pidfile/lock
// collision.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	switch errs.KindOf(err) {
	case errs.ConfigError:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	case errs.LockHeld:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(3)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "pyindexd.yaml", "Path to the configuration file")
}

// outputJSON outputs data as JSON.
func outputJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// output outputs data in the appropriate format.
func output(data interface{}, textFormatter func(interface{}) string) {
	if jsonOutput {
		if err := outputJSON(data); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
			os.Exit(1)
		}
	} else {
		fmt.Print(textFormatter(data))
	}
}

// exitError prints an error message and exits.
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// exitErrorJSON outputs an error in JSON format if --json flag is set.
func exitErrorJSON(err error) {
	if jsonOutput {
		_ = outputJSON(map[string]string{"error": err.Error()})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}
