// Kazi — a capability execution engine: declarative skills matched from
// natural-language queries and run through tools, models, and sandboxes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "kazi",
	Short: "Kazi — capability execution engine.",
	Long: `Kazi loads declarative capability descriptors, matches them against
natural-language queries, and executes them through the right strategy:
direct tool calls, model generation, sandboxed code, step workflows, or
hybrid generate-then-run pipelines.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.kazi/config.yaml, or KAZI_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(runCmd, matchCmd, listCmd, historyCmd, daemonCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
