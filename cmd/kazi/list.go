package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/history"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered capabilities",
	RunE:  runList,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print capabilities as JSON")
}

func runList(_ *cobra.Command, _ []string) error {
	logger := newLogger(false, verbose)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, err := initEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer engine.Cleanup()

	caps := engine.Registry.List()

	if listJSON {
		data, _ := json.MarshalIndent(caps, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	if len(caps) == 0 {
		fmt.Println("no capabilities registered")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tRISK\tISOLATION\tDESCRIPTION")
	for _, c := range caps {
		isolation := c.Isolation
		if isolation == "" {
			isolation = "docker"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Type, c.Risk, isolation, c.Description)
	}
	return w.Flush()
}

var (
	historyCapability string
	historyFailures   bool
	historyLimit      int
	historyStats      bool
	historyJSON       bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past capability executions",
	Long: `List recorded executions, newest first, or aggregate per-capability
statistics.

Examples:
  kazi history --limit 20
  kazi history --capability csv-summarize --failures
  kazi history --stats`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyCapability, "capability", "", "filter by capability ID")
	historyCmd.Flags().BoolVar(&historyFailures, "failures", false, "show only failed executions")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum records to show")
	historyCmd.Flags().BoolVar(&historyStats, "stats", false, "show per-capability aggregates instead of records")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print as JSON")
}

func runHistory(_ *cobra.Command, _ []string) error {
	logger := newLogger(false, verbose)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, err := initEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer engine.Cleanup()

	ctx := context.Background()

	if historyStats {
		stats, err := engine.History.Stats(ctx)
		if err != nil {
			return err
		}
		if historyJSON {
			data, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CAPABILITY\tRUNS\tFAILURES\tAVG MS")
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%d\t%d\t%.1f\n", s.CapabilityID, s.Executions, s.Failures, s.AvgElapsedMS)
		}
		return w.Flush()
	}

	recs, err := engine.History.List(ctx, history.Query{
		CapabilityID: historyCapability,
		OnlyFailures: historyFailures,
		Limit:        historyLimit,
	})
	if err != nil {
		return err
	}

	if historyJSON {
		data, _ := json.MarshalIndent(recs, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	if len(recs) == 0 {
		fmt.Println("no executions recorded")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tCAPABILITY\tSTATUS\tMS\tERROR")
	for _, rec := range recs {
		status := "ok"
		if !rec.Success {
			status = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%s\n",
			rec.CreatedAt.Local().Format(time.DateTime), rec.CapabilityID, status, rec.ElapsedMS, rec.Error)
	}
	return w.Flush()
}
