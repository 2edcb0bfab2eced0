package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	matchTopK      int
	matchThreshold float64
	matchJSON      bool
)

var matchCmd = &cobra.Command{
	Use:   "match <query>",
	Short: "Find capabilities matching a natural-language query",
	Long: `Score registered capabilities against a free-text query and print the
best matches. Intent phrases weigh most, then tags, then worked-example
similarity when an embedder is configured.

Examples:
  kazi match "summarize a csv file"
  kazi match "write a haiku" --top-k 3 --threshold 0.5`,
	Args: cobra.ExactArgs(1),
	RunE: runMatch,
}

func init() {
	matchCmd.Flags().IntVar(&matchTopK, "top-k", 0, "maximum matches to return (default from config)")
	matchCmd.Flags().Float64Var(&matchThreshold, "threshold", 0, "minimum score (default from config)")
	matchCmd.Flags().BoolVar(&matchJSON, "json", false, "print matches as JSON")
}

func runMatch(_ *cobra.Command, args []string) error {
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

	topK := matchTopK
	if topK <= 0 {
		topK = cfg.Matcher.MatchTopK()
	}
	threshold := matchThreshold
	if threshold <= 0 {
		threshold = cfg.Matcher.MatchThreshold()
	}

	matches := engine.Runtime.Match(args[0], topK, threshold)

	if matchJSON {
		type jsonMatch struct {
			ID          string  `json:"id"`
			Score       float64 `json:"score"`
			Type        string  `json:"type"`
			Description string  `json:"description,omitempty"`
		}
		out := make([]jsonMatch, 0, len(matches))
		for _, m := range matches {
			out = append(out, jsonMatch{
				ID:          m.Capability.ID,
				Score:       m.Score,
				Type:        string(m.Capability.Type),
				Description: m.Capability.Description,
			})
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	if len(matches) == 0 {
		fmt.Println("no matches")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tID\tTYPE\tDESCRIPTION")
	for _, m := range matches {
		fmt.Fprintf(w, "%.2f\t%s\t%s\t%s\n", m.Score, m.Capability.ID, m.Capability.Type, m.Capability.Description)
	}
	return w.Flush()
}
