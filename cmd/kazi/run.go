package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/capability"
	"github.com/jkaninda/kazi/internal/executor"
)

// Exit codes for the run command.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitUnknown = 2
)

// exitCode is picked up by main after the command returns, so deferred
// cleanup (session release, store close, tracer flush) runs first.
var exitCode int

var (
	runInputs     []string
	runInputsJSON string
	runSession    string
	runModel      string
	runJSON       bool
	runOutDir     string
)

var runCmd = &cobra.Command{
	Use:   "run <capability-id>",
	Short: "Execute a capability by ID",
	Long: `Execute one capability through the full pipeline: input validation,
the capability's execution strategy, and history recording.

Inputs are given as repeated key=value flags or as a single JSON object.
Files the capability produces are written to the output directory.

Examples:
  kazi run csv-summarize --input file=./data.csv
  kazi run haiku-writer --input prompt="about autumn rain"
  kazi run report-builder --inputs-json '{"topic":"latency","days":7}' -o ./out

Exit codes:
  0  success
  1  execution failure
  2  unknown capability`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "input as key=value (repeatable)")
	runCmd.Flags().StringVar(&runInputsJSON, "inputs-json", "", "inputs as a JSON object (overrides --input)")
	runCmd.Flags().StringVar(&runSession, "session", "", "sandbox session ID to reuse across runs")
	runCmd.Flags().StringVar(&runModel, "model", "", "model override for generative capabilities")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full result as JSON")
	runCmd.Flags().StringVarP(&runOutDir, "out", "o", ".", "directory for produced files")
}

func runRun(_ *cobra.Command, args []string) error {
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

	inputs, err := parseInputs(runInputs, runInputsJSON)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, execErr := engine.Runtime.Execute(ctx, args[0], inputs, executor.Options{
		SessionID: runSession,
		Model:     runModel,
	})

	if len(res.ProducedFiles) > 0 {
		if err := writeProducedFiles(runOutDir, res.ProducedFiles); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: writing produced files: %v\n", err)
		}
	}

	if runJSON {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(data))
	} else if res.Success {
		printOutput(res.Output)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", res.Error)
		if res.FailedStep != "" {
			fmt.Fprintf(os.Stderr, "  failed step: %s\n", res.FailedStep)
		}
	}

	exitCode = exitCodeFor(res, execErr)
	return nil
}

// exitCodeFor maps an execution outcome to the run command's exit code.
func exitCodeFor(res *capability.Result, err error) int {
	switch {
	case res != nil && res.Success:
		return ExitSuccess
	case errors.Is(err, capability.ErrUnknownCapability):
		return ExitUnknown
	default:
		return ExitFailure
	}
}

// parseInputs builds the input map from flags. JSON wins when given.
func parseInputs(kvs []string, jsonInputs string) (map[string]any, error) {
	if jsonInputs != "" {
		var inputs map[string]any
		if err := json.Unmarshal([]byte(jsonInputs), &inputs); err != nil {
			return nil, fmt.Errorf("parsing --inputs-json: %w", err)
		}
		return inputs, nil
	}
	inputs := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q: want key=value", kv)
		}
		inputs[key] = value
	}
	return inputs, nil
}

// writeProducedFiles writes each produced file under dir, refusing
// names that would escape it.
func writeProducedFiles(dir string, files map[string][]byte) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	for name, data := range files {
		clean := filepath.Clean(name)
		if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
			return fmt.Errorf("refusing produced file name %q", name)
		}
		dest := filepath.Join(dir, clean)
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			return err
		}
		if err := os.WriteFile(dest, data, 0o640); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s\n", dest)
	}
	return nil
}

// printOutput renders a result output for human eyes: strings verbatim,
// everything else as indented JSON.
func printOutput(output any) {
	switch v := output.(type) {
	case nil:
	case string:
		fmt.Println(v)
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Printf("%v\n", v)
			return
		}
		fmt.Println(string(data))
	}
}
