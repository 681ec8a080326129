package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/arcsim/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run every scenario in a directory",
		Long: `Run all YAML and CUE scenarios under a directory, checking step
expectations and assertions. When <dir>/golden/<name>.golden exists next to
a scenario, its trace must also match the golden file byte for byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  arcsim test ./scenarios
  arcsim test ./scenarios --filter "weak_*"
  arcsim test ./scenarios --update
  arcsim test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)

	if _, err := os.Stat(scenariosDir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}

	paths, err := harness.FindScenarios(scenariosDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	if len(paths) == 0 {
		if formatter.IsJSON() {
			return formatter.Success(TestResult{Scenarios: []ScenarioResult{}})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No scenarios found.")
		return nil
	}

	suite, err := harness.RunSuite(ctx, paths, harness.WithLogger(opts.logger(cmd)))
	if err != nil {
		return WrapExitError(ExitCommandError, "test run interrupted", err)
	}

	failures := make(map[string]string, len(suite.Failures))
	for _, f := range suite.Failures {
		failures[f.Path] = f.Error
	}

	result := TestResult{
		Scenarios: make([]ScenarioResult, 0, len(suite.Results)),
		Total:     suite.Total,
	}
	for _, entry := range suite.Results {
		sr := ScenarioResult{Name: entry.Name, Path: entry.Path, Pass: entry.Pass}
		if sr.Name == "" {
			sr.Name = filepath.Base(entry.Path)
		}
		if msg, ok := failures[entry.Path]; ok {
			sr.Errors = append(sr.Errors, msg)
		}
		if entry.Result != nil {
			if msg := checkGolden(opts, entry); msg != "" {
				sr.Pass = false
				sr.Errors = append(sr.Errors, msg)
			}
		}

		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, sr)
	}

	if formatter.IsJSON() {
		if result.Failed == 0 {
			return formatter.Success(result)
		}
		if err := formatter.Failure(ErrCodeTestFailed, fmt.Sprintf("%d of %d scenario(s) failed", result.Failed, result.Total), result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}

	return outputTestText(cmd, opts, result)
}

// checkGolden compares or rewrites the golden trace of one scenario. It
// returns a failure message, or "" when there is nothing to report.
func checkGolden(opts *TestOptions, entry harness.SuiteEntry) string {
	snapshot := harness.TraceSnapshot{
		ScenarioName: entry.Name,
		Session:      entry.Result.Session,
		Trace:        entry.Result.Trace,
	}
	data, err := snapshot.MarshalCanonical()
	if err != nil {
		return fmt.Sprintf("failed to marshal trace: %v", err)
	}

	path := goldenFilePath(entry.Path)
	if opts.Update {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Sprintf("failed to update golden file: %v", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Sprintf("failed to update golden file: %v", err)
		}
		return ""
	}

	want, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		// No golden file - assertion-based validation only
		return ""
	}
	if err != nil {
		return fmt.Sprintf("golden comparison failed: %v", err)
	}
	if !bytes.Equal(want, data) {
		return "trace does not match golden file (run with --update to regenerate)"
	}
	return ""
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenarioFile string) string {
	dir := filepath.Dir(scenarioFile)
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, "golden", name+".golden")
}

func outputTestText(cmd *cobra.Command, opts *TestOptions, result TestResult) error {
	w := cmd.OutOrStdout()

	for _, sr := range result.Scenarios {
		if sr.Pass {
			if opts.Update {
				fmt.Fprintf(w, "✓ %s (golden updated)\n", sr.Name)
			} else {
				fmt.Fprintf(w, "✓ %s\n", sr.Name)
			}
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", sr.Name)
		for _, e := range sr.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Results: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}
