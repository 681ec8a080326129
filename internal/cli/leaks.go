package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/arcsim/internal/harness"
)

// LeaksResult is the leak report of one scenario.
type LeaksResult struct {
	Scenario string     `json:"scenario"`
	Clean    bool       `json:"clean"`
	Leaks    NamedLeaks `json:"leaks"`
}

// NewLeaksCommand creates the leaks command.
func NewLeaksCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leaks <scenario>",
		Short: "Report the nodes a scenario leaks",
		Long: `Run a scenario and report only its final leak analysis: nodes that are
still live but unreachable from any root, grouped into strong cycles and
the nodes those cycles retain. Assertions are not checked.

Exit codes:
  0 - No leaks
  1 - Leaks found
  2 - Command error

Examples:
  arcsim leaks ./scenarios/strong_cycle_leak.yaml
  arcsim leaks ./scenarios/closure_leak.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLeaks(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runLeaks(opts *RootOptions, path string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)

	scenario, err := loadOne(path)
	if err != nil {
		return err
	}

	result, err := harness.Run(ctx, scenario, harness.WithLogger(opts.logger(cmd)))
	if err != nil {
		return WrapExitError(ExitCommandError, "scenario execution failed", err)
	}

	out := LeaksResult{
		Scenario: scenario.Name,
		Clean:    result.Leaks.Empty(),
		Leaks:    namedLeaks(result, result.Leaks),
	}

	if formatter.IsJSON() {
		if out.Clean {
			return formatter.Success(out)
		}
		if err := formatter.Failure(ErrCodeLeaks, fmt.Sprintf("%d node(s) leaked", len(out.Leaks.Leaked)), out); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "leaks found")
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Scenario: %s\n", out.Scenario)
	writeLeaksText(w, out.Leaks)
	if !out.Clean {
		return NewExitError(ExitFailure, "leaks found")
	}
	return nil
}

// writeLeaksText prints a leak report, one line per cycle.
func writeLeaksText(w io.Writer, leaks NamedLeaks) {
	if len(leaks.Leaked) == 0 {
		fmt.Fprintln(w, "✓ No leaks")
		return
	}
	fmt.Fprintf(w, "✗ Leaked: %s\n", strings.Join(leaks.Leaked, ", "))
	for _, cycle := range leaks.Cycles {
		fmt.Fprintf(w, "  cycle: %s -> %s\n", strings.Join(cycle, " -> "), cycle[0])
	}
	if len(leaks.Retained) > 0 {
		fmt.Fprintf(w, "  retained by a cycle: %s\n", strings.Join(leaks.Retained, ", "))
	}
}
