package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/arcsim/internal/engine"
	"github.com/roach88/arcsim/internal/harness"
	"github.com/roach88/arcsim/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	Session  string
}

// RunResult is the outcome of one scenario run.
type RunResult struct {
	Scenario string               `json:"scenario"`
	Session  string               `json:"session"`
	Pass     bool                 `json:"pass"`
	Errors   []string             `json:"errors,omitempty"`
	Trace    []harness.TraceEvent `json:"trace"`
	Leaks    NamedLeaks           `json:"leaks"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "Run a scenario and print its trace",
		Long: `Run a YAML or CUE scenario in a fresh engine and print the event trace,
the final leak report and the assertion results.

With --db the events are persisted to a SQLite database under a new
session token (or --session), for later inspection with trace and replay.

Exit codes:
  0 - Scenario passed
  1 - A step expectation or assertion failed
  2 - Command error (scenario not found, invalid scenario, database error)

Examples:
  arcsim run ./scenarios/weak_self.yaml
  arcsim run ./scenarios/closure_leak.yaml --db ./arcsim.db
  arcsim run ./scenarios/serial_order.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "persist events to this SQLite database")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session token (default: the scenario's token, else a new UUIDv7 with --db)")

	return cmd
}

func runScenario(opts *RunOptions, path string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.logger(cmd)
	formatter := opts.formatter(cmd)

	scenario, err := loadOne(path)
	if err != nil {
		return err
	}

	runOpts := []harness.Option{harness.WithLogger(logger)}
	session := opts.Session
	if opts.Database != "" {
		st, err := openStore(opts.Database, logger)
		if err != nil {
			return err
		}
		defer closeStore(st, logger)
		runOpts = append(runOpts, harness.WithStore(st))

		if session == "" && scenario.Session == "" {
			session = engine.UUIDv7Generator{}.Generate()
		}
	}
	if session != "" {
		runOpts = append(runOpts, harness.WithSession(session))
	}

	logger.Debug("running scenario", "scenario", scenario.Name, "path", path, "db", opts.Database)
	result, err := harness.Run(ctx, scenario, runOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "scenario execution failed", err)
	}

	out := RunResult{
		Scenario: scenario.Name,
		Session:  result.Session,
		Pass:     result.Pass,
		Errors:   result.Errors,
		Trace:    result.Trace,
		Leaks:    namedLeaks(result, result.Leaks),
	}

	if formatter.IsJSON() {
		if out.Pass {
			if err := formatter.WriteJSON(CLIResponse{Status: "ok", Data: out, Session: out.Session}); err != nil {
				return err
			}
			return nil
		}
		if err := formatter.Failure(ErrCodeScenarioFailed, fmt.Sprintf("%d check(s) failed", len(out.Errors)), out); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", out.Scenario))
	}

	return outputRunText(cmd, out)
}

func outputRunText(cmd *cobra.Command, out RunResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Scenario: %s (session %s)\n\n", out.Scenario, out.Session)
	for _, ev := range out.Trace {
		fmt.Fprintf(w, "  %s\n", formatTraceEvent(ev))
	}
	fmt.Fprintln(w)
	writeLeaksText(w, out.Leaks)
	fmt.Fprintln(w)

	if out.Pass {
		fmt.Fprintln(w, "✓ Scenario passed")
		return nil
	}
	fmt.Fprintln(w, "✗ Scenario failed")
	for _, e := range out.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", out.Scenario))
}

// openStore opens the database, creating it if it doesn't exist.
func openStore(path string, logger *slog.Logger) (*store.Store, error) {
	logger.Debug("opening database", "path", path)
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func closeStore(st *store.Store, logger *slog.Logger) {
	if err := st.Close(); err != nil {
		logger.Error("error closing database", "error", err)
	}
}
