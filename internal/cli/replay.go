package cli

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/spf13/cobra"

	"github.com/roach88/arcsim/internal/arc"
	"github.com/roach88/arcsim/internal/engine"
	"github.com/roach88/arcsim/internal/ir"
	"github.com/roach88/arcsim/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Session  string // optional - specific session only
}

// ReplaySessionResult holds the replay result for a single session.
type ReplaySessionResult struct {
	Session  string         `json:"session"`
	Scenario string         `json:"scenario,omitempty"`
	Events   int            `json:"events"`
	Live     int            `json:"live"`
	Leaks    arc.LeakReport `json:"leaks"`
	Valid    bool           `json:"valid"`
	Error    string         `json:"error,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Sessions      []ReplaySessionResult `json:"sessions"`
	TotalSessions int                   `json:"total_sessions"`
	AllValid      bool                  `json:"all_valid"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Verify stored event logs and rebuild their object graphs",
		Long: `Replay the event log of each stored session without re-running the
scenario. Each log is checked for a single session, strictly increasing
seq and content-addressed ids. The object graph is then rebuilt twice
(the two rebuilds must agree) and leak-checked. When the log ends with a
leak report, the recorded leaked set must match the recomputed one.

Exit codes:
  0 - All logs verified
  1 - A log is corrupt or inconsistent
  2 - Command error (database not found, etc.)

Examples:
  arcsim replay --db ./arcsim.db
  arcsim replay --db ./arcsim.db --session 0192...
  arcsim replay --db ./arcsim.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Session, "session", "", "replay specific session only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.logger(cmd)
	formatter := opts.formatter(cmd)

	st, err := openStore(opts.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore(st, logger)

	var sessions []store.Session
	if opts.Session != "" {
		sess, err := st.ReadSession(ctx, opts.Session)
		if errors.Is(err, store.ErrSessionNotFound) {
			return NewExitError(ExitCommandError, fmt.Sprintf("session not found: %s", opts.Session))
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read session", err)
		}
		sessions = []store.Session{sess}
	} else {
		sessions, err = st.ReadSessions(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list sessions", err)
		}
	}

	result := ReplayResult{
		Sessions:      make([]ReplaySessionResult, 0, len(sessions)),
		TotalSessions: len(sessions),
		AllValid:      true,
	}

	if len(sessions) == 0 {
		if formatter.IsJSON() {
			return formatter.Success(result)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found in database.")
		return nil
	}

	for _, sess := range sessions {
		events, err := st.ReadEvents(ctx, sess.Token)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to read session %s", sess.Token), err)
		}
		sr := replaySession(sess, events)
		if !sr.Valid {
			result.AllValid = false
			logger.Warn("replay failed", "session", sess.Token, "error", sr.Error)
		}
		result.Sessions = append(result.Sessions, sr)
	}

	if formatter.IsJSON() {
		if result.AllValid {
			return formatter.Success(result)
		}
		if err := formatter.Failure(ErrCodeCorruptLog, "event log verification failed", result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "event log verification failed")
	}

	return outputReplayText(cmd, opts, result)
}

// replaySession verifies one session's log and rebuilds its graph.
func replaySession(sess store.Session, events []ir.Event) ReplaySessionResult {
	sr := ReplaySessionResult{
		Session:  sess.Token,
		Scenario: sess.Scenario,
		Events:   len(events),
	}
	fail := func(err error) ReplaySessionResult {
		sr.Error = err.Error()
		return sr
	}

	if err := engine.VerifyEvents(events); err != nil {
		return fail(err)
	}

	first, err := engine.Rebuild(events)
	if err != nil {
		return fail(err)
	}
	second, err := engine.Rebuild(events)
	if err != nil {
		return fail(err)
	}
	if !reflect.DeepEqual(first, second) {
		return fail(fmt.Errorf("%w: rebuild is not deterministic", engine.ErrCorruptLog))
	}

	for _, n := range first.Nodes {
		if n.Live {
			sr.Live++
		}
	}
	sr.Leaks = arc.FindLeaks(first)

	if err := checkRecordedLeaks(events, sr.Leaks); err != nil {
		return fail(err)
	}

	sr.Valid = true
	return sr
}

// checkRecordedLeaks compares a trailing leak_report event with the leaks
// recomputed from the rebuilt graph.
func checkRecordedLeaks(events []ir.Event, report arc.LeakReport) error {
	if len(events) == 0 {
		return nil
	}
	last := events[len(events)-1]
	if last.Type != ir.EventLeakReport {
		return nil
	}

	want := make(ir.IRArray, 0, len(report.Leaked))
	for _, id := range report.Leaked {
		want = append(want, ir.IRInt(id))
	}
	got, err := ir.MarshalCanonical(last.Detail["leaked"])
	if err != nil {
		return fmt.Errorf("%w: seq %d: %v", engine.ErrCorruptLog, last.Seq, err)
	}
	expected, err := ir.MarshalCanonical(want)
	if err != nil {
		return err
	}
	if string(got) != string(expected) {
		return fmt.Errorf("%w: seq %d: recorded leaks %s, rebuilt graph leaks %s", engine.ErrCorruptLog, last.Seq, got, expected)
	}
	return nil
}

func outputReplayText(cmd *cobra.Command, opts *ReplayOptions, result ReplayResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Replay Summary: %d session(s)\n", result.TotalSessions)
	fmt.Fprintln(w)

	for _, sr := range result.Sessions {
		status := "✓"
		if !sr.Valid {
			status = "✗"
		}
		fmt.Fprintf(w, "%s Session: %s", status, sr.Session)
		if sr.Scenario != "" {
			fmt.Fprintf(w, " (%s)", sr.Scenario)
		}
		fmt.Fprintln(w)

		if opts.Verbose {
			fmt.Fprintf(w, "  Events: %d\n", sr.Events)
			fmt.Fprintf(w, "  Live nodes: %d\n", sr.Live)
		} else {
			fmt.Fprintf(w, "  Events: %d, live nodes: %d\n", sr.Events, sr.Live)
		}
		if sr.Valid && !sr.Leaks.Empty() {
			fmt.Fprintf(w, "  Leaked: %v (cycles %v)\n", sr.Leaks.Leaked, sr.Leaks.Cycles)
		}
		if sr.Error != "" {
			fmt.Fprintf(w, "  Error: %s\n", sr.Error)
		}
		fmt.Fprintln(w)
	}

	if result.AllValid {
		fmt.Fprintln(w, "✓ All event logs verified")
		return nil
	}

	fmt.Fprintln(w, "✗ Event log verification failed")
	return NewExitError(ExitFailure, "event log verification failed")
}
