package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/arcsim/internal/ir"
	"github.com/roach88/arcsim/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Session  string
	Node     int64  // optional - filter to events about one node
	Type     string // optional - filter to one event type
	Task     string // optional - filter to one task's lifecycle
}

// TraceResult holds the stored timeline of one session.
type TraceResult struct {
	Session  store.Session `json:"session"`
	Timeline []ir.Event    `json:"timeline"`
	Stats    TraceStats    `json:"stats"`
}

// TraceStats counts the events of a timeline by type.
type TraceStats struct {
	TotalEvents  int `json:"total_events"`
	Allocations  int `json:"allocations"`
	Deallocation int `json:"deallocations"`
	TasksRun     int `json:"tasks_run"`
	TasksFailed  int `json:"tasks_failed"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the stored event log of a session",
		Long: `Read persisted events from a database written by "arcsim run --db".

Without --session, lists the sessions in the database. With --session,
prints that session's timeline, optionally narrowed to the events that
mention one node (--node), to one task (--task) or to one event type
(--type). Filters combine.

Examples:
  arcsim trace --db ./arcsim.db
  arcsim trace --db ./arcsim.db --session 0192...
  arcsim trace --db ./arcsim.db --session 0192... --node 3
  arcsim trace --db ./arcsim.db --session 0192... --task task-2
  arcsim trace --db ./arcsim.db --session 0192... --type deallocate --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session token to show")
	cmd.Flags().Int64Var(&opts.Node, "node", 0, "only events whose node or target is this id")
	cmd.Flags().StringVar(&opts.Type, "type", "", "only events of this type")
	cmd.Flags().StringVar(&opts.Task, "task", "", "only events of this task")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.logger(cmd)
	formatter := opts.formatter(cmd)

	if opts.Type != "" && !ir.IsEventType(opts.Type) {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown event type %q", opts.Type))
	}
	if opts.Node < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid node id %d", opts.Node))
	}

	st, err := openStore(opts.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore(st, logger)

	if opts.Session == "" {
		return listSessions(ctx, st, cmd, formatter)
	}

	sess, err := st.ReadSession(ctx, opts.Session)
	if errors.Is(err, store.ErrSessionNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("session not found: %s", opts.Session))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read session", err)
	}

	events, err := readTimeline(ctx, st, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	result := TraceResult{
		Session:  sess,
		Timeline: events,
		Stats:    traceStats(events),
	}

	if formatter.IsJSON() {
		return formatter.WriteJSON(CLIResponse{Status: "ok", Data: result, Session: sess.Token})
	}
	return outputTraceText(cmd, result)
}

// readTimeline runs one indexed query (task, then node, then type) and
// applies the remaining filters in memory.
func readTimeline(ctx context.Context, st *store.Store, opts *TraceOptions) ([]ir.Event, error) {
	node := ir.NodeID(opts.Node)
	typ := ir.EventType(opts.Type)

	var (
		events []ir.Event
		err    error
	)
	switch {
	case opts.Task != "":
		events, err = st.ReadTaskEvents(ctx, opts.Session, opts.Task)
	case node != ir.None:
		events, err = st.ReadNodeEvents(ctx, opts.Session, node)
	case typ != "":
		events, err = st.ReadEventsByType(ctx, opts.Session, typ)
	default:
		events, err = st.ReadEvents(ctx, opts.Session)
	}
	if err != nil {
		return nil, err
	}

	filtered := []ir.Event{}
	for _, ev := range events {
		if node != ir.None && ev.Node != node && ev.Target != node {
			continue
		}
		if typ != "" && ev.Type != typ {
			continue
		}
		filtered = append(filtered, ev)
	}
	return filtered, nil
}

func traceStats(events []ir.Event) TraceStats {
	stats := TraceStats{TotalEvents: len(events)}
	for _, ev := range events {
		switch ev.Type {
		case ir.EventAllocate:
			stats.Allocations++
		case ir.EventDeallocate:
			stats.Deallocation++
		case ir.EventTaskRun:
			stats.TasksRun++
		case ir.EventTaskFailed:
			stats.TasksFailed++
		}
	}
	return stats
}

func listSessions(ctx context.Context, st *store.Store, cmd *cobra.Command, formatter *OutputFormatter) error {
	sessions, err := st.ReadSessions(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read sessions", err)
	}
	if sessions == nil {
		sessions = []store.Session{}
	}

	if formatter.IsJSON() {
		return formatter.Success(sessions)
	}

	w := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return nil
	}
	fmt.Fprintf(w, "Sessions (%d):\n", len(sessions))
	for _, s := range sessions {
		fmt.Fprintf(w, "  %s  %s\n", s.Token, s.Scenario)
	}
	return nil
}

func outputTraceText(cmd *cobra.Command, result TraceResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Session: %s\n", result.Session.Token)
	if result.Session.Scenario != "" {
		fmt.Fprintf(w, "Scenario: %s\n", result.Session.Scenario)
	}
	fmt.Fprintf(w, "Runtime: %s (events %s)\n", result.Session.RuntimeVersion, result.Session.EventVersion)
	fmt.Fprintln(w)

	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "No matching events.")
		return nil
	}

	fmt.Fprintln(w, "Timeline:")
	for _, ev := range result.Timeline {
		fmt.Fprintf(w, "  %s\n", formatStoredEvent(ev))
	}

	fmt.Fprintln(w)
	s := result.Stats
	fmt.Fprintf(w, "Stats: %d events, %d allocated, %d deallocated, %d tasks run, %d failed\n",
		s.TotalEvents, s.Allocations, s.Deallocation, s.TasksRun, s.TasksFailed)
	return nil
}
