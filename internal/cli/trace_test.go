package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/arcsim/internal/ir"
)

// seedDatabase runs the clean and cycle scenarios into a fresh database
// under the sessions "s-clean" and "s-cycle".
func seedDatabase(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "arcsim.db")

	clean := writeFile(t, dir, "clean.yaml", cleanScenario)
	cycle := writeFile(t, dir, "cycle.yaml", cycleScenario)

	_, err := execute(t, NewRunCommand(&RootOptions{Format: "text"}), clean, "--db", dbPath, "--session", "s-clean")
	require.NoError(t, err)
	_, err = execute(t, NewRunCommand(&RootOptions{Format: "text"}), cycle, "--db", dbPath, "--session", "s-cycle")
	require.NoError(t, err)
	return dbPath
}

func TestTrace_MissingDatabaseFlag(t *testing.T) {
	_, err := execute(t, NewTraceCommand(&RootOptions{Format: "text"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "db")
}

func TestTrace_ListSessions(t *testing.T) {
	dbPath := seedDatabase(t)

	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "text"}), "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Sessions (2):")
	assert.Contains(t, out, "s-clean  clean")
	assert.Contains(t, out, "s-cycle  cycle")
}

func TestTrace_EmptyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")

	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "text"}), "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions found.")
}

func TestTrace_SessionTimeline(t *testing.T) {
	dbPath := seedDatabase(t)

	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "text"}), "--db", dbPath, "--session", "s-cycle")
	require.NoError(t, err)
	assert.Contains(t, out, "Session: s-cycle")
	assert.Contains(t, out, "Scenario: cycle")
	assert.Contains(t, out, `[1] allocate #1 {"label":"Person"}`)
	assert.Contains(t, out, "field_set #1 .apartment -> #2")
	assert.Contains(t, out, "leak_report")
	assert.Contains(t, out, "2 allocated, 0 deallocated")
}

func TestTrace_Filters(t *testing.T) {
	dbPath := seedDatabase(t)

	tests := []struct {
		name string
		args []string
		want func(t *testing.T, events []ir.Event)
	}{
		{
			name: "by type",
			args: []string{"--type", "allocate"},
			want: func(t *testing.T, events []ir.Event) {
				require.Len(t, events, 2)
				for _, ev := range events {
					assert.Equal(t, ir.EventAllocate, ev.Type)
				}
			},
		},
		{
			name: "by node",
			args: []string{"--node", "2"},
			want: func(t *testing.T, events []ir.Event) {
				require.NotEmpty(t, events)
				for _, ev := range events {
					assert.True(t, ev.Node == 2 || ev.Target == 2, "event %d does not mention #2", ev.Seq)
				}
			},
		},
		{
			name: "by task",
			args: []string{"--task", "task-1"},
			want: func(t *testing.T, events []ir.Event) {
				assert.Empty(t, events, "the cycle scenario submits no tasks")
			},
		},
		{
			name: "by node and type",
			args: []string{"--node", "1", "--type", "field_set"},
			want: func(t *testing.T, events []ir.Event) {
				require.Len(t, events, 2)
				assert.Equal(t, "apartment", events[0].Field)
				assert.Equal(t, "tenant", events[1].Field)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--db", dbPath, "--session", "s-cycle"}, tt.args...)
			out, err := execute(t, NewTraceCommand(&RootOptions{Format: "json"}), args...)
			require.NoError(t, err)

			var resp struct {
				Status string      `json:"status"`
				Data   TraceResult `json:"data"`
			}
			require.NoError(t, json.Unmarshal([]byte(out), &resp))
			assert.Equal(t, "ok", resp.Status)
			assert.Equal(t, "s-cycle", resp.Data.Session.Token)
			assert.Equal(t, len(resp.Data.Timeline), resp.Data.Stats.TotalEvents)
			tt.want(t, resp.Data.Timeline)
		})
	}
}

func TestTrace_Errors(t *testing.T) {
	dbPath := seedDatabase(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown session", []string{"--session", "nope"}, "session not found: nope"},
		{"unknown type", []string{"--session", "s-cycle", "--type", "free"}, `unknown event type "free"`},
		{"negative node", []string{"--session", "s-cycle", "--node", "-1"}, "invalid node id -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--db", dbPath}, tt.args...)
			_, err := execute(t, NewTraceCommand(&RootOptions{Format: "text"}), args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTraceStats(t *testing.T) {
	stats := traceStats([]ir.Event{
		{Type: ir.EventAllocate},
		{Type: ir.EventAllocate},
		{Type: ir.EventDeallocate},
		{Type: ir.EventTaskRun},
		{Type: ir.EventTaskRun},
		{Type: ir.EventTaskFailed},
		{Type: ir.EventObserve},
	})
	assert.Equal(t, TraceStats{TotalEvents: 7, Allocations: 2, Deallocation: 1, TasksRun: 2, TasksFailed: 1}, stats)
}

func TestTrace_TaskLifecycle(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "arcsim.db")
	path := writeFile(t, dir, "task.yaml", `name: task
description: "one deferred task on the main queue"
steps:
  - alloc: { name: owner }
  - defer:
      name: job
      captures:
        - { name: self, from: owner, kind: weak }
      body:
        - observe: self
  - run_all: true
`)
	_, err := execute(t, NewRunCommand(&RootOptions{Format: "text"}), path, "--db", dbPath, "--session", "s-task")
	require.NoError(t, err)

	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "json"}), "--db", dbPath, "--session", "s-task", "--task", "task-1")
	require.NoError(t, err)

	var resp struct {
		Data TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))

	var types []ir.EventType
	for _, ev := range resp.Data.Timeline {
		assert.Equal(t, "task-1", ev.Task)
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, ir.EventTaskSubmit)
	assert.Contains(t, types, ir.EventTaskRun)
	assert.Contains(t, types, ir.EventTaskDone)
	assert.Equal(t, 1, resp.Data.Stats.TasksRun)
}
