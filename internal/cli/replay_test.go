package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/arcsim/internal/arc"
	"github.com/roach88/arcsim/internal/engine"
	"github.com/roach88/arcsim/internal/ir"
	"github.com/roach88/arcsim/internal/store"
)

func TestReplay_MissingDatabaseFlag(t *testing.T) {
	_, err := execute(t, NewReplayCommand(&RootOptions{Format: "text"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestReplay_AllSessionsValid(t *testing.T) {
	dbPath := seedDatabase(t)

	out, err := execute(t, NewReplayCommand(&RootOptions{Format: "text"}), "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Replay Summary: 2 session(s)")
	assert.Contains(t, out, "✓ Session: s-clean (clean)")
	assert.Contains(t, out, "✓ Session: s-cycle (cycle)")
	assert.Contains(t, out, "Leaked: [#1 #2]")
	assert.Contains(t, out, "✓ All event logs verified")
}

func TestReplay_JSONSingleSession(t *testing.T) {
	dbPath := seedDatabase(t)

	out, err := execute(t, NewReplayCommand(&RootOptions{Format: "json"}), "--db", dbPath, "--session", "s-cycle")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.AllValid)
	require.Len(t, resp.Data.Sessions, 1)

	sr := resp.Data.Sessions[0]
	assert.Equal(t, "s-cycle", sr.Session)
	assert.True(t, sr.Valid)
	assert.Equal(t, 2, sr.Live)
	assert.Equal(t, []ir.NodeID{1, 2}, sr.Leaks.Leaked)
	assert.Equal(t, [][]ir.NodeID{{1, 2}}, sr.Leaks.Cycles)
}

func TestReplay_EmptyDatabase(t *testing.T) {
	out, err := execute(t, NewReplayCommand(&RootOptions{Format: "text"}), "--db", filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions found in database.")
}

func TestReplay_UnknownSession(t *testing.T) {
	dbPath := seedDatabase(t)

	_, err := execute(t, NewReplayCommand(&RootOptions{Format: "text"}), "--db", dbPath, "--session", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "session not found")
}

func TestReplay_TamperedLog(t *testing.T) {
	dbPath := seedDatabase(t)

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	_, err = st.DB().ExecContext(context.Background(),
		`UPDATE events SET field = 'tampered' WHERE session = ? AND seq = 3`, "s-cycle")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := execute(t, NewReplayCommand(&RootOptions{Format: "text"}), "--db", dbPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✓ Session: s-clean")
	assert.Contains(t, out, "✗ Session: s-cycle")
	assert.Contains(t, out, "does not match content")
	assert.Contains(t, out, "✗ Event log verification failed")
}

func TestReplay_TamperedLogJSON(t *testing.T) {
	dbPath := seedDatabase(t)

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	_, err = st.DB().ExecContext(context.Background(),
		`DELETE FROM events WHERE session = ? AND seq = 1`, "s-clean")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := execute(t, NewReplayCommand(&RootOptions{Format: "json"}), "--db", dbPath, "--session", "s-clean")
	require.Error(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
		Error  CLIError     `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, ErrCodeCorruptLog, resp.Error.Code)
	assert.False(t, resp.Data.AllValid)
	require.Len(t, resp.Data.Sessions, 1)
	assert.Contains(t, resp.Data.Sessions[0].Error, "corrupt event log")
}

func TestCheckRecordedLeaks(t *testing.T) {
	report := arc.LeakReport{Leaked: []ir.NodeID{1, 2}}
	leakEvent := func(leaked ...int64) ir.Event {
		arr := ir.IRArray{}
		for _, id := range leaked {
			arr = append(arr, ir.IRInt(id))
		}
		return ir.Event{Seq: 9, Type: ir.EventLeakReport, Detail: ir.IRObject{"leaked": arr}}
	}

	assert.NoError(t, checkRecordedLeaks(nil, report))
	assert.NoError(t, checkRecordedLeaks([]ir.Event{{Seq: 1, Type: ir.EventAllocate}}, report))
	assert.NoError(t, checkRecordedLeaks([]ir.Event{leakEvent(1, 2)}, report))

	err := checkRecordedLeaks([]ir.Event{leakEvent(1)}, report)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrCorruptLog)
	assert.Contains(t, err.Error(), "recorded leaks [1], rebuilt graph leaks [1,2]")

	missing := ir.Event{Seq: 9, Type: ir.EventLeakReport, Detail: ir.IRObject{}}
	assert.ErrorIs(t, checkRecordedLeaks([]ir.Event{missing}, report), engine.ErrCorruptLog)
}
