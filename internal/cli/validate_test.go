package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cueScenario = `
name:        "from_cue"
description: "authored in CUE"
steps: [
	{alloc: {name: "a"}},
	{drop: "a"},
]
assertions: [{type: "deallocated", names: ["a"]}]
`

func TestValidate_ValidFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "clean.yaml", cleanScenario)

	out, err := execute(t, NewValidateCommand(&RootOptions{Format: "text"}), path)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ 1 scenario(s) valid")
}

func TestValidate_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "clean.yaml", cleanScenario)
	writeFile(t, dir, "nested/cycle.yml", cycleScenario)
	writeFile(t, dir, "from_cue.cue", cueScenario)
	writeFile(t, dir, "notes.txt", "not a scenario")

	out, err := execute(t, NewValidateCommand(&RootOptions{Format: "json"}), dir)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.ElementsMatch(t, []string{"clean", "cycle", "from_cue"}, resp.Data.Scenarios)
}

func TestValidate_InvalidScenario(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "clean.yaml", cleanScenario)
	bad := writeFile(t, dir, "invalid.yaml", invalidScenario)

	out, err := execute(t, NewValidateCommand(&RootOptions{Format: "text"}), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ "+bad)
	assert.Contains(t, out, `"ghost" is not declared`)
	assert.Contains(t, out, "1 valid, 1 invalid")
}

func TestValidate_InvalidScenarioJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "broken.yaml", "name: [unterminated\n")

	out, err := execute(t, NewValidateCommand(&RootOptions{Format: "json"}), path)
	require.Error(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  CLIError         `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeLoadFailed, resp.Error.Code)
	require.Len(t, resp.Data.Errors, 1)
	assert.Equal(t, path, resp.Data.Errors[0].Path)
	assert.Equal(t, ErrCodeLoadFailed, resp.Data.Errors[0].Code)
}

func TestValidate_PathErrors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
		code string
	}{
		{"missing path", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope") }, ErrCodeNotFound},
		{"empty directory", func(t *testing.T) string { return t.TempDir() }, ErrCodeNoFiles},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, NewValidateCommand(&RootOptions{Format: "json"}), tt.path(t))
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))

			var resp CLIResponse
			require.NoError(t, json.Unmarshal([]byte(out), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestLoadError_Format(t *testing.T) {
	assert.Equal(t, "a.yaml: E004: bad", (&LoadError{Code: ErrCodeLoadFailed, Message: "bad", Path: "a.yaml"}).Error())
	assert.Equal(t, "E005: path not found: x", (&LoadError{Code: ErrCodeNotFound, Message: "path not found: x"}).Error())
}
