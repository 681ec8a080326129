package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const passingScenario = `
name: passing
description: "one node, dropped"
steps:
  - alloc: { name: a }
  - drop: a
assertions:
  - type: deallocated
    names: [a]
`

const failingScenario = `
name: failing
description: "asserts a leak that does not happen"
steps:
  - alloc: { name: a }
  - drop: a
assertions:
  - type: live
    names: [a]
`

func TestFindScenarios(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.yaml"), passingScenario)
	writeFile(t, filepath.Join(dir, "a.yml"), passingScenario)
	writeFile(t, filepath.Join(dir, "nested", "c.cue"), "")
	writeFile(t, filepath.Join(dir, "notes.txt"), "")
	writeFile(t, filepath.Join(dir, "golden", "b.golden"), "")
	writeFile(t, filepath.Join(dir, "golden", "stray.yaml"), "")

	paths, err := FindScenarios(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.yml"),
		filepath.Join(dir, "b.yaml"),
		filepath.Join(dir, "nested", "c.cue"),
	}, paths)

	paths, err = FindScenarios(dir, "b*")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "b.yaml")}, paths)

	_, err = FindScenarios(dir, "[")
	assert.Error(t, err)
}

func TestFindScenarios_MissingDir(t *testing.T) {
	_, err := FindScenarios(filepath.Join(t.TempDir(), "nope"), "")
	assert.Error(t, err)
}

func TestRunSuite(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "passing.yaml"), passingScenario)
	writeFile(t, filepath.Join(dir, "failing.yaml"), failingScenario)
	writeFile(t, filepath.Join(dir, "broken.yaml"), "name: [")

	paths, err := FindScenarios(dir, "")
	require.NoError(t, err)
	require.Len(t, paths, 3)

	suite, err := RunSuite(context.Background(), paths)
	require.NoError(t, err)

	assert.Equal(t, 3, suite.Total)
	assert.Equal(t, 1, suite.Passed)
	assert.Equal(t, 2, suite.Failed)
	require.Len(t, suite.Results, 3)
	require.Len(t, suite.Failures, 2)

	// Sorted: broken, failing, passing.
	assert.Equal(t, filepath.Join(dir, "broken.yaml"), suite.Failures[0].Path)
	assert.Contains(t, suite.Failures[0].Error, "failed to load scenario")
	assert.Equal(t, "failing", suite.Failures[1].Name)
	assert.Contains(t, suite.Failures[1].Error, "not live")
	assert.True(t, suite.Results[2].Pass)
	assert.NotNil(t, suite.Results[2].Result)
}

func TestRunSuite_Testdata(t *testing.T) {
	paths, err := FindScenarios(filepath.Join("testdata", "scenarios"), "")
	require.NoError(t, err)

	suite, err := RunSuite(context.Background(), paths)
	require.NoError(t, err)
	assert.Equal(t, len(paths), suite.Passed, "failures: %v", suite.Failures)
	assert.Empty(t, suite.Failures)
}

func TestRunSuite_Cancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "passing.yaml"), passingScenario)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunSuite(ctx, []string{filepath.Join(dir, "passing.yaml")})
	assert.ErrorIs(t, err, context.Canceled)
}
