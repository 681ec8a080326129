package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const cleanScenario = `name: clean
description: "one node, dropped"
steps:
  - alloc: { name: a, label: Thing }
  - drop: a
assertions:
  - type: deallocated
    names: [a]
  - type: leaks
`

const cycleScenario = `name: cycle
description: "two nodes holding each other strongly"
steps:
  - alloc: { name: person, label: Person }
  - alloc: { name: apartment, label: Apartment }
  - set: { holder: person, field: apartment, target: apartment }
  - set: { holder: apartment, field: tenant, target: person }
  - drop: person
  - drop: apartment
assertions:
  - type: leaks
    cycles:
      - [person, apartment]
`

// failingScenario expects a deallocation that never happens.
const failingScenario = `name: failing
description: "asserts a leaked node was deallocated"
steps:
  - alloc: { name: a }
  - set: { holder: a, field: self, target: a }
  - drop: a
assertions:
  - type: deallocated
    names: [a]
`

const invalidScenario = `name: invalid
description: "drops an undeclared name"
steps:
  - drop: ghost
`

// writeFile writes content to dir/name and returns the path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs cmd with args and returns its stdout. Logs go to a
// separate buffer so JSON output stays parseable.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
