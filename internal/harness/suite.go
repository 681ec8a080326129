package harness

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
)

// SuiteResult summarizes a run over many scenario files.
type SuiteResult struct {
	Total    int            `json:"total"`
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Results  []SuiteEntry   `json:"results"`
	Failures []SuiteFailure `json:"failures,omitempty"`
}

// SuiteEntry is the outcome of one scenario file.
type SuiteEntry struct {
	Path   string  `json:"path"`
	Name   string  `json:"name"`
	Pass   bool    `json:"pass"`
	Result *Result `json:"-"`
}

// SuiteFailure represents a scenario that failed to load, run or pass.
type SuiteFailure struct {
	Path  string `json:"path"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error"`
}

// IsScenarioFile reports whether path has a scenario extension.
func IsScenarioFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".cue":
		return true
	}
	return false
}

// FindScenarios walks dir for scenario files, sorted by path. A non-empty
// filter is a glob matched against the file name without its extension.
// Golden directories are skipped.
func FindScenarios(dir, filter string) ([]string, error) {
	if filter != "" {
		if _, err := filepath.Match(filter, ""); err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "golden" && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsScenarioFile(path) {
			return nil
		}
		if filter != "" {
			base := filepath.Base(path)
			name := strings.TrimSuffix(base, filepath.Ext(base))
			if ok, _ := filepath.Match(filter, name); !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

// RunSuite loads and runs every scenario in paths. Load and execution
// failures are recorded per file; only context cancellation aborts the
// suite.
//
// For each path:
//  1. Load the scenario (YAML or CUE)
//  2. Run it in a fresh engine
//  3. Record pass or the failure messages
func RunSuite(ctx context.Context, paths []string, opts ...Option) (*SuiteResult, error) {
	suite := &SuiteResult{Results: []SuiteEntry{}}

	for _, path := range paths {
		suite.Total++

		scenario, err := LoadScenario(path)
		if err != nil {
			suite.fail(SuiteEntry{Path: path}, fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}

		result, err := Run(ctx, scenario, opts...)
		if err != nil {
			if ctx.Err() != nil {
				return suite, ctx.Err()
			}
			suite.fail(SuiteEntry{Path: path, Name: scenario.Name}, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}

		entry := SuiteEntry{Path: path, Name: scenario.Name, Pass: result.Pass, Result: result}
		if !result.Pass {
			suite.fail(entry, strings.Join(result.Errors, "; "))
			continue
		}
		suite.Passed++
		suite.Results = append(suite.Results, entry)
	}
	return suite, nil
}

func (s *SuiteResult) fail(entry SuiteEntry, msg string) {
	entry.Pass = false
	s.Failed++
	s.Results = append(s.Results, entry)
	s.Failures = append(s.Failures, SuiteFailure{Path: entry.Path, Name: entry.Name, Error: msg})
}
