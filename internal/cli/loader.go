package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/roach88/arcsim/internal/arc"
	"github.com/roach88/arcsim/internal/harness"
	"github.com/roach88/arcsim/internal/ir"
)

// Error codes for CLI responses.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No scenario files found
	ErrCodeLoadFailed  = "E004" // Scenario parse or validation failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeStoreFailed = "E006" // Database open or read failed
	ErrCodeWriteFailed = "E007" // File write error

	ErrCodeScenarioFailed = "E_SCENARIO_FAILED"
	ErrCodeTestFailed     = "E_TEST_FAILED"
	ErrCodeLeaks          = "E_LEAKS"
	ErrCodeCorruptLog     = "E_CORRUPT_LOG"
)

// LoadError represents an error that occurred while loading scenarios.
type LoadError struct {
	Code    string
	Message string
	Path    string
}

func (e *LoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadedScenario is a scenario file that parsed and validated.
type LoadedScenario struct {
	Path     string
	Scenario *harness.Scenario
}

// LoadScenarios loads one scenario file, or every scenario under a
// directory. Per-file failures are collected; a missing path or an empty
// directory is returned as the only error with a nil result.
func LoadScenarios(path string) ([]LoadedScenario, []error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("path not found: %s", path)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing path: %v", err)}}
	}

	files := []string{path}
	if info.IsDir() {
		files, err = harness.FindScenarios(path, "")
		if err != nil {
			return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
		}
		if len(files) == 0 {
			return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no scenario files found in %s", path)}}
		}
	}

	loaded := make([]LoadedScenario, 0, len(files))
	var errs []error
	for _, file := range files {
		s, err := harness.LoadScenario(file)
		if err != nil {
			errs = append(errs, &LoadError{Code: ErrCodeLoadFailed, Message: err.Error(), Path: file})
			continue
		}
		loaded = append(loaded, LoadedScenario{Path: file, Scenario: s})
	}
	return loaded, errs
}

// loadOne loads a single scenario file for the run and leaks commands.
func loadOne(path string) (*harness.Scenario, error) {
	loaded, errs := LoadScenarios(path)
	if len(errs) > 0 {
		return nil, WrapExitError(ExitCommandError, "failed to load scenario", errs[0])
	}
	if len(loaded) != 1 {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("expected one scenario file, found %d in %s", len(loaded), path))
	}
	return loaded[0].Scenario, nil
}

// NamedLeaks is a leak report with scenario names in place of node ids.
type NamedLeaks struct {
	Leaked   []string   `json:"leaked"`
	Cycles   [][]string `json:"cycles"`
	Retained []string   `json:"retained"`
}

func namedLeaks(result *harness.Result, report arc.LeakReport) NamedLeaks {
	names := func(ids []ir.NodeID) []string {
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			out = append(out, result.NameOf(id))
		}
		return out
	}
	cycles := make([][]string, 0, len(report.Cycles))
	for _, c := range report.Cycles {
		cycles = append(cycles, names(c))
	}
	return NamedLeaks{
		Leaked:   names(report.Leaked),
		Cycles:   cycles,
		Retained: names(report.Retained),
	}
}

// formatEvent renders one event as a timeline line:
//
//	[7] deallocate #1 {"label":"ViewController"}
func formatEvent(seq int64, typ string, node, target ir.NodeID, field, kind, task, queue string, detail ir.IRObject) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s", seq, typ)
	if node != ir.None {
		fmt.Fprintf(&b, " %s", node)
	}
	if field != "" {
		fmt.Fprintf(&b, " .%s", field)
	}
	if target != ir.None {
		fmt.Fprintf(&b, " -> %s", target)
	}
	if kind != "" {
		fmt.Fprintf(&b, " (%s)", kind)
	}
	if task != "" {
		fmt.Fprintf(&b, " %s@%s", task, queue)
	}
	if len(detail) > 0 {
		fmt.Fprintf(&b, " %s", ir.Format(detail))
	}
	return b.String()
}

func formatTraceEvent(ev harness.TraceEvent) string {
	return formatEvent(ev.Seq, ev.Type, ev.Node, ev.Target, ev.Field, ev.Kind, ev.Task, ev.Queue, ev.Detail)
}

func formatStoredEvent(ev ir.Event) string {
	return formatEvent(ev.Seq, string(ev.Type), ev.Node, ev.Target, ev.Field, ev.Kind, ev.Task, ev.Queue, ev.Detail)
}
