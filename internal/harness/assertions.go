package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/arcsim/internal/dispatch"
	"github.com/roach88/arcsim/internal/engine"
	"github.com/roach88/arcsim/internal/ir"
)

// AssertionContext gives assertions access to the finished run.
type AssertionContext struct {
	Engine *engine.Engine
	Tasks  map[string]*dispatch.Task
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Relevant part of the trace, if any
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nTrace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s", ev.Seq, ev.Type, ev.Node)
			if ev.Field != "" {
				fmt.Fprintf(&buf, " .%s", ev.Field)
			}
			if len(ev.Detail) > 0 {
				fmt.Fprintf(&buf, " %s", ir.Format(ev.Detail))
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %s", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertLive:
		return assertLiveness(result, a, actx, true)
	case AssertDeallocated:
		return assertLiveness(result, a, actx, false)
	case AssertDeallocOrder:
		return assertDeallocOrder(result, a)
	case AssertLeaks:
		return assertLeaks(result, a)
	case AssertObserved:
		return assertObserved(result, a)
	case AssertTaskError:
		return assertTaskError(a, actx)
	case AssertRunOrder:
		return assertRunOrder(result, a, actx)
	case AssertStrongCount:
		return assertStrongCount(result, a, actx)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// resolveName maps a scenario name to its node.
func resolveName(result *Result, name string) (ir.NodeID, error) {
	id, ok := result.Names[name]
	if !ok {
		return ir.None, fmt.Errorf("%q was never bound (did its step fail?)", name)
	}
	return id, nil
}

func assertLiveness(result *Result, a Assertion, actx *AssertionContext, wantLive bool) error {
	var wrong []string
	for _, name := range a.Names {
		id, err := resolveName(result, name)
		if err != nil {
			return err
		}
		if actx.Engine.IsLive(id) != wantLive {
			wrong = append(wrong, name)
		}
	}
	if len(wrong) == 0 {
		return nil
	}
	state := "deallocated"
	if wantLive {
		state = "live"
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%v %s", a.Names, state),
		Actual:   fmt.Sprintf("%v not %s", wrong, state),
		Trace:    filterTrace(result.Trace, ir.EventDeallocate),
	}
}

// assertDeallocOrder checks that the named nodes deallocated in the given
// relative order. Other deallocations may interleave.
func assertDeallocOrder(result *Result, a Assertion) error {
	var actual []string
	want := make(map[ir.NodeID]bool)
	for _, name := range a.Names {
		id, err := resolveName(result, name)
		if err != nil {
			return err
		}
		want[id] = true
	}
	deallocs := filterTrace(result.Trace, ir.EventDeallocate)
	for _, ev := range deallocs {
		if want[ev.Node] {
			actual = append(actual, result.NameOf(ev.Node))
		}
	}
	expected := make([]string, 0, len(a.Names))
	for _, name := range a.Names {
		expected = append(expected, result.NameOf(result.Names[name]))
	}
	if slices.Equal(expected, actual) {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%v", expected),
		Actual:   fmt.Sprintf("%v", actual),
		Trace:    deallocs,
	}
}

func assertLeaks(result *Result, a Assertion) error {
	leaked, err := resolveSorted(result, a.Leaked)
	if err != nil {
		return err
	}
	cycles := make([][]ir.NodeID, 0, len(a.Cycles))
	for _, names := range a.Cycles {
		ids, err := resolveSorted(result, names)
		if err != nil {
			return err
		}
		cycles = append(cycles, ids)
	}
	slices.SortFunc(cycles, func(x, y []ir.NodeID) int {
		return slices.Compare(x, y)
	})

	report := result.Leaks
	if len(a.Leaked) == 0 {
		// Only cycles given: every node on them must be leaked.
		for _, c := range cycles {
			leaked = append(leaked, c...)
		}
		slices.Sort(leaked)
		leaked = slices.Compact(leaked)
	}
	if slices.Equal(leaked, report.Leaked) && slices.EqualFunc(cycles, report.Cycles, slices.Equal[[]ir.NodeID]) {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: describeLeaks(result, leaked, cycles),
		Actual:   describeLeaks(result, report.Leaked, report.Cycles),
	}
}

func resolveSorted(result *Result, names []string) ([]ir.NodeID, error) {
	ids := make([]ir.NodeID, 0, len(names))
	for _, name := range names {
		id, err := resolveName(result, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func describeLeaks(result *Result, leaked []ir.NodeID, cycles [][]ir.NodeID) string {
	if len(leaked) == 0 {
		return "no leaks"
	}
	names := func(ids []ir.NodeID) []string {
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			out = append(out, result.NameOf(id))
		}
		return out
	}
	var cs [][]string
	for _, c := range cycles {
		cs = append(cs, names(c))
	}
	return fmt.Sprintf("leaked %v cycles %v", names(leaked), cs)
}

// assertObserved checks the sequence of values observed under a name.
// A null expectation matches an absent or null observation.
func assertObserved(result *Result, a Assertion) error {
	var actual []ir.IRValue
	var matched []TraceEvent
	for _, ev := range result.Trace {
		if ev.Type != string(ir.EventObserve) || ev.Field != a.Name {
			continue
		}
		matched = append(matched, ev)
		actual = append(actual, observedValue(ev.Detail))
	}

	expected := make([]ir.IRValue, 0, len(a.Values))
	for _, v := range a.Values {
		if v == nil {
			expected = append(expected, nil)
			continue
		}
		iv, err := ir.FromAny(v)
		if err != nil {
			return fmt.Errorf("observed %s: %w", a.Name, err)
		}
		expected = append(expected, iv)
	}

	if observationsEqual(expected, actual) {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%s observed %s", a.Name, formatValues(expected)),
		Actual:   fmt.Sprintf("%s observed %s", a.Name, formatValues(actual)),
		Trace:    matched,
	}
}

func observedValue(detail ir.IRObject) ir.IRValue {
	if v, ok := detail["value"]; ok {
		return v
	}
	if v, ok := detail["repr"]; ok {
		return v
	}
	return nil
}

func observationsEqual(expected, actual []ir.IRValue) bool {
	if len(expected) != len(actual) {
		return false
	}
	for i := range expected {
		if expected[i] == nil || actual[i] == nil {
			if expected[i] != nil || actual[i] != nil {
				return false
			}
			continue
		}
		want, err1 := ir.MarshalCanonical(expected[i])
		got, err2 := ir.MarshalCanonical(actual[i])
		if err1 != nil || err2 != nil || string(want) != string(got) {
			return false
		}
	}
	return true
}

func formatValues(vs []ir.IRValue) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, ir.Format(v))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func assertTaskError(a Assertion, actx *AssertionContext) error {
	task, ok := actx.Tasks[a.Task]
	if !ok {
		return fmt.Errorf("task %q was never submitted", a.Task)
	}
	want := ir.TaskCompleted
	if a.Code != "" {
		want = ir.TaskFailed
	}
	got := engine.Classify(task.Err())
	if task.State() == want && string(got) == a.Code {
		return nil
	}
	expected := "completed"
	if a.Code != "" {
		expected = "failed with " + a.Code
	}
	actual := strings.ToLower(string(task.State()))
	if got != "" {
		actual += " with " + string(got)
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("task %s %s", a.Task, expected),
		Actual:   fmt.Sprintf("task %s %s", a.Task, actual),
	}
}

// assertRunOrder checks that the named tasks started in the given order.
func assertRunOrder(result *Result, a Assertion, actx *AssertionContext) error {
	byID := make(map[string]string, len(actx.Tasks))
	for name, t := range actx.Tasks {
		byID[t.ID()] = name
	}
	want := make(map[string]bool, len(a.Tasks))
	for _, name := range a.Tasks {
		want[name] = true
	}

	var actual []string
	runs := filterTrace(result.Trace, ir.EventTaskRun)
	for _, ev := range runs {
		if name := byID[ev.Task]; want[name] {
			actual = append(actual, name)
		}
	}
	if slices.Equal(a.Tasks, actual) {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%v", a.Tasks),
		Actual:   fmt.Sprintf("%v", actual),
		Trace:    runs,
	}
}

func assertStrongCount(result *Result, a Assertion, actx *AssertionContext) error {
	id, err := resolveName(result, a.Name)
	if err != nil {
		return err
	}
	info, ok := actx.Engine.Snapshot().Node(id)
	if !ok {
		return fmt.Errorf("%q is not in the heap", a.Name)
	}
	if info.Strong == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%s strong count %d", a.Name, a.Count),
		Actual:   fmt.Sprintf("%s strong count %d", a.Name, info.Strong),
	}
}

func filterTrace(trace []TraceEvent, typ ir.EventType) []TraceEvent {
	var out []TraceEvent
	for _, ev := range trace {
		if ev.Type == string(typ) {
			out = append(out, ev)
		}
	}
	return out
}
