package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ValidationError is one scenario file that failed to load.
type ValidationError struct {
	Path    string `json:"path,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	Scenarios []string          `json:"scenarios"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate scenarios without running them",
		Long: `Parse and validate a scenario file, or every scenario under a directory,
without executing it. Checks syntax, unknown keys, name declarations,
relation and capture kinds, error codes and assertion shapes.

Exit codes:
  0 - All scenarios are valid
  1 - One or more scenarios are invalid
  2 - Command error (path not found, no scenarios)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	loaded, loadErrors := LoadScenarios(path)

	// Handle load errors (path not found, no files, etc.)
	if loaded == nil && len(loadErrors) > 0 {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message)
		}
		return outputValidateError(formatter, ErrCodeGeneric, loadErrors[0].Error())
	}

	result := ValidationResult{
		Valid:     len(loadErrors) == 0,
		Scenarios: make([]string, 0, len(loaded)),
	}
	for _, l := range loaded {
		formatter.VerboseLog("valid: %s (%s)", l.Path, l.Scenario.Name)
		result.Scenarios = append(result.Scenarios, l.Scenario.Name)
	}
	for _, err := range loadErrors {
		ve := ValidationError{Code: ErrCodeGeneric, Message: err.Error()}
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			ve = ValidationError{Path: loadErr.Path, Code: loadErr.Code, Message: loadErr.Message}
		}
		result.Errors = append(result.Errors, ve)
	}

	if formatter.IsJSON() {
		if result.Valid {
			return formatter.Success(result)
		}
		if err := formatter.Failure(ErrCodeLoadFailed, fmt.Sprintf("%d scenario(s) invalid", len(result.Errors)), result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "validation failed")
	}

	w := cmd.OutOrStdout()
	for _, ve := range result.Errors {
		fmt.Fprintf(w, "✗ %s\n  %s\n", ve.Path, ve.Message)
	}
	if !result.Valid {
		fmt.Fprintf(w, "\n%d valid, %d invalid\n", len(result.Scenarios), len(result.Errors))
		return NewExitError(ExitFailure, "validation failed")
	}
	fmt.Fprintf(w, "✓ %d scenario(s) valid\n", len(result.Scenarios))
	return nil
}

// outputValidateError reports a failure that prevented validation from
// starting, and exits with ExitCommandError.
func outputValidateError(formatter *OutputFormatter, code, message string) error {
	if err := formatter.Error(code, message, nil); err != nil {
		return err
	}
	return NewExitError(ExitCommandError, message)
}
