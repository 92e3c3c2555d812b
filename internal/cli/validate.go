package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/sift/internal/harness"
	"github.com/roach88/sift/internal/loader"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Scenarios bool // validate scenario files instead of message files
}

// ValidationError is one problem found by validate.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Files    int               `json:"files"`
	Messages int               `json:"messages"`
	Errors   []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <file|dir>...",
		Short: "Check config and input files without sending anything",
		Long: `Check the configuration and parse input files without starting a runtime.

Message files are decoded exactly as run would decode them. With
--scenarios the files are decoded and checked as scenarios instead.
Every problem is reported, not only the first.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Scenarios, "scenarios", false, "validate scenario files")

	return cmd
}

func runValidate(opts *ValidateOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	result := ValidationResult{}
	if _, err := loadConfig(opts.RootOptions, cmd); err != nil {
		result.Errors = append(result.Errors, ValidationError{Code: ErrCodeInvalid, Message: err.Error()})
	}

	for _, arg := range args {
		files, err := expand(arg)
		if err != nil {
			result.Errors = append(result.Errors, toValidationError(arg, err))
			continue
		}
		for _, f := range files {
			formatter.VerboseLog("Validating %s", f)
			result.Files++
			n, err := validateFile(f, opts.Scenarios)
			if err != nil {
				result.Errors = append(result.Errors, toValidationError(f, err))
				continue
			}
			result.Messages += n
		}
	}

	result.Valid = len(result.Errors) == 0
	if result.Valid {
		if opts.Format == "json" {
			return formatter.Success(result)
		}
		return formatter.Success(fmt.Sprintf("✓ %d file(s), %d message(s) valid", result.Files, result.Messages))
	}
	return outputValidationErrors(formatter, result)
}

// expand returns path itself, or every supported file below it.
func expand(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &loader.LoadError{Code: loader.ErrCodeNotFound, Message: fmt.Sprintf("not found: %s", path)}
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	files, err := loader.FindFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, &loader.LoadError{Code: loader.ErrCodeNoFiles, Message: fmt.Sprintf("no files found in %s", path)}
	}
	return files, nil
}

// validateFile returns the number of messages (or steps' messages, for
// scenarios) in path.
func validateFile(path string, scenario bool) (int, error) {
	if !scenario {
		msgs, err := loader.LoadFile(path)
		return len(msgs), err
	}
	s, err := harness.LoadScenario(path)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, step := range s.Steps {
		n += len(step.Send)
	}
	return n, nil
}

func toValidationError(file string, err error) ValidationError {
	var loadErr *loader.LoadError
	if errors.As(err, &loadErr) {
		line := 0
		if loadErr.Pos.IsValid() {
			line = loadErr.Pos.Line()
		}
		return ValidationError{File: file, Code: loadErr.Code, Message: loadErr.Message, Line: line}
	}
	return ValidationError{File: file, Code: ErrCodeInvalid, Message: err.Error()}
}

// outputValidationErrors reports every error and fails with exit code 1.
func outputValidationErrors(f *OutputFormatter, result ValidationResult) error {
	msg := fmt.Sprintf("%d validation error(s)", len(result.Errors))
	if f.Format == "json" {
		if err := f.Error(result.Errors[0].Code, msg, result.Errors); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}

	for _, e := range result.Errors {
		loc := e.File
		if e.Line > 0 {
			loc = fmt.Sprintf("%s:%d", e.File, e.Line)
		}
		if loc == "" {
			loc = "config"
		}
		fmt.Fprintf(f.Writer, "✗ %s [%s] %s\n", loc, e.Code, e.Message)
	}
	return NewExitError(ExitFailure, msg)
}
