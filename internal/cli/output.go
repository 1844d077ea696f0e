package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/fkg/internal/model"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Rejected input or a failed pull
	ExitCommandError = 2 // Command error (bad config, unreadable paths, store failures)
)

// Error codes reported in CLI output.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeUsage       = "E002" // Invalid flags or arguments
	ErrCodeConfig      = "E003" // Config load or save failed
	ErrCodeNotFound    = "E005" // Path or remote not found
	ErrCodeStore       = "E006" // Store open or query failed
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeSnapshot    = "E010" // Snapshot rejected by the decode pipeline
	ErrCodeRecord      = "E011" // Record rejected by identity or schema checks
	ErrCodePull        = "E020" // One or more pulls failed
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// ErrorDetail is the JSON form of one model.Error.
type ErrorDetail struct {
	Kind       model.ErrorKind   `json:"kind"`
	Message    string            `json:"message"`
	File       string            `json:"file,omitempty"`
	Line       int               `json:"line,omitempty"`
	RecordID   string            `json:"record_id,omitempty"`
	Violations []model.Violation `json:"violations,omitempty"`
}

// errorDetails flattens err into one ErrorDetail per model.Error it holds.
// Errors outside the model taxonomy yield nil.
func errorDetails(err error) []ErrorDetail {
	var list model.ErrorList
	if !errors.As(err, &list) {
		var e *model.Error
		if !errors.As(err, &e) {
			return nil
		}
		list = model.ErrorList{e}
	}
	out := make([]ErrorDetail, len(list))
	for i, e := range list {
		out[i] = ErrorDetail{
			Kind:       e.Kind,
			Message:    e.Message,
			File:       e.File,
			Line:       e.Line,
			RecordID:   e.RecordID,
			Violations: e.Violations,
		}
	}
	return out
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	// Human-readable text output
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	// Human-readable error
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err under code and returns the ExitError the command should
// return. Model errors are listed one per line in text mode.
func (f *OutputFormatter) Fail(exitCode int, code, message string, err error) error {
	details := errorDetails(err)
	if f.Format == "json" {
		var payload any
		if details != nil {
			payload = details
		} else if err != nil {
			payload = err.Error()
		}
		_ = f.Error(code, message, payload)
		return WrapExitError(exitCode, fmt.Sprintf("%s: %s", code, message), err)
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	switch {
	case details != nil:
		for _, d := range details {
			fmt.Fprintf(f.Writer, "  %s\n", formatDetail(d))
		}
	case err != nil:
		fmt.Fprintf(f.Writer, "  %v\n", err)
	}
	return WrapExitError(exitCode, fmt.Sprintf("%s: %s", code, message), err)
}

func formatDetail(d ErrorDetail) string {
	s := string(d.Kind) + ": " + d.Message
	switch {
	case d.File != "" && d.Line > 0:
		s += fmt.Sprintf(" (%s:%d)", d.File, d.Line)
	case d.File != "":
		s += fmt.Sprintf(" (%s)", d.File)
	}
	if d.RecordID != "" {
		s += " [" + d.RecordID + "]"
	}
	for _, v := range d.Violations {
		s += "; " + v.String()
	}
	return s
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
