package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/localstore/internal/dberr"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (timeout, partial import, upgrade error, etc.)
	ExitCommandError = 2 // Command error (bad flags, unreadable files, invalid config, etc.)
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
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

// GetExitCode extracts the exit code from an error, ExitFailure by default.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// ErrorCode names an error for output: the dberr code when there is one,
// else "ERROR".
func ErrorCode(err error) string {
	if code := dberr.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}

// OutputFormatter renders command results as text or a JSON envelope.
type OutputFormatter struct {
	Format  string
	Writer  io.Writer
	Verbose bool
}

// CLIResponse is the JSON envelope written by every command.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError describes a failed command.
type CLIError struct {
	Code     string `json:"code"` // dberr code such as "TIMEOUT", or "ERROR"
	Message  string `json:"message"`
	Op       string `json:"op,omitempty"`
	ExitCode int    `json:"exitCode"`
}

// Success writes data as JSON, or calls text. A nil text prints data with
// fmt.Println.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	if text == nil {
		_, err := fmt.Fprintln(f.Writer, data)
		return err
	}
	text(f.Writer)
	return nil
}

// Error writes err with its dberr code and exit code. The failing storage
// operation is shown in JSON always and in text only when verbose.
func (f *OutputFormatter) Error(err error) error {
	ce := &CLIError{
		Code:     ErrorCode(err),
		Message:  err.Error(),
		ExitCode: GetExitCode(err),
	}
	var de *dberr.Error
	if errors.As(err, &de) {
		ce.Op = de.Op
	}
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "error", Error: ce})
	}
	if f.Verbose && ce.Op != "" {
		_, werr := fmt.Fprintf(f.Writer, "Error [%s] in %s: %s\n", ce.Code, ce.Op, ce.Message)
		return werr
	}
	_, werr := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", ce.Code, ce.Message)
	return werr
}
