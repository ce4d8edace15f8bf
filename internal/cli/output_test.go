package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/localstore/internal/dberr"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]int{"version": 14}, func(w io.Writer) {
		fmt.Fprintln(w, "never printed")
	})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"version": float64(14)}, resp.Data)
	assert.NotContains(t, buf.String(), "never printed")
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	cause := dberr.New(dberr.CodeTimeout, "wait for ready", "database not ready after 8s")
	require.NoError(t, formatter.Error(WrapExitError(ExitFailure, "database not ready", cause)))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "TIMEOUT", resp.Error.Code)
	assert.Equal(t, "wait for ready", resp.Error.Op)
	assert.Equal(t, ExitFailure, resp.Error.ExitCode)
	assert.Contains(t, resp.Error.Message, "database not ready")
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	require.NoError(t, formatter.Success("plain value", nil))
	assert.Equal(t, "plain value\n", buf.String())

	buf.Reset()
	require.NoError(t, formatter.Success(42, func(w io.Writer) {
		fmt.Fprintln(w, "custom rendering")
	}))
	assert.Equal(t, "custom rendering\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	cause := WrapExitError(ExitFailure, "import failed", dberr.New(dberr.CodeValidation, "validate snapshot", "missing _metadata"))
	tests := []struct {
		name    string
		verbose bool
		want    string
	}{
		{"quiet", false, "Error [VALIDATION]: import failed: validate snapshot: missing _metadata\n"},
		{"verbose", true, "Error [VALIDATION] in validate snapshot: import failed: validate snapshot: missing _metadata\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: tt.verbose}

			require.NoError(t, formatter.Error(cause))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestOutputFormatter_PlainError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

	require.NoError(t, formatter.Error(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, "Error [ERROR]: bad flag\n", buf.String())
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "open", errors.New("inner")))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Equal(t, "outer: open: inner", wrapped.Error())
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "TIMEOUT", ErrorCode(WrapExitError(ExitFailure, "wait", dberr.New(dberr.CodeTimeout, "wait", "too slow"))))
	assert.Equal(t, "ERROR", ErrorCode(errors.New("plain")))
}
