package dberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := Newf(CodeNotFound, "get file", "file %q not found", "f1")
	wrapped := fmt.Errorf("load avatar: %w", err)

	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.True(t, IsNotFound(wrapped))
	assert.False(t, errors.Is(wrapped, ErrValidation))
	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
}

func TestError_Message(t *testing.T) {
	cause := errors.New("disk full")

	assert.Equal(t, "commit: disk full", Wrap(CodeTransaction, "commit", cause).Error())
	assert.Equal(t, "open: bad: disk full", (&Error{Code: CodeConnection, Op: "open", Message: "bad", Err: cause}).Error())
	assert.Equal(t, "TIMEOUT", (&Error{Code: CodeTimeout}).Error())
}

func TestWrap_NilPassesThrough(t *testing.T) {
	require.NoError(t, Wrap(CodeTransaction, "commit", nil))
}

func TestWrap_UnwrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(CodeUpgrade, "upgrade", cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrUpgrade))
	assert.Equal(t, Code(""), CodeOf(cause))
}
