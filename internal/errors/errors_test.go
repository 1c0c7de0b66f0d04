package errors

import (
	stderrors "errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesUnderlyingError(t *testing.T) {
	err := Wrap(fs.ErrPermission, CodePrivilegedInstall, "installing credential")

	assert.True(t, stderrors.Is(err, fs.ErrPermission))
	assert.True(t, Is(err, CodePrivilegedInstall))
	assert.False(t, Is(err, CodeLaunch))
	assert.Contains(t, err.Error(), "installing credential")
}

func TestCode(t *testing.T) {
	assert.Equal(t, CodeRegistration, Code(New(CodeRegistration, "empty directory")))
	assert.Equal(t, CodeOperationFailed, Code(stderrors.New("plain")))

	// Code looks through wrapping layers.
	wrapped := OperationFailed("outer", New(CodeLaunch, "inner"))
	assert.Equal(t, CodeOperationFailed, Code(wrapped))
	assert.True(t, Is(stderrors.Join(New(CodeLaunch, "inner")), CodeLaunch))
}

func TestWithContext(t *testing.T) {
	err := New(CodeLaunch, "engine exited non-zero").
		WithContext("exitCode", 137)
	assert.Equal(t, 137, err.Context["exitCode"])
}
