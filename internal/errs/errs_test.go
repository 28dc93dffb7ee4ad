package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapPreservesUnderlying(t *testing.T) {
	base := fmt.Errorf("disk full")
	wrapped := Wrap(base, DiffFailed, "failed to compute diff")

	require.Equal(t, DiffFailed, wrapped.Code)
	require.ErrorIs(t, wrapped, base)
}

func TestWrapNilReturnsNil(t *testing.T) {
	require.Nil(t, Wrap(nil, DiffFailed, "unused"))
}

func TestIsMatchesCode(t *testing.T) {
	err := New(SchedulerDrained, "admission after drain")
	require.True(t, Is(err, SchedulerDrained))
	require.False(t, Is(err, AgentFailed))
}

func TestCodeOfDefaultsToInternal(t *testing.T) {
	require.Equal(t, Internal, CodeOf(fmt.Errorf("plain error")))
}

func TestWithContextChaining(t *testing.T) {
	err := New(WorktreeCreateFailed, "path exists").
		WithContext("path", "/tmp/wt").
		WithRetryable(false).
		WithUserMessage("could not create worktree")

	require.Equal(t, "/tmp/wt", err.Context["path"])
	require.Contains(t, err.Error(), "path exists")
	require.Contains(t, err.Error(), "/tmp/wt")
}
