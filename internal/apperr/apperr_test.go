package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf_WrappedSentinel(t *testing.T) {
	sentinel := New(KindNotFound, "not found")
	err := fmt.Errorf("%w: room", sentinel)

	require.Equal(t, KindNotFound, KindOf(err))
	require.True(t, errors.Is(err, sentinel))
}

func TestKindOf_Uncategorized(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(nil))
	require.Equal(t, KindInternal, KindOf(errors.New("boom")))
	require.Equal(t, KindTransient, KindOf(fmt.Errorf("query: %w", context.DeadlineExceeded)))
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transient("storage unavailable", cause)

	require.True(t, Retryable(err))
	require.ErrorIs(t, err, cause)
	require.Equal(t, "storage unavailable: connection reset", err.Error())
}

func TestPublicMessage_HidesDetail(t *testing.T) {
	err := fmt.Errorf("%w: room r1 owned by u2", New(KindPermission, "access denied"))
	require.Equal(t, "permission denied", PublicMessage(KindOf(err)))
	require.Equal(t, "internal error", PublicMessage(KindOf(errors.New("pq: relation missing"))))
}
