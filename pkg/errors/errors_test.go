package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppErrorMessageIncludesInternal(t *testing.T) {
	base := stderrors.New("dial tcp: connection refused")
	err := ErrHistoryStatus.WithInternal(base)

	require.Contains(t, err.Error(), "unexpected status")
	require.Contains(t, err.Error(), "connection refused")
	require.ErrorIs(t, err, base)
}

func TestSentinelMatchingSurvivesWithInternal(t *testing.T) {
	err := ErrFetchInFlight.WithInternal(stderrors.New("page 3"))
	require.ErrorIs(t, err, ErrFetchInFlight)

	wrapped := fmt.Errorf("store: fetch page: %w", err)
	require.ErrorIs(t, wrapped, ErrFetchInFlight)
	require.NotErrorIs(t, wrapped, ErrCredentialMissing)
}

func TestFromError(t *testing.T) {
	require.Nil(t, FromError(nil))

	appErr := FromError(ErrMalformedFrame)
	require.Equal(t, "MALFORMED_FRAME", appErr.Code)

	generic := FromError(stderrors.New("boom"))
	require.Equal(t, "INTERNAL_ERROR", generic.Code)
	require.Contains(t, generic.Error(), "boom")
}
