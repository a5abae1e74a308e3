package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToInfoForUnknownLevel(t *testing.T) {
	logger := New("bogus")
	require.True(t, logger.Enabled(nil, 0))
	require.False(t, logger.Enabled(nil, -4))
}

func TestNewHonorsDebugLevel(t *testing.T) {
	logger := New("debug")
	require.True(t, logger.Enabled(nil, -4))
}
