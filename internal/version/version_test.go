package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetFallsBackToUnknownWhenNothingSet(t *testing.T) {
	old := version
	version = ""
	defer func() { version = old }()

	info := Get()
	require.Equal(t, "unknown", info.Version)
}

func TestGetPrefersBuildTimeVersion(t *testing.T) {
	oldV, oldB, oldC := version, buildTime, gitCommit
	version = "1.2.3"
	buildTime = "2026-01-01T00:00:00Z"
	gitCommit = "abc1234"
	defer func() { version, buildTime, gitCommit = oldV, oldB, oldC }()

	info := Get()
	require.Equal(t, "1.2.3", info.Version)
	require.Equal(t, "2026-01-01T00:00:00Z", info.BuildTime)
	require.Equal(t, "abc1234", info.GitCommit)
}

func TestStringReturnsVersionOnly(t *testing.T) {
	old := version
	version = "9.9.9"
	defer func() { version = old }()

	require.Equal(t, "9.9.9", String())
}
