package instances

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePgError struct{ state string }

func (e fakePgError) Error() string    { return "pg error " + e.state }
func (e fakePgError) SQLState() string { return e.state }

func TestIsUniqueViolationMatchesSQLState23505(t *testing.T) {
	require.True(t, isUniqueViolation(fakePgError{state: "23505"}))
	require.False(t, isUniqueViolation(fakePgError{state: "23502"}))
	require.False(t, isUniqueViolation(errors.New("plain error")))
}
