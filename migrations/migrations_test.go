package migrations

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseGooseMigrationReturnsFullContentWithoutMarkers(t *testing.T) {
	sql := "CREATE TABLE foo (id INT);"
	out, err := parseGooseMigration([]byte(sql))
	require.NoError(t, err)
	require.Equal(t, sql, out)
}

func TestParseGooseMigrationExtractsUpSection(t *testing.T) {
	content := "-- +goose Up\nCREATE TABLE foo (id INT);\n-- +goose Down\nDROP TABLE foo;\n"
	out, err := parseGooseMigration([]byte(content))
	require.NoError(t, err)
	require.Equal(t, "CREATE TABLE foo (id INT);\n", out)
}

func TestParseGooseMigrationWithoutDownMarkerReturnsRestOfFile(t *testing.T) {
	content := "-- +goose Up\nCREATE TABLE foo (id INT);\n"
	out, err := parseGooseMigration([]byte(content))
	require.NoError(t, err)
	require.Equal(t, "CREATE TABLE foo (id INT);\n", out)
}
