package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SQLiteDefaultsToOutputDir(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(context.Background(), Config{}, dir)
	require.NoError(t, err)
	defer l.Close() //nolint:errcheck

	_, err = os.Stat(filepath.Join(dir, "prospect.db"))
	assert.NoError(t, err)

	run, err := l.StartRun(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "postgres"}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url")

	_, err = Open(context.Background(), Config{Driver: "mysql"}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}

func TestLimitOrDefault(t *testing.T) {
	assert.Equal(t, 50, limitOrDefault(0))
	assert.Equal(t, 50, limitOrDefault(-3))
	assert.Equal(t, 7, limitOrDefault(7))
}
