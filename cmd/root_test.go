//go:build !integration

package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/pipeline"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"run", "stage", "dedup", "status", "reset", "runs", "serve"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "prospect", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunCommand_Flags(t *testing.T) {
	from := runCmd.Flags().Lookup("from")
	require.NotNil(t, from)
	assert.Equal(t, "", from.DefValue)

	limit := runCmd.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "0", limit.DefValue)
}

func TestResetCommand_Flags(t *testing.T) {
	require.NotNil(t, resetCmd.Flags().Lookup("failed"))
	threshold := resetCmd.Flags().Lookup("threshold")
	require.NotNil(t, threshold)
	assert.Equal(t, "3", threshold.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range runsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["show"])
}

func TestStageNames(t *testing.T) {
	assert.Equal(t, []string{"discover", "dedup", "gapfill", "enrich", "extract", "final-filter"}, stageNames())
}

func TestFormatError(t *testing.T) {
	serr := &pipeline.StageError{
		Stage: model.StageEnrich,
		Store: "outputs/enrich.json",
		Err:   errors.New("circuit breaker is open"),
	}
	got := formatError(serr)
	assert.Contains(t, got, "stage enrich failed")
	assert.Contains(t, got, "outputs/enrich.json")
	assert.Contains(t, got, "circuit breaker is open")

	assert.Equal(t, "error: boom", formatError(errors.New("boom")))
}
