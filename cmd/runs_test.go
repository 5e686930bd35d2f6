//go:build !integration

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/prospect-cli/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	finished := now.Add(2 * time.Minute)
	runs := []model.Run{
		{
			ID:         "abc12345-6789-0000-0000-000000000000",
			Status:     model.RunStatusComplete,
			StartedAt:  now,
			FinishedAt: &finished,
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Status:    model.RunStatusRunning,
			StartedAt: now.Add(-1 * time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "2m0s")
	assert.Contains(t, output, "running")
	assert.Contains(t, output, "2026-03-01 10:30")
}

func TestFormatRunsList_LongError(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	runs := []model.Run{{
		ID:        "x",
		Status:    model.RunStatusFailed,
		StartedAt: now,
		Error:     strings.Repeat("e", 100),
	}}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)
	assert.Contains(t, buf.String(), strings.Repeat("e", 57)+"...")
	assert.NotContains(t, buf.String(), strings.Repeat("e", 58))
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
	assert.Equal(t, "", truncateID(""))
}
