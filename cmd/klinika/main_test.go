package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinika/klinika/cmd/klinika/cli"
	"github.com/klinika/klinika/internal/rbac"
)

// The preview runs without config, Postgres or Redis.
func TestMatrixPreviewNeedsNoBackends(t *testing.T) {
	t.Setenv("SESSION_SECRET", "")
	t.Setenv("PG_DSN", "postgres://nobody@127.0.0.1:1/none")

	stdout := new(bytes.Buffer)
	code := runMatrixPreview(context.Background(), cli.MatrixSyncOptions{
		DryRun:     true,
		Strict:     true,
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     new(bytes.Buffer),
	})
	require.Equal(t, 0, code)

	var report rbac.SyncReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	assert.Len(t, report.Results, len(rbac.DefaultMatrix()))
}
