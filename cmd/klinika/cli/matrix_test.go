package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinika/klinika/internal/rbac"
	"github.com/klinika/klinika/jobs"
)

type stubApplier struct {
	calls int
	err   error
}

func (s *stubApplier) ApplyMatrix(ctx context.Context, m rbac.Matrix) (rbac.SyncReport, error) {
	s.calls++
	if s.err != nil {
		return rbac.SyncReport{}, s.err
	}
	var report rbac.SyncReport
	for _, role := range rbac.Roles() {
		if raw, ok := m[role]; ok {
			perms := make([]rbac.Permission, 0, len(raw))
			for _, p := range raw {
				perms = append(perms, rbac.Permission(p))
			}
			report.Results = append(report.Results, rbac.SetResult{Role: role, Granted: rbac.NewPermissionSet(perms...), Dropped: []string{}})
		}
	}
	return report, nil
}

type stubEnqueuer struct {
	payloads []jobs.SyncMatrixPayload
}

func (s *stubEnqueuer) EnqueueSyncMatrix(ctx context.Context, payload jobs.SyncMatrixPayload) (*asynq.TaskInfo, error) {
	s.payloads = append(s.payloads, payload)
	return &asynq.TaskInfo{ID: "t-1", Queue: jobs.QueueDefault}, nil
}

func testCatalog(t *testing.T) *rbac.Catalog {
	t.Helper()
	catalog, err := rbac.NewCatalog([]rbac.Definition{
		{Permission: rbac.PermDashboardView, Description: "dashboard"},
		{Permission: rbac.PermInventoryView, Description: "inventory"},
	})
	require.NoError(t, err)
	return catalog
}

func TestParseMatrixSyncFlags(t *testing.T) {
	opts, err := ParseMatrixSyncFlags([]string{"--dry-run", "--strict", "--json"}, new(bytes.Buffer))
	require.NoError(t, err)
	assert.True(t, opts.DryRun)
	assert.True(t, opts.Strict)
	assert.True(t, opts.JSONOutput)

	_, err = ParseMatrixSyncFlags([]string{"--dry-run", "--enqueue"}, new(bytes.Buffer))
	assert.Error(t, err)
}

func TestSyncCommandAppliesInline(t *testing.T) {
	applier := &stubApplier{}
	matrix := func() rbac.Matrix {
		return rbac.Matrix{rbac.RolePharmacien: {"inventory_view"}}
	}
	cli, err := NewMatrixCLI(applier, nil, testCatalog(t), matrix)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	code := cli.SyncCommand(context.Background(), MatrixSyncOptions{Stdout: stdout, Stderr: new(bytes.Buffer)})
	assert.Equal(t, 0, code)
	assert.Equal(t, 1, applier.calls)
	assert.Contains(t, stdout.String(), "pharmacien")
}

func TestSyncCommandDryRunStrictReportsDropped(t *testing.T) {
	applier := &stubApplier{}
	matrix := func() rbac.Matrix {
		return rbac.Matrix{rbac.RolePharmacien: {"inventory_view", "not_a_real_permission"}}
	}
	cli, err := NewMatrixCLI(applier, nil, testCatalog(t), matrix)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	code := cli.SyncCommand(context.Background(), MatrixSyncOptions{DryRun: true, Strict: true, JSONOutput: true, Stdout: stdout, Stderr: new(bytes.Buffer)})
	assert.Equal(t, 10, code)
	assert.Zero(t, applier.calls)

	var report struct {
		Results []struct {
			Role    string   `json:"role"`
			Granted []string `json:"granted"`
			Dropped []string `json:"dropped"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	require.Len(t, report.Results, 1)
	assert.Equal(t, []string{"inventory_view"}, report.Results[0].Granted)
	assert.Equal(t, []string{"not_a_real_permission"}, report.Results[0].Dropped)
}

func TestSyncCommandEnqueue(t *testing.T) {
	enqueuer := &stubEnqueuer{}
	cli, err := NewMatrixCLI(nil, enqueuer, testCatalog(t), nil)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	code := cli.SyncCommand(context.Background(), MatrixSyncOptions{Enqueue: true, Stdout: stdout, Stderr: new(bytes.Buffer)})
	assert.Equal(t, 0, code)
	require.Len(t, enqueuer.payloads, 1)
	assert.Equal(t, "cli", enqueuer.payloads[0].Reason)
	assert.Contains(t, stdout.String(), "t-1")
}

func TestSyncCommandStoreError(t *testing.T) {
	cli, err := NewMatrixCLI(&stubApplier{err: errors.New("db down")}, nil, testCatalog(t), nil)
	require.NoError(t, err)

	stderr := new(bytes.Buffer)
	code := cli.SyncCommand(context.Background(), MatrixSyncOptions{Stdout: new(bytes.Buffer), Stderr: stderr})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "db down")
}
