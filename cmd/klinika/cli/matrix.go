package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/hibiken/asynq"

	"github.com/klinika/klinika/internal/rbac"
	"github.com/klinika/klinika/jobs"
)

// MatrixApplier writes a declared matrix to the store.
type MatrixApplier interface {
	ApplyMatrix(ctx context.Context, m rbac.Matrix) (rbac.SyncReport, error)
}

// SyncEnqueuer hands a matrix sync to the worker.
type SyncEnqueuer interface {
	EnqueueSyncMatrix(ctx context.Context, payload jobs.SyncMatrixPayload) (*asynq.TaskInfo, error)
}

// MatrixSyncOptions defines available flags for the sync-matrix command.
type MatrixSyncOptions struct {
	Enqueue    bool
	DryRun     bool
	Strict     bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ParseMatrixSyncFlags parses sync-matrix arguments.
func ParseMatrixSyncFlags(args []string, stderr io.Writer) (MatrixSyncOptions, error) {
	var opts MatrixSyncOptions
	fs := flag.NewFlagSet("sync-matrix", flag.ContinueOnError)
	if stderr != nil {
		fs.SetOutput(stderr)
	}
	fs.BoolVar(&opts.Enqueue, "enqueue", false, "hand the sync to the worker instead of running it inline")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "report what would be written without touching the store")
	fs.BoolVar(&opts.Strict, "strict", false, "exit 10 when declared identifiers are not in the catalog")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return MatrixSyncOptions{}, err
	}
	if opts.Enqueue && opts.DryRun {
		return MatrixSyncOptions{}, errors.New("sync-matrix: --enqueue and --dry-run are exclusive")
	}
	return opts, nil
}

// MatrixCLI exposes the matrix synchronization as an operator command.
type MatrixCLI struct {
	applier  MatrixApplier
	enqueuer SyncEnqueuer
	catalog  *rbac.Catalog
	matrix   func() rbac.Matrix
}

// NewMatrixCLI wires the command. enqueuer may be nil when --enqueue is unused.
func NewMatrixCLI(applier MatrixApplier, enqueuer SyncEnqueuer, catalog *rbac.Catalog, matrix func() rbac.Matrix) (*MatrixCLI, error) {
	if catalog == nil {
		return nil, errors.New("sync-matrix: catalog is required")
	}
	if matrix == nil {
		matrix = rbac.DefaultMatrix
	}
	return &MatrixCLI{applier: applier, enqueuer: enqueuer, catalog: catalog, matrix: matrix}, nil
}

// SyncCommand runs sync-matrix and returns the process exit code.
func (c *MatrixCLI) SyncCommand(ctx context.Context, opts MatrixSyncOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	if opts.Enqueue {
		if c.enqueuer == nil {
			_, _ = fmt.Fprintln(opts.Stderr, "sync-matrix: job queue not configured")
			return 1
		}
		info, err := c.enqueuer.EnqueueSyncMatrix(ctx, jobs.SyncMatrixPayload{Reason: "cli"})
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "sync-matrix: enqueue: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(opts.Stdout, "queued %s (%s)\n", info.ID, info.Queue)
		return 0
	}

	var report rbac.SyncReport
	if opts.DryRun {
		report = c.preview()
	} else {
		if c.applier == nil {
			_, _ = fmt.Fprintln(opts.Stderr, "sync-matrix: store not configured")
			return 1
		}
		var err error
		report, err = c.applier.ApplyMatrix(ctx, c.matrix())
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "sync-matrix: %v\n", err)
			return 1
		}
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(report); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "sync-matrix: encode json: %v\n", err)
			return 1
		}
	} else {
		renderReport(opts.Stdout, report)
	}
	if opts.Strict && report.Dropped() > 0 {
		return 10
	}
	return 0
}

func (c *MatrixCLI) preview() rbac.SyncReport {
	declared := c.matrix()
	var report rbac.SyncReport
	for _, role := range rbac.Roles() {
		raw, ok := declared[role]
		if !ok {
			continue
		}
		granted, dropped := c.catalog.Filter(raw)
		report.Results = append(report.Results, rbac.SetResult{Role: role, Granted: granted, Dropped: dropped})
	}
	return report
}

func renderReport(w io.Writer, report rbac.SyncReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ROLE\tGRANTED\tDROPPED")
	for _, result := range report.Results {
		dropped := "-"
		if len(result.Dropped) > 0 {
			dropped = strings.Join(result.Dropped, ",")
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", result.Role, result.Granted.Len(), dropped)
	}
	_ = tw.Flush()
}
