package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/klinika/klinika/internal/jobs"
	"github.com/klinika/klinika/internal/rbac"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRBACSyncMatrix converges the stored role matrix to the declared one.
	TaskRBACSyncMatrix = "rbac:sync_matrix"
)

// SyncMatrixPayload describes why a matrix synchronization was requested.
type SyncMatrixPayload struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// NewSyncMatrixTask constructs an Asynq task.
func NewSyncMatrixTask(payload SyncMatrixPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRBACSyncMatrix, data, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// MatrixApplier applies a declared role matrix.
type MatrixApplier interface {
	ApplyMatrix(ctx context.Context, m rbac.Matrix) (rbac.SyncReport, error)
}

// SyncMatrixJob handles TaskRBACSyncMatrix.
type SyncMatrixJob struct {
	applier MatrixApplier
	matrix  func() rbac.Matrix
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewSyncMatrixJob builds the job. A nil matrix source means rbac.DefaultMatrix.
func NewSyncMatrixJob(applier MatrixApplier, matrix func() rbac.Matrix, logger *slog.Logger, metrics *jobmetrics.Metrics) *SyncMatrixJob {
	if matrix == nil {
		matrix = rbac.DefaultMatrix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncMatrixJob{applier: applier, matrix: matrix, logger: logger, metrics: metrics}
}

// Handle processes a single task.
func (j *SyncMatrixJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track(TaskRBACSyncMatrix)
	var payload SyncMatrixPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(fmt.Errorf("jobs: decode %s: %v: %w", TaskRBACSyncMatrix, err, asynq.SkipRetry))
	}
	report, err := j.applier.ApplyMatrix(ctx, j.matrix())
	if err != nil {
		j.logger.Error("rbac matrix sync failed", slog.String("reason", payload.Reason), slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics.AddDropped(report.Dropped())
	j.logger.Info("rbac matrix synced",
		slog.String("reason", payload.Reason),
		slog.String("requested_by", payload.RequestedBy),
		slog.Int("roles", len(report.Results)),
		slog.Int("dropped", report.Dropped()))
	return tracker.End(nil)
}
