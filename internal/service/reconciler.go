package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-gradebook-api/pkg/jobs"
)

const reconcileJobType = "grade.recompute"

type reconcileTarget interface {
	Reconcile(ctx context.Context, studentID, classID string) error
}

// ReconcileTask identifies a rollup awaiting recomputation.
type ReconcileTask struct {
	StudentID string
	ClassID   string
}

// Reconciler retries failed grade book recomputations in the background.
type Reconciler struct {
	queue   *jobs.Queue
	target  reconcileTarget
	metrics *MetricsService
	logger  *zap.Logger
}

// NewReconciler builds a reconciler backed by an in-memory job queue.
func NewReconciler(target reconcileTarget, cfg jobs.QueueConfig, metrics *MetricsService, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Logger = logger
	r := &Reconciler{target: target, metrics: metrics, logger: logger}
	cfg.OnExhausted = func(job jobs.Job, err error) {
		r.metrics.RecordReconcilerJob("exhausted")
	}
	r.queue = jobs.NewQueue("grade-reconciler", r.handle, cfg)
	return r
}

// Start launches the workers.
func (r *Reconciler) Start(ctx context.Context) {
	r.queue.Start(ctx)
}

// Stop waits for workers to exit. Queued tasks are dropped.
func (r *Reconciler) Stop() {
	r.queue.Stop()
}

// Schedule enqueues a recomputation without blocking the caller.
func (r *Reconciler) Schedule(studentID, classID string) error {
	job := jobs.Job{
		ID:      uuid.NewString(),
		Type:    reconcileJobType,
		Payload: ReconcileTask{StudentID: studentID, ClassID: classID},
	}
	if err := r.queue.TryEnqueue(job); err != nil {
		r.metrics.RecordReconcilerJob("dropped")
		return err
	}
	r.metrics.RecordReconcilerJob("scheduled")
	return nil
}

func (r *Reconciler) handle(ctx context.Context, job jobs.Job) error {
	task, ok := job.Payload.(ReconcileTask)
	if !ok {
		r.logger.Error("unexpected reconcile payload", zap.String("job_id", job.ID))
		return nil
	}
	if err := r.target.Reconcile(ctx, task.StudentID, task.ClassID); err != nil {
		r.metrics.RecordReconcilerJob("failed")
		return fmt.Errorf("reconcile student %s in class %s: %w", task.StudentID, task.ClassID, err)
	}
	r.metrics.RecordReconcilerJob("succeeded")
	return nil
}
