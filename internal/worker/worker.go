package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hatim-circle/backend/internal/store"
	"github.com/hatim-circle/backend/pkg/queue"
)

// Reconciler purges dangling hatim references.
type Reconciler interface {
	Reconcile(ctx context.Context) (store.ReconcileReport, error)
}

// JobQueue is the queue side the processor consumes.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// ReconcileProcessor runs reconciliation on a timer and on demand from the
// reconcile queue.
type ReconcileProcessor struct {
	reconciler Reconciler
	queue      JobQueue
	interval   time.Duration
	backoff    time.Duration
	logger     *zap.Logger
}

// NewReconcileProcessor creates a processor. q may be nil when Redis is
// disabled; interval <= 0 disables the timer.
func NewReconcileProcessor(r Reconciler, q JobQueue, interval time.Duration, logger *zap.Logger) *ReconcileProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconcileProcessor{reconciler: r, queue: q, interval: interval, backoff: queue.RetryBackoff, logger: logger}
}

// Sweep runs one reconciliation pass.
func (p *ReconcileProcessor) Sweep(ctx context.Context, reason string) (store.ReconcileReport, error) {
	report, err := p.reconciler.Reconcile(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile (%s): %w", reason, err)
	}
	p.logger.Info("reconcile finished", zap.String("reason", reason), zap.Int("purged", report.Total()))
	return report, nil
}

// Process executes one reconcile job.
func (p *ReconcileProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeReconcile {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ReconcilePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	reason := payload.Reason
	if reason == "" {
		reason = "queued"
	}
	_, err := p.Sweep(ctx, reason)
	return err
}

// RunTicker sweeps every interval until ctx is done.
func (p *ReconcileProcessor) RunTicker(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("reconcile ticker stopping")
			return
		case <-ticker.C:
			if _, err := p.Sweep(ctx, "scheduled"); err != nil {
				p.logger.Error("scheduled reconcile failed", zap.Error(err))
			}
		}
	}
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ReconcileProcessor) Run(ctx context.Context) {
	if p.queue == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("reconcile worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ReconcileProcessor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.backoff):
	}
}
