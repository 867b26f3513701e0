package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hatim-circle/backend/internal/store"
	"github.com/hatim-circle/backend/pkg/queue"
)

type fakeReconciler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeReconciler) Reconcile(context.Context) (store.ReconcileReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return store.ReconcileReport{}, f.err
	}
	return store.ReconcileReport{OrphanParts: 1}, nil
}

func (f *fakeReconciler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []*queue.Job
	retried []*queue.Job
}

func (q *fakeQueue) Dequeue(ctx context.Context) (*queue.Job, string, error) {
	q.mu.Lock()
	if len(q.jobs) > 0 {
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		return job, queue.QueueReconcile, nil
	}
	q.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, "", nil
	}
}

func (q *fakeQueue) Retry(_ context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Attempt++
	q.retried = append(q.retried, job)
	return nil
}

func (q *fakeQueue) retries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.retried)
}

func TestProcessRejectsUnknownJob(t *testing.T) {
	t.Parallel()

	p := NewReconcileProcessor(&fakeReconciler{}, nil, 0, nil)
	if err := p.Process(context.Background(), &queue.Job{Type: "email"}); err == nil {
		t.Fatal("expected unknown job type error")
	}
}

func TestProcessRunsReconcile(t *testing.T) {
	t.Parallel()

	rec := &fakeReconciler{}
	p := NewReconcileProcessor(rec, nil, 0, nil)
	job, err := queue.NewJob(queue.JobTypeReconcile, queue.ReconcilePayload{Reason: "manual"})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := p.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("reconcile calls = %d, want 1", rec.count())
	}
}

func TestRunRetriesFailedJobs(t *testing.T) {
	t.Parallel()

	rec := &fakeReconciler{err: errors.New("db down")}
	job, err := queue.NewJob(queue.JobTypeReconcile, queue.ReconcilePayload{})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	q := &fakeQueue{jobs: []*queue.Job{job}}
	p := NewReconcileProcessor(rec, q, 0, nil)
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for q.retries() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if q.retries() != 1 {
		t.Fatalf("retries = %d, want 1", q.retries())
	}
	if rec.count() != 1 {
		t.Fatalf("reconcile calls = %d, want 1", rec.count())
	}
}

func TestRunTickerSweeps(t *testing.T) {
	t.Parallel()

	rec := &fakeReconciler{}
	p := NewReconcileProcessor(rec, nil, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.RunTicker(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if rec.count() < 2 {
		t.Fatalf("reconcile calls = %d, want at least 2", rec.count())
	}
}

func TestRunWithoutQueueReturns(t *testing.T) {
	t.Parallel()

	p := NewReconcileProcessor(&fakeReconciler{}, nil, 0, nil)
	p.Run(context.Background())
	p.RunTicker(context.Background())
}
