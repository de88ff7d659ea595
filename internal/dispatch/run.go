package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/db"
)

// jobRun is the live state of one job in this process. mu guards the
// status, counters and flags; every counter change is persisted while held.
type jobRun struct {
	id  uuid.UUID
	job *db.Job

	mu        sync.Mutex
	status    db.JobStatus
	counters  db.Counters
	started   bool
	paused    bool
	resume    chan struct{}
	cancelled bool
	failErr   error

	// ctx ends on Cancel or engine shutdown. It bounds every suspension
	// point but never an in-flight send.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newJobRun(parent context.Context, job *db.Job) *jobRun {
	ctx, cancel := context.WithCancel(parent)
	r := &jobRun{
		id:       job.ID,
		job:      job,
		status:   job.Status,
		counters: job.Counters,
		started:  job.StartedAt != nil,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if job.Status == db.JobStatusPaused {
		r.paused = true
		r.resume = make(chan struct{})
	}
	return r
}

func (r *jobRun) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// abort stops every worker of the run and marks it for failure. The first
// cause wins.
func (r *jobRun) abort(cause error) {
	r.mu.Lock()
	if r.failErr == nil {
		r.failErr = cause
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *jobRun) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failErr
}

func (r *jobRun) snapshot() (db.JobStatus, db.Counters) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.counters
}

// checkpoint blocks while the job is paused. It returns ErrJobCancelled once
// the job is cancelled, the abort cause once it is aborted, or the context
// error on shutdown.
func (r *jobRun) checkpoint(poll time.Duration) error {
	for {
		r.mu.Lock()
		if r.cancelled {
			r.mu.Unlock()
			return ErrJobCancelled
		}
		if r.failErr != nil {
			err := r.failErr
			r.mu.Unlock()
			return err
		}
		if !r.paused {
			r.mu.Unlock()
			return r.ctx.Err()
		}
		resume := r.resume
		r.mu.Unlock()

		timer := time.NewTimer(poll)
		select {
		case <-resume:
		case <-timer.C:
		case <-r.ctx.Done():
		}
		timer.Stop()
		if err := r.ctx.Err(); err != nil {
			return r.abortErr(err)
		}
	}
}

// abortErr maps a suspension error to ErrJobCancelled when the job was
// cancelled, or to the abort cause.
func (r *jobRun) abortErr(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return ErrJobCancelled
	}
	if r.failErr != nil {
		return r.failErr
	}
	return err
}
