package sqlite

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shelfmark/shelfmark/internal/queue"
	apperrors "github.com/shelfmark/shelfmark/pkg/errors"
)

// Runner is the embedded backend's polling consumer loop. Multiple
// runner instances (even in separate processes) may poll the same store;
// the claim update is the arbiter, so a row is only ever executed under
// one live lease.
type Runner struct {
	q    *Queue
	cb   queue.Callbacks
	opts queue.RunnerOptions

	// workerToken stamps leases taken by this runner instance.
	workerToken string

	inFlight atomic.Int64
	wg       sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newRunner(q *Queue, cb queue.Callbacks, opts queue.RunnerOptions) *Runner {
	return &Runner{
		q:           q,
		cb:          cb,
		opts:        opts,
		workerToken: uuid.New().String(),
		stopCh:      make(chan struct{}),
	}
}

// leaseDuration bounds how long a claimed row stays invisible before the
// recovery sweep may requeue it. It must outlast a full attempt.
func (r *Runner) leaseDuration() time.Duration {
	return 2*r.opts.Timeout + r.opts.PollInterval
}

// Run starts the poll loop and blocks until ctx is cancelled or Stop is
// called. In-flight jobs are drained before returning.
func (r *Runner) Run(ctx context.Context) error {
	logger := r.q.client.logger.WithComponent("sqlite-runner").WithField("queue", r.q.name)

	// Reclaim leases orphaned by a previous crash before taking new work.
	if err := r.sweepExpiredLeases(ctx); err != nil {
		logger.WithError(err).Warn("Startup lease sweep failed")
	}

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	logger.WithField("concurrency", r.opts.Concurrency).Info("Runner started")

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return ctx.Err()
		case <-r.stopCh:
			r.wg.Wait()
			logger.Info("Runner stopped")
			return nil
		case <-ticker.C:
			if err := r.tick(ctx); err != nil {
				logger.WithError(err).Error("Poll tick failed")
			}
		}
	}
}

// Stop signals the loop to finish in-flight work and return
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

// RunUntilEmpty drains the queue synchronously: it claims and executes
// work until no pending or running rows remain, then returns. Pending
// rows scheduled in the future (retry backoff, delayed jobs) still count
// as outstanding work and are waited for.
func (r *Runner) RunUntilEmpty(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := r.sweepExpiredLeases(ctx); err != nil {
			return err
		}

		claimed, err := r.claim(ctx)
		if err != nil {
			return err
		}

		for _, job := range claimed {
			r.spawn(ctx, job)
		}
		r.wg.Wait()

		remaining, nextAt, err := r.outstanding(ctx)
		if err != nil {
			return err
		}
		if remaining == 0 {
			return nil
		}
		if len(claimed) > 0 {
			continue
		}

		// Nothing claimable right now but work remains (future
		// scheduled_for or rows leased elsewhere); wait for the earliest
		// of the next eligibility time and the poll interval.
		wait := r.opts.PollInterval
		if nextAt > 0 {
			if until := time.Until(time.UnixMilli(nextAt)); until > 0 && until < wait {
				wait = until
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tick performs one poll iteration: sweep, claim up to the free
// concurrency slots, dispatch.
func (r *Runner) tick(ctx context.Context) error {
	if err := r.sweepExpiredLeases(ctx); err != nil {
		return err
	}

	claimed, err := r.claim(ctx)
	if err != nil {
		return err
	}

	for _, job := range claimed {
		r.spawn(ctx, job)
	}
	return nil
}

// claim atomically transitions up to concurrency-inFlight eligible rows
// to running, stamping this runner's lease. Losing a claim race is a
// normal concurrency outcome, not an error.
func (r *Runner) claim(ctx context.Context) ([]*jobRow, error) {
	free := r.opts.Concurrency - int(r.inFlight.Load())
	if free <= 0 {
		return nil, nil
	}

	now := nowMillis()
	leaseExpires := now + r.leaseDuration().Milliseconds()

	rows, err := r.q.client.db.QueryxContext(ctx, `
		UPDATE jobs
		SET status = 'running', lease_token = ?, lease_expires = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE queue = ? AND status = 'pending' AND scheduled_for <= ?
			ORDER BY priority ASC, scheduled_for ASC, created_at ASC
			LIMIT ?
		) AND status = 'pending'
		RETURNING id, queue, payload, status, priority, run_number, max_retries,
		          scheduled_for, idempotency_key, lease_token, lease_expires,
		          last_error, created_at, updated_at`,
		r.workerToken, leaseExpires, now, r.q.name, now, free)
	if err != nil {
		return nil, apperrors.NewQueueError(r.q.name, "failed to claim jobs").WithCause(err)
	}
	defer rows.Close()

	var claimed []*jobRow
	for rows.Next() {
		var row jobRow
		if err := rows.StructScan(&row); err != nil {
			return nil, apperrors.NewQueueError(r.q.name, "failed to scan claimed job").WithCause(err)
		}
		claimed = append(claimed, &row)
	}
	return claimed, rows.Err()
}

// spawn executes one claimed job on its own goroutine
func (r *Runner) spawn(ctx context.Context, row *jobRow) {
	r.inFlight.Add(1)
	r.q.client.metrics.JobsInFlight.WithLabelValues(r.q.name, backendName).Inc()
	r.wg.Add(1)

	go func() {
		defer func() {
			r.inFlight.Add(-1)
			r.q.client.metrics.JobsInFlight.WithLabelValues(r.q.name, backendName).Dec()
			r.wg.Done()
		}()
		r.execute(ctx, row)
	}()
}

// execute runs one attempt under the configured timeout and settles the
// row according to the outcome.
func (r *Runner) execute(ctx context.Context, row *jobRow) {
	logger := r.q.client.logger.WithComponent("sqlite-runner").WithFields(logrus.Fields{
		"queue":      r.q.name,
		"job_id":     row.ID,
		"run_number": row.RunNumber,
	})

	job := &queue.Job{
		ID:        row.ID,
		Data:      row.Payload,
		Priority:  row.Priority,
		RunNumber: row.RunNumber,
	}

	if r.opts.Validator != nil {
		if err := r.opts.Validator.Validate(job.Data); err != nil {
			// Validation failures are terminal: spend no retries on them.
			logger.WithError(err).Warn("Job payload failed validation")
			r.settleFailure(ctx, row, job, err, true)
			return
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	start := time.Now()
	err := r.cb.Run(attemptCtx, job)
	if err == nil && attemptCtx.Err() != nil {
		// The body outlived its deadline and returned nil anyway. The
		// attempt still counts as a timeout, not a success.
		err = apperrors.NewTimeoutError("job attempt")
	}
	cancel()
	duration := time.Since(start)

	if err == nil {
		r.q.client.metrics.ObserveAttempt(r.q.name, backendName, "success", duration)
		r.settleSuccess(ctx, row, job)
		return
	}

	r.q.client.metrics.ObserveAttempt(r.q.name, backendName, "failure", duration)
	logger.WithError(err).Warn("Job attempt failed")
	r.settleFailure(ctx, row, job, err, apperrors.IsTerminal(err))
}

// settleSuccess deletes the completed row and fires OnComplete.
// Completed jobs are always eligible for cleanup; KeepFailedJobs only
// affects failed rows.
func (r *Runner) settleSuccess(ctx context.Context, row *jobRow, job *queue.Job) {
	if _, err := r.q.client.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND lease_token = ?`, row.ID, r.workerToken); err != nil {
		r.q.client.logger.WithError(err).Error("Failed to delete completed job")
	}

	r.q.client.metrics.JobsCompleted.WithLabelValues(r.q.name, backendName).Inc()
	if r.cb.OnComplete != nil {
		r.cb.OnComplete(ctx, job)
	}
}

// settleFailure fires OnError and either reschedules the row for another
// attempt or marks it permanently failed.
func (r *Runner) settleFailure(ctx context.Context, row *jobRow, job *queue.Job, runErr error, terminal bool) {
	retriesLeft := row.MaxRetries - row.RunNumber
	if retriesLeft < 0 || terminal {
		retriesLeft = 0
	}

	if r.cb.OnError != nil {
		r.cb.OnError(ctx, &queue.JobError{
			Job:         *job,
			Err:         runErr,
			RetriesLeft: retriesLeft,
		})
	}

	now := nowMillis()

	if !terminal && row.RunNumber < row.MaxRetries {
		backoff := r.q.client.queueCfg.RetryBackoff
		_, err := r.q.client.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'pending', run_number = run_number + 1,
			    scheduled_for = ?, lease_token = NULL, lease_expires = NULL,
			    last_error = ?, updated_at = ?
			WHERE id = ? AND lease_token = ?`,
			now+backoff.Milliseconds(), runErr.Error(), now, row.ID, r.workerToken)
		if err != nil {
			r.q.client.logger.WithError(err).Error("Failed to reschedule job")
		}
		r.q.client.metrics.JobsRetried.WithLabelValues(r.q.name, backendName).Inc()
		return
	}

	r.q.client.metrics.JobsFailed.WithLabelValues(r.q.name, backendName).Inc()

	if r.q.opts.KeepFailedJobs {
		_, err := r.q.client.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'failed', lease_token = NULL, lease_expires = NULL,
			    last_error = ?, updated_at = ?
			WHERE id = ? AND lease_token = ?`,
			runErr.Error(), now, row.ID, r.workerToken)
		if err != nil {
			r.q.client.logger.WithError(err).Error("Failed to mark job failed")
		}
		return
	}

	if _, err := r.q.client.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND lease_token = ?`, row.ID, r.workerToken); err != nil {
		r.q.client.logger.WithError(err).Error("Failed to delete failed job")
	}
}

// sweepExpiredLeases requeues running rows whose lease lapsed, e.g. after
// a crash mid-execution. This sweep is what upgrades claim-then-execute
// into at-least-once delivery.
func (r *Runner) sweepExpiredLeases(ctx context.Context) error {
	now := nowMillis()
	res, err := r.q.client.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', lease_token = NULL, lease_expires = NULL, updated_at = ?
		WHERE queue = ? AND status = 'running' AND lease_expires < ?`,
		now, r.q.name, now)
	if err != nil {
		return apperrors.NewQueueError(r.q.name, "failed to sweep expired leases").WithCause(err)
	}

	if reclaimed, err := res.RowsAffected(); err == nil && reclaimed > 0 {
		r.q.client.metrics.LeasesReclaimed.WithLabelValues(r.q.name).Add(float64(reclaimed))
		r.q.client.logger.WithComponent("sqlite-runner").WithFields(logrus.Fields{
			"queue":     r.q.name,
			"reclaimed": reclaimed,
		}).Warn("Reclaimed expired job leases")
	}

	return nil
}

// outstanding counts rows still representing work (pending or running)
// and reports the earliest scheduled_for among pending rows.
func (r *Runner) outstanding(ctx context.Context) (int64, int64, error) {
	var count int64
	var nextAt *int64
	err := r.q.client.db.QueryRowxContext(ctx, `
		SELECT COUNT(*),
		       MIN(CASE WHEN status = 'pending' THEN scheduled_for END)
		FROM jobs
		WHERE queue = ? AND status IN ('pending', 'running')`, r.q.name).
		Scan(&count, &nextAt)
	if err != nil {
		return 0, 0, apperrors.NewQueueError(r.q.name, "failed to count outstanding jobs").WithCause(err)
	}

	var next int64
	if nextAt != nil {
		next = *nextAt
	}
	return count, next, nil
}

var _ queue.Runner = (*Runner)(nil)
