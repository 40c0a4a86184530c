package durable

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shelfmark/shelfmark/internal/queue"
	apperrors "github.com/shelfmark/shelfmark/pkg/errors"
	"github.com/shelfmark/shelfmark/pkg/logging"
	"github.com/shelfmark/shelfmark/pkg/metrics"
)

// invocationHandler executes one job per invocation. The runtime owns
// durability and redelivery of the invocation itself; the retry loop
// lives here so that retry semantics match the embedded backend instead
// of whatever the runtime would do natively. A terminal outcome is
// acknowledged with 422 so the runtime never redelivers it.
type invocationHandler struct {
	q       *Queue
	cb      queue.Callbacks
	opts    queue.RunnerOptions
	coord   Coordination
	backoff time.Duration
	logger  *logging.Logger
	metrics *metrics.Metrics
}

type invocationResult struct {
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

func (h *invocationHandler) handle(gc *gin.Context) {
	var payload invocationPayload
	if err := gc.ShouldBindJSON(&payload); err != nil {
		gc.JSON(http.StatusBadRequest, invocationResult{Outcome: "rejected", Error: err.Error()})
		return
	}

	ctx := gc.Request.Context()
	queueName := h.q.name

	seq, err := h.coord.NextID(ctx, queueName)
	if err != nil {
		// Retriable infrastructure failure: let the runtime redeliver.
		gc.JSON(http.StatusServiceUnavailable, invocationResult{Outcome: "retry", Error: err.Error()})
		return
	}
	jobID := jobIDFor(queueName, seq)

	job := &queue.Job{
		ID:       jobID,
		Data:     payload.Data,
		Priority: payload.Priority,
	}

	if h.opts.Validator != nil {
		if err := h.opts.Validator.Validate(payload.Data); err != nil {
			vErr := apperrors.NewValidationError("payload validation failed").WithCause(err)
			if h.cb.OnError != nil {
				h.cb.OnError(ctx, &queue.JobError{Job: *job, Err: vErr, RetriesLeft: 0})
			}
			h.failTerminal(gc, job, vErr)
			return
		}
	}

	budget := h.q.opts.NumRetries
	var lastErr error

	for attempt := 0; attempt <= budget; attempt++ {
		job.RunNumber = attempt

		attemptErr := h.runAttempt(ctx, queueName, job)
		if attemptErr == nil {
			if h.cb.OnComplete != nil {
				h.cb.OnComplete(ctx, job)
			}
			h.metrics.JobsCompleted.WithLabelValues(queueName, backendName).Inc()
			h.logger.LogJobEvent("completed", queueName, jobID, logrus.Fields{"run_number": attempt})
			gc.JSON(http.StatusOK, invocationResult{Outcome: "completed"})
			return
		}
		lastErr = attemptErr

		retriesLeft := budget - attempt
		if apperrors.IsTerminal(attemptErr) {
			retriesLeft = 0
		}
		if h.cb.OnError != nil {
			h.cb.OnError(ctx, &queue.JobError{Job: *job, Err: attemptErr, RetriesLeft: retriesLeft})
		}
		if retriesLeft == 0 {
			break
		}

		h.metrics.JobsRetried.WithLabelValues(queueName, backendName).Inc()
		h.logger.LogJobEvent("retrying", queueName, jobID, logrus.Fields{
			"run_number": attempt,
			"error":      attemptErr.Error(),
		})

		select {
		case <-time.After(h.backoff):
		case <-ctx.Done():
			gc.JSON(http.StatusServiceUnavailable, invocationResult{Outcome: "retry", Error: ctx.Err().Error()})
			return
		}
	}

	h.failTerminal(gc, job, lastErr)
}

// runAttempt executes one attempt under the distributed concurrency
// bound. The slot is always released before retry bookkeeping runs, so a
// failing job never starves its queue's capacity while backing off.
func (h *invocationHandler) runAttempt(ctx context.Context, queueName string, job *queue.Job) error {
	token := uuid.New().String()
	if err := h.coord.Acquire(ctx, queueName, token, job.Priority, h.opts.Concurrency); err != nil {
		return apperrors.NewQueueError(queueName, "failed to acquire execution slot").WithCause(err)
	}
	defer func() {
		if err := h.coord.Release(context.WithoutCancel(ctx), queueName, token, h.opts.Concurrency); err != nil {
			h.logger.WithQueue(queueName).WithError(err).Error("Failed to release execution slot")
		}
	}()

	h.metrics.JobsInFlight.WithLabelValues(queueName, backendName).Inc()
	defer h.metrics.JobsInFlight.WithLabelValues(queueName, backendName).Dec()

	attemptCtx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	start := time.Now()
	err := h.cb.Run(attemptCtx, job)
	if err == nil && attemptCtx.Err() != nil {
		err = apperrors.NewTimeoutError("job attempt")
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	h.metrics.ObserveAttempt(queueName, backendName, outcome, time.Since(start))

	return err
}

// failTerminal acknowledges the invocation as permanently failed. The
// 4xx status tells the runtime the invocation is settled; redelivering
// it would re-run a job whose retry budget is spent.
func (h *invocationHandler) failTerminal(gc *gin.Context, job *queue.Job, err error) {
	h.metrics.JobsFailed.WithLabelValues(h.q.name, backendName).Inc()
	h.logger.LogJobEvent("failed", h.q.name, job.ID, logrus.Fields{
		"run_number": job.RunNumber,
		"error":      err.Error(),
	})
	gc.JSON(http.StatusUnprocessableEntity, invocationResult{Outcome: "failed", Error: err.Error()})
}

func jobIDFor(queueName string, seq uint64) string {
	return queueName + "-job-" + strconv.FormatUint(seq, 10)
}
