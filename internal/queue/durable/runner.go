package durable

import (
	"context"
	"sync"
	"time"

	"github.com/shelfmark/shelfmark/internal/queue"
)

// Runner is the distributed backend's lifecycle handle. Execution itself
// happens in the invocation handler when the runtime calls back in; Run
// only has to keep the host alive and registered.
type Runner struct {
	client *Client
	q      *Queue

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newRunner(c *Client, q *Queue) *Runner {
	return &Runner{
		client: c,
		q:      q,
		stopCh: make(chan struct{}),
	}
}

// Run starts the shared invocation host if it is not already serving and
// blocks until ctx is cancelled or Stop is called.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.client.host.Start(ctx); err != nil {
		return err
	}

	r.client.logger.WithQueue(r.q.name).Info("Durable runner started")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopCh:
		return nil
	}
}

// Stop unblocks Run. In-flight invocations are drained by the host's
// shutdown, which happens when the client closes.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// RunUntilEmpty serves invocations until the runtime reports no work
// left for this queue, then returns. Polling the admin interface is the
// only way to observe emptiness from outside the runtime.
func (r *Runner) RunUntilEmpty(ctx context.Context) error {
	if err := r.client.host.Start(ctx); err != nil {
		return err
	}

	interval := r.client.queueCfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats, err := r.q.Stats(ctx)
		if err != nil {
			return err
		}
		if stats.Pending+stats.PendingRetry+stats.Running == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			return nil
		case <-ticker.C:
		}
	}
}

var _ queue.Runner = (*Runner)(nil)
