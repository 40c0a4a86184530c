package durable

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/shelfmark/shelfmark/internal/queue"
	"github.com/shelfmark/shelfmark/pkg/config"
	apperrors "github.com/shelfmark/shelfmark/pkg/errors"
	"github.com/shelfmark/shelfmark/pkg/logging"
	"github.com/shelfmark/shelfmark/pkg/metrics"
)

const backendName = "durable"

// invocationPayload is the wire envelope of one enqueued job. Priority
// rides along because the runtime's native invocation model has no
// concept of it; admission control reads it back out on the handler side.
type invocationPayload struct {
	Data     json.RawMessage `json:"data"`
	Priority int             `json:"priority"`
}

// Client is the distributed backend's queue client
type Client struct {
	cfg      config.DurableConfig
	queueCfg config.QueueConfig
	runtime  *RuntimeClient
	coord    Coordination
	host     *Host
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewClient creates a client for a configured durable runtime
func NewClient(cfg config.DurableConfig, queueCfg config.QueueConfig, coord Coordination, logger *logging.Logger) (*Client, error) {
	if !cfg.Configured() {
		return nil, apperrors.NewUnavailableError("durable backend is not configured (no listen port)")
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	runtime := NewRuntimeClient(cfg)

	host, err := NewHost(cfg, runtime, logger)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:      cfg,
		queueCfg: queueCfg,
		runtime:  runtime,
		coord:    coord,
		host:     host,
		logger:   logger,
		metrics:  metrics.GetMetrics(),
		queues:   make(map[string]*Queue),
	}, nil
}

// CreateQueue creates a named queue bound to a runtime service of the
// same name. Duplicate names fail.
func (c *Client) CreateQueue(name string, opts queue.Options) (queue.Queue, error) {
	if name == "" {
		return nil, apperrors.NewValidationError("queue name must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.queues[name]; exists {
		return nil, apperrors.NewConflictError("queue already exists").WithDetail("queue", name)
	}

	q := &Queue{
		client: c,
		name:   name,
		opts:   opts,
	}
	c.queues[name] = q
	return q, nil
}

// CreateRunner registers the invocation handler for the queue on this
// process's host and returns its lifecycle handle.
func (c *Client) CreateRunner(q queue.Queue, cb queue.Callbacks, opts queue.RunnerOptions) (queue.Runner, error) {
	dq, ok := q.(*Queue)
	if !ok {
		return nil, apperrors.NewValidationError("queue was not created by the durable backend")
	}
	if cb.Run == nil {
		return nil, apperrors.NewValidationError("run callback is required")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = queue.DefaultRunnerOptions().Timeout
	}

	h := &invocationHandler{
		q:       dq,
		cb:      cb,
		opts:    opts,
		coord:   c.coord,
		backoff: c.queueCfg.RetryBackoff,
		logger:  c.logger,
		metrics: c.metrics,
	}
	if err := c.host.RegisterService(dq.name, h); err != nil {
		return nil, err
	}

	return newRunner(c, dq), nil
}

// Close shuts the invocation host down
func (c *Client) Close() error {
	return c.host.Shutdown(context.Background())
}

// Queue is a named channel modeled as a remotely invocable runtime
// service
type Queue struct {
	client *Client
	name   string
	opts   queue.Options
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Enqueue fires a one-way invocation carrying the payload and priority.
// Delay and idempotency key pass through to the runtime natively.
func (q *Queue) Enqueue(ctx context.Context, payload any, opts *queue.EnqueueOptions) (string, error) {
	if opts == nil {
		opts = &queue.EnqueueOptions{}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.NewValidationError("payload is not serializable").WithCause(err)
	}

	id, err := q.client.runtime.Send(ctx, q.name, "run",
		invocationPayload{Data: data, Priority: opts.Priority},
		SendOptions{Delay: opts.Delay, IdempotencyKey: opts.IdempotencyKey})
	if err != nil {
		return "", err
	}

	q.client.metrics.JobsEnqueued.WithLabelValues(q.name, backendName).Inc()
	q.client.logger.LogJobEvent("enqueued", q.name, id, map[string]interface{}{
		"priority": opts.Priority,
		"delay_ms": opts.Delay.Milliseconds(),
	})

	return id, nil
}

// Stats folds the runtime's status vocabulary into the four coarse
// buckets. The runtime's query layer has no terminal "failed" bucket
// separate from "completed", so Failed is reported as 0; callers must
// not rely on it for this backend.
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	counts, err := q.client.runtime.InvocationCounts(ctx, q.name)
	if err != nil {
		return queue.Stats{}, err
	}
	return foldStatusCounts(counts), nil
}

func foldStatusCounts(counts map[string]int64) queue.Stats {
	return queue.Stats{
		Pending:      counts[StatusPending] + counts[StatusScheduled] + counts[StatusReady],
		PendingRetry: counts[StatusBackingOff] + counts[StatusPaused] + counts[StatusSuspended],
		Running:      counts[StatusRunning],
		Failed:       0,
	}
}

// CancelAllNonRunning is not supported: one-way fire invocations cannot
// be bulk-cancelled through the ingress. It fails loudly rather than
// silently doing nothing.
func (q *Queue) CancelAllNonRunning(ctx context.Context) (int64, error) {
	return 0, apperrors.NewNotSupportedError("CancelAllNonRunning", backendName)
}

var _ queue.Client = (*Client)(nil)
var _ queue.Queue = (*Queue)(nil)
