package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/shelfmark/shelfmark/internal/queue"
	"github.com/shelfmark/shelfmark/pkg/config"
	apperrors "github.com/shelfmark/shelfmark/pkg/errors"
	"github.com/shelfmark/shelfmark/pkg/logging"
	"github.com/shelfmark/shelfmark/pkg/metrics"
)

const backendName = "sqlite"

// Client is the embedded backend's queue client
type Client struct {
	db       *sqlx.DB
	queueCfg config.QueueConfig
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewClient opens the disk store and returns a live client
func NewClient(cfg config.EmbeddedConfig, queueCfg config.QueueConfig, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.GetLogger()
	}

	db, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	logger.WithComponent("sqlite-queue").WithFields(map[string]interface{}{
		"data_dir": cfg.DataDir,
		"wal_mode": cfg.WALMode,
	}).Info("Opened embedded queue store")

	return &Client{
		db:       db,
		queueCfg: queueCfg,
		logger:   logger,
		metrics:  metrics.GetMetrics(),
		queues:   make(map[string]*Queue),
	}, nil
}

// CreateQueue creates a named queue. Queue names are unique within a
// client; creating a duplicate fails.
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

// CreateRunner binds a polling consumer loop to a queue
func (c *Client) CreateRunner(q queue.Queue, cb queue.Callbacks, opts queue.RunnerOptions) (queue.Runner, error) {
	sq, ok := q.(*Queue)
	if !ok {
		return nil, apperrors.NewValidationError("queue was not created by the sqlite backend")
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
	if opts.PollInterval <= 0 {
		opts.PollInterval = queue.DefaultRunnerOptions().PollInterval
	}

	return newRunner(sq, cb, opts), nil
}

// Close closes the disk store
func (c *Client) Close() error {
	return c.db.Close()
}

// Queue is a named channel backed by the jobs table
type Queue struct {
	client *Client
	name   string
	opts   queue.Options
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Enqueue inserts a pending row. With an idempotency key, a duplicate
// insert is a no-op and the existing job's ID is returned.
func (q *Queue) Enqueue(ctx context.Context, payload any, opts *queue.EnqueueOptions) (string, error) {
	if opts == nil {
		opts = &queue.EnqueueOptions{}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.NewValidationError("payload is not serializable").WithCause(err)
	}

	now := nowMillis()
	scheduledFor := now + opts.Delay.Milliseconds()

	var idempotencyKey *string
	if opts.IdempotencyKey != "" {
		idempotencyKey = &opts.IdempotencyKey
	}

	id := uuid.New().String()
	for attempt := 0; ; attempt++ {
		res, err := q.client.db.ExecContext(ctx, `
			INSERT INTO jobs (id, queue, payload, status, priority, run_number, max_retries,
			                  scheduled_for, idempotency_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
			ON CONFLICT (queue, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
			id, q.name, data, statusPending, opts.Priority, q.opts.NumRetries,
			scheduledFor, idempotencyKey, now, now)
		if err != nil {
			return "", apperrors.NewQueueError(q.name, "failed to enqueue job").WithCause(err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return "", apperrors.NewQueueError(q.name, "failed to read enqueue result").WithCause(err)
		}
		if affected > 0 {
			break
		}

		// Deduplicated; hand back the job already holding the key.
		var existing string
		err = q.client.db.GetContext(ctx, &existing,
			`SELECT id FROM jobs WHERE queue = ? AND idempotency_key = ?`,
			q.name, opts.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if errors.Is(err, sql.ErrNoRows) && attempt == 0 {
			// The keyed job completed and was deleted between the no-op
			// insert and the lookup. Insert again.
			continue
		}
		return "", apperrors.NewQueueError(q.name, "failed to resolve deduplicated job").WithCause(err)
	}

	q.client.metrics.JobsEnqueued.WithLabelValues(q.name, backendName).Inc()
	q.client.logger.LogJobEvent("enqueued", q.name, id, map[string]interface{}{
		"priority": opts.Priority,
		"delay_ms": opts.Delay.Milliseconds(),
	})

	return id, nil
}

// Stats approximates the snapshot from the status histogram. Pending rows
// on their first attempt count as pending; rescheduled ones as
// pending_retry.
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	var stats queue.Stats
	err := q.client.db.QueryRowxContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' AND run_number = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' AND run_number > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM jobs WHERE queue = ?`, q.name).
		Scan(&stats.Pending, &stats.PendingRetry, &stats.Running, &stats.Failed)
	if err != nil {
		return queue.Stats{}, apperrors.NewQueueError(q.name, "failed to read queue stats").WithCause(err)
	}

	q.client.metrics.QueueDepth.WithLabelValues(q.name, backendName).
		Set(float64(stats.Pending + stats.PendingRetry))

	return stats, nil
}

// CancelAllNonRunning deletes pending rows. Rows claimed by a concurrent
// dequeue in the same instant survive; cancellation is best effort.
func (q *Queue) CancelAllNonRunning(ctx context.Context) (int64, error) {
	res, err := q.client.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE queue = ? AND status = 'pending'`, q.name)
	if err != nil {
		return 0, apperrors.NewQueueError(q.name, "failed to cancel pending jobs").WithCause(err)
	}

	cancelled, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.NewQueueError(q.name, "failed to read cancellation result").WithCause(err)
	}

	return cancelled, nil
}

var _ queue.Client = (*Client)(nil)
var _ queue.Queue = (*Queue)(nil)
