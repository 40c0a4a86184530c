package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Well-known queue names of the bookmarking product. Job bodies live with
// their owning services; only the scheduling envelope is handled here.
const (
	QueueCrawler  = "crawler"
	QueueTagging  = "tagging"
	QueueWebhooks = "webhooks"
)

// Options contains per-queue defaults applied to every job
type Options struct {
	// NumRetries is the retry budget: a job is attempted at most
	// NumRetries+1 times before it fails permanently.
	NumRetries int `json:"num_retries"`

	// KeepFailedJobs keeps permanently failed jobs around for inspection
	// instead of deleting them. Completed jobs are always eligible for
	// cleanup regardless of this flag.
	KeepFailedJobs bool `json:"keep_failed_jobs"`
}

// DefaultOptions returns queue options with sensible defaults
func DefaultOptions() Options {
	return Options{
		NumRetries:     5,
		KeepFailedJobs: false,
	}
}

// EnqueueOptions configures a single enqueue call
type EnqueueOptions struct {
	// Priority orders execution: lower value runs first. Default 0.
	Priority int `json:"priority"`

	// Delay postpones the job's earliest start time.
	Delay time.Duration `json:"delay"`

	// IdempotencyKey deduplicates logically identical enqueues on the
	// same queue within the backend's dedup window.
	IdempotencyKey string `json:"idempotency_key"`
}

// Job is the dequeued job view passed to the run callback
type Job struct {
	ID       string          `json:"id"`
	Data     json.RawMessage `json:"data"`
	Priority int             `json:"priority"`

	// RunNumber is the 0-indexed attempt counter.
	RunNumber int `json:"run_number"`
}

// JobError is the failed-attempt view passed to the error callback
type JobError struct {
	Job
	Err         error `json:"-"`
	RetriesLeft int   `json:"retries_left"`
}

// Stats is a point-in-time snapshot of a queue's accounting
type Stats struct {
	Pending      int64 `json:"pending"`
	PendingRetry int64 `json:"pending_retry"`
	Running      int64 `json:"running"`
	Failed       int64 `json:"failed"`
}

// Callbacks are the user hooks a runner invokes. Run is required;
// OnComplete and OnError are optional.
type Callbacks struct {
	Run        func(ctx context.Context, job *Job) error
	OnComplete func(ctx context.Context, job *Job)
	OnError    func(ctx context.Context, jobErr *JobError)
}

// RunnerOptions is the per-consumer configuration
type RunnerOptions struct {
	// Concurrency bounds simultaneous in-flight jobs for this runner.
	Concurrency int

	// Timeout bounds a single attempt's wall-clock time. Exceeding it
	// cancels the attempt's context and takes the failure path; the job
	// body is expected to observe the context (cooperative cancellation).
	Timeout time.Duration

	// PollInterval is the embedded backend's poll loop tick. Ignored by
	// the distributed backend.
	PollInterval time.Duration

	// Validator, when set, must accept the payload before Run executes.
	// Validation failures are terminal and never retried.
	Validator Validator
}

// DefaultRunnerOptions returns runner options with sensible defaults
func DefaultRunnerOptions() RunnerOptions {
	return RunnerOptions{
		Concurrency:  1,
		Timeout:      30 * time.Second,
		PollInterval: time.Second,
	}
}

// Queue is a named logical channel of work
type Queue interface {
	// Name returns the unique queue name.
	Name() string

	// Enqueue submits a job. The payload is serialized to JSON. It
	// returns the backend-assigned job ID, or an empty string if the
	// backend cannot supply one synchronously.
	Enqueue(ctx context.Context, payload any, opts *EnqueueOptions) (string, error)

	// Stats returns a point-in-time snapshot approximated from the
	// backend's own accounting structures.
	Stats(ctx context.Context) (Stats, error)

	// CancelAllNonRunning cancels queued-but-not-yet-executing jobs,
	// best effort, and returns how many were cancelled. Not guaranteed
	// atomic with concurrent dequeues.
	CancelAllNonRunning(ctx context.Context) (int64, error)
}

// Runner is a consumer loop bound to a queue
type Runner interface {
	// Run starts the worker loop and blocks until ctx is cancelled or
	// Stop is called.
	Run(ctx context.Context) error

	// Stop signals the loop to drain in-flight work and return.
	Stop()

	// RunUntilEmpty processes work until no pending or running jobs
	// remain, then returns. Used by tests and batch tooling.
	RunUntilEmpty(ctx context.Context) error
}

// Client is a live backend connection, resolved through the plugin
// registry at boot
type Client interface {
	// CreateQueue creates a named queue. Duplicate names fail.
	CreateQueue(name string, opts Options) (Queue, error)

	// CreateRunner binds a consumer to a queue.
	CreateRunner(q Queue, cb Callbacks, opts RunnerOptions) (Runner, error)

	// Close releases backend resources.
	Close() error
}

// UnmarshalPayload decodes a job's payload into T
func UnmarshalPayload[T any](job *Job) (T, error) {
	var v T
	err := json.Unmarshal(job.Data, &v)
	return v, err
}
