package durable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shelfmark/shelfmark/pkg/config"
	apperrors "github.com/shelfmark/shelfmark/pkg/errors"
)

// Invocation statuses reported by the runtime's introspection interface.
// This vocabulary is finer-grained than the Stats buckets and is folded
// by the queue's Stats implementation.
const (
	StatusPending    = "pending"
	StatusScheduled  = "scheduled"
	StatusReady      = "ready"
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusBackingOff = "backing-off"
	StatusSuspended  = "suspended"
	StatusCompleted  = "completed"
)

// SendOptions configures a one-way invocation
type SendOptions struct {
	// Delay postpones the invocation's earliest start.
	Delay time.Duration

	// IdempotencyKey is passed through to the runtime's native
	// deduplication.
	IdempotencyKey string
}

// RuntimeClient talks to the external durable-execution runtime: the
// ingress endpoint for one-way invocations and the admin endpoint for
// introspection and deployment registration.
type RuntimeClient struct {
	ingressAddr string
	adminAddr   string
	http        *http.Client
}

// NewRuntimeClient creates a client from the durable backend config
func NewRuntimeClient(cfg config.DurableConfig) *RuntimeClient {
	return &RuntimeClient{
		ingressAddr: cfg.IngressAddr,
		adminAddr:   cfg.AdminAddr,
		http:        &http.Client{Timeout: 30 * time.Second},
	}
}

type sendResponse struct {
	InvocationID string `json:"invocationId"`
}

// Send fires a one-way invocation of service/handler and returns the
// runtime-assigned invocation ID when the ingress supplies one.
func (c *RuntimeClient) Send(ctx context.Context, service, handler string, payload any, opts SendOptions) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.NewValidationError("invocation payload is not serializable").WithCause(err)
	}

	endpoint := fmt.Sprintf("%s/%s/%s/send", c.ingressAddr, url.PathEscape(service), url.PathEscape(handler))
	if opts.Delay > 0 {
		endpoint += "?delay=" + strconv.FormatInt(opts.Delay.Milliseconds(), 10) + "ms"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", apperrors.NewInternalError("failed to build ingress request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", opts.IdempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperrors.NewExternalError("runtime", "ingress send failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", apperrors.NewExternalError("runtime",
			fmt.Sprintf("ingress send returned status %d", resp.StatusCode))
	}

	var sent sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sent); err != nil {
		// Older runtimes acknowledge without a body; the ID is optional.
		return "", nil
	}
	return sent.InvocationID, nil
}

type invocationCountsResponse struct {
	Counts map[string]int64 `json:"counts"`
}

// InvocationCounts queries the admin introspection interface for the
// service's invocation counts grouped by status.
func (c *RuntimeClient) InvocationCounts(ctx context.Context, service string) (map[string]int64, error) {
	endpoint := fmt.Sprintf("%s/query/services/%s/invocations", c.adminAddr, url.PathEscape(service))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build admin query request").WithCause(err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.NewExternalError("runtime", "admin query failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewExternalError("runtime",
			fmt.Sprintf("admin query returned status %d", resp.StatusCode))
	}

	var counts invocationCountsResponse
	if err := json.NewDecoder(resp.Body).Decode(&counts); err != nil {
		return nil, apperrors.NewExternalError("runtime", "failed to decode admin query response").WithCause(err)
	}
	return counts.Counts, nil
}

type registerDeploymentRequest struct {
	URI string `json:"uri"`
}

// RegisterDeployment announces this process's invocable address to the
// runtime, done once at startup.
func (c *RuntimeClient) RegisterDeployment(ctx context.Context, uri string) error {
	body, err := json.Marshal(registerDeploymentRequest{URI: uri})
	if err != nil {
		return apperrors.NewInternalError("failed to encode deployment registration").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.adminAddr+"/deployments", bytes.NewReader(body))
	if err != nil {
		return apperrors.NewInternalError("failed to build deployment registration request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.NewExternalError("runtime", "deployment registration failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return apperrors.NewExternalError("runtime",
			fmt.Sprintf("deployment registration returned status %d", resp.StatusCode))
	}
	return nil
}
