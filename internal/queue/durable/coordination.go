package durable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	apperrors "github.com/shelfmark/shelfmark/pkg/errors"
)

// Coordination exposes the two coordination objects as atomic remote
// calls addressed by queue name. Workers may live in separate processes,
// so the operations must not rely on shared in-process memory.
type Coordination interface {
	// Acquire blocks until the waiter identified by token is admitted.
	Acquire(ctx context.Context, queueName, token string, priority, capacity int) error

	// Release returns the slot granted to token by Acquire.
	Release(ctx context.Context, queueName, token string, capacity int) error

	// NextID returns the queue's next monotonic identifier.
	NextID(ctx context.Context, queueName string) (uint64, error)
}

// Coordinator owns the per-queue semaphores and counters. It implements
// Coordination directly for in-process callers and is mounted on a gin
// router for remote ones. Both objects are scoped per queue name, so two
// queues never contend.
type Coordinator struct {
	store StateStore

	mu         sync.Mutex
	semaphores map[string]*Semaphore
	counters   map[string]*Counter
}

// NewCoordinator creates a coordinator over the given state store.
// Admitted waiters are signaled through the store: a waiter admitted by
// a tick in another process learns about its grant on its next
// reconcile interval rather than immediately. Deployments with more
// than one worker process should run the standalone coordination
// service and point workers at it, so every Acquire long-polls a single
// admitter.
func NewCoordinator(store StateStore) *Coordinator {
	return &Coordinator{
		store:      store,
		semaphores: make(map[string]*Semaphore),
		counters:   make(map[string]*Counter),
	}
}

func (c *Coordinator) semaphore(name string) *Semaphore {
	c.mu.Lock()
	defer c.mu.Unlock()

	sem, ok := c.semaphores[name]
	if !ok {
		sem = NewSemaphore(c.store, name)
		c.semaphores[name] = sem
	}
	return sem
}

func (c *Coordinator) counter(name string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctr, ok := c.counters[name]
	if !ok {
		ctr = NewCounter(c.store, name)
		c.counters[name] = ctr
	}
	return ctr
}

// Acquire implements Coordination
func (c *Coordinator) Acquire(ctx context.Context, queueName, token string, priority, capacity int) error {
	return c.semaphore(queueName).Acquire(ctx, token, priority, capacity)
}

// Release implements Coordination
func (c *Coordinator) Release(ctx context.Context, queueName, token string, capacity int) error {
	return c.semaphore(queueName).Release(ctx, token, capacity)
}

// NextID implements Coordination
func (c *Coordinator) NextID(ctx context.Context, queueName string) (uint64, error) {
	return c.counter(queueName).Next(ctx)
}

type acquireRequest struct {
	Token    string `json:"token" binding:"required"`
	Priority int    `json:"priority"`
	Capacity int    `json:"capacity" binding:"required,min=1"`
}

type releaseRequest struct {
	Token    string `json:"token" binding:"required"`
	Capacity int    `json:"capacity" binding:"required,min=1"`
}

type nextIDResponse struct {
	Value uint64 `json:"value"`
}

// MountRoutes registers the coordination endpoints. Acquire is a long
// poll: the request returns once the waiter is admitted, which is how a
// remote caller's suspension is expressed over HTTP.
func (c *Coordinator) MountRoutes(r gin.IRouter) {
	v1 := r.Group("/v1")

	v1.POST("/semaphores/:queue/acquire", func(gc *gin.Context) {
		var req acquireRequest
		if err := gc.ShouldBindJSON(&req); err != nil {
			gc.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := c.Acquire(gc.Request.Context(), gc.Param("queue"), req.Token, req.Priority, req.Capacity); err != nil {
			gc.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		gc.JSON(http.StatusOK, gin.H{"admitted": true})
	})

	v1.POST("/semaphores/:queue/release", func(gc *gin.Context) {
		var req releaseRequest
		if err := gc.ShouldBindJSON(&req); err != nil {
			gc.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := c.Release(gc.Request.Context(), gc.Param("queue"), req.Token, req.Capacity); err != nil {
			gc.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		gc.JSON(http.StatusOK, gin.H{"released": true})
	})

	v1.POST("/counters/:queue/next", func(gc *gin.Context) {
		value, err := c.NextID(gc.Request.Context(), gc.Param("queue"))
		if err != nil {
			gc.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		gc.JSON(http.StatusOK, nextIDResponse{Value: value})
	})
}

// CoordinationClient is the HTTP client for a remote Coordinator
type CoordinationClient struct {
	baseURL string
	http    *http.Client
}

// NewCoordinationClient creates a client for the coordination service at
// baseURL. Acquire calls long-poll, so the underlying client carries no
// request timeout; deadlines come from the caller's context.
func NewCoordinationClient(baseURL string) *CoordinationClient {
	return &CoordinationClient{
		baseURL: baseURL,
		http:    &http.Client{},
	}
}

func (c *CoordinationClient) post(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return apperrors.NewInternalError("failed to encode coordination request").WithCause(err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return apperrors.NewInternalError("failed to build coordination request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.NewExternalError("coordination", "coordination request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.NewExternalError("coordination",
			fmt.Sprintf("coordination request returned status %d", resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.NewExternalError("coordination", "failed to decode coordination response").WithCause(err)
		}
	}
	return nil
}

// Acquire implements Coordination
func (c *CoordinationClient) Acquire(ctx context.Context, queueName, token string, priority, capacity int) error {
	return c.post(ctx, "/v1/semaphores/"+queueName+"/acquire",
		acquireRequest{Token: token, Priority: priority, Capacity: capacity}, nil)
}

// Release implements Coordination
func (c *CoordinationClient) Release(ctx context.Context, queueName, token string, capacity int) error {
	return c.post(ctx, "/v1/semaphores/"+queueName+"/release",
		releaseRequest{Token: token, Capacity: capacity}, nil)
}

// NextID implements Coordination
func (c *CoordinationClient) NextID(ctx context.Context, queueName string) (uint64, error) {
	var resp nextIDResponse
	if err := c.post(ctx, "/v1/counters/"+queueName+"/next", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Value, nil
}

var (
	_ Coordination = (*Coordinator)(nil)
	_ Coordination = (*CoordinationClient)(nil)
)
