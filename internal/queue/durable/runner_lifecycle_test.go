package durable

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfmark/shelfmark/pkg/config"
	"github.com/shelfmark/shelfmark/pkg/logging"
	"github.com/shelfmark/shelfmark/pkg/metrics"
)

// fakeAdmin serves deployment registration plus a scripted sequence of
// invocation-count snapshots.
func fakeAdmin(t *testing.T, snapshots []map[string]int64, registered *atomic.Int64) *httptest.Server {
	t.Helper()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/deployments" {
			registered.Add(1)
			w.WriteHeader(http.StatusCreated)
			return
		}

		i := int(calls.Add(1)) - 1
		if i >= len(snapshots) {
			i = len(snapshots) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"counts": snapshots[i]})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newLifecycleClient(t *testing.T, adminURL string) *Client {
	t.Helper()

	cfg := config.DurableConfig{
		IngressAddr: "http://ingress.invalid",
		AdminAddr:   adminURL,
		// Port zero makes the host bind an ephemeral port, which keeps
		// parallel test runs from colliding.
		ListenPort: 0,
	}
	runtime := NewRuntimeClient(cfg)
	host, err := NewHost(cfg, runtime, logging.GetLogger())
	require.NoError(t, err)

	client := &Client{
		cfg:      cfg,
		queueCfg: config.QueueConfig{PollInterval: 10 * time.Millisecond},
		runtime:  runtime,
		coord:    &fakeCoord{},
		host:     host,
		logger:   logging.GetLogger(),
		metrics:  metrics.GetMetrics(),
		queues:   make(map[string]*Queue),
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDurableRunner_StopUnblocksRun(t *testing.T) {
	var registered atomic.Int64
	admin := fakeAdmin(t, []map[string]int64{{}}, &registered)
	client := newLifecycleClient(t, admin.URL)

	q := &Queue{client: client, name: "crawler"}
	r := newRunner(client, q)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	assert.Eventually(t, func() bool {
		return registered.Load() == 1
	}, 5*time.Second, 10*time.Millisecond, "Run must register the deployment")

	r.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestDurableRunner_RunUntilEmpty(t *testing.T) {
	var registered atomic.Int64
	admin := fakeAdmin(t, []map[string]int64{
		{"pending": 2, "running": 1},
		{"running": 1},
		{},
	}, &registered)
	client := newLifecycleClient(t, admin.URL)

	q := &Queue{client: client, name: "crawler"}
	r := newRunner(client, q)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, r.RunUntilEmpty(ctx))
	assert.Equal(t, int64(1), registered.Load())
}

func TestDurableRunner_RunUntilEmptyHonorsContext(t *testing.T) {
	var registered atomic.Int64
	// Work never drains; the caller's deadline must end the wait.
	admin := fakeAdmin(t, []map[string]int64{{"pending": 1}}, &registered)
	client := newLifecycleClient(t, admin.URL)

	q := &Queue{client: client, name: "crawler"}
	r := newRunner(client, q)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := r.RunUntilEmpty(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
