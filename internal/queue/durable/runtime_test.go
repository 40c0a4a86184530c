package durable

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfmark/shelfmark/pkg/config"
)

func TestRuntimeClient_Send(t *testing.T) {
	var gotPath, gotQuery, gotIdemKey string
	var gotBody map[string]interface{}

	ingress := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotIdemKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"invocationId": "inv_123"})
	}))
	defer ingress.Close()

	client := NewRuntimeClient(config.DurableConfig{IngressAddr: ingress.URL})

	id, err := client.Send(context.Background(), "crawler", "run",
		map[string]string{"url": "https://example.com"},
		SendOptions{Delay: 1500 * time.Millisecond, IdempotencyKey: "bookmark-42"})
	require.NoError(t, err)

	assert.Equal(t, "inv_123", id)
	assert.Equal(t, "/crawler/run/send", gotPath)
	assert.Equal(t, "delay=1500ms", gotQuery)
	assert.Equal(t, "bookmark-42", gotIdemKey)
	assert.Equal(t, "https://example.com", gotBody["url"])
}

func TestRuntimeClient_SendNoDelayNoKey(t *testing.T) {
	var gotQuery string
	var hadIdemKey bool

	ingress := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, hadIdemKey = r.Header["Idempotency-Key"]
		w.WriteHeader(http.StatusOK)
	}))
	defer ingress.Close()

	client := NewRuntimeClient(config.DurableConfig{IngressAddr: ingress.URL})

	// Bodyless acknowledgement: the invocation ID is simply absent.
	id, err := client.Send(context.Background(), "crawler", "run", "payload", SendOptions{})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, gotQuery)
	assert.False(t, hadIdemKey)
}

func TestRuntimeClient_SendErrorStatus(t *testing.T) {
	ingress := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ingress.Close()

	client := NewRuntimeClient(config.DurableConfig{IngressAddr: ingress.URL})

	_, err := client.Send(context.Background(), "crawler", "run", "payload", SendOptions{})
	require.Error(t, err)
}

func TestRuntimeClient_InvocationCounts(t *testing.T) {
	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query/services/crawler/invocations", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"counts": map[string]int64{
				"pending": 2,
				"running": 1,
			},
		})
	}))
	defer admin.Close()

	client := NewRuntimeClient(config.DurableConfig{AdminAddr: admin.URL})

	counts, err := client.InvocationCounts(context.Background(), "crawler")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[StatusPending])
	assert.Equal(t, int64(1), counts[StatusRunning])
}

func TestRuntimeClient_RegisterDeployment(t *testing.T) {
	var gotURI string

	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deployments", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotURI = body["uri"]
		w.WriteHeader(http.StatusCreated)
	}))
	defer admin.Close()

	client := NewRuntimeClient(config.DurableConfig{AdminAddr: admin.URL})

	err := client.RegisterDeployment(context.Background(), "http://worker-1:9080")
	require.NoError(t, err)
	assert.Equal(t, "http://worker-1:9080", gotURI)
}

func TestFoldStatusCounts(t *testing.T) {
	stats := foldStatusCounts(map[string]int64{
		StatusPending:    1,
		StatusScheduled:  2,
		StatusReady:      3,
		StatusRunning:    4,
		StatusBackingOff: 5,
		StatusPaused:     6,
		StatusSuspended:  7,
		StatusCompleted:  100,
	})

	assert.Equal(t, int64(6), stats.Pending)
	assert.Equal(t, int64(18), stats.PendingRetry)
	assert.Equal(t, int64(4), stats.Running)
	assert.Equal(t, int64(0), stats.Failed, "the runtime exposes no failed bucket")
}
