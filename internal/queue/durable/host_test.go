package durable

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfmark/shelfmark/internal/queue"
	"github.com/shelfmark/shelfmark/pkg/config"
	"github.com/shelfmark/shelfmark/pkg/logging"
	"github.com/shelfmark/shelfmark/pkg/metrics"
)

func newTestHost(t *testing.T, cfg config.DurableConfig) (*Host, *httptest.Server) {
	t.Helper()

	host, err := NewHost(cfg, NewRuntimeClient(cfg), logging.GetLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(host.engine)
	t.Cleanup(srv.Close)
	return host, srv
}

func registerNoopService(t *testing.T, host *Host, name string) {
	t.Helper()

	err := host.RegisterService(name, &invocationHandler{
		q:       &Queue{name: name},
		cb:      queue.Callbacks{Run: func(ctx context.Context, job *queue.Job) error { return nil }},
		opts:    queue.RunnerOptions{Concurrency: 1, Timeout: time.Second},
		coord:   &fakeCoord{},
		backoff: time.Millisecond,
		logger:  logging.GetLogger(),
		metrics: metrics.GetMetrics(),
	})
	require.NoError(t, err)
}

func TestHost_DispatchUnknownService(t *testing.T) {
	_, srv := newTestHost(t, config.DurableConfig{ListenPort: 1})

	resp, err := http.Post(srv.URL+"/invoke/nope/run", "application/json",
		bytes.NewReader([]byte(`{"data":{}}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHost_DispatchRegisteredService(t *testing.T) {
	host, srv := newTestHost(t, config.DurableConfig{ListenPort: 1})
	registerNoopService(t, host, "crawler")

	resp, err := http.Post(srv.URL+"/invoke/crawler/run", "application/json",
		bytes.NewReader([]byte(`{"data":{}}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHost_RegisterService_Duplicate(t *testing.T) {
	host, _ := newTestHost(t, config.DurableConfig{ListenPort: 1})
	registerNoopService(t, host, "crawler")

	err := host.RegisterService("crawler", &invocationHandler{})
	require.Error(t, err)
}

func TestHost_Healthz(t *testing.T) {
	_, srv := newTestHost(t, config.DurableConfig{ListenPort: 1})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHost_SignatureVerification(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	host, srv := newTestHost(t, config.DurableConfig{
		ListenPort: 1,
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
	})
	registerNoopService(t, host, "crawler")

	body := []byte(`{"data":{}}`)

	t.Run("missing signature", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/invoke/crawler/run", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bad signature", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/invoke/crawler/run", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(signatureHeader, base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize)))

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid signature", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/invoke/crawler/run", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(signatureHeader, base64.StdEncoding.EncodeToString(ed25519.Sign(priv, body)))

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestNewHost_RejectsWrongKeySize(t *testing.T) {
	_, err := NewHost(config.DurableConfig{
		ListenPort: 1,
		PublicKey:  base64.StdEncoding.EncodeToString([]byte("short")),
	}, nil, logging.GetLogger())
	require.Error(t, err)
}
