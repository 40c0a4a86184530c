package durable

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shelfmark/shelfmark/pkg/config"
	apperrors "github.com/shelfmark/shelfmark/pkg/errors"
	"github.com/shelfmark/shelfmark/pkg/logging"
)

// signatureHeader carries the runtime's base64 ed25519 signature over
// the request body when invocation signing is configured.
const signatureHeader = "X-Runtime-Signature"

// Host is the HTTP surface the runtime invokes: one service per queue,
// each exposing a single run handler. It also answers the runtime's
// health probe and registers its own address as a deployment.
type Host struct {
	listenPort int
	publicKey  ed25519.PublicKey
	runtime    *RuntimeClient
	logger     *logging.Logger
	engine     *gin.Engine
	server     *http.Server

	mu       sync.Mutex
	services map[string]*invocationHandler

	startOnce sync.Once
	startErr  error
}

// NewHost builds the host for the configured listen port. An invalid
// public key is a startup error, not a silently skipped check.
func NewHost(cfg config.DurableConfig, runtime *RuntimeClient, logger *logging.Logger) (*Host, error) {
	var publicKey ed25519.PublicKey
	if cfg.PublicKey != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.PublicKey)
		if err != nil {
			return nil, apperrors.NewValidationError("invocation public key is not valid base64").WithCause(err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, apperrors.NewValidationError("invocation public key has wrong size")
		}
		publicKey = ed25519.PublicKey(raw)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	h := &Host{
		listenPort: cfg.ListenPort,
		publicKey:  publicKey,
		runtime:    runtime,
		logger:     logger,
		engine:     engine,
		services:   make(map[string]*invocationHandler),
	}

	engine.GET("/healthz", func(gc *gin.Context) {
		gc.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	invoke := engine.Group("/invoke")
	if publicKey != nil {
		invoke.Use(h.verifySignature)
	}
	invoke.POST("/:service/run", h.dispatch)

	return h, nil
}

// RegisterService binds a queue's invocation handler. One handler per
// service name; a second registration is a configuration mistake.
func (h *Host) RegisterService(name string, handler *invocationHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.services[name]; exists {
		return apperrors.NewConflictError("service already registered").WithDetail("service", name)
	}
	h.services[name] = handler
	return nil
}

// Start begins listening and announces this deployment to the runtime.
// Safe to call from every runner; only the first call does the work.
func (h *Host) Start(ctx context.Context) error {
	h.startOnce.Do(func() {
		h.server = &http.Server{
			Addr:         fmt.Sprintf(":%d", h.listenPort),
			Handler:      h.engine,
			ReadTimeout:  30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		ln := make(chan error, 1)
		go func() {
			if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				ln <- err
			}
		}()

		// Give the listener a moment to fail fast on a bound port.
		select {
		case err := <-ln:
			h.startErr = apperrors.NewInternalError("invocation host failed to listen").WithCause(err)
			return
		case <-time.After(100 * time.Millisecond):
		}

		uri := h.deploymentURI()
		if err := h.runtime.RegisterDeployment(ctx, uri); err != nil {
			h.logger.WithError(err).Error("Deployment registration failed")
			h.startErr = err
			return
		}

		h.logger.WithComponent("durable-host").WithField("uri", uri).Info("Invocation host registered")
	})

	return h.startErr
}

// Shutdown stops the HTTP server gracefully
func (h *Host) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func (h *Host) deploymentURI() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", hostname, h.listenPort)
}

// dispatch routes an invocation to its service handler
func (h *Host) dispatch(gc *gin.Context) {
	service := gc.Param("service")

	h.mu.Lock()
	handler, ok := h.services[service]
	h.mu.Unlock()

	if !ok {
		gc.JSON(http.StatusNotFound, gin.H{"error": "unknown service: " + service})
		return
	}

	handler.handle(gc)
}

// verifySignature checks the runtime's ed25519 signature over the body
func (h *Host) verifySignature(gc *gin.Context) {
	sig, err := base64.StdEncoding.DecodeString(gc.GetHeader(signatureHeader))
	if err != nil || len(sig) == 0 {
		gc.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or malformed invocation signature"})
		return
	}

	body, err := io.ReadAll(gc.Request.Body)
	if err != nil {
		gc.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	gc.Request.Body = io.NopCloser(bytes.NewReader(body))

	if !ed25519.Verify(h.publicKey, body, sig) {
		gc.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid invocation signature"})
		return
	}

	gc.Next()
}
