// Package plugins holds the capability registry that decouples "what is
// needed" (a queue client, a search index) from "which backend provides
// it". The registry is built once at startup from an explicit, ordered
// list of configured backends; registration order is configuration, not
// an import-order side effect.
package plugins

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	apperrors "github.com/shelfmark/shelfmark/pkg/errors"
	"github.com/shelfmark/shelfmark/pkg/logging"
)

// Kind identifies a pluggable capability
type Kind string

const (
	KindQueue Kind = "queue"

	// Sibling capabilities follow the same pattern; only the queue kind
	// is resolved in this repository.
	KindSearch    Kind = "search"
	KindRateLimit Kind = "rate_limit"
)

// Provider builds a live client for a capability. Build is called at most
// once per registry; the result is cached.
type Provider interface {
	// Name identifies the provider in logs and errors.
	Name() string

	// Build creates the client. The concrete type depends on the kind;
	// KindQueue providers return a queue.Client.
	Build(ctx context.Context) (any, error)
}

type registration struct {
	name     string
	provider Provider
}

type providerFunc struct {
	name  string
	build func(ctx context.Context) (any, error)
}

func (p providerFunc) Name() string                           { return p.name }
func (p providerFunc) Build(ctx context.Context) (any, error) { return p.build(ctx) }

// ProviderFunc adapts a build function into a Provider
func ProviderFunc(name string, build func(ctx context.Context) (any, error)) Provider {
	return providerFunc{name: name, build: build}
}

// Registry maps capability kinds to ordered provider lists. The most
// recently registered provider wins, so a conditionally configured
// backend overrides a default by being registered after it.
type Registry struct {
	mu        sync.Mutex
	providers map[Kind][]registration
	clients   map[Kind]any
	logger    *logging.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Registry{
		providers: make(map[Kind][]registration),
		clients:   make(map[Kind]any),
		logger:    logger,
	}
}

// Register appends a provider for the kind. Duplicate names are allowed
// on purpose: overriding a default is expressed by registering later.
func (r *Registry) Register(kind Kind, name string, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[kind] = append(r.providers[kind], registration{name: name, provider: provider})
	r.logger.WithComponent("plugins").WithFields(logrus.Fields{
		"kind":     string(kind),
		"provider": name,
		"position": len(r.providers[kind]),
	}).Info("Registered provider")
}

// IsRegistered reports whether any provider exists for the kind
func (r *Registry) IsRegistered(kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.providers[kind]) > 0
}

// Client resolves the most recently registered provider's client,
// building it lazily on first use and caching the result. It returns
// (nil, nil) when no provider is registered for the kind.
func (r *Registry) Client(ctx context.Context, kind Kind) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[kind]; ok {
		return client, nil
	}

	regs := r.providers[kind]
	if len(regs) == 0 {
		return nil, nil
	}

	// Last registration wins.
	reg := regs[len(regs)-1]
	client, err := reg.provider.Build(ctx)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build provider client").
			WithDetail("kind", string(kind)).
			WithDetail("provider", reg.name).
			WithCause(err)
	}

	r.clients[kind] = client
	r.logger.WithComponent("plugins").WithFields(logrus.Fields{
		"kind":     string(kind),
		"provider": reg.name,
	}).Info("Resolved provider client")

	return client, nil
}

// ClientAs resolves the kind's client and asserts it to T. A missing
// provider surfaces as an unavailable error: the system must not run
// without its backends silently.
func ClientAs[T any](ctx context.Context, r *Registry, kind Kind) (T, error) {
	var zero T

	client, err := r.Client(ctx, kind)
	if err != nil {
		return zero, err
	}
	if client == nil {
		return zero, apperrors.NewUnavailableError("no provider registered").
			WithDetail("kind", string(kind))
	}

	typed, ok := client.(T)
	if !ok {
		return zero, apperrors.NewInternalError("provider client has unexpected type").
			WithDetail("kind", string(kind))
	}
	return typed, nil
}
