package plugins

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/shelfmark/shelfmark/pkg/errors"
)

type fakeClient struct {
	name string
}

func provider(name string, builds *int, err error) Provider {
	return ProviderFunc(name, func(ctx context.Context) (any, error) {
		if builds != nil {
			*builds++
		}
		if err != nil {
			return nil, err
		}
		return &fakeClient{name: name}, nil
	})
}

func TestRegistry_LastRegisteredWins(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(KindQueue, "sqlite", provider("sqlite", nil, nil))
	r.Register(KindQueue, "durable", provider("durable", nil, nil))

	client, err := r.Client(context.Background(), KindQueue)
	if err != nil {
		t.Fatalf("Client failed: %v", err)
	}

	fc, ok := client.(*fakeClient)
	if !ok {
		t.Fatalf("unexpected client type %T", client)
	}
	if fc.name != "durable" {
		t.Errorf("expected the last registered provider to win, got %s", fc.name)
	}
}

func TestRegistry_LazyAndCached(t *testing.T) {
	var builds int
	r := NewRegistry(nil)
	r.Register(KindQueue, "sqlite", provider("sqlite", &builds, nil))

	if builds != 0 {
		t.Fatal("provider must not build before first resolution")
	}

	first, err := r.Client(context.Background(), KindQueue)
	if err != nil {
		t.Fatalf("Client failed: %v", err)
	}
	second, err := r.Client(context.Background(), KindQueue)
	if err != nil {
		t.Fatalf("Client failed: %v", err)
	}

	if builds != 1 {
		t.Errorf("expected exactly one build, got %d", builds)
	}
	if first != second {
		t.Error("resolved client must be cached")
	}
}

func TestRegistry_NoProvider(t *testing.T) {
	r := NewRegistry(nil)

	client, err := r.Client(context.Background(), KindQueue)
	if err != nil {
		t.Errorf("missing provider should not be an error at this layer: %v", err)
	}
	if client != nil {
		t.Error("expected nil client when nothing is registered")
	}
}

func TestRegistry_BuildError(t *testing.T) {
	buildErr := errors.New("redis unreachable")
	r := NewRegistry(nil)
	r.Register(KindQueue, "durable", provider("durable", nil, buildErr))

	_, err := r.Client(context.Background(), KindQueue)
	if err == nil {
		t.Fatal("expected build error to surface")
	}
	if !errors.Is(err, buildErr) {
		t.Errorf("build error should be wrapped, got %v", err)
	}
}

func TestRegistry_IsRegistered(t *testing.T) {
	r := NewRegistry(nil)

	if r.IsRegistered(KindQueue) {
		t.Error("empty registry should report unregistered")
	}
	r.Register(KindQueue, "sqlite", provider("sqlite", nil, nil))
	if !r.IsRegistered(KindQueue) {
		t.Error("registered kind should report registered")
	}
	if r.IsRegistered(KindSearch) {
		t.Error("unrelated kind should stay unregistered")
	}
}

func TestClientAs(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(KindQueue, "sqlite", provider("sqlite", nil, nil))

	typed, err := ClientAs[*fakeClient](context.Background(), r, KindQueue)
	if err != nil {
		t.Fatalf("ClientAs failed: %v", err)
	}
	if typed.name != "sqlite" {
		t.Errorf("unexpected client: %+v", typed)
	}
}

func TestClientAs_Missing(t *testing.T) {
	r := NewRegistry(nil)

	_, err := ClientAs[*fakeClient](context.Background(), r, KindQueue)
	if err == nil {
		t.Fatal("expected unavailable error for missing provider")
	}
	if !apperrors.IsType(err, apperrors.ErrorTypeUnavailable) {
		t.Errorf("expected unavailable error, got %v", err)
	}
}

func TestClientAs_WrongType(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(KindQueue, "sqlite", provider("sqlite", nil, nil))

	_, err := ClientAs[string](context.Background(), r, KindQueue)
	if err == nil {
		t.Fatal("expected type assertion failure")
	}
	if !apperrors.IsType(err, apperrors.ErrorTypeInternal) {
		t.Errorf("expected internal error, got %v", err)
	}
}
