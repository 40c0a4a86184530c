package durable

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	apperrors "github.com/shelfmark/shelfmark/pkg/errors"
	"github.com/shelfmark/shelfmark/pkg/metrics"
)

// defaultSlotLeaseTTL bounds how long a granted slot may go unreleased
// before the admission tick reclaims it, e.g. after a holder crashes.
// It must outlast the longest job attempt, or a live slot gets swept
// mid-run.
const defaultSlotLeaseTTL = 10 * time.Minute

// defaultReconcileInterval is how often a blocked acquirer re-reads the
// shared state. Reconciling from the waiting side is what recovers
// slots abandoned by crashed holders and picks up admissions performed
// by another process.
const defaultReconcileInterval = time.Second

// waiterItem is one queued acquirer in the semaphore's durable state
type waiterItem struct {
	Token    string `json:"token"`
	Priority int    `json:"priority"`
}

// heldSlot is one granted slot, leased to its owner token until Expires
// (unix milliseconds).
type heldSlot struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
}

// semaphoreState is the per-queue durable state: the waiting list plus
// the granted slots. Invariant: len(Held) never exceeds the capacity
// passed to the operations.
type semaphoreState struct {
	Items []waiterItem `json:"items"`
	Held  []heldSlot   `json:"held"`
}

func (s *semaphoreState) holds(token string) bool {
	for _, h := range s.Held {
		if h.Token == token {
			return true
		}
	}
	return false
}

// admissionTick first sweeps held slots whose lease lapsed, then grants
// slots to waiters while capacity remains, lowest priority value first,
// insertion order on ties. It returns the admitted tokens and is a
// no-op on empty or saturated state.
func (s *semaphoreState) admissionTick(capacity int, now int64, ttl time.Duration) []string {
	live := s.Held[:0]
	for _, h := range s.Held {
		if h.Expires > now {
			live = append(live, h)
		}
	}
	s.Held = live

	var admitted []string
	for len(s.Held) < capacity && len(s.Items) > 0 {
		best := 0
		for i := 1; i < len(s.Items); i++ {
			if s.Items[i].Priority < s.Items[best].Priority {
				best = i
			}
		}

		item := s.Items[best]
		s.Items = append(s.Items[:best], s.Items[best+1:]...)
		s.Held = append(s.Held, heldSlot{Token: item.Token, Expires: now + ttl.Milliseconds()})
		admitted = append(admitted, item.Token)
	}

	return admitted
}

// Semaphore bounds concurrent in-flight executions for one queue. State
// transitions are applied atomically through the StateStore; admitted
// waiters are signaled out-of-band, since a waiter registers first and
// then blocks until its token is resolved (the actor model cannot block
// inside a state transition). While blocked, a waiter periodically
// reconciles against the store, so it observes admissions made by other
// processes and sweeps leases left behind by crashed holders.
type Semaphore struct {
	store StateStore
	name  string

	leaseTTL       time.Duration
	reconcileEvery time.Duration

	mu      sync.Mutex
	waiters map[string]chan struct{}

	metrics *metrics.Metrics
}

// NewSemaphore creates the semaphore for a queue name
func NewSemaphore(store StateStore, name string) *Semaphore {
	return &Semaphore{
		store:          store,
		name:           name,
		leaseTTL:       defaultSlotLeaseTTL,
		reconcileEvery: defaultReconcileInterval,
		waiters:        make(map[string]chan struct{}),
		metrics:        metrics.GetMetrics(),
	}
}

func (s *Semaphore) stateKey() string {
	return "semaphore:" + s.name
}

// Acquire registers the waiter at the given priority, runs the admission
// tick, and blocks until the waiter's token holds a slot. Waiting is the
// suspension point of an invocation; a caller must Release exactly once
// per successful Acquire, passing the same token.
func (s *Semaphore) Acquire(ctx context.Context, token string, priority, capacity int) error {
	ready := make(chan struct{})
	s.mu.Lock()
	s.waiters[token] = ready
	s.mu.Unlock()

	s.metrics.SemaphoreWaiters.WithLabelValues(s.name).Inc()
	defer s.metrics.SemaphoreWaiters.WithLabelValues(s.name).Dec()

	admitted, _, err := s.transition(ctx, capacity, func(state *semaphoreState) {
		state.Items = append(state.Items, waiterItem{Token: token, Priority: priority})
	})
	if err != nil {
		s.dropWaiter(token)
		return err
	}
	s.signal(admitted)

	ticker := time.NewTicker(s.reconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ready:
			s.metrics.SemaphoreHeld.WithLabelValues(s.name).Inc()
			return nil
		case <-ctx.Done():
			s.abandon(token, capacity)
			return ctx.Err()
		case <-ticker.C:
			admitted, state, err := s.transition(ctx, capacity, func(*semaphoreState) {})
			if err != nil {
				// Transient store outage: keep waiting, the next tick
				// retries.
				continue
			}
			s.signal(admitted)
			if state.holds(token) {
				s.dropWaiter(token)
				s.metrics.SemaphoreHeld.WithLabelValues(s.name).Inc()
				return nil
			}
		}
	}
}

// Release returns the slot leased to token and runs the admission tick
// again. Releasing a slot the sweep already reclaimed is a no-op.
func (s *Semaphore) Release(ctx context.Context, token string, capacity int) error {
	var removed bool
	admitted, _, err := s.transition(ctx, capacity, func(state *semaphoreState) {
		for i, h := range state.Held {
			if h.Token == token {
				state.Held = append(state.Held[:i], state.Held[i+1:]...)
				removed = true
				return
			}
		}
	})
	if err != nil {
		return err
	}

	if removed {
		s.metrics.SemaphoreHeld.WithLabelValues(s.name).Dec()
	}
	s.signal(admitted)
	return nil
}

// transition applies mutate plus the admission tick as one atomic state
// update. It returns the tokens admitted by the tick and the settled
// state.
func (s *Semaphore) transition(ctx context.Context, capacity int, mutate func(*semaphoreState)) ([]string, semaphoreState, error) {
	var admitted []string
	var settled semaphoreState

	_, err := s.store.Update(ctx, s.stateKey(), func(current []byte) ([]byte, error) {
		var state semaphoreState
		if len(current) > 0 {
			if err := json.Unmarshal(current, &state); err != nil {
				return nil, apperrors.NewInternalError("corrupt semaphore state").WithCause(err)
			}
		}

		mutate(&state)
		admitted = state.admissionTick(capacity, time.Now().UnixMilli(), s.leaseTTL)
		settled = state

		return json.Marshal(state)
	})
	if err != nil {
		return nil, semaphoreState{}, err
	}

	return admitted, settled, nil
}

// signal resolves admitted waiters. Tokens without a local waiter belong
// to another process or to callers that abandoned the wait; the former
// pick up the grant on their next reconcile, the latter are reconciled
// by abandon.
func (s *Semaphore) signal(tokens []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, token := range tokens {
		if ch, ok := s.waiters[token]; ok {
			close(ch)
			delete(s.waiters, token)
		}
	}
}

// abandon withdraws a cancelled waiter: either it was still queued (drop
// the item) or it was granted a slot between cancellation and now (give
// the slot back).
func (s *Semaphore) abandon(token string, capacity int) {
	s.mu.Lock()
	delete(s.waiters, token)
	s.mu.Unlock()

	ctx := context.Background()
	released, _, err := s.transition(ctx, capacity, func(state *semaphoreState) {
		for i, item := range state.Items {
			if item.Token == token {
				state.Items = append(state.Items[:i], state.Items[i+1:]...)
				return
			}
		}
		for i, h := range state.Held {
			if h.Token == token {
				state.Held = append(state.Held[:i], state.Held[i+1:]...)
				return
			}
		}
	})
	if err == nil {
		s.signal(released)
	}
}

func (s *Semaphore) dropWaiter(token string) {
	s.mu.Lock()
	delete(s.waiters, token)
	s.mu.Unlock()
}
