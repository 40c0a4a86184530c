package durable

import (
	"context"
	"encoding/json"

	apperrors "github.com/shelfmark/shelfmark/pkg/errors"
)

// counterState holds a queue's monotonic counter
type counterState struct {
	NextID uint64 `json:"next_id"`
}

// Counter produces a strictly increasing integer per queue, used to
// derive readable job identifiers for invocations that have no natural
// sequence number. Access is serialized by the StateStore's
// compare-and-swap, so no additional locking is needed.
type Counter struct {
	store StateStore
	name  string
}

// NewCounter creates the counter for a queue name
func NewCounter(store StateStore, name string) *Counter {
	return &Counter{store: store, name: name}
}

// Next returns the current counter value and advances it by one. The
// counter starts at 0 when absent.
func (c *Counter) Next(ctx context.Context) (uint64, error) {
	var value uint64

	_, err := c.store.Update(ctx, "counter:"+c.name, func(current []byte) ([]byte, error) {
		var state counterState
		if len(current) > 0 {
			if err := json.Unmarshal(current, &state); err != nil {
				return nil, apperrors.NewInternalError("corrupt counter state").WithCause(err)
			}
		}

		value = state.NextID
		state.NextID++
		return json.Marshal(state)
	})
	if err != nil {
		return 0, err
	}

	return value, nil
}
