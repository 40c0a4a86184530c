package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_DisabledStillUsable(t *testing.T) {
	m := NewMetrics(&Config{Namespace: "test_disabled", Enabled: false})

	// Disabled means unregistered, not nil: instrumented call sites must
	// keep working.
	require.NotNil(t, m.JobsEnqueued)
	assert.NotPanics(t, func() {
		m.JobsEnqueued.WithLabelValues("crawler", "sqlite").Inc()
		m.JobsInFlight.WithLabelValues("crawler", "sqlite").Inc()
		m.SemaphoreHeld.WithLabelValues("crawler").Dec()
		m.ObserveAttempt("crawler", "sqlite", "success", 10*time.Millisecond)
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "shelfmark", cfg.Namespace)
	assert.True(t, cfg.Enabled)
}

func TestGetMetrics_Singleton(t *testing.T) {
	assert.Same(t, GetMetrics(), GetMetrics())
}
