package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/orderflow/internal/config"
)

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(config.RetryConfig{
		MaxAttempts:      5,
		InitialBackoffMs: 200,
		MaxBackoffMs:     1000,
		Multiplier:       3,
		JitterFraction:   0,
	})
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, time.Second, cfg.MaxBackoff)
	assert.InDelta(t, 3.0, cfg.Multiplier, 0.001)
	assert.InDelta(t, 0.0, cfg.JitterFraction, 0.001)

	def := FromRetryConfig(config.RetryConfig{JitterFraction: -1})
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, def.MaxAttempts)
	assert.Equal(t, DefaultRetryConfig().MaxBackoff, def.MaxBackoff)
	assert.InDelta(t, 0.25, def.JitterFraction, 0.001)
}

func TestFromRetryConfig_Bounds(t *testing.T) {
	cfg := FromRetryConfig(config.RetryConfig{InitialBackoffMs: 60_000, Multiplier: 0.5, JitterFraction: 4})
	assert.Equal(t, time.Minute, cfg.MaxBackoff, "max backoff is never below the initial one")
	assert.InDelta(t, DefaultRetryConfig().Multiplier, cfg.Multiplier, 0.001)
	assert.InDelta(t, 1.0, cfg.JitterFraction, 0.001)
}

func TestFromPipelineConfig(t *testing.T) {
	p := FromPipelineConfig(config.PipelineConfig{
		Retry:   config.RetryConfig{MaxAttempts: 4, JitterFraction: -1},
		Circuit: config.CircuitConfig{FailureThreshold: 2, ResetTimeoutSecs: 9},
	})
	assert.Equal(t, 4, p.Retry.MaxAttempts)
	assert.Equal(t, 2, p.Circuit.FailureThreshold)
	assert.Equal(t, 9*time.Second, p.Circuit.ResetTimeout)

	def := FromCircuitConfig(config.CircuitConfig{})
	assert.Equal(t, DefaultCircuitBreakerConfig(), def)
}

func TestPolicies_For(t *testing.T) {
	p := Policies{Retry: DefaultRetryConfig()}
	r := p.For("supplier", "submit")
	assert.NotNil(t, r.OnRetry)
	assert.Nil(t, p.Retry.OnRetry)
	assert.NotPanics(t, func() { r.OnRetry(1, errors.New("503")) })
}
