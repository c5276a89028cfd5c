package resilience

import (
	"time"

	"github.com/sells-group/orderflow/internal/config"
)

// Policies are the retry and circuit breaker settings of the order pipeline.
type Policies struct {
	Retry   RetryConfig
	Circuit CircuitBreakerConfig
}

// FromPipelineConfig maps the pipeline.retry and pipeline.circuit sections.
func FromPipelineConfig(pc config.PipelineConfig) Policies {
	return Policies{
		Retry:   FromRetryConfig(pc.Retry),
		Circuit: FromCircuitConfig(pc.Circuit),
	}
}

// For returns the retry policy of one operation, with its retries logged
// under service and operation.
func (p Policies) For(service, operation string) RetryConfig {
	r := p.Retry
	r.OnRetry = RetryLogger(service, operation)
	return r
}

// FromRetryConfig maps pipeline.retry. Unset values keep the defaults; a
// negative jitter fraction keeps the default and one above 1 is capped.
func FromRetryConfig(c config.RetryConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if c.Multiplier >= 1 {
		cfg.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		cfg.JitterFraction = min(c.JitterFraction, 1)
	}
	return cfg
}

// FromCircuitConfig maps pipeline.circuit, the supplier breaker settings.
func FromCircuitConfig(c config.CircuitConfig) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return cfg
}
