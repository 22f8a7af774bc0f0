package resilience

import (
	"time"

	"github.com/sells-group/rxclaims/internal/config"
)

// FromConfig converts configuration values into retry and circuit breaker
// settings. Zero values keep the defaults.
func FromConfig(cfg config.ResilienceConfig) (RetryConfig, CircuitBreakerConfig) {
	retry := DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoffMs > 0 {
		retry.InitialBackoff = time.Duration(cfg.InitialBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoffMs > 0 {
		retry.MaxBackoff = time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	}

	circuit := DefaultCircuitBreakerConfig()
	if cfg.CircuitFailureThreshold > 0 {
		circuit.FailureThreshold = cfg.CircuitFailureThreshold
	}
	if cfg.CircuitResetSecs > 0 {
		circuit.ResetTimeout = time.Duration(cfg.CircuitResetSecs) * time.Second
	}
	return retry, circuit
}
