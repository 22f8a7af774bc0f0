package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/rxclaims/internal/config"
)

func TestFromConfig(t *testing.T) {
	retry, circuit := FromConfig(config.ResilienceConfig{
		MaxAttempts:             5,
		InitialBackoffMs:        100,
		MaxBackoffMs:            2000,
		CircuitFailureThreshold: 7,
		CircuitResetSecs:        10,
	})
	assert.Equal(t, 5, retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, retry.InitialBackoff)
	assert.Equal(t, 2*time.Second, retry.MaxBackoff)
	assert.Equal(t, 7, circuit.FailureThreshold)
	assert.Equal(t, 10*time.Second, circuit.ResetTimeout)
}

func TestFromConfig_ZeroKeepsDefaults(t *testing.T) {
	retry, circuit := FromConfig(config.ResilienceConfig{})
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, retry.MaxAttempts)
	assert.Equal(t, DefaultRetryConfig().InitialBackoff, retry.InitialBackoff)
	assert.Equal(t, DefaultCircuitBreakerConfig().FailureThreshold, circuit.FailureThreshold)
}
