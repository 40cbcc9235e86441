package resilience

import (
	"time"
)

// BreakerSettings builds a breaker config from configured values. Zero or
// negative values keep the defaults.
func BreakerSettings(failures int, reset time.Duration, onChange func(name string, from, to CircuitState)) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failures > 0 {
		cfg.FailureThreshold = failures
	}
	if reset > 0 {
		cfg.ResetTimeout = reset
	}
	cfg.OnStateChange = onChange
	return cfg
}
