package resilience

import (
	"time"
)

// StagePolicy builds the retry config for a pipeline stage: retries extra
// attempts after the first, each waiting step*retry.
func StagePolicy(retries int, step time.Duration) RetryConfig {
	if retries < 0 {
		retries = 0
	}
	return RetryConfig{
		MaxAttempts: retries + 1,
		Backoff:     LinearBackoff(step),
	}
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold int, resetTimeout time.Duration) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeout >= 0 {
		cfg.ResetTimeout = resetTimeout
	}
	return cfg
}
