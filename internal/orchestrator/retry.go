package orchestrator

import (
	"math"
	"time"

	"github.com/iaminawe/taskhive/pkg/models"
)

// DefaultRetryPolicy returns the retry policy used when a session config
// does not set one.
func DefaultRetryPolicy() models.RetryPolicy {
	return models.RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// retryDelay calculates the backoff before the next attempt of a task that
// has failed retryCount times. Exponential backoff capped at MaxDelay.
func retryDelay(p models.RetryPolicy, retryCount int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	if retryCount <= 1 {
		return p.InitialDelay
	}
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(retryCount-1))
	if p.MaxDelay > 0 && time.Duration(delay) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
