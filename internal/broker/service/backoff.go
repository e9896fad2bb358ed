package service

import (
	"math"
	"time"
)

// capBackoff computes the same min(2^attempt, 30)-second formula the
// Conversation Orchestrator uses for LLM retries (spec §4.3), applied here
// to command retries per §4.4's "exponential backoff as in §4.3".
func capBackoff(attempt int, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	seconds := math.Pow(2, float64(attempt))
	wait := time.Duration(seconds) * time.Second
	if wait > cap || wait <= 0 {
		wait = cap
	}
	return wait
}
