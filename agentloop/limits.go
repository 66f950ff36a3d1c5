package agentloop

import (
	"fmt"
	"time"
)

// ExecutionLimits bounds one loop invocation.
type ExecutionLimits struct {
	// Maximum number of turns (provider calls).
	MaxTurns int
	// Maximum cumulative tokens consumed.
	MaxTotalTokens int
	// Maximum wall-clock time.
	MaxDuration time.Duration
}

// DefaultExecutionLimits returns the default bounds.
func DefaultExecutionLimits() ExecutionLimits {
	return ExecutionLimits{
		MaxTurns:       50,
		MaxTotalTokens: 1_000_000,
		MaxDuration:    10 * time.Minute,
	}
}

// ExecutionTracker tracks progress against limits during an invocation.
type ExecutionTracker struct {
	limits    ExecutionLimits
	turns     int
	tokens    int
	startedAt time.Time
}

// NewExecutionTracker starts tracking against the given limits.
func NewExecutionTracker(limits ExecutionLimits) *ExecutionTracker {
	return &ExecutionTracker{limits: limits, startedAt: time.Now()}
}

// RecordTurn records one completed turn and its token consumption.
func (t *ExecutionTracker) RecordTurn(tokens int) {
	t.turns++
	t.tokens += tokens
}

// Turns returns the number of turns recorded so far.
func (t *ExecutionTracker) Turns() int { return t.turns }

// CheckLimits reports whether any limit has been exceeded and why.
func (t *ExecutionTracker) CheckLimits() (string, bool) {
	if t.limits.MaxTurns > 0 && t.turns >= t.limits.MaxTurns {
		return fmt.Sprintf("Max turns reached (%d/%d)", t.turns, t.limits.MaxTurns), true
	}
	if t.limits.MaxTotalTokens > 0 && t.tokens >= t.limits.MaxTotalTokens {
		return fmt.Sprintf("Max tokens reached (%d/%d)", t.tokens, t.limits.MaxTotalTokens), true
	}
	if t.limits.MaxDuration > 0 {
		if elapsed := time.Since(t.startedAt); elapsed >= t.limits.MaxDuration {
			return fmt.Sprintf("Max duration reached (%.0fs/%.0fs)",
				elapsed.Seconds(), t.limits.MaxDuration.Seconds()), true
		}
	}
	return "", false
}
