package orchestration

import (
	"strings"

	"github.com/arjunv/agentteams/core"
	"github.com/arjunv/agentteams/resilience"
)

// ClassifyError maps an error (plus whether it arose from a cancelled
// context) to an Outcome code (spec §4.9).
func ClassifyError(err error, cancelled bool) core.Outcome {
	if cancelled || core.IsCancelled(err) {
		return core.OutcomeCancelled
	}
	if err == nil {
		return core.OutcomeSuccess
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return core.OutcomeTimeout
	}
	if isPressure(err, msg) {
		return core.OutcomeRetryableFailure
	}
	if isLowSubstance(msg) {
		return core.OutcomeRetryableFailure
	}
	return core.OutcomeNonRetryableFailure
}

// isPressure reports whether err reflects rate-limit, capacity, or
// server-error pressure (spec §4.9's pressure classifier).
func isPressure(err error, msg string) bool {
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "capacity"):
		return true
	}
	status := resilience.ExtractStatusCode(err)
	return resilience.IsTransientStatus(status)
}

// isLowSubstance flags empty-output or low-substance failures, which are
// treated as retryable (spec §4.9).
func isLowSubstance(msg string) bool {
	return strings.Contains(msg, "empty output") || strings.Contains(msg, "low-substance") || strings.Contains(msg, "low substance")
}

// TeamOutcome aggregates one parallel-team run for §4.2's truth table.
type TeamOutcome struct {
	Completed bool
	Partial   bool
	Failed    bool
	Retryable bool
}

// AggregateTeamOutcomes implements spec §4.2's outcome table over a set of
// per-team results (testable invariant 10).
func AggregateTeamOutcomes(outcomes []TeamOutcome) (core.Outcome, bool) {
	completed, partial, failed, anyRetryable := 0, 0, 0, false
	for _, o := range outcomes {
		switch {
		case o.Completed:
			completed++
		case o.Partial:
			partial++
		default:
			failed++
		}
		if o.Retryable {
			anyRetryable = true
		}
	}

	switch {
	case completed == len(outcomes):
		return core.OutcomeSuccess, false
	case completed > 0:
		return core.OutcomePartialSuccess, anyRetryable
	case anyRetryable:
		return core.OutcomeRetryableFailure, true
	default:
		return core.OutcomeNonRetryableFailure, false
	}
}
