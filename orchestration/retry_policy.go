package orchestration

import "strings"

// failureClass categorizes a failed MemberResult for the failed-member
// retry rounds (spec §4.1 step 4).
type failureClass string

const (
	failureQuality   failureClass = "quality"
	failureTransient failureClass = "transient"
	failureRateLimit failureClass = "rate_limit"
	failureCapacity  failureClass = "capacity"
	failureOther     failureClass = "other"
)

// classifyFailure inspects a failed member's error/output to pick a
// failureClass.
func classifyFailure(errText, output string) failureClass {
	lower := strings.ToLower(errText)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		return failureRateLimit
	case strings.Contains(lower, "capacity"):
		return failureCapacity
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "econnreset"), strings.Contains(lower, "etimedout"),
		strings.Contains(lower, "connection reset"), strings.Contains(lower, "service unavailable"), strings.Contains(lower, "502"), strings.Contains(lower, "503"), strings.Contains(lower, "504"):
		return failureTransient
	case strings.TrimSpace(output) == "" || strings.Contains(lower, "normalization"):
		return failureQuality
	default:
		return failureOther
	}
}

// eligibleForRetryRound reports whether a failure of the given class may be
// retried in retry round k (1-indexed). Round 1 retries only quality and
// transient failures; round 2+ may retry anything except rate-limit and
// capacity failures (spec §4.1 step 4).
func eligibleForRetryRound(class failureClass, round int) bool {
	if round <= 1 {
		return class == failureQuality || class == failureTransient
	}
	return class != failureRateLimit && class != failureCapacity
}
