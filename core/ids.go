package core

import (
	"fmt"

	"github.com/google/uuid"
)

// NewRunID returns a collision-resistant run identifier in the
// "t_<epoch_ms>_<hex4>" form required by spec §6, deriving the random
// suffix from a uuid rather than time.Now().Nanosecond() collisions.
func NewRunID(nowMs int64) string {
	id := uuid.New()
	return fmt.Sprintf("t_%d_%s", nowMs, id.String()[:4])
}

// NewRequestID returns a fresh random UUID string, suitable as an
// identifier for one member dispatch.
func NewRequestID() string {
	return uuid.New().String()
}

// TruncateString trims s to maxLen bytes, appending "..." when truncated.
// Isolated here (spec §9: "dynamic parsing/formatting in its own module")
// since multiple packages need consistent truncation (communication
// context previews, audit entries, member summaries). Truncation is by
// bytes, so a multibyte rune at the cut point can be split.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
