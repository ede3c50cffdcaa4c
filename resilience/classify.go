// Package resilience implements the retry-with-backoff executor and the
// shared rate-limit gate it is coupled to (spec §4.4, §4.5).
package resilience

import (
	"errors"
	"strconv"
	"strings"
)

// StatusCoder is implemented by errors that carry an explicit HTTP-style
// status code (spec §4.4 step 4: "extract a status code from error
// property..."). MemberExecutor implementations are expected to return
// errors satisfying this when they know the code.
type StatusCoder interface {
	StatusCode() int
}

// transientPhrases maps lower-cased substrings found in an error's message
// to a representative status code, grounded on
// itsneelabh-gomind/orchestration/executor.go's isRetryableToolError family
// of string-sniffing helpers — the teacher does exactly this kind of
// best-effort phrase match rather than relying on typed errors from an
// external process boundary.
var transientPhrases = []struct {
	phrase string
	status int
}{
	{"rate limit", 429},
	{"too many requests", 429},
	{"econnreset", 503},
	{"etimedout", 503},
	{"connection reset", 503},
	{"connection refused", 503},
	{"gateway timeout", 504},
	{"timeout", 503},
	{"temporarily unavailable", 503},
	{"service unavailable", 503},
	{"bad gateway", 502},
}

// ExtractStatusCode derives a status code for err, preferring a typed
// StatusCoder, then scanning the message for known phrases, and finally a
// literal 3-digit status code embedded in the text (e.g. "status 503").
// Returns 0 when nothing matches.
func ExtractStatusCode(err error) int {
	if err == nil {
		return 0
	}

	var coder StatusCoder
	if errors.As(err, &coder) {
		return coder.StatusCode()
	}

	msg := strings.ToLower(err.Error())
	for _, tp := range transientPhrases {
		if strings.Contains(msg, tp.phrase) {
			return tp.status
		}
	}

	return scanEmbeddedStatusCode(msg)
}

// scanEmbeddedStatusCode looks for a bare 3-digit HTTP status token in msg,
// e.g. "request failed: 503 Service Unavailable".
func scanEmbeddedStatusCode(msg string) int {
	fields := strings.FieldsFunc(msg, func(r rune) bool {
		return !(r >= '0' && r <= '9')
	})
	for _, f := range fields {
		if len(f) != 3 {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		if n >= 400 && n < 600 {
			return n
		}
	}
	return 0
}

// IsTransientStatus reports whether status (429 or any 5xx) should count
// toward the default retry policy.
func IsTransientStatus(status int) bool {
	return status == 429 || (status >= 500 && status < 600)
}

// DefaultShouldRetry is the retry policy used when the caller supplies no
// ShouldRetry override: 429, 5xx, and known transient network phrases.
func DefaultShouldRetry(err error, statusCode int) bool {
	if err == nil {
		return false
	}
	if IsTransientStatus(statusCode) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, tp := range transientPhrases {
		if strings.Contains(msg, tp.phrase) {
			return true
		}
	}
	return false
}
