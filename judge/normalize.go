// Package judge normalizes raw member output into labeled fields and
// aggregates member diagnostics into a final verdict (spec §4.7, §4.8).
package judge

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/arjunv/agentteams/core"
)

// requiredLabels are the English-only, case-insensitive field labels a
// completed member's output must carry (spec §4.7).
var requiredLabels = []string{"SUMMARY", "CLAIM", "EVIDENCE", "CONFIDENCE", "RESULT", "NEXT_STEP"}

var labelPattern = regexp.MustCompile(`(?im)^\s*([A-Z_]+)\s*:\s*(.*)$`)

var contradictionWords = []string{"however", "contradicts", "inconsistent", "conflicting", "disagree", "but actually"}
var conflictWords = []string{"dispute", "unclear", "ambiguous", "uncertain whether"}

// ParsedFields is the label → value map extracted from member output.
type ParsedFields map[string]string

// parseLabels extracts LABEL: value lines from raw text.
func parseLabels(raw string) ParsedFields {
	fields := make(ParsedFields)
	for _, m := range labelPattern.FindAllStringSubmatch(raw, -1) {
		label := strings.ToUpper(strings.TrimSpace(m[1]))
		fields[label] = strings.TrimSpace(m[2])
	}
	return fields
}

func hasAllLabels(fields ParsedFields) bool {
	for _, label := range requiredLabels {
		v, ok := fields[label]
		if !ok || strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

// Normalize validates and, if necessary, repairs a member's raw output
// (spec §4.7). Returns the parsed fields and a non-empty failure reason
// when normalization could not produce a valid result.
func Normalize(raw string) (ParsedFields, string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, "empty output"
	}

	fields := parseLabels(trimmed)
	if hasAllLabels(fields) {
		return fields, ""
	}

	return synthesize(trimmed, fields)
}

// synthesize builds a best-effort field set from unlabeled or partial raw
// text, per spec §4.7's fallback recipe.
func synthesize(raw string, partial ParsedFields) (ParsedFields, string) {
	lines := strings.Split(raw, "\n")
	var candidate string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if len(l) > 0 {
			candidate = l
			break
		}
	}
	if candidate == "" {
		return nil, "no usable content"
	}

	summary := firstNonEmpty(partial["SUMMARY"], core.TruncateString(candidate, 160))
	claim := firstNonEmpty(partial["CLAIM"], core.TruncateString(candidate, 160))

	confidence := "0.55"
	if isIntentOnly(raw) {
		confidence = "0.40"
	}
	if v, ok := partial["CONFIDENCE"]; ok && v != "" {
		confidence = v
	}

	nextStep := firstNonEmpty(partial["NEXT_STEP"], "none")

	fields := ParsedFields{
		"SUMMARY":    summary,
		"CLAIM":      claim,
		"EVIDENCE":   firstNonEmpty(partial["EVIDENCE"], "generated-from-raw-output"),
		"CONFIDENCE": confidence,
		"NEXT_STEP":  nextStep,
		"RESULT":     firstNonEmpty(partial["RESULT"], raw),
	}

	if !hasAllLabels(fields) {
		return nil, "normalization could not produce required fields"
	}
	return fields, ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// isIntentOnly is a coarse heuristic: output that reads like a plan rather
// than a completed answer (spec §4.7: "0.40 if intent-only content").
func isIntentOnly(raw string) bool {
	lower := strings.ToLower(raw)
	for _, phrase := range []string{"i will", "i plan to", "next i will", "going to"} {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// ParseConfidence parses the CONFIDENCE field into [0,1], defaulting to 0.5
// when unparseable (spec §4.7). A trailing "%" marks a percentage; any
// other value outside [0,1] is clamped.
func ParseConfidence(fields ParsedFields) float64 {
	raw, ok := fields["CONFIDENCE"]
	if !ok {
		return 0.5
	}
	percent := strings.HasSuffix(strings.TrimSpace(raw), "%")
	raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0.5
	}
	if percent {
		v = v / 100
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v
}

// CountEvidence counts list items in the EVIDENCE field (lines starting
// with "-", "*", or a digit followed by a period).
func CountEvidence(fields ParsedFields) int {
	raw, ok := fields["EVIDENCE"]
	if !ok {
		return 0
	}
	count := 0
	for _, l := range strings.Split(raw, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if strings.HasPrefix(l, "-") || strings.HasPrefix(l, "*") || startsWithOrdinal(l) {
			count++
		}
	}
	if count == 0 && raw != "" {
		count = 1
	}
	return count
}

func startsWithOrdinal(l string) bool {
	i := 0
	for i < len(l) && l[i] >= '0' && l[i] <= '9' {
		i++
	}
	return i > 0 && i < len(l) && l[i] == '.'
}

// CountSignals counts contradiction and conflict keyword hits across a
// member's fields (spec §4.7's domain-specific dictionary).
func CountSignals(fields ParsedFields) (contradiction, conflict int) {
	text := strings.ToLower(strings.Join([]string{fields["RESULT"], fields["CLAIM"], fields["SUMMARY"]}, " "))
	for _, w := range contradictionWords {
		if strings.Contains(text, w) {
			contradiction++
		}
	}
	for _, w := range conflictWords {
		if strings.Contains(text, w) {
			conflict++
		}
	}
	return contradiction, conflict
}

// BuildDiagnostics computes a MemberDiagnostics value from normalized
// fields.
func BuildDiagnostics(fields ParsedFields) core.MemberDiagnostics {
	contradiction, conflict := CountSignals(fields)
	return core.MemberDiagnostics{
		Confidence:           ParseConfidence(fields),
		EvidenceCount:        CountEvidence(fields),
		ContradictionSignals: contradiction,
		ConflictSignals:      conflict,
	}
}
