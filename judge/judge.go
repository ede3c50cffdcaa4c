package judge

import (
	"fmt"
	"math"

	"github.com/arjunv/agentteams/core"
)

const (
	lowUInterThreshold  = 0.25
	highUInterThreshold = 0.55
)

// Proxy is the uncertainty triple computed over completed member results
// (spec §4.8).
type Proxy struct {
	UIntra          float64
	UInter          float64
	USys            float64
	CollapseSignals []string
}

// ComputeProxy derives the uncertainty proxy from all member results,
// completed and failed alike (spec §4.8).
func ComputeProxy(results []core.MemberResult) Proxy {
	completed := filterCompleted(results)

	proxy := Proxy{
		UIntra: computeUIntra(completed),
		UInter: computeUInter(completed),
	}
	failedRatio := 0.0
	if len(results) > 0 {
		failedRatio = float64(len(results)-len(completed)) / float64(len(results))
	}
	proxy.USys = clamp01(0.5*proxy.UIntra + 0.3*proxy.UInter + 0.2*failedRatio)
	proxy.CollapseSignals = collapseSignals(results, completed, proxy)
	return proxy
}

func computeUIntra(completed []core.MemberResult) float64 {
	if len(completed) == 0 {
		return 1.0
	}
	var weightedSum, weightTotal float64
	for _, r := range completed {
		weight := 1.0 / (1.0 + float64(r.Diagnostics.EvidenceCount))
		weightedSum += weight * (1 - r.Diagnostics.Confidence)
		weightTotal += weight
	}
	if weightTotal == 0 {
		return 0
	}
	return clamp01(weightedSum / weightTotal)
}

func computeUInter(completed []core.MemberResult) float64 {
	if len(completed) <= 1 {
		return 0
	}
	confidences := make([]float64, len(completed))
	var contradictions, conflicts int
	for i, r := range completed {
		confidences[i] = r.Diagnostics.Confidence
		contradictions += r.Diagnostics.ContradictionSignals
		conflicts += r.Diagnostics.ConflictSignals
	}
	spread := stddev(confidences)
	signalPenalty := clamp01(float64(contradictions+conflicts) / float64(3*len(completed)))
	return clamp01(0.6*spread + 0.4*signalPenalty)
}

func stddev(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	var variance float64
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(vals))
	return math.Sqrt(variance)
}

func collapseSignals(all, completed []core.MemberResult, proxy Proxy) []string {
	var signals []string
	if len(completed) == 0 {
		signals = append(signals, "all-failed")
	}
	if len(completed) == 1 {
		signals = append(signals, "single-voice")
	}
	if proxy.UInter >= highUInterThreshold {
		signals = append(signals, "conflicting-claims")
	}
	lowEvidence := true
	for _, r := range completed {
		if r.Diagnostics.EvidenceCount > 0 {
			lowEvidence = false
			break
		}
	}
	if len(completed) > 0 && lowEvidence {
		signals = append(signals, "low-evidence")
	}
	return signals
}

func filterCompleted(results []core.MemberResult) []core.MemberResult {
	out := make([]core.MemberResult, 0, len(results))
	for _, r := range results {
		if r.Status == core.MemberCompleted {
			out = append(out, r)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// FinalJudge computes the stable-profile, deterministic verdict (spec
// §4.8). It never panics: every input, including an empty result list,
// maps to exactly one of the verdict branches below.
func FinalJudge(results []core.MemberResult) core.FinalJudge {
	proxy := ComputeProxy(results)
	completed := filterCompleted(results)

	switch {
	case len(completed) == 0:
		return core.FinalJudge{
			Verdict:         core.VerdictFailed,
			Confidence:      0,
			Reason:          "all members failed",
			NextStep:        "retry with a different team or relax constraints",
			UIntra:          proxy.UIntra,
			UInter:          proxy.UInter,
			USys:            proxy.USys,
			CollapseSignals: proxy.CollapseSignals,
		}
	case len(completed) == 1:
		confidence := clamp01(completed[0].Diagnostics.Confidence * (1 - proxy.USys))
		return core.FinalJudge{
			Verdict:         core.VerdictPartial,
			Confidence:      confidence,
			Reason:          "only one member completed; verdict reflects a single perspective",
			NextStep:        "consider retrying failed members",
			UIntra:          proxy.UIntra,
			UInter:          proxy.UInter,
			USys:            proxy.USys,
			CollapseSignals: proxy.CollapseSignals,
		}
	case proxy.UInter < lowUInterThreshold:
		return core.FinalJudge{
			Verdict:         core.VerdictConverged,
			Confidence:      clamp01(averageConfidence(completed) * (1 - proxy.USys*0.5)),
			Reason:          fmt.Sprintf("%d members converged with low disagreement (uInter=%.2f)", len(completed), proxy.UInter),
			NextStep:        "none",
			UIntra:          proxy.UIntra,
			UInter:          proxy.UInter,
			USys:            proxy.USys,
			CollapseSignals: proxy.CollapseSignals,
		}
	case proxy.UInter >= highUInterThreshold:
		return core.FinalJudge{
			Verdict:         core.VerdictDiverged,
			Confidence:      clamp01(averageConfidence(completed) * (1 - proxy.USys)),
			Reason:          fmt.Sprintf("members diverged (uInter=%.2f)", proxy.UInter),
			NextStep:        "review individual member outputs before acting",
			UIntra:          proxy.UIntra,
			UInter:          proxy.UInter,
			USys:            proxy.USys,
			CollapseSignals: proxy.CollapseSignals,
		}
	default:
		return core.FinalJudge{
			Verdict:         core.VerdictPartial,
			Confidence:      clamp01(averageConfidence(completed) * (1 - proxy.USys)),
			Reason:          fmt.Sprintf("mixed agreement among %d members (uInter=%.2f)", len(completed), proxy.UInter),
			NextStep:        "optionally run an additional communication round",
			UIntra:          proxy.UIntra,
			UInter:          proxy.UInter,
			USys:            proxy.USys,
			CollapseSignals: proxy.CollapseSignals,
		}
	}
}

func averageConfidence(completed []core.MemberResult) float64 {
	if len(completed) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range completed {
		sum += r.Diagnostics.Confidence
	}
	return sum / float64(len(completed))
}
