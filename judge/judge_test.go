package judge

import (
	"testing"

	"github.com/arjunv/agentteams/core"
	"github.com/stretchr/testify/assert"
)

func completedResult(id string, confidence float64, evidence int) core.MemberResult {
	return core.MemberResult{
		MemberID: id,
		Status:   core.MemberCompleted,
		Diagnostics: core.MemberDiagnostics{
			Confidence:    confidence,
			EvidenceCount: evidence,
		},
	}
}

func TestFinalJudge_AllFailedIsFailedVerdict(t *testing.T) {
	results := []core.MemberResult{
		{MemberID: "a", Status: core.MemberFailed},
		{MemberID: "b", Status: core.MemberFailed},
	}
	fj := FinalJudge(results)
	assert.Equal(t, core.VerdictFailed, fj.Verdict)
	assert.Equal(t, 0.0, fj.Confidence)
}

func TestFinalJudge_SingleCompletedIsPartial(t *testing.T) {
	results := []core.MemberResult{completedResult("a", 0.9, 3)}
	fj := FinalJudge(results)
	assert.Equal(t, core.VerdictPartial, fj.Verdict)
	assert.Equal(t, 0.0, fj.UInter)
}

func TestFinalJudge_ConvergedWhenConfidencesAgree(t *testing.T) {
	results := []core.MemberResult{
		completedResult("a", 0.8, 3),
		completedResult("b", 0.82, 3),
		completedResult("c", 0.79, 3),
	}
	fj := FinalJudge(results)
	assert.Equal(t, core.VerdictConverged, fj.Verdict)
}

func TestFinalJudge_DivergedWhenClaimsConflict(t *testing.T) {
	withSignals := func(id string, confidence float64) core.MemberResult {
		r := completedResult(id, confidence, 3)
		r.Diagnostics.ContradictionSignals = 2
		r.Diagnostics.ConflictSignals = 1
		return r
	}
	results := []core.MemberResult{
		withSignals("a", 0.9),
		withSignals("b", 0.1),
		withSignals("c", 0.5),
	}
	fj := FinalJudge(results)
	assert.Equal(t, core.VerdictDiverged, fj.Verdict)
}

func TestFinalJudge_IsIdempotent(t *testing.T) {
	results := []core.MemberResult{
		completedResult("a", 0.8, 3),
		completedResult("b", 0.75, 2),
	}
	first := FinalJudge(results)
	second := FinalJudge(results)
	assert.Equal(t, first, second)
}

func TestFinalJudge_CollapseSignalsFlagLowEvidence(t *testing.T) {
	results := []core.MemberResult{
		completedResult("a", 0.7, 0),
		completedResult("b", 0.7, 0),
	}
	fj := FinalJudge(results)
	assert.Contains(t, fj.CollapseSignals, "low-evidence")
}

func TestFinalJudge_CollapseSignalsFlagSingleVoice(t *testing.T) {
	fj := FinalJudge([]core.MemberResult{completedResult("a", 0.9, 2)})
	assert.Contains(t, fj.CollapseSignals, "single-voice")
}
