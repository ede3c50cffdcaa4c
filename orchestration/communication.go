package orchestration

import (
	"fmt"
	"strings"

	"github.com/arjunv/agentteams/core"
	"github.com/arjunv/agentteams/judge"
)

// CommunicationContextFieldLimit bounds each extracted partner field.
const CommunicationContextFieldLimit = 240

// CommunicationContextOtherLimit bounds the aggregate "other" portion of a
// communication prompt (spec §4.1 step 3).
const CommunicationContextOtherLimit = 1200

// buildPartnerSnapshot extracts the CLAIM/EVIDENCE/CONFIDENCE/SUMMARY/
// RESULT fields from a partner's last result, truncated per field.
func buildPartnerSnapshot(partner core.Member, result core.MemberResult) core.PartnerSnapshot {
	fields, _ := judge.Normalize(result.Output)
	get := func(key string) string {
		if fields == nil {
			return ""
		}
		return core.TruncateString(fields[key], CommunicationContextFieldLimit)
	}
	return core.PartnerSnapshot{
		PartnerID:  partner.ID,
		Role:       partner.Role,
		Summary:    get("SUMMARY"),
		Claim:      get("CLAIM"),
		Evidence:   get("EVIDENCE"),
		Confidence: get("CONFIDENCE"),
		Result:     get("RESULT"),
	}
}

// buildCommunicationContext assembles the prompt-facing context string for
// one member's communication-round dispatch from its partners' snapshots,
// bounding the aggregate size (spec §4.1 step 3).
func buildCommunicationContext(snapshots []core.PartnerSnapshot) string {
	var b strings.Builder
	for _, s := range snapshots {
		fmt.Fprintf(&b, "### %s (%s)\nCLAIM: %s\nEVIDENCE: %s\nCONFIDENCE: %s\nSUMMARY: %s\nRESULT: %s\n\n",
			s.PartnerID, s.Role, s.Claim, s.Evidence, s.Confidence, s.Summary, s.Result)
	}
	return core.TruncateString(b.String(), CommunicationContextOtherLimit)
}

// detectReferences inspects a member's own output for mentions of its
// partners (by id or role, case-insensitive), populating the audit entry's
// referenced/missing partner lists (spec §4.1 step 3, testable invariant
// 9).
func detectReferences(output string, partners []core.Member) (referenced, missing []string) {
	lower := strings.ToLower(output)
	for _, p := range partners {
		if strings.Contains(lower, strings.ToLower(p.ID)) || (p.Role != "" && strings.Contains(lower, strings.ToLower(p.Role))) {
			referenced = append(referenced, p.ID)
		} else {
			missing = append(missing, p.ID)
		}
	}
	return referenced, missing
}

// extractClaimReferences pulls any partner ids the output explicitly cites
// next to a CLAIM-shaped sentence, used to populate the audit entry's
// optional claimReferences. Best-effort: returns nil when nothing is
// found.
func extractClaimReferences(output string, partners []core.Member) []string {
	lower := strings.ToLower(output)
	var refs []string
	for _, p := range partners {
		idx := strings.Index(lower, strings.ToLower(p.ID))
		if idx < 0 {
			continue
		}
		window := lower[max(idx-40, 0):min(len(lower), idx+40)]
		if strings.Contains(window, "claim") || strings.Contains(window, "said") || strings.Contains(window, "according to") {
			refs = append(refs, p.ID)
		}
	}
	return refs
}
