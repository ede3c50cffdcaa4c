package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arjunv/agentteams/core"
	"github.com/arjunv/agentteams/judge"
	"github.com/arjunv/agentteams/resilience"
	"golang.org/x/sync/errgroup"
)

// Persister is the narrow interface the Orchestrator needs from
// storage.RunStore, kept local so this package doesn't import storage
// (spec §4.1 step 6).
type Persister interface {
	PersistRun(team core.TeamDefinition, record core.TeamRunRecord, results []core.MemberResult, audit []core.CommunicationAuditEntry, task string) (string, error)
}

// PatternObserver is the narrow interface the Orchestrator needs from
// storage.PatternStore.
type PatternObserver interface {
	Observe(record core.TeamRunRecord, task string) error
}

// Orchestrator executes one team run to completion (spec §4.1).
type Orchestrator struct {
	Executor  MemberExecutor
	Admission *AdmissionController
	Penalty   *AdaptivePenalty
	Gate      resilience.SharedGate
	Persister Persister
	Patterns  PatternObserver

	Config *core.Config
	Logger core.Logger
	Clock  func() time.Time
}

// RunTeamParams is the full input to one team run (spec §4.1).
type RunTeamParams struct {
	Team                    core.TeamDefinition
	Task                    string
	Strategy                core.RunStrategy
	MemberParallelLimit     int
	CommunicationRounds     int
	FailedMemberRetryRounds int
	SharedContext           string
	TimeoutMs               int64
	RetryOverrides          *resilience.RetryOptions
	Observer                RunObserver
}

// RunTeamResult bundles everything one team run produces.
type RunTeamResult struct {
	Record  core.TeamRunRecord
	Results []core.MemberResult
	Audit   []core.CommunicationAuditEntry
}

func (o *Orchestrator) logger() core.Logger {
	if o.Logger == nil {
		return core.NoOpLogger{}
	}
	return o.Logger
}

func (o *Orchestrator) clock() time.Time {
	if o.Clock == nil {
		return time.Now()
	}
	return o.Clock()
}

func (o *Orchestrator) observer(params RunTeamParams) RunObserver {
	if params.Observer == nil {
		return NoOpObserver{}
	}
	return params.Observer
}

// RunTeam executes the Prepare/Initial/Communication/Retry/Judge/Persist
// phase sequence (spec §4.1). A fatal orchestration error still returns a
// populated RunTeamResult with status=failed and a fallback judge (spec
// §7's propagation policy), alongside the error.
func (o *Orchestrator) RunTeam(ctx context.Context, params RunTeamParams) (RunTeamResult, error) {
	startedAt := o.clock()
	obs := o.observer(params)

	active := params.Team.EnabledMembers()
	if len(active) == 0 {
		err := core.NewFrameworkError("Orchestrator.RunTeam", "validation", core.ErrNoEnabledMembers)
		record := o.degradedRecord(params, startedAt, nil)
		o.persist(params, &record, nil, nil)
		return RunTeamResult{Record: record}, err
	}

	communicationRounds, failedRetryRounds := o.normalizeRounds(params, len(active))
	links := buildCommunicationLinks(active, o.Config.MaxCommunicationPartners)

	obs.OnTeamEvent("queued", map[string]interface{}{"members": len(active)})

	results := o.runInitialPhase(ctx, active, params, obs)

	var audit []core.CommunicationAuditEntry
	for round := 1; round <= communicationRounds; round++ {
		completedCount := countCompleted(results)
		if completedCount < 2 {
			break
		}
		roundAudit := o.runCommunicationRound(ctx, round, active, links, results, params, obs)
		audit = append(audit, roundAudit...)
		if countCompleted(results) < 2 {
			break
		}
	}

	var recovered []string
	appliedRetryRounds := 0
	for k := 1; k <= failedRetryRounds; k++ {
		targets := o.selectRetryTargets(results, k)
		if len(targets) == 0 {
			continue
		}
		appliedRetryRounds = k
		o.runFailedMemberRetryRound(ctx, k, targets, active, links, results, params, obs, &recovered)
	}

	fj := judge.FinalJudge(results)
	finishedAt := o.clock()

	status := core.RunCompleted
	if countCompleted(results) == 0 {
		status = core.RunFailed
	}

	record := core.TeamRunRecord{
		RunID:                    core.NewRunID(startedAt.UnixMilli()),
		TeamID:                   params.Team.ID,
		Strategy:                 params.Strategy,
		Task:                     params.Task,
		CommunicationRounds:      communicationRounds,
		FailedMemberRetryRounds:  failedRetryRounds,
		FailedMemberRetryApplied: appliedRetryRounds,
		RecoveredMembers:         recovered,
		CommunicationLinks:       links,
		Summary:                  summarize(results, fj),
		Status:                   status,
		StartedAt:                startedAt,
		FinishedAt:               finishedAt,
		MemberCount:              len(active),
		Judge:                    fj,
	}

	o.persist(params, &record, results, audit)
	return RunTeamResult{Record: record, Results: results, Audit: audit}, nil
}

// normalizeRounds forces both round counts to 0 when there is at most one
// active member, clamps to the configured maximum otherwise, and forces
// both to 0 in stable profile (spec §4.1 step 1; the Open Question on
// overriding stable-profile zero is resolved in DESIGN.md: explicit
// non-zero caller values still pass through except under
// StableRuntimeProfile, where they are always forced to 0).
func (o *Orchestrator) normalizeRounds(params RunTeamParams, activeCount int) (communicationRounds, failedRetryRounds int) {
	if activeCount <= 1 {
		return 0, 0
	}
	if o.Config != nil && o.Config.StableRuntimeProfile {
		return 0, 0
	}
	communicationRounds = clampInt(params.CommunicationRounds, 0, o.Config.MaxCommunicationRounds)
	failedRetryRounds = clampInt(params.FailedMemberRetryRounds, 0, o.Config.MaxFailedMemberRetryRounds)
	return communicationRounds, failedRetryRounds
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// buildCommunicationLinks maps each member to its partners: every other
// active member, in definition order, capped at maxPartners (spec §4.1
// step 1).
func buildCommunicationLinks(active []core.Member, maxPartners int) map[string][]string {
	links := make(map[string][]string, len(active))
	for _, m := range active {
		var partners []string
		for _, other := range active {
			if other.ID == m.ID {
				continue
			}
			if len(partners) >= maxPartners {
				break
			}
			partners = append(partners, other.ID)
		}
		links[m.ID] = partners
	}
	return links
}

func countCompleted(results []core.MemberResult) int {
	n := 0
	for _, r := range results {
		if r.Status == core.MemberCompleted {
			n++
		}
	}
	return n
}

// runInitialPhase dispatches every active member once with no
// communication context (spec §4.1 step 2), preserving roster order in the
// returned slice (testable invariant 8).
func (o *Orchestrator) runInitialPhase(ctx context.Context, active []core.Member, params RunTeamParams, obs RunObserver) []core.MemberResult {
	results := make([]core.MemberResult, len(active))

	dispatch := func(i int) {
		m := active[i]
		results[i] = o.dispatchMember(ctx, m, "initial", params.SharedContext, params, obs)
	}

	if params.Strategy == core.StrategySequential {
		for i := range active {
			dispatch(i)
		}
		return results
	}

	limit := params.MemberParallelLimit
	if o.Penalty != nil {
		limit = o.Penalty.ApplyLimit(limit)
	}
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range active {
		i := i
		g.Go(func() error {
			dispatchWithContext(gctx, func(c context.Context) { results[i] = o.dispatchMember(c, active[i], "initial", params.SharedContext, params, obs) })
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// dispatchWithContext runs fn, giving callers a single place to thread a
// derived per-call context if that becomes necessary later.
func dispatchWithContext(ctx context.Context, fn func(context.Context)) {
	fn(ctx)
}

// runCommunicationRound re-dispatches every member currently completed with
// a context built from its partners' last snapshots (spec §4.1 step 3).
func (o *Orchestrator) runCommunicationRound(ctx context.Context, round int, active []core.Member, links map[string][]string, results []core.MemberResult, params RunTeamParams, obs RunObserver) []core.CommunicationAuditEntry {
	byID := indexByID(active)
	resultByID := resultsByID(active, results)

	eligible := make([]int, 0, len(active))
	for i := range active {
		if results[i].Status == core.MemberCompleted {
			eligible = append(eligible, i)
		}
	}

	limit := params.MemberParallelLimit
	if o.Penalty != nil {
		limit = o.Penalty.ApplyLimit(limit)
	}
	if limit < 1 {
		limit = 1
	}

	audit := make([]core.CommunicationAuditEntry, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for idx, i := range eligible {
		idx, i := idx, i
		g.Go(func() error {
			m := active[i]
			partnerIDs := links[m.ID]
			var snapshots []core.PartnerSnapshot
			for _, pid := range partnerIDs {
				partnerResult, ok := resultByID[pid]
				if !ok || partnerResult.Status != core.MemberCompleted {
					continue
				}
				snapshots = append(snapshots, buildPartnerSnapshot(byID[pid], partnerResult))
			}
			contextStr := buildCommunicationContext(snapshots)
			updated := o.dispatchMember(gctx, m, "communication", contextStr, params, obs)
			results[i] = updated

			referenced, missing := detectReferences(updated.Output, partnersOf(byID, partnerIDs))
			audit[idx] = core.CommunicationAuditEntry{
				Round:              round,
				MemberID:           m.ID,
				Role:               m.Role,
				PartnerIDs:         partnerIDs,
				ReferencedPartners: referenced,
				MissingPartners:    missing,
				ContextPreview:     core.TruncateString(strings.ReplaceAll(contextStr, "\n", " "), 200),
				PartnerSnapshots:   snapshots,
				ResultStatus:       updated.Status,
				ClaimReferences:    extractClaimReferences(updated.Output, partnersOf(byID, partnerIDs)),
			}
			return nil
		})
	}
	_ = g.Wait()

	refCount := 0
	for _, a := range audit {
		if len(a.ReferencedPartners) > 0 {
			refCount++
		}
	}
	obs.OnTeamEvent("communication_round", map[string]interface{}{
		"round":      round,
		"referenced": refCount,
		"total":      len(audit),
	})
	o.logger().Debug("communication round complete", map[string]interface{}{
		"round": round, "referenced": refCount, "total": len(audit),
	})

	return audit
}

func partnersOf(byID map[string]core.Member, ids []string) []core.Member {
	out := make([]core.Member, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

func indexByID(members []core.Member) map[string]core.Member {
	out := make(map[string]core.Member, len(members))
	for _, m := range members {
		out[m.ID] = m
	}
	return out
}

func resultsByID(members []core.Member, results []core.MemberResult) map[string]core.MemberResult {
	out := make(map[string]core.MemberResult, len(members))
	for i, m := range members {
		out[m.ID] = results[i]
	}
	return out
}

// selectRetryTargets picks indices of failed results eligible for retry
// round k (spec §4.1 step 4).
func (o *Orchestrator) selectRetryTargets(results []core.MemberResult, round int) []int {
	var targets []int
	for i, r := range results {
		if r.Status != core.MemberFailed {
			continue
		}
		class := classifyFailure(r.Error, r.Output)
		if eligibleForRetryRound(class, round) {
			targets = append(targets, i)
		}
	}
	return targets
}

// runFailedMemberRetryRound re-dispatches failed targets with the latest
// available context, recording recoveries (spec §4.1 step 4).
func (o *Orchestrator) runFailedMemberRetryRound(ctx context.Context, round int, targets []int, active []core.Member, links map[string][]string, results []core.MemberResult, params RunTeamParams, obs RunObserver, recovered *[]string) {
	byID := indexByID(active)
	resultByID := resultsByID(active, results)

	for _, i := range targets {
		m := active[i]
		partnerIDs := links[m.ID]
		var snapshots []core.PartnerSnapshot
		for _, pid := range partnerIDs {
			partnerResult, ok := resultByID[pid]
			if !ok || partnerResult.Status != core.MemberCompleted {
				continue
			}
			snapshots = append(snapshots, buildPartnerSnapshot(byID[pid], partnerResult))
		}
		contextStr := buildCommunicationContext(snapshots)
		updated := o.dispatchMember(ctx, m, "communication", contextStr, params, obs)
		wasFailed := results[i].Status == core.MemberFailed
		results[i] = updated
		if wasFailed && updated.Status == core.MemberCompleted {
			*recovered = append(*recovered, m.ID)
		}
	}
}

// dispatchMember runs one member through the retry executor and output
// normalization, producing a terminal MemberResult that never errors out
// of this function (spec §4.1's failure semantics).
func (o *Orchestrator) dispatchMember(ctx context.Context, member core.Member, phase string, contextStr string, params RunTeamParams, obs RunObserver) core.MemberResult {
	obs.OnMemberStart(member.ID, phase)
	obs.OnMemberPhase(member.ID, phase)

	timeout := o.effectiveTimeout(member, params.TimeoutMs)
	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := o.clock()
	var response MemberResponse

	opts := resilience.DefaultRetryOptions()
	if params.RetryOverrides != nil {
		opts = *params.RetryOverrides
	}
	opts.RateLimitKey = member.Provider
	if opts.RateLimitKey == "" {
		opts.RateLimitKey = resilience.GlobalKey
	}

	prompt := buildPrompt(member, params.Task, contextStr)
	err := resilience.Execute(dispatchCtx, o.Gate, opts, func() error {
		resp, err := o.Executor(dispatchCtx, MemberRequest{
			MemberID:      member.ID,
			Provider:      member.Provider,
			Model:         member.Model,
			Prompt:        prompt,
			Timeout:       timeout,
			OnTextChunk:   func(c string) { obs.OnMemberTextChunk(member.ID, c) },
			OnStderrChunk: func(c string) { obs.OnMemberStderrChunk(member.ID, c) },
		})
		if err != nil {
			return err
		}
		response = resp
		return nil
	})

	latency := o.clock().Sub(start).Milliseconds()
	var result core.MemberResult

	if err != nil {
		cancelled := dispatchCtx.Err() != nil && ctx.Err() != nil
		outcome := ClassifyError(err, cancelled)
		if outcome == core.OutcomeRetryableFailure || outcome == core.OutcomeTimeout {
			if o.Penalty != nil {
				o.Penalty.Raise(string(outcome))
			}
		}
		result = core.MemberResult{
			MemberID:  member.ID,
			Role:      member.Role,
			Status:    core.MemberFailed,
			Summary:   "(failed)",
			Output:    "",
			LatencyMs: latency,
			Error:     fmt.Sprintf("[%s] %v", outcome, err),
		}
	} else {
		fields, reason := judge.Normalize(response.Output)
		if reason != "" {
			result = core.MemberResult{
				MemberID:  member.ID,
				Role:      member.Role,
				Status:    core.MemberFailed,
				Summary:   "(failed)",
				Output:    response.Output,
				LatencyMs: response.LatencyMs,
				Error:     reason,
			}
		} else {
			result = core.MemberResult{
				MemberID:    member.ID,
				Role:        member.Role,
				Status:      core.MemberCompleted,
				Summary:     core.TruncateString(fields["SUMMARY"], 160),
				Output:      response.Output,
				LatencyMs:   response.LatencyMs,
				Diagnostics: judge.BuildDiagnostics(fields),
			}
		}
	}

	obs.OnMemberEnd(member.ID, phase, result)
	obs.OnMemberResult(result)
	return result
}

func buildPrompt(member core.Member, task, contextStr string) string {
	if contextStr == "" {
		return task
	}
	return task + "\n\n--- partner context ---\n" + contextStr
}

// effectiveTimeout applies a multiplier for known "thinking" models over
// the configured/default timeout (spec §5).
func (o *Orchestrator) effectiveTimeout(member core.Member, timeoutMs int64) time.Duration {
	base := time.Duration(timeoutMs) * time.Millisecond
	if base <= 0 && o.Config != nil {
		base = o.Config.DefaultAgentTimeout()
	}
	lower := strings.ToLower(member.Model)
	for _, hint := range []string{"thinking", "o1", "opus"} {
		if strings.Contains(lower, hint) {
			return base * 3
		}
	}
	return base
}

func summarize(results []core.MemberResult, fj core.FinalJudge) string {
	completed := countCompleted(results)
	return fmt.Sprintf("%d/%d members completed, verdict=%s, confidence=%.2f", completed, len(results), fj.Verdict, fj.Confidence)
}

// degradedRecord builds the fallback record used on a fatal Prepare-phase
// error (spec §4.1, §7).
func (o *Orchestrator) degradedRecord(params RunTeamParams, startedAt time.Time, results []core.MemberResult) core.TeamRunRecord {
	fj := judge.FinalJudge(results)
	return core.TeamRunRecord{
		RunID:       core.NewRunID(startedAt.UnixMilli()),
		TeamID:      params.Team.ID,
		Strategy:    params.Strategy,
		Task:        params.Task,
		Summary:     "team has no enabled members",
		Status:      core.RunFailed,
		StartedAt:   startedAt,
		FinishedAt:  o.clock(),
		MemberCount: 0,
		Judge:       fj,
	}
}

func (o *Orchestrator) persist(params RunTeamParams, record *core.TeamRunRecord, results []core.MemberResult, audit []core.CommunicationAuditEntry) {
	if o.Persister != nil {
		outputFile, err := o.Persister.PersistRun(params.Team, *record, results, audit, params.Task)
		if err != nil {
			o.logger().Warn("failed to persist run record", map[string]interface{}{"runId": record.RunID, "error": err.Error()})
		} else {
			record.OutputFile = outputFile
		}
	}
	if o.Patterns != nil {
		if err := o.Patterns.Observe(*record, params.Task); err != nil {
			o.logger().Warn("failed to update pattern store", map[string]interface{}{"runId": record.RunID, "error": err.Error()})
		}
	}
}
