package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/arjunv/agentteams/core"
	"github.com/arjunv/agentteams/resilience"
	"golang.org/x/sync/errgroup"
)

// ParallelOrchestrator runs several teams concurrently against one task,
// resolving a shared (teamParallelism, memberParallelism) pair up front so
// the aggregate LLM budget is never oversubscribed (spec §4.2).
type ParallelOrchestrator struct {
	Orchestrator *Orchestrator
	Admission    *AdmissionController
	Config       *core.Config
	Logger       core.Logger
	Clock        func() time.Time
}

// ParallelRunParams is the input to one multi-team run.
type ParallelRunParams struct {
	Teams []core.TeamDefinition
	Task  string

	Strategy                   core.RunStrategy
	RequestedTeamParallelism   int
	RequestedMemberParallelism int
	CommunicationRounds        int
	FailedMemberRetryRounds    int
	SharedContext              string
	TimeoutMs                  int64
	RetryOverrides             *resilience.RetryOptions
	Observer                   RunObserver

	MaxWait      time.Duration
	PollInterval time.Duration
}

// ParallelRunResult bundles every team's record plus the aggregated
// outcome (spec §4.2, testable invariant 10).
type ParallelRunResult struct {
	Records      []core.TeamRunRecord
	Outcome      core.Outcome
	AnyRetryable bool

	AppliedTeamParallelism   int
	AppliedMemberParallelism int
	Reduced                  bool
}

func (p *ParallelOrchestrator) logger() core.Logger {
	if p.Logger == nil {
		return core.NoOpLogger{}
	}
	return p.Logger
}

func (p *ParallelOrchestrator) clock() time.Time {
	if p.Clock == nil {
		return time.Now()
	}
	return p.Clock()
}

// RunTeams resolves shared capacity, then dispatches each selected team
// through the Orchestrator, preserving input order in Records (spec
// §4.2).
func (p *ParallelOrchestrator) RunTeams(ctx context.Context, params ParallelRunParams) (ParallelRunResult, error) {
	if len(params.Teams) == 0 {
		return ParallelRunResult{Outcome: core.OutcomeSuccess}, nil
	}

	maxWait := params.MaxWait
	if maxWait <= 0 {
		maxWait = time.Duration(p.Config.CapacityWaitMs) * time.Millisecond
	}
	pollInterval := params.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Duration(p.Config.CapacityPollMs) * time.Millisecond
	}

	requestedTeamP := params.RequestedTeamParallelism
	if requestedTeamP < 1 {
		requestedTeamP = min(len(params.Teams), p.Config.MaxParallelTeamsPerRun)
	}
	requestedMemberP := params.RequestedMemberParallelism
	if requestedMemberP < 1 {
		requestedMemberP = p.Config.MaxParallelTeammatesPerTeam
	}

	capResult := p.Admission.ResolveParallelCapacity(ctx, requestedTeamP, requestedMemberP, maxWait, pollInterval)
	if !capResult.Allowed {
		return p.capacityExhaustedResult(params), core.NewFrameworkError("ParallelOrchestrator.RunTeams", "capacity", core.ErrCapacityExhausted)
	}
	if capResult.Reservation != nil {
		if err := capResult.Reservation.Consume(); err != nil {
			p.logger().Warn("capacity reservation already consumed", map[string]interface{}{"error": err.Error()})
		}
		defer func() {
			if err := capResult.Reservation.Release(); err != nil {
				p.logger().Debug("capacity reservation already released", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	// Each concurrent team gets an even share of the reserved LLM budget;
	// AppliedMemberP already reflects that division since the reservation
	// covers AppliedTeamP*AppliedMemberP LLM slots in aggregate (spec
	// §4.2's "per-team LLM budget").
	memberLimit := capResult.AppliedMemberP
	if p.Config.MaxTotalActiveLLM > 0 && capResult.AppliedTeamP > 0 {
		perTeamShare := p.Config.MaxTotalActiveLLM / capResult.AppliedTeamP
		if perTeamShare < memberLimit {
			memberLimit = perTeamShare
		}
	}
	if memberLimit < 1 {
		memberLimit = 1
	}

	records := make([]core.TeamRunRecord, len(params.Teams))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(capResult.AppliedTeamP)

	for i := range params.Teams {
		i := i
		g.Go(func() error {
			team := params.Teams[i]
			defer func() {
				if r := recover(); r != nil {
					p.logger().Error("team run panicked", map[string]interface{}{"teamId": team.ID, "panic": fmt.Sprintf("%v", r)})
					records[i] = p.synthesizeFailedRecord(team, params.Task, params.Strategy)
				}
			}()

			res, runErr := p.Orchestrator.RunTeam(gctx, RunTeamParams{
				Team:                    team,
				Task:                    params.Task,
				Strategy:                params.Strategy,
				MemberParallelLimit:     memberLimit,
				CommunicationRounds:     params.CommunicationRounds,
				FailedMemberRetryRounds: params.FailedMemberRetryRounds,
				SharedContext:           params.SharedContext,
				TimeoutMs:               params.TimeoutMs,
				RetryOverrides:          params.RetryOverrides,
				Observer:                params.Observer,
			})
			if runErr != nil {
				p.logger().Warn("team run returned a fatal error", map[string]interface{}{"teamId": team.ID, "error": runErr.Error()})
			}
			records[i] = res.Record
			return nil
		})
	}
	_ = g.Wait()

	outcomes := make([]TeamOutcome, len(records))
	for i, r := range records {
		outcomes[i] = teamOutcome(r)
	}
	outcome, anyRetryable := AggregateTeamOutcomes(outcomes)

	return ParallelRunResult{
		Records:                  records,
		Outcome:                  outcome,
		AnyRetryable:             anyRetryable,
		AppliedTeamParallelism:   capResult.AppliedTeamP,
		AppliedMemberParallelism: memberLimit,
		Reduced:                  capResult.Reduced,
	}, nil
}

// teamOutcome classifies one team's finished record for the aggregate
// outcome table: a converged verdict on a completed run counts as fully
// completed, any other completed run as partial, everything else as
// failed-and-retryable (spec §4.2). A team's own retry/communication
// rounds already exhausted its recovery options by the time RunTeam
// returns, so a non-completed record is treated as retryable at the
// parallel-run level rather than inspecting individual member errors
// again.
func teamOutcome(record core.TeamRunRecord) TeamOutcome {
	switch {
	case record.Status == core.RunCompleted && record.Judge.Verdict == core.VerdictConverged:
		return TeamOutcome{Completed: true}
	case record.Status == core.RunCompleted:
		return TeamOutcome{Partial: true}
	default:
		return TeamOutcome{Failed: true, Retryable: true}
	}
}

func (p *ParallelOrchestrator) synthesizeFailedRecord(team core.TeamDefinition, task string, strategy core.RunStrategy) core.TeamRunRecord {
	now := p.clock()
	return core.TeamRunRecord{
		RunID:       core.NewRunID(now.UnixMilli()),
		TeamID:      team.ID,
		Strategy:    strategy,
		Task:        task,
		Summary:     "team run aborted",
		Status:      core.RunFailed,
		StartedAt:   now,
		FinishedAt:  now,
		MemberCount: len(team.EnabledMembers()),
		Judge:       core.FinalJudge{Verdict: core.VerdictFailed},
	}
}

func (p *ParallelOrchestrator) capacityExhaustedResult(params ParallelRunParams) ParallelRunResult {
	records := make([]core.TeamRunRecord, len(params.Teams))
	for i, team := range params.Teams {
		records[i] = p.synthesizeFailedRecord(team, params.Task, params.Strategy)
	}
	outcomes := make([]TeamOutcome, len(records))
	for i := range records {
		outcomes[i] = TeamOutcome{Failed: true, Retryable: true}
	}
	outcome, anyRetryable := AggregateTeamOutcomes(outcomes)
	return ParallelRunResult{
		Records:      records,
		Outcome:      outcome,
		AnyRetryable: anyRetryable,
	}
}
