package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/arjunv/agentteams/core"
	"github.com/arjunv/agentteams/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParallelOrchestrator(executor MemberExecutor, maxTeamsPerRun, maxLLM int) *ParallelOrchestrator {
	cfg := core.DefaultConfig()
	cfg.StableRuntimeProfile = false
	cfg.MaxCommunicationRounds = 3
	cfg.MaxFailedMemberRetryRounds = 2
	cfg.MaxCommunicationPartners = 3
	cfg.MaxTotalActiveRequests = 8
	cfg.MaxConcurrentOrchestrations = 4
	cfg.MaxParallelTeamsPerRun = maxTeamsPerRun
	cfg.MaxTotalActiveLLM = maxLLM
	cfg.CapacityWaitMs = 500
	cfg.CapacityPollMs = 5

	admission := NewAdmissionController(cfg, core.NoOpLogger{})
	penalty := NewAdaptivePenalty(cfg.MaxPenalty, time.Duration(cfg.DecayMs)*time.Millisecond, nil)
	gate := resilience.NewMemoryGate(nil)

	o := &Orchestrator{
		Executor:  executor,
		Admission: admission,
		Penalty:   penalty,
		Gate:      gate,
		Config:    cfg,
		Logger:    core.NoOpLogger{},
	}

	return &ParallelOrchestrator{
		Orchestrator: o,
		Admission:    admission,
		Config:       cfg,
		Logger:       core.NoOpLogger{},
	}
}

func TestParallelOrchestrator_AllTeamsSucceed(t *testing.T) {
	executor := func(ctx context.Context, req MemberRequest) (MemberResponse, error) {
		return MemberResponse{Output: wellFormedOutput("agreed", "0.9")}, nil
	}
	p := newTestParallelOrchestrator(executor, 2, 16)

	teams := []core.TeamDefinition{testTeamNamed("t1", "a", "b"), testTeamNamed("t2", "c", "d")}
	res, err := p.RunTeams(context.Background(), ParallelRunParams{
		Teams:                      teams,
		Task:                       "investigate",
		Strategy:                   core.StrategyParallel,
		RequestedTeamParallelism:   2,
		RequestedMemberParallelism: 2,
		TimeoutMs:                  1000,
		RetryOverrides:             fastRetryOptions(),
	})

	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "t1", res.Records[0].TeamID, "team order must be preserved")
	assert.Equal(t, "t2", res.Records[1].TeamID)
	assert.Equal(t, core.OutcomeSuccess, res.Outcome)
}

func TestParallelOrchestrator_CapacityLadderReducesParallelism(t *testing.T) {
	executor := func(ctx context.Context, req MemberRequest) (MemberResponse, error) {
		return MemberResponse{Output: wellFormedOutput("agreed", "0.9")}, nil
	}
	// Two teams requested at memberParallelism=4 but only 4 total LLM slots
	// exist, so the ladder must reduce to fit within budget (spec §4.3 S4).
	p := newTestParallelOrchestrator(executor, 2, 4)

	teams := []core.TeamDefinition{testTeamNamed("t1", "a", "b"), testTeamNamed("t2", "c", "d")}
	res, err := p.RunTeams(context.Background(), ParallelRunParams{
		Teams:                      teams,
		Task:                       "investigate",
		Strategy:                   core.StrategyParallel,
		RequestedTeamParallelism:   2,
		RequestedMemberParallelism: 4,
		TimeoutMs:                  1000,
		RetryOverrides:             fastRetryOptions(),
	})

	require.NoError(t, err)
	assert.True(t, res.Reduced)
	assert.LessOrEqual(t, res.AppliedTeamParallelism*res.AppliedMemberParallelism, 4)
}

func TestParallelOrchestrator_EmptyTeamListIsSuccess(t *testing.T) {
	p := newTestParallelOrchestrator(func(ctx context.Context, req MemberRequest) (MemberResponse, error) {
		return MemberResponse{}, nil
	}, 2, 4)

	res, err := p.RunTeams(context.Background(), ParallelRunParams{Teams: nil, Task: "x"})
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeSuccess, res.Outcome)
	assert.Empty(t, res.Records)
}

func TestParallelOrchestrator_OneFailingTeamIsPartialSuccess(t *testing.T) {
	executor := func(ctx context.Context, req MemberRequest) (MemberResponse, error) {
		if req.MemberID == "c" {
			return MemberResponse{}, assertErr("non_retryable garbage")
		}
		return MemberResponse{Output: wellFormedOutput("agreed", "0.9")}, nil
	}
	p := newTestParallelOrchestrator(executor, 2, 16)

	teams := []core.TeamDefinition{testTeamNamed("t1", "a", "b"), testTeamNamed("t2", "c")}
	res, err := p.RunTeams(context.Background(), ParallelRunParams{
		Teams:                      teams,
		Task:                       "investigate",
		Strategy:                   core.StrategyParallel,
		RequestedTeamParallelism:   2,
		RequestedMemberParallelism: 2,
		TimeoutMs:                  1000,
		RetryOverrides:             fastRetryOptions(),
	})

	require.NoError(t, err)
	assert.Equal(t, core.OutcomePartialSuccess, res.Outcome)
	assert.Equal(t, core.RunFailed, res.Records[1].Status)
}

func testTeamNamed(teamID string, memberIDs ...string) core.TeamDefinition {
	team := testTeam(memberIDs...)
	team.ID = teamID
	return team
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
