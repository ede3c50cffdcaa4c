package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arjunv/agentteams/core"
	"github.com/arjunv/agentteams/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTeam(ids ...string) core.TeamDefinition {
	members := make([]core.Member, len(ids))
	for i, id := range ids {
		members[i] = core.Member{ID: id, Role: "role-" + id, Provider: "test", Model: "test-model", Enabled: true}
	}
	return core.TeamDefinition{ID: "team-1", Name: "Team One", Members: members}
}

func wellFormedOutput(summary, confidence string) string {
	return fmt.Sprintf("SUMMARY: %s\nCLAIM: %s\nEVIDENCE: - point one\n- point two\nCONFIDENCE: %s\nNEXT_STEP: none\nRESULT: done",
		summary, summary, confidence)
}

type callTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCallTracker() *callTracker { return &callTracker{counts: make(map[string]int)} }

func (c *callTracker) next(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[id]++
	return c.counts[id]
}

func newTestOrchestrator(executor MemberExecutor) *Orchestrator {
	cfg := core.DefaultConfig()
	cfg.StableRuntimeProfile = false
	cfg.MaxCommunicationRounds = 3
	cfg.MaxFailedMemberRetryRounds = 2
	cfg.MaxCommunicationPartners = 3
	cfg.MaxTotalActiveRequests = 8
	cfg.MaxTotalActiveLLM = 16
	cfg.MaxConcurrentOrchestrations = 4

	admission := NewAdmissionController(cfg, core.NoOpLogger{})
	penalty := NewAdaptivePenalty(cfg.MaxPenalty, time.Duration(cfg.DecayMs)*time.Millisecond, nil)
	gate := resilience.NewMemoryGate(nil)

	return &Orchestrator{
		Executor:  executor,
		Admission: admission,
		Penalty:   penalty,
		Gate:      gate,
		Config:    cfg,
		Logger:    core.NoOpLogger{},
	}
}

func fastRetryOptions() *resilience.RetryOptions {
	return &resilience.RetryOptions{
		MaxRetries:   0,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Jitter:       resilience.JitterNone,
	}
}

func TestRunTeam_HappyPathAllConverge(t *testing.T) {
	team := testTeam("alpha", "beta", "gamma")
	executor := func(ctx context.Context, req MemberRequest) (MemberResponse, error) {
		return MemberResponse{Output: wellFormedOutput("agrees with the group", "0.90"), LatencyMs: 5}, nil
	}
	o := newTestOrchestrator(executor)

	res, err := o.RunTeam(context.Background(), RunTeamParams{
		Team:                team,
		Task:                "summarize the incident",
		Strategy:            core.StrategyParallel,
		MemberParallelLimit: 3,
		CommunicationRounds: 1,
		TimeoutMs:           1000,
		RetryOverrides:      fastRetryOptions(),
	})

	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.Equal(t, core.RunCompleted, res.Record.Status)
	for i, id := range []string{"alpha", "beta", "gamma"} {
		assert.Equal(t, id, res.Results[i].MemberID, "roster order must be preserved (testable invariant 8)")
		assert.Equal(t, core.MemberCompleted, res.Results[i].Status)
	}
	assert.Equal(t, core.VerdictConverged, res.Record.Judge.Verdict)
}

func TestRunTeam_InitialFailureRecoversInRetryRound(t *testing.T) {
	team := testTeam("alpha", "beta")
	tracker := newCallTracker()
	executor := func(ctx context.Context, req MemberRequest) (MemberResponse, error) {
		n := tracker.next(req.MemberID)
		if req.MemberID == "beta" && n == 1 {
			return MemberResponse{}, errors.New("request timeout talking to provider")
		}
		return MemberResponse{Output: wellFormedOutput("steady result", "0.8"), LatencyMs: 3}, nil
	}
	o := newTestOrchestrator(executor)

	res, err := o.RunTeam(context.Background(), RunTeamParams{
		Team:                    team,
		Task:                    "investigate",
		Strategy:                core.StrategyParallel,
		MemberParallelLimit:     2,
		FailedMemberRetryRounds: 1,
		TimeoutMs:               1000,
		RetryOverrides:          fastRetryOptions(),
	})

	require.NoError(t, err)
	assert.Equal(t, core.MemberCompleted, res.Results[1].Status)
	assert.Contains(t, res.Record.RecoveredMembers, "beta")
	assert.Equal(t, 1, res.Record.FailedMemberRetryApplied)
}

func TestRunTeam_RateLimitedMemberNeverRetried(t *testing.T) {
	team := testTeam("alpha", "beta")
	executor := func(ctx context.Context, req MemberRequest) (MemberResponse, error) {
		if req.MemberID == "beta" {
			return MemberResponse{}, errors.New("received 429 too many requests")
		}
		return MemberResponse{Output: wellFormedOutput("ok", "0.8"), LatencyMs: 3}, nil
	}
	o := newTestOrchestrator(executor)

	res, err := o.RunTeam(context.Background(), RunTeamParams{
		Team:                    team,
		Task:                    "investigate",
		Strategy:                core.StrategyParallel,
		MemberParallelLimit:     2,
		FailedMemberRetryRounds: 2,
		TimeoutMs:               1000,
		RetryOverrides:          fastRetryOptions(),
	})

	require.NoError(t, err)
	assert.Equal(t, core.MemberFailed, res.Results[1].Status)
	assert.NotContains(t, res.Record.RecoveredMembers, "beta")
}

func TestRunTeam_CancellationMarksMembersCancelled(t *testing.T) {
	team := testTeam("alpha")
	executor := func(ctx context.Context, req MemberRequest) (MemberResponse, error) {
		return MemberResponse{Output: wellFormedOutput("ok", "0.8")}, nil
	}
	o := newTestOrchestrator(executor)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.RunTeam(ctx, RunTeamParams{
		Team:                team,
		Task:                "investigate",
		Strategy:            core.StrategySequential,
		MemberParallelLimit: 1,
		TimeoutMs:           1000,
		RetryOverrides:      fastRetryOptions(),
	})

	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, core.MemberFailed, res.Results[0].Status)
	assert.Contains(t, res.Results[0].Error, "CANCELLED")
}

func TestRunTeam_CommunicationRoundFlagsMissingReference(t *testing.T) {
	team := testTeam("alpha", "beta")
	executor := func(ctx context.Context, req MemberRequest) (MemberResponse, error) {
		return MemberResponse{Output: wellFormedOutput("independent analysis", "0.8")}, nil
	}
	o := newTestOrchestrator(executor)

	res, err := o.RunTeam(context.Background(), RunTeamParams{
		Team:                team,
		Task:                "investigate",
		Strategy:            core.StrategyParallel,
		MemberParallelLimit: 2,
		CommunicationRounds: 1,
		TimeoutMs:           1000,
		RetryOverrides:      fastRetryOptions(),
	})

	require.NoError(t, err)
	require.Len(t, res.Audit, 2)
	for _, entry := range res.Audit {
		assert.NotEmpty(t, entry.MissingPartners, "neither member mentions its partner, so both should be flagged missing")
		assert.Empty(t, entry.ReferencedPartners)
	}
}

func TestRunTeam_NoEnabledMembersReturnsDegradedRecord(t *testing.T) {
	team := core.TeamDefinition{ID: "empty-team", Name: "Empty"}
	o := newTestOrchestrator(func(ctx context.Context, req MemberRequest) (MemberResponse, error) {
		return MemberResponse{}, nil
	})

	res, err := o.RunTeam(context.Background(), RunTeamParams{Team: team, Task: "x"})

	require.Error(t, err)
	assert.Equal(t, core.RunFailed, res.Record.Status)
	assert.Equal(t, core.VerdictFailed, res.Record.Judge.Verdict)
}

func TestRunTeam_SingleMemberForcesZeroRounds(t *testing.T) {
	team := testTeam("solo")
	o := newTestOrchestrator(func(ctx context.Context, req MemberRequest) (MemberResponse, error) {
		return MemberResponse{Output: wellFormedOutput("done", "0.9")}, nil
	})

	res, err := o.RunTeam(context.Background(), RunTeamParams{
		Team:                    team,
		Task:                    "x",
		Strategy:                core.StrategySequential,
		MemberParallelLimit:     1,
		CommunicationRounds:     3,
		FailedMemberRetryRounds: 2,
		TimeoutMs:               1000,
		RetryOverrides:          fastRetryOptions(),
	})

	require.NoError(t, err)
	assert.Equal(t, 0, res.Record.CommunicationRounds)
	assert.Equal(t, 0, res.Record.FailedMemberRetryRounds)
}
