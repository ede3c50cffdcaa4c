package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/arjunv/agentteams/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStore_PersistAndLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := NewRunStore(dir, nil)

	team := core.TeamDefinition{ID: "team-1", Name: "Investigators", Enabled: true}
	record := core.TeamRunRecord{
		RunID:      "t_1000_abcd",
		TeamID:     "team-1",
		Strategy:   core.StrategyParallel,
		Task:       "investigate the outage",
		Status:     core.RunCompleted,
		StartedAt:  time.Unix(1000, 0).UTC(),
		FinishedAt: time.Unix(1005, 0).UTC(),
		MemberCount: 2,
		Judge: core.FinalJudge{Verdict: core.VerdictConverged, Confidence: 0.9},
	}
	results := []core.MemberResult{
		{MemberID: "a", Status: core.MemberCompleted, Summary: "found root cause"},
	}
	audit := []core.CommunicationAuditEntry{}

	outputFile, err := store.PersistRun(team, record, results, audit, record.Task)
	require.NoError(t, err)
	assert.NotEmpty(t, outputFile)

	loadedRecord, loadedTeam, loadedResults, _, err := store.LoadArtifact(record.RunID)
	require.NoError(t, err)
	assert.Equal(t, record.RunID, loadedRecord.RunID)
	assert.Equal(t, record.Judge.Verdict, loadedRecord.Judge.Verdict)
	assert.Equal(t, team.ID, loadedTeam.ID)
	assert.Equal(t, team.Name, loadedTeam.Name)
	assert.Len(t, loadedResults, 1)

	runs, err := store.LoadRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, record.RunID, runs[0].RunID)
}

func TestRunStore_TruncatesToMaxRunsToKeep(t *testing.T) {
	dir := t.TempDir()
	store := NewRunStore(dir, nil)
	team := core.TeamDefinition{ID: "team-1", Enabled: true}

	for i := 0; i < MaxRunsToKeep+10; i++ {
		record := core.TeamRunRecord{RunID: fmt.Sprintf("run-%d", i), TeamID: "team-1"}
		_, err := store.PersistRun(team, record, nil, nil, "task")
		require.NoError(t, err)
	}

	runs, err := store.LoadRuns()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(runs), MaxRunsToKeep)
}

func TestPatternStore_AveragesAcrossObservations(t *testing.T) {
	dir := t.TempDir()
	store := NewPatternStore(filepath.Join(dir, "patterns.json"), nil)

	r1 := core.TeamRunRecord{RunID: "r1", Judge: core.FinalJudge{UIntra: 0.2, UInter: 0.1, USys: 0.15}}
	r2 := core.TeamRunRecord{RunID: "r2", Judge: core.FinalJudge{UIntra: 0.4, UInter: 0.3, USys: 0.25}}

	require.NoError(t, store.Observe(r1, "investigate the outage"))
	require.NoError(t, store.Observe(r2, "investigate another outage"))

	patterns, err := store.Patterns()
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "investigate", patterns[0].TaskTypeHint)
	assert.Equal(t, 2, patterns[0].SampleCount)
	assert.InDelta(t, 0.3, patterns[0].AvgUIntra, 0.001)
	assert.Equal(t, "r2", patterns[0].LastSeenRunID)
}

func TestPatternStore_BucketsByFirstToken(t *testing.T) {
	dir := t.TempDir()
	store := NewPatternStore(filepath.Join(dir, "patterns.json"), nil)

	require.NoError(t, store.Observe(core.TeamRunRecord{RunID: "r1"}, "investigate the outage"))
	require.NoError(t, store.Observe(core.TeamRunRecord{RunID: "r2"}, "refactor the module"))

	patterns, err := store.Patterns()
	require.NoError(t, err)
	assert.Len(t, patterns, 2)
}
