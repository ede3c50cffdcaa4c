// Command teamrun is the CLI entry point for running one or more agent
// teams against a task and printing a one-line status summary per team
// (spec §7).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"time"

	"github.com/arjunv/agentteams/core"
	"github.com/arjunv/agentteams/orchestration"
	"github.com/arjunv/agentteams/resilience"
	"github.com/arjunv/agentteams/storage"
)

func main() {
	teamsFile := flag.String("teams", "", "path to a JSON file holding the teams to run ([]core.TeamDefinition)")
	task := flag.String("task", "", "task text dispatched to every member")
	strategy := flag.String("strategy", "parallel", "parallel|sequential")
	commRounds := flag.Int("communication-rounds", 0, "communication rounds per team (0 lets the config default decide)")
	retryRounds := flag.Int("failed-member-retry-rounds", 0, "failed-member retry rounds per team")
	teamParallelism := flag.Int("team-parallelism", 0, "requested concurrent teams (0 = config default)")
	memberParallelism := flag.Int("member-parallelism", 0, "requested concurrent members per team (0 = config default)")
	timeoutMs := flag.Int64("timeout-ms", 0, "per-member timeout in milliseconds (0 = config default)")
	baseDir := flag.String("base-dir", ".pi/agent-teams", "run/storage directory")
	patternsFile := flag.String("patterns-file", ".pi/memory/patterns.json", "pattern-store file")
	gateFile := flag.String("gate-file", "", "rate-limit gate state file (empty uses an in-memory gate for a single process)")
	memberExecCmd := flag.String("member-exec", os.Getenv("TEAMRUN_MEMBER_EXEC"), "path to the external member-invocation executable (receives the prompt on stdin, writes the response on stdout)")
	flag.Parse()

	logger := core.NewSimpleLogger()

	if *task == "" || *teamsFile == "" {
		logger.Error("missing required flags", map[string]interface{}{"task": *task, "teams": *teamsFile})
		flag.Usage()
		os.Exit(2)
	}
	if *memberExecCmd == "" {
		logger.Error("no member executor configured", map[string]interface{}{"hint": "set -member-exec or TEAMRUN_MEMBER_EXEC"})
		os.Exit(2)
	}

	cfg := core.DefaultConfig()
	cfg.SetLogger(logger)
	if err := cfg.LoadFromEnv(); err != nil {
		logger.Error("invalid configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	rounds := *commRounds
	if rounds == 0 {
		rounds = cfg.DefaultCommunicationRounds
	}

	teams, err := loadTeams(*teamsFile)
	if err != nil {
		logger.Error("failed to load teams", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	admission := orchestration.NewAdmissionController(cfg, logger)
	penalty := orchestration.NewAdaptivePenalty(cfg.MaxPenalty, time.Duration(cfg.DecayMs)*time.Millisecond, nil)

	var gate resilience.SharedGate
	if *gateFile != "" {
		gate = resilience.NewFileGate(*gateFile, logger)
	} else {
		gate = resilience.NewMemoryGate(nil)
	}

	runStore := storage.NewRunStore(*baseDir, logger)
	patternStore := storage.NewPatternStore(*patternsFile, logger)

	orch := &orchestration.Orchestrator{
		Executor:  subprocessExecutor(*memberExecCmd),
		Admission: admission,
		Penalty:   penalty,
		Gate:      gate,
		Persister: runStore,
		Patterns:  patternStore,
		Config:    cfg,
		Logger:    logger,
	}
	parallel := &orchestration.ParallelOrchestrator{
		Orchestrator: orch,
		Admission:    admission,
		Config:       cfg,
		Logger:       logger,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	result, err := parallel.RunTeams(ctx, orchestration.ParallelRunParams{
		Teams:                      teams,
		Task:                       *task,
		Strategy:                   core.RunStrategy(*strategy),
		RequestedTeamParallelism:   *teamParallelism,
		RequestedMemberParallelism: *memberParallelism,
		CommunicationRounds:        rounds,
		FailedMemberRetryRounds:    *retryRounds,
		TimeoutMs:                  *timeoutMs,
	})
	if err != nil {
		logger.Warn("team run completed with a fatal error", map[string]interface{}{"error": err.Error()})
	}

	printSummary(result)
	if result.Outcome == core.OutcomeNonRetryableFailure || result.Outcome == core.OutcomeRetryableFailure {
		os.Exit(1)
	}
}

func printSummary(result orchestration.ParallelRunResult) {
	fmt.Printf("outcome=%s teams=%d\n", result.Outcome, len(result.Records))
	for _, r := range result.Records {
		status := "ok"
		if r.Status != core.RunCompleted {
			status = "failed"
		}
		fmt.Printf("[%s] %s: %s\n", status, r.TeamID, r.Summary)
	}
}

func loadTeams(path string) ([]core.TeamDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewFrameworkError("loadTeams", "io", err)
	}
	var teams []core.TeamDefinition
	if err := json.Unmarshal(data, &teams); err != nil {
		return nil, core.NewFrameworkError("loadTeams", "serialization", err)
	}
	return teams, nil
}

// subprocessExecutor returns a MemberExecutor that shells out to an
// external program once per dispatch, writing the prompt to stdin and
// reading the response from stdout. The LLM-invocation subprocess itself
// is explicitly an out-of-scope external collaborator (spec §1); this is
// the thin adapter a deployment wires in, grounded on
// storbeck-augustus/internal/generators/ggml's subprocess-generator
// pattern (exec.CommandContext, capture output, surface execution
// failures with the captured output attached).
func subprocessExecutor(binPath string) orchestration.MemberExecutor {
	return func(ctx context.Context, req orchestration.MemberRequest) (orchestration.MemberResponse, error) {
		start := time.Now()
		cmd := exec.CommandContext(ctx, binPath, "--member", req.MemberID, "--provider", req.Provider, "--model", req.Model)
		cmd.Stdin = strings.NewReader(req.Prompt)

		output, err := cmd.Output()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				return orchestration.MemberResponse{}, fmt.Errorf("member-exec failed: %w (stderr: %s)", err, string(exitErr.Stderr))
			}
			return orchestration.MemberResponse{}, fmt.Errorf("member-exec failed: %w", err)
		}

		return orchestration.MemberResponse{
			Output:    strings.TrimSpace(string(output)),
			LatencyMs: time.Since(start).Milliseconds(),
		}, nil
	}
}
