package storage

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/arjunv/agentteams/core"
)

// Pattern is a per-task-type summary extracted from recent run history
// (SPEC_FULL.md's PatternStore supplement).
type Pattern struct {
	TaskTypeHint                   string    `json:"taskTypeHint"`
	SampleCount                    int       `json:"sampleCount"`
	AvgUIntra                      float64   `json:"avgUIntra"`
	AvgUInter                      float64   `json:"avgUInter"`
	AvgUSys                        float64   `json:"avgUSys"`
	CommonCollapseSignals          []string  `json:"commonCollapseSignals"`
	RecommendedCommunicationRounds int       `json:"recommendedCommunicationRounds"`
	LastSeenRunID                  string    `json:"lastSeenRunId"`
	UpdatedAt                      time.Time `json:"updatedAt"`
}

type patternsFile struct {
	Version         int                `json:"version"`
	LastUpdated     time.Time          `json:"lastUpdated"`
	Patterns        []Pattern          `json:"patterns"`
	PatternsByType  map[string]Pattern `json:"patternsByTaskType"`
}

// PatternStore extracts and persists Patterns bucketed by a crude
// task-type hint (first lowercased token of the task text), averaging the
// judge uncertainty triple of recent runs in that bucket (SPEC_FULL.md's
// PatternStore supplement; the real task classifier is out of scope).
type PatternStore struct {
	mu   sync.Mutex
	path string

	logger core.Logger
	clock  func() time.Time
}

// NewPatternStore roots the store at path (typically
// "<cwd>/.pi/memory/patterns.json").
func NewPatternStore(path string, logger core.Logger) *PatternStore {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &PatternStore{
		path:   path,
		logger: core.WithComponent(logger, "framework/storage"),
		clock:  time.Now,
	}
}

// taskTypeHint extracts the bucket key for a task string.
func taskTypeHint(task string) string {
	trimmed := strings.TrimSpace(task)
	if trimmed == "" {
		return "unknown"
	}
	fields := strings.Fields(trimmed)
	return strings.ToLower(fields[0])
}

// Observe folds one completed run's judge into its task-type bucket and
// persists the result (spec §2's "PatternStore... consume[s] Orchestrator
// outputs").
func (p *PatternStore) Observe(record core.TeamRunRecord, task string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	file, err := p.loadLocked()
	if err != nil {
		return core.NewFrameworkError("PatternStore.Observe", "io", err)
	}

	hint := taskTypeHint(task)
	existing, ok := file.PatternsByType[hint]
	if !ok {
		existing = Pattern{TaskTypeHint: hint}
	}

	n := float64(existing.SampleCount)
	updated := Pattern{
		TaskTypeHint:   hint,
		SampleCount:    existing.SampleCount + 1,
		AvgUIntra:      runningAverage(existing.AvgUIntra, n, record.Judge.UIntra),
		AvgUInter:      runningAverage(existing.AvgUInter, n, record.Judge.UInter),
		AvgUSys:        runningAverage(existing.AvgUSys, n, record.Judge.USys),
		LastSeenRunID:  record.RunID,
		UpdatedAt:      p.clock(),
	}
	updated.CommonCollapseSignals = mergeSignals(existing.CommonCollapseSignals, record.Judge.CollapseSignals)
	updated.RecommendedCommunicationRounds = recommendRounds(updated.AvgUInter)

	if file.PatternsByType == nil {
		file.PatternsByType = make(map[string]Pattern)
	}
	file.PatternsByType[hint] = updated
	file.Patterns = patternList(file.PatternsByType)
	file.LastUpdated = p.clock()

	return writeJSONAtomic(p.path, file)
}

// Patterns returns the current set of extracted patterns.
func (p *PatternStore) Patterns() ([]Pattern, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	file, err := p.loadLocked()
	if err != nil {
		return nil, core.NewFrameworkError("PatternStore.Patterns", "io", err)
	}
	return file.Patterns, nil
}

func (p *PatternStore) loadLocked() (patternsFile, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return patternsFile{Version: 1, PatternsByType: make(map[string]Pattern)}, nil
		}
		return patternsFile{}, err
	}
	var file patternsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return patternsFile{}, err
	}
	if file.PatternsByType == nil {
		file.PatternsByType = make(map[string]Pattern)
	}
	return file, nil
}

func runningAverage(prevAvg, prevCount, sample float64) float64 {
	if prevCount == 0 {
		return sample
	}
	return (prevAvg*prevCount + sample) / (prevCount + 1)
}

// recommendRounds nudges future runs of a high-disagreement task type
// toward more communication rounds, capped to a small constant since the
// stable profile forces rounds to 0 regardless of this recommendation.
func recommendRounds(avgUInter float64) int {
	switch {
	case avgUInter >= 0.55:
		return 2
	case avgUInter >= 0.25:
		return 1
	default:
		return 0
	}
}

func mergeSignals(existing, fresh []string) []string {
	seen := make(map[string]bool, len(existing)+len(fresh))
	out := make([]string, 0, len(existing)+len(fresh))
	for _, s := range append(append([]string{}, existing...), fresh...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func patternList(byType map[string]Pattern) []Pattern {
	out := make([]Pattern, 0, len(byType))
	for _, p := range byType {
		out = append(out, p)
	}
	return out
}
