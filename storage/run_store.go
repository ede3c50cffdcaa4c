// Package storage persists TeamRunRecords and derives simple task-pattern
// summaries from run history (spec §6, SPEC_FULL.md's PatternStore
// supplement).
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/arjunv/agentteams/core"
	"gopkg.in/yaml.v3"
)

// MaxRunsToKeep bounds storage.json (spec §6).
const MaxRunsToKeep = 200

// teamStorageFile is the on-disk shape of storage.json (spec §6).
type teamStorageFile struct {
	Version         int                    `json:"version"`
	DefaultsVersion int                    `json:"defaultsVersion"`
	CurrentTeamID   string                 `json:"currentTeamId"`
	Teams           []core.TeamDefinition  `json:"teams"`
	Runs            []core.TeamRunRecord   `json:"runs"`
}

// runArtifact is the per-run file written to runsDir/{runId}.json. The team
// definition is embedded as a YAML snapshot (the only use of
// gopkg.in/yaml.v3 in this module), mirroring the team-definition markdown
// frontmatter format the real system stores teams in; everything else in
// the artifact is plain JSON.
type runArtifact struct {
	Record       core.TeamRunRecord             `json:"record"`
	TeamSnapshot string                         `json:"teamSnapshot"`
	Results      []core.MemberResult            `json:"results"`
	Audit        []core.CommunicationAuditEntry `json:"audit"`
	Task         string                         `json:"task"`
}

// marshalTeamSnapshot YAML-encodes team for embedding in a JSON artifact.
func marshalTeamSnapshot(team core.TeamDefinition) (string, error) {
	buf, err := yaml.Marshal(team)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func unmarshalTeamSnapshot(snapshot string) (core.TeamDefinition, error) {
	var team core.TeamDefinition
	if snapshot == "" {
		return team, nil
	}
	if err := yaml.Unmarshal([]byte(snapshot), &team); err != nil {
		return core.TeamDefinition{}, err
	}
	return team, nil
}

// RunStore persists run artifacts and the team-run index (spec §4.1's
// Persist phase, spec §6's filesystem layout).
type RunStore struct {
	mu sync.Mutex

	baseDir     string // <cwd>/.pi/agent-teams
	runsDir     string
	storagePath string

	logger core.Logger
}

// NewRunStore roots the store at baseDir (typically "<cwd>/.pi/agent-teams").
func NewRunStore(baseDir string, logger core.Logger) *RunStore {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &RunStore{
		baseDir:     baseDir,
		runsDir:     filepath.Join(baseDir, "runs"),
		storagePath: filepath.Join(baseDir, "storage.json"),
		logger:      core.WithComponent(logger, "framework/storage"),
	}
}

// PersistRun writes the per-run artifact atomically and appends the record
// to storage.json, truncating to MaxRunsToKeep (spec §4.1 step 6). It
// returns the artifact's path so callers can stamp it onto their own copy
// of the record (spec §3's outputFile field).
func (s *RunStore) PersistRun(team core.TeamDefinition, record core.TeamRunRecord, results []core.MemberResult, audit []core.CommunicationAuditEntry, task string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.runsDir, 0o755); err != nil {
		return "", core.NewFrameworkError("RunStore.PersistRun", "io", err)
	}

	snapshot, err := marshalTeamSnapshot(team)
	if err != nil {
		return "", core.NewFrameworkError("RunStore.PersistRun", "serialization", err)
	}
	artifactPath := filepath.Join(s.runsDir, fmt.Sprintf("%s.json", record.RunID))
	record.OutputFile = artifactPath

	artifact := runArtifact{Record: record, TeamSnapshot: snapshot, Results: results, Audit: audit, Task: task}
	if err := writeJSONAtomic(artifactPath, artifact); err != nil {
		return "", core.NewFrameworkError("RunStore.PersistRun", "io", err)
	}

	if err := s.appendRecordLocked(record); err != nil {
		s.logger.Warn("failed to append run record to storage index", map[string]interface{}{"runId": record.RunID, "error": err.Error()})
		return "", core.NewFrameworkError("RunStore.PersistRun", "io", err)
	}
	return artifactPath, nil
}

func (s *RunStore) appendRecordLocked(record core.TeamRunRecord) error {
	store, err := s.loadLocked()
	if err != nil {
		return err
	}
	store.Runs = append(store.Runs, record)
	if len(store.Runs) > MaxRunsToKeep {
		store.Runs = store.Runs[len(store.Runs)-MaxRunsToKeep:]
	}
	return writeJSONAtomic(s.storagePath, store)
}

func (s *RunStore) loadLocked() (teamStorageFile, error) {
	data, err := os.ReadFile(s.storagePath)
	if err != nil {
		if os.IsNotExist(err) {
			return teamStorageFile{Version: 1}, nil
		}
		return teamStorageFile{}, err
	}
	var store teamStorageFile
	if err := json.Unmarshal(data, &store); err != nil {
		return teamStorageFile{}, err
	}
	return store, nil
}

// LoadRuns returns the persisted run records, most recent last.
func (s *RunStore) LoadRuns() ([]core.TeamRunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, err := s.loadLocked()
	if err != nil {
		return nil, core.NewFrameworkError("RunStore.LoadRuns", "io", err)
	}
	return store.Runs, nil
}

// LoadArtifact reads back one run's full artifact (spec testable invariant
// 12: round-trip serialization).
func (s *RunStore) LoadArtifact(runID string) (core.TeamRunRecord, core.TeamDefinition, []core.MemberResult, []core.CommunicationAuditEntry, error) {
	path := filepath.Join(s.runsDir, fmt.Sprintf("%s.json", runID))
	data, err := os.ReadFile(path)
	if err != nil {
		return core.TeamRunRecord{}, core.TeamDefinition{}, nil, nil, core.NewFrameworkError("RunStore.LoadArtifact", "io", err)
	}
	var artifact runArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return core.TeamRunRecord{}, core.TeamDefinition{}, nil, nil, core.NewFrameworkError("RunStore.LoadArtifact", "io", err)
	}
	team, err := unmarshalTeamSnapshot(artifact.TeamSnapshot)
	if err != nil {
		return core.TeamRunRecord{}, core.TeamDefinition{}, nil, nil, core.NewFrameworkError("RunStore.LoadArtifact", "serialization", err)
	}
	return artifact.Record, team, artifact.Results, artifact.Audit, nil
}

// writeJSONAtomic marshals v and writes it to path via a temp file + rename,
// so a crash mid-write never leaves a corrupted file (spec §5: "atomic
// write of the final JSON").
func writeJSONAtomic(path string, v interface{}) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
