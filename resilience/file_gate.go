package resilience

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/arjunv/agentteams/core"
)

// flushDebounce is how long FileGate coalesces writes before touching disk
// (spec §4.5: "writes are debounced by ~500ms").
const flushDebounce = 500 * time.Millisecond

// persistedGateState is the on-disk shape at
// ~/.pi/runtime/retry-rate-limit-state.json (spec §6).
type persistedGateState struct {
	Version   int                       `json:"version"`
	UpdatedAt time.Time                 `json:"updatedAt"`
	Entries   map[string]RateLimitEntry `json:"entries"`
}

// FileGate is the default SharedGate: a process-wide map persisted to a
// JSON file, guarded by a cross-process advisory lock plus an in-process
// mutex, with debounced writes and a synchronous flush on Close.
//
// No file-locking library (flock, gofrs/flock, or similar) appears anywhere
// in the example corpus, so the cross-process lock is implemented directly
// with the stdlib syscall.Flock — see DESIGN.md for the justification this
// repo's conventions require for any stdlib-only component.
type FileGate struct {
	path string

	mu       sync.Mutex
	core     *gateCore
	pending  bool
	flushing bool
	timer    *time.Timer

	logger core.Logger
}

// NewFileGate loads any existing entries from the state file at path; the
// file itself is created on the first Flush. A load failure is logged and
// treated as an empty gate rather than a fatal error — durability is
// best-effort (spec §4.5).
func NewFileGate(path string, logger core.Logger) *FileGate {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	g := &FileGate{
		path:   path,
		core:   newGateCore(time.Now),
		logger: core.WithComponent(logger, "framework/resilience"),
	}
	g.loadFromDisk()
	return g
}

func (g *FileGate) loadFromDisk() {
	data, err := os.ReadFile(g.path)
	if err != nil {
		if !os.IsNotExist(err) {
			g.logger.Warn("failed to read rate-limit state file", map[string]interface{}{"path": g.path, "error": err.Error()})
		}
		return
	}
	var state persistedGateState
	if err := json.Unmarshal(data, &state); err != nil {
		g.logger.Warn("failed to parse rate-limit state file", map[string]interface{}{"path": g.path, "error": err.Error()})
		return
	}
	g.core.mu.Lock()
	defer g.core.mu.Unlock()
	if state.Entries != nil {
		g.core.entries = state.Entries
	}
}

func (g *FileGate) Snapshot(key string) GateSnapshot {
	g.core.mu.Lock()
	g.core.pruneLocked(g.core.nowMs())
	snap := g.core.combinedLocked(key)
	g.core.mu.Unlock()
	return snap
}

func (g *FileGate) RegisterHit(key string, suggestedDelay time.Duration) {
	g.core.mu.Lock()
	g.core.registerHitLocked(key, suggestedDelay)
	if key != GlobalKey {
		g.core.registerHitLocked(GlobalKey, suggestedDelay)
	}
	g.core.mu.Unlock()
	g.scheduleFlush()
}

func (g *FileGate) RegisterSuccess(key string) {
	g.core.mu.Lock()
	g.core.registerSuccessLocked(key)
	g.core.mu.Unlock()
	g.scheduleFlush()
}

// scheduleFlush coalesces writes within flushDebounce of each other.
func (g *FileGate) scheduleFlush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = true
	if g.timer != nil {
		return
	}
	g.timer = time.AfterFunc(flushDebounce, func() {
		g.mu.Lock()
		g.timer = nil
		g.mu.Unlock()
		g.Flush()
	})
}

// Flush writes pending state to disk immediately, merging with whatever is
// currently on disk (another process may have written since our last read)
// using the max-of-fields rule (mergeEntries). Safe to call concurrently;
// a single in-process flag prevents re-entrant flushes.
func (g *FileGate) Flush() {
	g.mu.Lock()
	if g.flushing || !g.pending {
		g.mu.Unlock()
		return
	}
	g.flushing = true
	g.pending = false
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.flushing = false
		g.mu.Unlock()
	}()

	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		g.logger.Warn("failed to create rate-limit state directory", map[string]interface{}{"error": err.Error()})
		return
	}

	f, err := os.OpenFile(g.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		g.logger.Warn("failed to open rate-limit state file, continuing in-memory only", map[string]interface{}{"error": err.Error()})
		return
	}
	defer f.Close()

	locked := true
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		locked = false
		g.logger.Debug("falling back to in-memory mutation, flock unavailable", map[string]interface{}{"error": err.Error()})
	}
	if locked {
		defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}

	var disk persistedGateState
	if raw, err := io.ReadAll(f); err == nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, &disk)
	}

	g.core.mu.Lock()
	merged := mergeEntries(disk.Entries, g.core.snapshotEntriesLocked())
	g.core.pruneLocked(g.core.nowMs())
	g.core.entries = merged
	g.core.mu.Unlock()

	out := persistedGateState{Version: 1, UpdatedAt: time.Now(), Entries: merged}
	buf, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		g.logger.Warn("failed to marshal rate-limit state", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := f.Truncate(0); err != nil {
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return
	}
	if _, err := f.Write(buf); err != nil {
		g.logger.Warn("failed to write rate-limit state", map[string]interface{}{"error": err.Error()})
	}
}

// Close flushes any pending write synchronously, mirroring the teacher's
// "on process beforeExit, a pending write is flushed synchronously" rule.
func (g *FileGate) Close() {
	g.mu.Lock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	pending := g.pending
	g.mu.Unlock()
	if pending {
		g.mu.Lock()
		g.pending = true
		g.mu.Unlock()
		g.Flush()
	}
}
