package resilience

import (
	"sort"
	"sync"
	"time"
)

// GlobalKey is the scope that participates in every gate lookup alongside
// the caller's specific key (spec §4.5).
const GlobalKey = "__global__"

const (
	maxHits          = 8
	minHitDelay      = 800 * time.Millisecond
	maxAdaptiveDelay = 120 * time.Second
	successRelief    = 800 * time.Millisecond
	entryTTL         = 10 * time.Minute
	maxEntries       = 64
)

// RateLimitEntry is the persisted shape of one key's gate state (spec §3).
type RateLimitEntry struct {
	UntilMs     int64 `json:"untilMs"`
	Hits        int   `json:"hits"`
	UpdatedAtMs int64 `json:"updatedAtMs"`
}

// GateSnapshot is the result of consulting the gate for one key.
type GateSnapshot struct {
	WaitMs  int64
	Hits    int
	UntilMs int64
}

// SharedGate is the per-key admission barrier the retry executor consults
// before every call (spec §4.5). The default implementation is file-backed
// (FileGate); MemoryGate is the pluggable in-memory implementation spec §9
// asks for so tests don't touch the filesystem or leak state across cases.
type SharedGate interface {
	// Snapshot returns the longer of key's and GlobalKey's current wait.
	Snapshot(key string) GateSnapshot
	// RegisterHit records a failure that should delay the next call to key
	// (and, since global pressure subsumes per-key pressure, to GlobalKey).
	RegisterHit(key string, suggestedDelay time.Duration)
	// RegisterSuccess relieves pressure on key only.
	RegisterSuccess(key string)
}

// gateCore implements the entry bookkeeping (hit/success/prune/snapshot)
// shared by both the file-backed and in-memory gates, so the eviction and
// monotonicity rules (spec invariants 4 and 5) live in exactly one place.
type gateCore struct {
	mu      sync.Mutex
	entries map[string]RateLimitEntry
	clock   func() time.Time
}

func newGateCore(clock func() time.Time) *gateCore {
	if clock == nil {
		clock = time.Now
	}
	return &gateCore{entries: make(map[string]RateLimitEntry), clock: clock}
}

func (g *gateCore) nowMs() int64 {
	return g.clock().UnixMilli()
}

// registerHitLocked must be called with g.mu held.
func (g *gateCore) registerHitLocked(key string, suggestedDelay time.Duration) {
	now := g.nowMs()
	entry := g.entries[key]
	if entry.Hits < maxHits {
		entry.Hits++
	}

	baseDelay := suggestedDelay
	if baseDelay < minHitDelay {
		baseDelay = minHitDelay
	}
	adaptiveDelay := baseDelay
	for i := 1; i < entry.Hits; i++ {
		adaptiveDelay *= 2
		if adaptiveDelay >= maxAdaptiveDelay {
			adaptiveDelay = maxAdaptiveDelay
			break
		}
	}

	candidateUntil := now + adaptiveDelay.Milliseconds()
	if candidateUntil > entry.UntilMs {
		entry.UntilMs = candidateUntil
	}
	entry.UpdatedAtMs = now
	g.entries[key] = entry
	g.pruneLocked(now)
}

// registerSuccessLocked must be called with g.mu held.
func (g *gateCore) registerSuccessLocked(key string) {
	now := g.nowMs()
	entry, ok := g.entries[key]
	if !ok {
		return
	}
	if entry.Hits > 0 {
		entry.Hits--
	}
	if entry.Hits == 0 {
		delete(g.entries, key)
		return
	}
	relief := now + successRelief.Milliseconds()
	if entry.UntilMs > relief {
		entry.UntilMs = relief
	}
	entry.UpdatedAtMs = now
	g.entries[key] = entry
}

func (g *gateCore) snapshotOfLocked(key string) GateSnapshot {
	now := g.nowMs()
	entry := g.entries[key]
	wait := entry.UntilMs - now
	if wait < 0 {
		wait = 0
	}
	return GateSnapshot{WaitMs: wait, Hits: entry.Hits, UntilMs: entry.UntilMs}
}

// combinedLocked returns the snapshot with the longer wait between key and
// GlobalKey (spec §4.5: "the longer wait of the two").
func (g *gateCore) combinedLocked(key string) GateSnapshot {
	keyed := g.snapshotOfLocked(key)
	if key == GlobalKey {
		return keyed
	}
	global := g.snapshotOfLocked(GlobalKey)
	if global.WaitMs > keyed.WaitMs {
		return global
	}
	return keyed
}

// pruneLocked drops stale entries and enforces the capacity bound (spec §3
// eviction rule, invariant 5). Must be called with g.mu held.
func (g *gateCore) pruneLocked(now int64) {
	for key, entry := range g.entries {
		if now-entry.UpdatedAtMs > entryTTL.Milliseconds() && entry.UntilMs <= now {
			delete(g.entries, key)
		}
	}
	if len(g.entries) <= maxEntries {
		return
	}

	type keyed struct {
		key        string
		updatedAtMs int64
	}
	all := make([]keyed, 0, len(g.entries))
	for k, e := range g.entries {
		all = append(all, keyed{k, e.UpdatedAtMs})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].updatedAtMs < all[j].updatedAtMs })

	excess := len(all) - maxEntries
	for i := 0; i < excess; i++ {
		delete(g.entries, all[i].key)
	}
}

// snapshotEntriesLocked returns a defensive copy of the entries map.
func (g *gateCore) snapshotEntriesLocked() map[string]RateLimitEntry {
	out := make(map[string]RateLimitEntry, len(g.entries))
	for k, v := range g.entries {
		out[k] = v
	}
	return out
}

// mergeEntries combines two entry maps taking the elementwise max of
// UntilMs, Hits, and UpdatedAtMs per key (spec §9's resolution of the
// "merge, mutate, write" ordering open question: merge-before-mutate with
// max of the three fields).
func mergeEntries(a, b map[string]RateLimitEntry) map[string]RateLimitEntry {
	out := make(map[string]RateLimitEntry, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if existing, ok := out[k]; ok {
			out[k] = RateLimitEntry{
				UntilMs:     maxInt64(existing.UntilMs, v.UntilMs),
				Hits:        maxInt(existing.Hits, v.Hits),
				UpdatedAtMs: maxInt64(existing.UpdatedAtMs, v.UpdatedAtMs),
			}
		} else {
			out[k] = v
		}
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
