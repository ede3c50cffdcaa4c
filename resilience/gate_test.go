package resilience

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_RegisterHitRaisesGlobalAndKey(t *testing.T) {
	gate := NewMemoryGate(time.Now)
	gate.RegisterHit("member:1", time.Second)

	entries := gate.Entries()
	_, hasKey := entries["member:1"]
	_, hasGlobal := entries[GlobalKey]
	assert.True(t, hasKey)
	assert.True(t, hasGlobal)
}

func TestGate_SnapshotReturnsLongerOfKeyAndGlobal(t *testing.T) {
	gate := NewMemoryGate(time.Now)
	gate.RegisterHit(GlobalKey, time.Minute)

	snap := gate.Snapshot("unrelated-key")
	assert.Greater(t, snap.WaitMs, int64(0))
}

func TestGate_HitsAreMonotonicUntilSuccess(t *testing.T) {
	gate := NewMemoryGate(time.Now)
	var last int64
	for i := 0; i < 5; i++ {
		gate.RegisterHit("member:1", 500*time.Millisecond)
		snap := gate.Snapshot("member:1")
		require.GreaterOrEqual(t, snap.UntilMs, last)
		last = snap.UntilMs
	}

	gate.RegisterSuccess("member:1")
	relieved := gate.Snapshot("member:1")
	assert.LessOrEqual(t, relieved.UntilMs, last)
}

func TestGate_HitsCapAtMaxHits(t *testing.T) {
	gate := NewMemoryGate(time.Now)
	for i := 0; i < maxHits+10; i++ {
		gate.RegisterHit("member:1", 500*time.Millisecond)
	}
	entries := gate.Entries()
	assert.Equal(t, maxHits, entries["member:1"].Hits)
}

func TestGate_EvictsToCapacityBound(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	gate := NewMemoryGate(clock)

	for i := 0; i < maxEntries+20; i++ {
		gate.RegisterHit(fmt.Sprintf("key-%d", i), time.Second)
		now = now.Add(time.Millisecond)
	}

	entries := gate.Entries()
	assert.LessOrEqual(t, len(entries), maxEntries)
}

func TestGate_SuccessDeletesEntryAtZeroHits(t *testing.T) {
	gate := NewMemoryGate(time.Now)
	gate.RegisterHit("member:1", time.Second)
	gate.RegisterSuccess("member:1")
	gate.RegisterSuccess(GlobalKey)

	entries := gate.Entries()
	_, ok := entries["member:1"]
	assert.False(t, ok)
}

func TestMergeEntries_TakesElementwiseMax(t *testing.T) {
	a := map[string]RateLimitEntry{
		"k": {UntilMs: 100, Hits: 2, UpdatedAtMs: 50},
	}
	b := map[string]RateLimitEntry{
		"k": {UntilMs: 80, Hits: 5, UpdatedAtMs: 90},
	}
	merged := mergeEntries(a, b)
	assert.Equal(t, int64(100), merged["k"].UntilMs)
	assert.Equal(t, 5, merged["k"].Hits)
	assert.Equal(t, int64(90), merged["k"].UpdatedAtMs)
}

func TestClassify_DefaultShouldRetry(t *testing.T) {
	assert.True(t, DefaultShouldRetry(errors.New("rate limit exceeded"), 0))
	assert.True(t, DefaultShouldRetry(errors.New("boom"), 503))
	assert.False(t, DefaultShouldRetry(errors.New("invalid argument"), 400))
}

func TestExtractStatusCode_FromStatusCoder(t *testing.T) {
	err := statusErr{status: 429, msg: "slow down"}
	assert.Equal(t, 429, ExtractStatusCode(err))
}

func TestExtractStatusCode_FromEmbeddedCode(t *testing.T) {
	assert.Equal(t, 503, ExtractStatusCode(fmt.Errorf("request failed: 503 Service Unavailable")))
}
