package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRunID_MatchesExpectedFormat(t *testing.T) {
	id := NewRunID(1_700_000_000_000)
	assert.True(t, strings.HasPrefix(id, "t_1700000000000_"))
	parts := strings.Split(id, "_")
	require := assert.New(t)
	require.Len(parts, 3)
	require.Len(parts[2], 4)
}

func TestNewRunID_Unique(t *testing.T) {
	a := NewRunID(1000)
	b := NewRunID(1000)
	assert.NotEqual(t, a, b)
}

func TestNewRequestID_ReturnsUUID(t *testing.T) {
	id := NewRequestID()
	assert.Len(t, id, 36)
}

func TestTruncateString_NoTruncationWhenShort(t *testing.T) {
	assert.Equal(t, "hello", TruncateString("hello", 10))
}

func TestTruncateString_TruncatesWithEllipsis(t *testing.T) {
	out := TruncateString("hello world", 8)
	assert.Equal(t, "hello...", out)
	assert.Len(t, out, 8)
}
