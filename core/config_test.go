package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_PassesValidation(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestConfig_LoadFromEnv_OverlaysValidValues(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("MAX_COMMUNICATION_ROUNDS", "5")
	t.Setenv("maxTotalActiveLlm", "8")

	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, 5, cfg.MaxCommunicationRounds)
	assert.Equal(t, 8, cfg.MaxTotalActiveLLM)
}

func TestConfig_LoadFromEnv_IgnoresUnparseableValues(t *testing.T) {
	cfg := DefaultConfig()
	original := cfg.MaxCommunicationRounds
	t.Setenv("MAX_COMMUNICATION_ROUNDS", "not-a-number")

	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, original, cfg.MaxCommunicationRounds)
}

func TestConfig_Validate_RejectsBadLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTotalActiveRequests = 0
	assert.Error(t, cfg.Validate())
}
