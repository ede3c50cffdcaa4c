package core

import (
	"os"
	"strconv"
	"time"
)

// Config holds exactly the knobs spec §6 recognizes. It is loaded once via
// LoadFromEnv; callers that need markdown team-definition parsing or a
// richer file-based config layer supply that externally — this module only
// reads the runtime knobs it directly governs.
type Config struct {
	StableRuntimeProfile bool

	MaxCommunicationRounds     int
	DefaultCommunicationRounds int
	MaxCommunicationPartners   int

	MaxFailedMemberRetryRounds     int
	DefaultFailedMemberRetryRounds int

	DefaultAgentTimeoutMs int64

	MaxParallelTeamsPerRun     int
	MaxParallelTeammatesPerTeam int
	MaxTotalActiveRequests     int
	MaxTotalActiveLLM          int
	MaxConcurrentOrchestrations int
	CapacityWaitMs             int64
	CapacityPollMs             int64

	MaxPenalty int
	DecayMs    int64

	logger Logger
}

// DefaultConfig returns the stable-profile defaults spec §4 describes:
// small, deterministic limits suitable for tests and for a single-host
// deployment.
func DefaultConfig() *Config {
	return &Config{
		StableRuntimeProfile: true,

		MaxCommunicationRounds:     3,
		DefaultCommunicationRounds: 0,
		MaxCommunicationPartners:   3,

		MaxFailedMemberRetryRounds:     2,
		DefaultFailedMemberRetryRounds: 0,

		DefaultAgentTimeoutMs: 60_000,

		MaxParallelTeamsPerRun:      2,
		MaxParallelTeammatesPerTeam: 4,
		MaxTotalActiveRequests:      4,
		MaxTotalActiveLLM:           4,
		MaxConcurrentOrchestrations: 1,
		CapacityWaitMs:              10_000,
		CapacityPollMs:              50,

		MaxPenalty: 0,
		DecayMs:    30_000,

		logger: NoOpLogger{},
	}
}

// SetLogger configures the logger used while loading configuration.
func (c *Config) SetLogger(logger Logger) {
	c.logger = WithComponent(logger, "framework/core")
}

// LoadFromEnv overlays environment variables onto the config, following the
// teacher's "one os.Getenv per field, parse defensively, log at Debug"
// idiom (core/config.go LoadFromEnv).
func (c *Config) LoadFromEnv() error {
	if c.logger == nil {
		c.logger = NoOpLogger{}
	}

	loadBool(c, "STABLE_RUNTIME_PROFILE", &c.StableRuntimeProfile)
	loadInt(c, "MAX_COMMUNICATION_ROUNDS", &c.MaxCommunicationRounds)
	loadInt(c, "DEFAULT_COMMUNICATION_ROUNDS", &c.DefaultCommunicationRounds)
	loadInt(c, "MAX_COMMUNICATION_PARTNERS", &c.MaxCommunicationPartners)
	loadInt(c, "MAX_FAILED_MEMBER_RETRY_ROUNDS", &c.MaxFailedMemberRetryRounds)
	loadInt(c, "DEFAULT_FAILED_MEMBER_RETRY_ROUNDS", &c.DefaultFailedMemberRetryRounds)
	loadInt64(c, "DEFAULT_AGENT_TIMEOUT_MS", &c.DefaultAgentTimeoutMs)
	loadInt(c, "maxParallelTeamsPerRun", &c.MaxParallelTeamsPerRun)
	loadInt(c, "maxParallelTeammatesPerTeam", &c.MaxParallelTeammatesPerTeam)
	loadInt(c, "maxTotalActiveRequests", &c.MaxTotalActiveRequests)
	loadInt(c, "maxTotalActiveLlm", &c.MaxTotalActiveLLM)
	loadInt(c, "maxConcurrentOrchestrations", &c.MaxConcurrentOrchestrations)
	loadInt64(c, "capacityWaitMs", &c.CapacityWaitMs)
	loadInt64(c, "capacityPollMs", &c.CapacityPollMs)
	loadInt(c, "MAX_PENALTY", &c.MaxPenalty)
	loadInt64(c, "DECAY_MS", &c.DecayMs)

	return c.Validate()
}

// Validate checks the configured limits are internally consistent.
func (c *Config) Validate() error {
	if c.MaxCommunicationPartners < 0 {
		return NewFrameworkError("Config.Validate", "validation", ErrInvalidConfiguration)
	}
	if c.MaxTotalActiveRequests <= 0 || c.MaxTotalActiveLLM <= 0 {
		return NewFrameworkError("Config.Validate", "validation", ErrInvalidConfiguration)
	}
	if c.MaxConcurrentOrchestrations <= 0 {
		return NewFrameworkError("Config.Validate", "validation", ErrInvalidConfiguration)
	}
	return nil
}

func loadBool(c *Config, key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		c.logger.Warn("invalid boolean in environment variable", map[string]interface{}{"key": key, "value": v})
		return
	}
	*dst = b
	c.logger.Debug("configuration loaded", map[string]interface{}{"key": key, "value": b})
}

func loadInt(c *Config, key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.logger.Warn("invalid integer in environment variable", map[string]interface{}{"key": key, "value": v})
		return
	}
	*dst = n
	c.logger.Debug("configuration loaded", map[string]interface{}{"key": key, "value": n})
}

func loadInt64(c *Config, key string, dst *int64) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		c.logger.Warn("invalid integer in environment variable", map[string]interface{}{"key": key, "value": v})
		return
	}
	*dst = n
	c.logger.Debug("configuration loaded", map[string]interface{}{"key": key, "value": n})
}

// DefaultAgentTimeout returns DefaultAgentTimeoutMs as a time.Duration.
func (c *Config) DefaultAgentTimeout() time.Duration {
	return time.Duration(c.DefaultAgentTimeoutMs) * time.Millisecond
}
