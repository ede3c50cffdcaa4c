package orchestration

import (
	"context"
	"time"
)

// MemberExecutor turns a prompt into member output text plus latency. The
// concrete implementation (an LLM-invocation subprocess or HTTP client) is
// an external collaborator; this package only depends on the function
// signature (spec §6).
type MemberExecutor func(ctx context.Context, req MemberRequest) (MemberResponse, error)

// MemberRequest is the input to one member dispatch.
type MemberRequest struct {
	MemberID string
	Provider string
	Model    string
	Prompt   string
	Timeout  time.Duration

	OnTextChunk   func(chunk string)
	OnStderrChunk func(chunk string)
}

// MemberResponse is the raw result of one successful dispatch.
type MemberResponse struct {
	Output    string
	LatencyMs int64
}
