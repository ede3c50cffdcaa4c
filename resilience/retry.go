package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/arjunv/agentteams/core"
)

// JitterMode selects how ComputeDelay randomizes a computed backoff delay
// (spec §4.4, testable property 7).
type JitterMode string

const (
	JitterFull    JitterMode = "full"
	JitterPartial JitterMode = "partial"
	JitterNone    JitterMode = "none"
)

// RetryOptions configures Execute. Grounded on
// itsneelabh-gomind/resilience/retry.go's RetryConfig and
// storbeck-augustus/pkg/retry's Config, merged with the rate-limit-aware
// fields spec §4.4 adds on top of a plain exponential backoff loop.
type RetryOptions struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       JitterMode

	RateLimitKey        string
	MaxRateLimitRetries int
	MaxRateLimitWaitMs  int64

	ShouldRetry     func(err error, statusCode int) bool
	OnRetry         func(attempt int, err error, delay time.Duration)
	OnRateLimitWait func(waitMs int64)
}

// DefaultRetryOptions matches spec §4.4's stable-profile default
// (MaxRetries=0) but every field is overridable per call.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:          0,
		InitialDelay:        100 * time.Millisecond,
		MaxDelay:            5 * time.Second,
		Multiplier:          2.0,
		Jitter:              JitterFull,
		MaxRateLimitRetries: 2,
		MaxRateLimitWaitMs:  30_000,
	}
}

// Execute runs operation with bounded retries, exponential backoff, jitter,
// and rate-limit fast-fail coupled to gate (spec §4.4). gate may be nil, in
// which case rate-limit consultation is skipped entirely.
func Execute(ctx context.Context, gate SharedGate, opts RetryOptions, operation func() error) error {
	if opts.Multiplier < 1 {
		opts.Multiplier = 1
	}
	if opts.Multiplier > 10 {
		opts.Multiplier = 10
	}
	shouldRetry := opts.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}

	rateLimitRetries := 0
	delay := opts.InitialDelay

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return core.NewFrameworkError("resilience.Execute", "cancelled", core.ErrCancelled)
		}

		if opts.RateLimitKey != "" && gate != nil {
			snap := gate.Snapshot(opts.RateLimitKey)
			if snap.WaitMs > 0 {
				if snap.WaitMs > opts.MaxRateLimitWaitMs {
					return fastFailErr(snap.WaitMs)
				}
				if opts.OnRateLimitWait != nil {
					opts.OnRateLimitWait(snap.WaitMs)
				}
				if err := sleepCtx(ctx, time.Duration(snap.WaitMs)*time.Millisecond); err != nil {
					return err
				}
			}
		}

		err := operation()
		if err == nil {
			if gate != nil && opts.RateLimitKey != "" {
				gate.RegisterSuccess(opts.RateLimitKey)
				gate.RegisterSuccess(GlobalKey)
			}
			return nil
		}

		statusCode := ExtractStatusCode(err)

		if !shouldRetry(err, statusCode) || attempt > opts.MaxRetries {
			if attempt > opts.MaxRetries && opts.MaxRetries > 0 {
				return fmt.Errorf("%w: last error: %v", core.ErrMaxRetriesExceeded, err)
			}
			return err
		}

		if statusCode == 429 {
			rateLimitRetries++
			if rateLimitRetries > opts.MaxRateLimitRetries {
				return fastFailErr(0)
			}
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * opts.Multiplier)
		}
		bounded := delay
		if bounded > opts.MaxDelay {
			bounded = opts.MaxDelay
		}
		wait := ComputeDelay(bounded, opts.Jitter)

		if statusCode == 429 && opts.RateLimitKey != "" && gate != nil {
			gate.RegisterHit(opts.RateLimitKey, wait)
			gateWait := time.Duration(gate.Snapshot(opts.RateLimitKey).WaitMs) * time.Millisecond
			if gateWait > wait {
				wait = gateWait
			}
			if wait.Milliseconds() > opts.MaxRateLimitWaitMs {
				return fastFailErr(wait.Milliseconds())
			}
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, wait)
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func fastFailErr(waitMs int64) error {
	fe := core.NewFrameworkError("resilience.Execute", "rate_limit", core.ErrRateLimitFastFail)
	fe.Message = fmt.Sprintf("rate limit wait %dms exceeds budget", waitMs)
	return fe
}

// ComputeDelay applies jitter mode to a bounded base delay (spec §4.4 step
// 7 and testable property 7):
//   - full:    uniform in [1, bounded]
//   - partial: uniform in [bounded/2, bounded]
//   - none:    exactly bounded
func ComputeDelay(bounded time.Duration, mode JitterMode) time.Duration {
	if bounded <= 0 {
		return 0
	}
	switch mode {
	case JitterPartial:
		half := bounded / 2
		span := bounded - half
		if span <= 0 {
			return bounded
		}
		return half + time.Duration(rand.Int63n(int64(span)+1))
	case JitterNone:
		return bounded
	case JitterFull:
		fallthrough
	default:
		return time.Duration(rand.Int63n(int64(bounded))) + 1
	}
}

// sleepCtx sleeps for d or returns ctx.Err() if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return core.NewFrameworkError("resilience.sleepCtx", "cancelled", core.ErrCancelled)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return core.NewFrameworkError("resilience.sleepCtx", "cancelled", core.ErrCancelled)
	case <-timer.C:
		return nil
	}
}

