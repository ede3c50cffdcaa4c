package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/arjunv/agentteams/core"
)

// AdmissionController is shared across the process: one FIFO orchestration
// queue plus a capacity pool shared by every concurrent run (spec §4.3).
// Tests construct a fresh controller per case rather than reaching for a
// package-level singleton (spec §9's "plumb a Runtime value" redesign
// note).
type AdmissionController struct {
	mu sync.Mutex

	maxConcurrentOrchestrations int
	activeOrchestrations        int
	nextTicketID                int64
	waitQueue                   []*queueTicket

	maxTotalActiveRequests int
	maxTotalActiveLLM      int
	activeTeamRuns         int
	activeTeammates        int
	activeSubagentRequests int
	activeSubagentAgents   int

	notifyCh chan struct{}

	logger core.Logger
	clock  func() time.Time
}

// NewAdmissionController builds a controller from the resolved Config.
func NewAdmissionController(cfg *core.Config, logger core.Logger) *AdmissionController {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &AdmissionController{
		maxConcurrentOrchestrations: cfg.MaxConcurrentOrchestrations,
		maxTotalActiveRequests:      cfg.MaxTotalActiveRequests,
		maxTotalActiveLLM:           cfg.MaxTotalActiveLLM,
		notifyCh:                    make(chan struct{}),
		logger:                      core.WithComponent(logger, "framework/orchestration"),
		clock:                       time.Now,
	}
}

// queueTicket is one waiter's place in the FIFO orchestration queue.
type queueTicket struct {
	id int64
	ch chan struct{}
}

// QueueLease is held by exactly one admitted orchestration until Release.
type QueueLease struct {
	controller *AdmissionController
	mu         sync.Mutex
	released   bool
}

// Release returns the queue slot, admitting the next FIFO waiter if any.
// Idempotent: a second call is a no-op.
func (l *QueueLease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.controller.releaseOrchestrationTurn()
}

// AcquireOrchestrationTurn assigns a strictly FIFO ticket and blocks until
// admitted, the wait budget is exhausted, or ctx is cancelled (spec §4.3,
// testable invariant 1).
func (c *AdmissionController) AcquireOrchestrationTurn(ctx context.Context, maxWait time.Duration) (*QueueLease, error) {
	c.mu.Lock()
	if c.activeOrchestrations < c.maxConcurrentOrchestrations && len(c.waitQueue) == 0 {
		c.activeOrchestrations++
		c.mu.Unlock()
		return &QueueLease{controller: c}, nil
	}
	ticket := &queueTicket{id: c.nextTicketID, ch: make(chan struct{})}
	c.nextTicketID++
	c.waitQueue = append(c.waitQueue, ticket)
	c.mu.Unlock()

	var deadline <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-ticket.ch:
		return &QueueLease{controller: c}, nil
	case <-ctx.Done():
		c.removeTicket(ticket)
		return nil, core.NewFrameworkError("AdmissionController.AcquireOrchestrationTurn", "cancelled", core.ErrCancelled)
	case <-deadline:
		c.removeTicket(ticket)
		return nil, core.NewFrameworkError("AdmissionController.AcquireOrchestrationTurn", "queue_timeout", core.ErrQueueTimeout)
	}
}

func (c *AdmissionController) removeTicket(t *queueTicket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.waitQueue {
		if q == t {
			c.waitQueue = append(c.waitQueue[:i], c.waitQueue[i+1:]...)
			return
		}
	}
}

// releaseOrchestrationTurn admits the next FIFO waiter, if any, in the same
// critical section that frees the slot — no waiter can be skipped.
func (c *AdmissionController) releaseOrchestrationTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeOrchestrations--
	if len(c.waitQueue) == 0 {
		return
	}
	next := c.waitQueue[0]
	c.waitQueue = c.waitQueue[1:]
	c.activeOrchestrations++
	close(next.ch)
}

// CapacityReservation tracks projected capacity granted to one admitted
// orchestration. Exactly one Consume followed by exactly one Release over
// its lifetime (spec §3).
type CapacityReservation struct {
	mu sync.Mutex

	controller        *AdmissionController
	projectedRequests int
	projectedLLM      int
	consumed          bool
	released          bool
	updatedAt         time.Time
}

// Consume transitions the reservation from reserved to active bookkeeping.
// A second call returns ErrReservationReused.
func (r *CapacityReservation) Consume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumed {
		return core.NewFrameworkError("CapacityReservation.Consume", "state", core.ErrReservationReused)
	}
	r.consumed = true
	r.updatedAt = r.controller.clock()
	return nil
}

// Release returns the reservation's capacity to the shared pool. A second
// call returns ErrReservationReused.
func (r *CapacityReservation) Release() error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return core.NewFrameworkError("CapacityReservation.Release", "state", core.ErrReservationReused)
	}
	r.released = true
	r.mu.Unlock()
	r.controller.releaseCapacity(r.projectedRequests, r.projectedLLM)
	return nil
}

// ReservationResult is returned by TryReserveCapacity.
type ReservationResult struct {
	Allowed           bool
	ProjectedRequests int
	ProjectedLLM      int
	Reservation       *CapacityReservation
}

// TryReserveCapacity admits addRequests/addLlm iff both running totals stay
// within configured caps (spec §4.3, testable invariant 2). Non-blocking.
func (c *AdmissionController) TryReserveCapacity(addRequests, addLLM int) ReservationResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	projectedRequests := c.activeTeamRuns + c.activeSubagentRequests + addRequests
	projectedLLM := c.activeTeammates + c.activeSubagentAgents + addLLM
	if projectedRequests > c.maxTotalActiveRequests || projectedLLM > c.maxTotalActiveLLM {
		return ReservationResult{Allowed: false, ProjectedRequests: projectedRequests, ProjectedLLM: projectedLLM}
	}

	c.activeTeamRuns += addRequests
	c.activeTeammates += addLLM
	reservation := &CapacityReservation{
		controller:        c,
		projectedRequests: addRequests,
		projectedLLM:      addLLM,
		updatedAt:         c.clock(),
	}
	c.broadcastLocked()
	return ReservationResult{Allowed: true, ProjectedRequests: projectedRequests, ProjectedLLM: projectedLLM, Reservation: reservation}
}

func (c *AdmissionController) releaseCapacity(requests, llm int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeTeamRuns -= requests
	c.activeTeammates -= llm
	if c.activeTeamRuns < 0 {
		c.activeTeamRuns = 0
	}
	if c.activeTeammates < 0 {
		c.activeTeammates = 0
	}
	c.broadcastLocked()
}

// broadcastLocked wakes every waiter subscribed via subscribeLocked. Must
// be called with c.mu held. Mirrors spec §5's "notifyCapacityChanged wakes
// waiters via a condition variable (not busy-poll)" without sync.Cond,
// since select-on-channel composes with context cancellation and
// sync.Cond.Wait does not.
func (c *AdmissionController) broadcastLocked() {
	close(c.notifyCh)
	c.notifyCh = make(chan struct{})
}

func (c *AdmissionController) subscribeLocked() <-chan struct{} {
	return c.notifyCh
}

// ReserveCapacity polls TryReserveCapacity until success, timeout, or abort,
// waking early on any capacity change rather than busy-waiting (spec
// §4.3).
func (c *AdmissionController) ReserveCapacity(ctx context.Context, addRequests, addLLM int, maxWait, pollInterval time.Duration) (res ReservationResult, waited time.Duration, timedOut bool, aborted bool) {
	start := c.clock()
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}

	deadline := start.Add(maxWait)
	for {
		if r := c.TryReserveCapacity(addRequests, addLLM); r.Allowed {
			return r, c.clock().Sub(start), false, false
		}

		c.mu.Lock()
		changed := c.subscribeLocked()
		c.mu.Unlock()

		remaining := deadline.Sub(c.clock())
		if maxWait > 0 && remaining <= 0 {
			return ReservationResult{}, c.clock().Sub(start), true, false
		}

		ticker := time.NewTimer(pollInterval)
		var waitLimit <-chan time.Time
		if maxWait > 0 {
			waitLimit = time.After(remaining)
		}
		select {
		case <-ctx.Done():
			ticker.Stop()
			return ReservationResult{}, c.clock().Sub(start), false, true
		case <-changed:
			ticker.Stop()
		case <-ticker.C:
		case <-waitLimit:
			ticker.Stop()
			return ReservationResult{}, c.clock().Sub(start), true, false
		}
	}
}

// ParallelCapacityResult is returned by ResolveParallelCapacity.
type ParallelCapacityResult struct {
	Allowed        bool
	AppliedTeamP   int
	AppliedMemberP int
	Reduced        bool
	Reservation    *CapacityReservation
	WaitedMs       int64
	TimedOut       bool
	Aborted        bool
}

// ResolveParallelCapacity tries a descending candidate ladder of
// (teamP, memberP) pairs, each tried once without blocking; if none fits
// immediately it blocks on the smallest candidate (1,1) via ReserveCapacity
// (spec §4.3). One concurrent team consumes one request slot; its member
// parallelism consumes teamP*memberP LLM slots in aggregate.
func (c *AdmissionController) ResolveParallelCapacity(ctx context.Context, requestedTeamP, requestedMemberP int, maxWait, pollInterval time.Duration) ParallelCapacityResult {
	if requestedTeamP < 1 {
		requestedTeamP = 1
	}
	if requestedMemberP < 1 {
		requestedMemberP = 1
	}

	type candidate struct{ teamP, memberP int }
	var candidates []candidate
	for memberP := requestedMemberP; memberP >= 1; memberP-- {
		candidates = append(candidates, candidate{requestedTeamP, memberP})
	}
	if requestedTeamP > 1 {
		for teamP := requestedTeamP - 1; teamP >= 1; teamP-- {
			candidates = append(candidates, candidate{teamP, 1})
		}
	}

	for _, cand := range candidates {
		r := c.TryReserveCapacity(cand.teamP, cand.teamP*cand.memberP)
		if r.Allowed {
			return ParallelCapacityResult{
				Allowed:        true,
				AppliedTeamP:   cand.teamP,
				AppliedMemberP: cand.memberP,
				Reduced:        cand.teamP < requestedTeamP || cand.memberP < requestedMemberP,
				Reservation:    r.Reservation,
			}
		}
	}

	r, waited, timedOut, aborted := c.ReserveCapacity(ctx, 1, 1, maxWait, pollInterval)
	return ParallelCapacityResult{
		Allowed:        r.Allowed,
		AppliedTeamP:   1,
		AppliedMemberP: 1,
		Reduced:        true,
		Reservation:    r.Reservation,
		WaitedMs:       waited.Milliseconds(),
		TimedOut:       timedOut,
		Aborted:        aborted,
	}
}

// Heartbeat refreshes a reservation's updatedAt so stale reservations can
// be garbage collected by an out-of-process sweep (spec §4.3).
func (c *AdmissionController) Heartbeat(r *CapacityReservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updatedAt = c.clock()
}

// Snapshot exposes the current counters for tests asserting invariant 2.
func (c *AdmissionController) Snapshot() (totalActiveRequests, totalActiveLLM int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeTeamRuns + c.activeSubagentRequests, c.activeTeammates + c.activeSubagentAgents
}
