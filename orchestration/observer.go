package orchestration

import "github.com/arjunv/agentteams/core"

// RunObserver collapses the live monitor's multi-interface duck typing
// into one trait with no-op defaults (spec §9). Callers hold a RunObserver,
// never a concrete monitor; every method is best-effort and must not block
// the orchestrator (spec §4.1).
type RunObserver interface {
	OnMemberStart(memberID string, phase string)
	OnMemberEnd(memberID string, phase string, result core.MemberResult)
	OnMemberPhase(memberID string, phase string)
	OnMemberResult(result core.MemberResult)
	OnMemberTextChunk(memberID string, chunk string)
	OnMemberStderrChunk(memberID string, chunk string)
	OnMemberEvent(memberID string, event string, data map[string]interface{})
	OnTeamEvent(event string, data map[string]interface{})
}

// NoOpObserver implements RunObserver with no-ops; embed it to implement
// only the callbacks a caller cares about.
type NoOpObserver struct{}

func (NoOpObserver) OnMemberStart(string, string)                         {}
func (NoOpObserver) OnMemberEnd(string, string, core.MemberResult)        {}
func (NoOpObserver) OnMemberPhase(string, string)                         {}
func (NoOpObserver) OnMemberResult(core.MemberResult)                    {}
func (NoOpObserver) OnMemberTextChunk(string, string)                    {}
func (NoOpObserver) OnMemberStderrChunk(string, string)                   {}
func (NoOpObserver) OnMemberEvent(string, string, map[string]interface{}) {}
func (NoOpObserver) OnTeamEvent(string, map[string]interface{})           {}

// fanOutObserver dispatches to multiple sinks, isolating panics/failures
// of one sink from the others and from the orchestrator itself (spec §9:
// "fan-out of events to a small set of explicit sink interfaces... must
// not block the orchestrator").
type fanOutObserver struct {
	sinks []RunObserver
}

// NewFanOutObserver combines sinks into a single RunObserver. A nil sink is
// skipped.
func NewFanOutObserver(sinks ...RunObserver) RunObserver {
	filtered := make([]RunObserver, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &fanOutObserver{sinks: filtered}
}

func (f *fanOutObserver) each(fn func(RunObserver)) {
	for _, s := range f.sinks {
		func() {
			defer func() { recover() }() //nolint:errcheck
			fn(s)
		}()
	}
}

func (f *fanOutObserver) OnMemberStart(memberID, phase string) {
	f.each(func(s RunObserver) { s.OnMemberStart(memberID, phase) })
}
func (f *fanOutObserver) OnMemberEnd(memberID, phase string, result core.MemberResult) {
	f.each(func(s RunObserver) { s.OnMemberEnd(memberID, phase, result) })
}
func (f *fanOutObserver) OnMemberPhase(memberID, phase string) {
	f.each(func(s RunObserver) { s.OnMemberPhase(memberID, phase) })
}
func (f *fanOutObserver) OnMemberResult(result core.MemberResult) {
	f.each(func(s RunObserver) { s.OnMemberResult(result) })
}
func (f *fanOutObserver) OnMemberTextChunk(memberID, chunk string) {
	f.each(func(s RunObserver) { s.OnMemberTextChunk(memberID, chunk) })
}
func (f *fanOutObserver) OnMemberStderrChunk(memberID, chunk string) {
	f.each(func(s RunObserver) { s.OnMemberStderrChunk(memberID, chunk) })
}
func (f *fanOutObserver) OnMemberEvent(memberID, event string, data map[string]interface{}) {
	f.each(func(s RunObserver) { s.OnMemberEvent(memberID, event, data) })
}
func (f *fanOutObserver) OnTeamEvent(event string, data map[string]interface{}) {
	f.each(func(s RunObserver) { s.OnTeamEvent(event, data) })
}
