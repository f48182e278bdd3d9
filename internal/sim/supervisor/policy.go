package supervisor

import (
	"fmt"

	"buildplan.ai/internal/sim/tuning"
)

// ReactionPolicy decides how the manager answers a disruptive event.
type ReactionPolicy interface {
	Name() string
	React(m *Manager, ev Event) (Outcome, error)
}

// Outcome describes what a policy did with an event.
type Outcome struct {
	Action    string
	Dropped   int
	Truncated bool
}

const (
	ActionIgnored  = "ignored"
	ActionRepaired = "repaired"
	ActionFallback = "fallback"
	ActionMerged   = "merged"
)

func PolicyByName(name string) (ReactionPolicy, error) {
	switch name {
	case tuning.ReactionFast, "":
		return FastPolicy{}, nil
	case tuning.ReactionMedium:
		return MediumPolicy{}, nil
	case tuning.ReactionSlow:
		return SlowPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown reaction policy %q", name)
	}
}

// FastPolicy keeps whatever part of the queue is still valid until a fresh search
// should be done, falling back to the best collected result when nothing survives.
type FastPolicy struct{}

func (FastPolicy) Name() string { return tuning.ReactionFast }

func (FastPolicy) React(m *Manager, ev Event) (Outcome, error) {
	results := m.FinishSearch()
	horizon := ev.Tick.Obs.Frame + m.catchUpFrames()
	out, err := m.resync(ev.Tick.Obs, horizon)
	if err != nil {
		return Outcome{}, err
	}
	if m.queue.Len() > 0 || len(results) == 0 {
		return out, nil
	}
	return m.adoptBest(results, horizon)
}

// MediumPolicy keeps executing the repaired queue up to a fixed horizon.
type MediumPolicy struct{}

func (MediumPolicy) Name() string { return tuning.ReactionMedium }

func (MediumPolicy) React(m *Manager, ev Event) (Outcome, error) {
	m.FinishSearch()
	return m.resync(ev.Tick.Obs, ev.Tick.Obs.Frame+m.tun.MediumHorizonFrames)
}

// SlowPolicy lets a search that is past half its budget finish undisturbed.
type SlowPolicy struct{}

func (SlowPolicy) Name() string { return tuning.ReactionSlow }

func (SlowPolicy) React(m *Manager, ev Event) (Outcome, error) {
	if m.searchProgress() >= 0.5 {
		return Outcome{Action: ActionIgnored}, nil
	}
	m.FinishSearch()
	return m.resync(ev.Tick.Obs, 0)
}
