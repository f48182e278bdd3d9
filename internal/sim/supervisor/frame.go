package supervisor

import (
	"fmt"
	"math"
	"strings"

	"buildplan.ai/internal/sim/buildorder"
	"buildplan.ai/internal/sim/catalogs"
	"buildplan.ai/internal/sim/projector"
	"buildplan.ai/internal/sim/repair"
	"buildplan.ai/internal/sim/search"
)

// weightEpsilon is how far an enemy weight has to move before it counts as a change.
const weightEpsilon = 0.05

type Trigger string

const (
	TriggerNone          Trigger = ""
	TriggerStart         Trigger = "start"
	TriggerPlanExhausted Trigger = "plan_exhausted"
	TriggerUnitDied      Trigger = "unit_died"
	TriggerNewEnemy      Trigger = "new_enemy"
)

type DeadUnit struct {
	Tag  uint64
	Type string
}

// Tick is everything the bridge reports for one game frame.
type Tick struct {
	Obs     projector.Observation
	Dead    []DeadUnit
	Enemies map[string]int
	FPS     float64
	// Issued is how many queue entries the bridge issued since the last plan.
	Issued int
}

type Event struct {
	Trigger Trigger
	Tick    Tick
}

type Plan struct {
	Frame    int
	State    State
	Trigger  Trigger
	Order    *buildorder.BuildOrder
	Bindings projector.Bindings
}

// OnFrame advances the manager by one tick and returns the pending build order.
// Errors wrap projector.ErrInvariant or ErrNoResults and should be treated as fatal.
func (m *Manager) OnFrame(t Tick) (Plan, error) {
	if m.closed {
		return Plan{}, ErrClosed
	}
	if t.FPS > 0 {
		m.fps = t.FPS
	}
	if t.Issued > 0 {
		m.queue.Drop(t.Issued)
	}

	trigger := TriggerNone
	supplyMaxed := t.Obs.Supply >= m.cat.Economy.MaxSupply
	anyDead, buildingDied, relevantDied := m.classifyDead(t.Dead)

	switch {
	case m.future == nil:
		trigger = TriggerStart
		if _, err := m.resync(t.Obs, 0); err != nil {
			return Plan{}, err
		}
	case m.queue.Len() == 0 && !supplyMaxed && m.State() == Searching:
		trigger = TriggerPlanExhausted
		out, err := m.merge(m.FinishSearch())
		if err != nil {
			return Plan{}, err
		}
		m.recordTrigger(t, trigger, "-", out)
		if buildingDied || relevantDied {
			// The merged entries were stepped onto a future that still holds the dead units.
			out, err := m.resync(t.Obs, 0)
			if err != nil {
				return Plan{}, err
			}
			m.recordTrigger(t, TriggerUnitDied, "-", out)
		}
	case buildingDied || relevantDied:
		trigger = TriggerUnitDied
		policy := m.policy
		if buildingDied {
			policy = FastPolicy{}
		}
		if err := m.react(policy, Event{Trigger: trigger, Tick: t}); err != nil {
			return Plan{}, err
		}
	case m.enemyWeightingChanged(t.Enemies):
		trigger = TriggerNewEnemy
		if err := m.react(m.policy, Event{Trigger: trigger, Tick: t}); err != nil {
			return Plan{}, err
		}
	}

	if m.State() == Free && (!supplyMaxed || anyDead) {
		if err := m.startSearch(t); err != nil {
			return Plan{}, err
		}
	}

	m.updateDebug()
	return Plan{
		Frame:    t.Obs.Frame,
		State:    m.State(),
		Trigger:  trigger,
		Order:    m.queue.Clone(),
		Bindings: m.bindings,
	}, nil
}

func (m *Manager) react(policy ReactionPolicy, ev Event) error {
	out, err := policy.React(m, ev)
	if err != nil {
		return err
	}
	if out.Action == ActionIgnored {
		// Acknowledge the composition so the same event does not fire every tick.
		m.weights = search.Weights(m.cat, m.enemyHistogram(ev.Tick.Enemies))
	}
	m.recordTrigger(ev.Tick, ev.Trigger, policy.Name(), out)
	m.printf("trigger: session=%s frame=%d trigger=%s policy=%s action=%s dropped=%d queue=%d",
		m.session, ev.Tick.Obs.Frame, ev.Trigger, policy.Name(), out.Action, out.Dropped, m.queue.Len())
	return nil
}

// classifyDead reports whether anything died, whether a building died and whether a
// combat unit or worker died.
func (m *Manager) classifyDead(dead []DeadUnit) (died, building, relevant bool) {
	for _, d := range dead {
		id, ok := m.cat.ID(d.Type)
		if !ok {
			continue
		}
		died = true
		def := m.cat.Def(id)
		switch {
		case def.IsBuilding():
			building = true
		case def.Combat || def.Worker:
			relevant = true
		}
	}
	return died, building, relevant
}

func (m *Manager) enemyHistogram(enemies map[string]int) map[catalogs.ActionID]int {
	hist := make(map[catalogs.ActionID]int, len(enemies))
	for name, n := range enemies {
		if id, ok := m.cat.ID(name); ok && n > 0 {
			hist[id] += n
		}
	}
	return hist
}

func (m *Manager) enemyWeightingChanged(enemies map[string]int) bool {
	hist := m.enemyHistogram(enemies)
	total := 0
	for _, n := range hist {
		total += n
	}
	if total < m.tun.EnemyUnitsBeforeReacting {
		return false
	}
	return search.WeightsDiffer(search.Weights(m.cat, hist), m.weights, weightEpsilon)
}

// resync re-projects the live state and repairs the queue against it.
// horizon 0 keeps every entry that can still be repaired.
func (m *Manager) resync(obs projector.Observation, horizon int) (Outcome, error) {
	fresh, bindings, err := projector.Project(m.cat, obs)
	if err != nil {
		return Outcome{}, err
	}
	out := repair.Repair(fresh, m.queue, 0, repair.Options{
		StepLimit: m.tun.Search.RepairStepLimit,
		Horizon:   horizon,
	})
	m.queue = out.Order
	m.future = out.State
	m.bindings = bindings
	return Outcome{Action: ActionRepaired, Dropped: out.Dropped, Truncated: out.Truncated}, nil
}

// adoptBest replaces the queue with the best result, repaired against the future state.
func (m *Manager) adoptBest(results []search.Result, horizon int) (Outcome, error) {
	m.setState(GettingResults)
	defer m.setState(Free)
	best := search.SelectBest(results)
	if best < 0 {
		return Outcome{}, ErrNoResults
	}
	out := repair.Repair(m.future, results[best].UsefulBuildOrder, 0, repair.Options{
		StepLimit: m.tun.Search.RepairStepLimit,
		Horizon:   horizon,
	})
	m.queue = out.Order
	m.future = out.State
	return Outcome{Action: ActionFallback, Dropped: out.Dropped, Truncated: out.Truncated}, nil
}

// merge appends the best result's useful entries to the queue and advances the
// future state through them.
func (m *Manager) merge(results []search.Result) (Outcome, error) {
	m.setState(GettingResults)
	defer m.setState(Free)
	best := search.SelectBest(results)
	if best < 0 {
		return Outcome{}, ErrNoResults
	}
	r := results[best]
	var appended int
	for _, e := range r.UsefulBuildOrder.Entries {
		next := m.future.Clone()
		if err := buildorder.Step(next, e); err != nil {
			break
		}
		if next.Frame > m.params.UsefulFrameLimit {
			break
		}
		m.future = next
		m.queue.Append(e)
		appended++
	}
	m.printf("merge: session=%s results=%d best_eval=%.1f useful_eval=%.1f appended=%d",
		m.session, len(results), r.Eval, r.UsefulEval, appended)
	return Outcome{Action: ActionMerged, Dropped: r.UsefulBuildOrder.Len() - appended}, nil
}

// catchUpFrames converts the average search latency into game frames.
func (m *Manager) catchUpFrames() int {
	if m.latency <= 0 {
		return m.tun.FastHorizonFrames()
	}
	return int(math.Ceil(m.latency.Seconds() * m.fps))
}

func (m *Manager) startSearch(t Tick) error {
	if m.future.Frame < t.Obs.Frame {
		m.future.FastForward(t.Obs.Frame)
	}
	snap := m.future.Clone()
	hist := m.enemyHistogram(t.Enemies)
	plan := m.tun.Races[string(m.cfg.Race)]

	maxActions := make(map[catalogs.ActionID]int, len(plan.MaxActions))
	for name, n := range plan.MaxActions {
		if id, ok := m.cat.ID(name); ok {
			maxActions[id] = n
		}
	}
	var relevant []catalogs.ActionID
	for _, name := range plan.RelevantActions {
		if id, ok := m.cat.ID(name); ok {
			relevant = append(relevant, id)
		}
	}
	var opening *buildorder.BuildOrder
	if !m.openingUsed {
		opening = buildorder.New()
		for _, name := range plan.Opening {
			if id, ok := m.cat.ID(name); ok {
				opening.Append(buildorder.Produce{ID: id})
			}
		}
		m.openingUsed = true
	}

	m.weights = search.Weights(m.cat, hist)
	return m.StartSearch(search.Params{
		MaxActions:        maxActions,
		Relevant:          relevant,
		AlwaysMakeWorkers: m.tun.Search.AlwaysMakeWorkers,
		Opening:           opening,
		TimeLimit:         m.tun.Search.TimeLimit(),
		NodeLimit:         m.tun.Search.NodeLimit,
		InitialState:      snap,
		EnemyHistogram:    hist,
		EnemyRace:         m.cfg.EnemyRace,
		FrameLimit:        snap.Frame + m.tun.PlanningHorizonFrames,
		UsefulFrameLimit:  snap.Frame + m.tun.UseWindowFrames(),
		Seed:              m.tun.Search.Seed + m.searches.Load(),
		Exploration:       m.tun.Search.Exploration,
	})
}

// DebugText is a human-readable summary for overlays and the debug endpoint.
func (m *Manager) DebugText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debug
}

func (m *Manager) updateDebug() {
	var visited, expanded int
	var evalSum float64
	for _, r := range m.lastResults {
		visited += r.NodesVisited
		expanded += r.NodesExpanded
		evalSum += r.UsefulEval
	}
	avg := 0.0
	if n := len(m.lastResults); n > 0 {
		avg = evalSum / float64(n)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "state=%s policy=%s searches=%d iterations=%d\n",
		m.State(), m.policy.Name(), m.searches.Load(), m.iterations.Load())
	fmt.Fprintf(&b, "last results=%d nodes_visited=%d nodes_expanded=%d avg_eval=%.1f\n",
		len(m.lastResults), visited, expanded, avg)
	frame := 0
	if m.future != nil {
		frame = m.future.Frame
	}
	fmt.Fprintf(&b, "queue(%d) future_frame=%d: %s", m.queue.Len(), frame, strings.Join(m.queue.Names(m.cat), " "))

	m.mu.Lock()
	m.debug = b.String()
	m.mu.Unlock()
}
