package supervisor

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"buildplan.ai/internal/sim/buildorder"
	"buildplan.ai/internal/sim/catalogs"
	"buildplan.ai/internal/sim/projector"
	"buildplan.ai/internal/sim/search"
	"buildplan.ai/internal/sim/simtest"
	"buildplan.ai/internal/sim/tuning"
)

type transition struct{ from, to State }

func testTuning(t *testing.T) tuning.Tuning {
	t.Helper()
	tun := simtest.Tuning(t)
	tun.PlanningHorizonFrames = 1344
	tun.Search.TimeLimitMs = 20
	tun.Search.NodeLimit = 0
	return tun
}

func newManager(t *testing.T, tun tuning.Tuning, policy ReactionPolicy, seen *[]transition) *Manager {
	t.Helper()
	m, err := New(Config{
		Catalog:   simtest.Catalog(t),
		Tuning:    tun,
		Race:      catalogs.Protoss,
		EnemyRace: catalogs.Zerg,
		Policy:    policy,
		OnTransition: func(from, to State) {
			if seen != nil {
				*seen = append(*seen, transition{from, to})
			}
		},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func protossObs(frame, minerals, probes int) projector.Observation {
	units := []projector.LiveUnit{{Tag: 1, Type: "Nexus", Completed: true, Energy: 50}}
	for i := 0; i < probes; i++ {
		units = append(units, projector.LiveUnit{Tag: uint64(100 + i), Type: "Probe", Completed: true})
	}
	return projector.Observation{
		Race:        catalogs.Protoss,
		Frame:       frame,
		Minerals:    minerals,
		Supply:      probes,
		MaxSupply:   15,
		WorkerCount: probes,
		Units:       units,
	}
}

func TestManager_StartThenPlanExhaustedMerges(t *testing.T) {
	var seen []transition
	m := newManager(t, testTuning(t), nil, &seen)

	plan, err := m.OnFrame(Tick{Obs: protossObs(0, 50, 12)})
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if plan.Trigger != TriggerStart || plan.State != Searching || plan.Order.Len() != 0 {
		t.Fatalf("first plan: %+v", plan)
	}

	seen = nil
	plan, err = m.OnFrame(Tick{Obs: protossObs(1, 50, 12)})
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if plan.Trigger != TriggerPlanExhausted {
		t.Fatalf("trigger: %s", plan.Trigger)
	}
	if plan.Order.Len() == 0 {
		t.Fatalf("merge produced an empty queue")
	}
	if names := plan.Order.Names(simtest.Catalog(t)); names[0] != "Probe" {
		t.Fatalf("opening should lead the queue: %v", names)
	}
	want := []transition{
		{Searching, ExitSearch}, {ExitSearch, Free}, {Free, GettingResults}, {GettingResults, Free}, {Free, Searching},
	}
	assertTransitions(t, seen, want)
	if m.DebugText() == "" {
		t.Fatalf("debug text empty")
	}
}

func TestManager_WorkerDeathFastReaction(t *testing.T) {
	var seen []transition
	m := newManager(t, testTuning(t), FastPolicy{}, &seen)

	if _, err := m.OnFrame(Tick{Obs: protossObs(0, 50, 12)}); err != nil {
		t.Fatalf("frame 0: %v", err)
	}
	if _, err := m.OnFrame(Tick{Obs: protossObs(1, 50, 12)}); err != nil {
		t.Fatalf("frame 1: %v", err)
	}

	seen = nil
	plan, err := m.OnFrame(Tick{
		Obs:  protossObs(2, 500, 11),
		Dead: []DeadUnit{{Tag: 111, Type: "Probe"}},
	})
	if err != nil {
		t.Fatalf("frame 2: %v", err)
	}
	if plan.Trigger != TriggerUnitDied {
		t.Fatalf("trigger: %s", plan.Trigger)
	}
	if plan.Order.Len() == 0 {
		t.Fatalf("expected a non-empty catch-up order")
	}
	assertTransitions(t, seen, []transition{{Searching, ExitSearch}, {ExitSearch, Free}, {Free, Searching}})
}

func TestManager_EnemyThreshold(t *testing.T) {
	m := newManager(t, testTuning(t), MediumPolicy{}, nil)
	if _, err := m.OnFrame(Tick{Obs: protossObs(0, 50, 12)}); err != nil {
		t.Fatalf("frame 0: %v", err)
	}
	if _, err := m.OnFrame(Tick{Obs: protossObs(1, 50, 12)}); err != nil {
		t.Fatalf("frame 1: %v", err)
	}

	plan, err := m.OnFrame(Tick{Obs: protossObs(2, 50, 12), Enemies: map[string]int{"Roach": 2}})
	if err != nil {
		t.Fatalf("frame 2: %v", err)
	}
	if plan.Trigger != TriggerNone {
		t.Fatalf("two roaches are below the threshold, got %s", plan.Trigger)
	}

	plan, err = m.OnFrame(Tick{Obs: protossObs(3, 50, 12), Enemies: map[string]int{"Roach": 3}})
	if err != nil {
		t.Fatalf("frame 3: %v", err)
	}
	if plan.Trigger != TriggerNewEnemy {
		t.Fatalf("expected new-enemy trigger, got %s", plan.Trigger)
	}

	plan, err = m.OnFrame(Tick{Obs: protossObs(4, 50, 12), Enemies: map[string]int{"Roach": 3}})
	if err != nil {
		t.Fatalf("frame 4: %v", err)
	}
	if plan.Trigger == TriggerNewEnemy {
		t.Fatalf("same composition should not trigger twice")
	}
}

func TestSlowPolicy_IgnoresLateSearch(t *testing.T) {
	m := newManager(t, testTuning(t), SlowPolicy{}, nil)
	m.state.Store(int32(Searching))
	m.params.TimeLimit = time.Second
	m.iterStart.Store(time.Now().Add(-600 * time.Millisecond).UnixNano())

	out, err := SlowPolicy{}.React(m, Event{Trigger: TriggerUnitDied, Tick: Tick{Obs: protossObs(0, 50, 12)}})
	m.state.Store(int32(Free))
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	if out.Action != ActionIgnored {
		t.Fatalf("expected ignored, got %+v", out)
	}
}

func TestFinishSearch_CollectsEveryIteration(t *testing.T) {
	m := newManager(t, testTuning(t), nil, nil)
	s := simtest.Start(t, catalogs.Protoss, 50, 12)
	p := search.Params{
		Relevant:     simtest.Names(t, "Probe", "Pylon", "Gateway", "Zealot"),
		TimeLimit:    2 * time.Millisecond,
		InitialState: s,
		FrameLimit:   1344,
	}

	rng := rand.New(rand.NewSource(3))
	total := 0
	for i := 0; i < 20; i++ {
		if err := m.StartSearch(p); err != nil {
			t.Fatalf("cycle %d: start: %v", i, err)
		}
		time.Sleep(time.Duration(rng.Intn(6)) * time.Millisecond)
		results := m.FinishSearch()
		if len(results) == 0 {
			t.Fatalf("cycle %d: no results", i)
		}
		if m.State() != Free {
			t.Fatalf("cycle %d: state %s after finish", i, m.State())
		}
		total += len(results)
	}
	if got := m.Stats().Iterations; got != int64(total) {
		t.Fatalf("iterations %d, collected %d", got, total)
	}
	if s.Frame != 0 || len(s.Units) != 13 {
		t.Fatalf("search mutated the shared snapshot")
	}
}

func TestStartSearch_RejectsWhenBusy(t *testing.T) {
	m := newManager(t, testTuning(t), nil, nil)
	p := search.Params{
		Relevant:     simtest.Names(t, "Probe"),
		TimeLimit:    time.Millisecond,
		InitialState: simtest.Start(t, catalogs.Protoss, 50, 12),
		FrameLimit:   1344,
	}
	if err := m.StartSearch(p); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StartSearch(p); err == nil {
		t.Fatalf("second start should fail while searching")
	}
	m.FinishSearch()
}

func TestPolicyByName(t *testing.T) {
	for _, name := range []string{tuning.ReactionFast, tuning.ReactionMedium, tuning.ReactionSlow} {
		p, err := PolicyByName(name)
		if err != nil || p.Name() != name {
			t.Fatalf("%s: %v %v", name, p, err)
		}
	}
	if _, err := PolicyByName("instant"); err == nil {
		t.Fatalf("unknown policy accepted")
	}
}

func TestEngineRespectsCancelledContext(t *testing.T) {
	e, err := search.New(search.Params{
		Relevant:     simtest.Names(t, "Probe", "Pylon"),
		TimeLimit:    time.Hour,
		InitialState: simtest.Start(t, catalogs.Protoss, 50, 12),
		FrameLimit:   1344,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Search(ctx)
	if !res.TimedOut && !res.Solved {
		t.Fatalf("cancelled search should stop after one iteration: %+v", res)
	}
	if res.BuildOrder == nil {
		t.Fatalf("stopped search must still report a plan")
	}
}

func assertTransitions(t *testing.T, got, want []transition) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("transitions: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d: got %v want %v", i, got[i], want[i])
		}
	}
}

type memRecorder struct {
	searches []SearchRecord
	triggers []TriggerRecord
}

func (r *memRecorder) RecordSearch(s SearchRecord)   { r.searches = append(r.searches, s) }
func (r *memRecorder) RecordTrigger(t TriggerRecord) { r.triggers = append(r.triggers, t) }

func TestManager_RecordsSearchesAndTriggers(t *testing.T) {
	a, b := &memRecorder{}, &memRecorder{}
	m, err := New(Config{
		Catalog:   simtest.Catalog(t),
		Tuning:    testTuning(t),
		Race:      catalogs.Protoss,
		EnemyRace: catalogs.Zerg,
		Session:   "fixed",
		Recorder:  Recorders(a, nil, b),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer m.Close()
	if m.Session() != "fixed" {
		t.Fatalf("session: %s", m.Session())
	}
	if _, _, ok := m.LastSearch(); ok {
		t.Fatalf("no search has finished yet")
	}

	if _, err := m.OnFrame(Tick{Obs: protossObs(0, 50, 12)}); err != nil {
		t.Fatalf("frame 0: %v", err)
	}
	if _, err := m.OnFrame(Tick{Obs: protossObs(1, 50, 12)}); err != nil {
		t.Fatalf("frame 1: %v", err)
	}

	for _, r := range []*memRecorder{a, b} {
		if len(r.searches) != 1 || len(r.triggers) != 1 {
			t.Fatalf("records: searches=%d triggers=%d", len(r.searches), len(r.triggers))
		}
		if r.searches[0].Session != "fixed" || r.searches[0].Results == 0 {
			t.Fatalf("search record: %+v", r.searches[0])
		}
		if r.triggers[0].Trigger != TriggerPlanExhausted || r.triggers[0].Action != ActionMerged {
			t.Fatalf("trigger record: %+v", r.triggers[0])
		}
	}

	start, order, ok := m.LastSearch()
	if !ok || start.Frame != 0 || order.Len() == 0 {
		t.Fatalf("last search: ok=%v", ok)
	}
	if _, err := order.Replay(start); err != nil {
		t.Fatalf("best useful order does not replay from its start: %v", err)
	}
	future, queue := m.Future()
	if future == nil || queue.Len() == 0 {
		t.Fatalf("future missing")
	}
	if Recorders(nil, nil) != nil {
		t.Fatalf("empty fan-out should be nil")
	}
}

func probeQueue(t *testing.T, n int) *buildorder.BuildOrder {
	t.Helper()
	id := simtest.Catalog(t).MustID("Probe")
	bo := buildorder.New()
	for i := 0; i < n; i++ {
		bo.Append(buildorder.Produce{ID: id})
	}
	return bo
}

func TestMediumPolicy_CutsQueueAtHorizon(t *testing.T) {
	tun := testTuning(t)
	tun.MediumHorizonFrames = 100
	m := newManager(t, tun, MediumPolicy{}, nil)
	if _, err := m.OnFrame(Tick{Obs: protossObs(0, 50, 12)}); err != nil {
		t.Fatalf("frame 0: %v", err)
	}
	m.queue = probeQueue(t, 3)

	obs := protossObs(2, 50, 11)
	out, err := MediumPolicy{}.React(m, Event{Trigger: TriggerUnitDied, Tick: Tick{Obs: obs}})
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	// The second Probe waits for the Nexus until frame 274, past 2+100.
	if out.Action != ActionRepaired || m.queue.Len() != 1 || out.Dropped != 0 {
		t.Fatalf("outcome %+v queue=%d", out, m.queue.Len())
	}
	fresh, _, err := projector.Project(m.cat, obs)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	starts, err := m.queue.Replay(fresh)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if starts[0] > obs.Frame+tun.MediumHorizonFrames {
		t.Fatalf("entry starts at %d past the horizon", starts[0])
	}
	if m.State() != Free {
		t.Fatalf("state: %s", m.State())
	}
}

func TestSlowPolicy_RestartsEarlySearch(t *testing.T) {
	var seen []transition
	m := newManager(t, testTuning(t), SlowPolicy{}, &seen)
	if err := m.StartSearch(search.Params{
		Relevant:     simtest.Names(t, "Probe"),
		TimeLimit:    time.Hour,
		InitialState: simtest.Start(t, catalogs.Protoss, 50, 12),
		FrameLimit:   1344,
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.queue = probeQueue(t, 3)
	if p := m.searchProgress(); p >= 0.5 {
		t.Fatalf("progress %.2f, want an early search", p)
	}

	seen = nil
	out, err := SlowPolicy{}.React(m, Event{Trigger: TriggerUnitDied, Tick: Tick{Obs: protossObs(0, 50, 11)}})
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	if out.Action != ActionRepaired || m.queue.Len() != 3 {
		t.Fatalf("outcome %+v queue=%d", out, m.queue.Len())
	}
	assertTransitions(t, seen, []transition{{Searching, ExitSearch}, {ExitSearch, Free}})
}

func TestFastPolicy_FallsBackToBestResultOnEmptyQueue(t *testing.T) {
	var seen []transition
	m := newManager(t, testTuning(t), FastPolicy{}, &seen)
	if _, err := m.OnFrame(Tick{Obs: protossObs(0, 50, 12)}); err != nil {
		t.Fatalf("frame 0: %v", err)
	}
	if m.queue.Len() != 0 || m.State() != Searching {
		t.Fatalf("precondition: queue=%d state=%s", m.queue.Len(), m.State())
	}
	// A long latency widens the catch-up horizon past the first few entries.
	m.latency = time.Minute

	seen = nil
	out, err := FastPolicy{}.React(m, Event{Trigger: TriggerUnitDied, Tick: Tick{Obs: protossObs(1, 50, 11)}})
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	if out.Action != ActionFallback || m.queue.Len() == 0 {
		t.Fatalf("outcome %+v queue=%d", out, m.queue.Len())
	}
	assertTransitions(t, seen, []transition{
		{Searching, ExitSearch}, {ExitSearch, Free}, {Free, GettingResults}, {GettingResults, Free},
	})
}

func TestManager_BuildingDeathUsesFastPathUnderSlowPolicy(t *testing.T) {
	rec := &memRecorder{}
	m := newManager(t, testTuning(t), SlowPolicy{}, nil)
	m.cfg.Recorder = rec
	for frame := 0; frame < 2; frame++ {
		if _, err := m.OnFrame(Tick{Obs: protossObs(frame, 50, 12)}); err != nil {
			t.Fatalf("frame %d: %v", frame, err)
		}
	}
	if m.queue.Len() == 0 {
		t.Fatalf("precondition: empty queue after merge")
	}

	plan, err := m.OnFrame(Tick{Obs: protossObs(2, 500, 12), Dead: []DeadUnit{{Tag: 900, Type: "Pylon"}}})
	if err != nil {
		t.Fatalf("frame 2: %v", err)
	}
	if plan.Trigger != TriggerUnitDied {
		t.Fatalf("trigger: %s", plan.Trigger)
	}
	last := rec.triggers[len(rec.triggers)-1]
	if last.Trigger != TriggerUnitDied || last.Policy != (FastPolicy{}).Name() {
		t.Fatalf("trigger record: %+v", last)
	}
	if last.Action != ActionRepaired && last.Action != ActionFallback {
		t.Fatalf("building death was not acted on: %+v", last)
	}
	if last.QueueLen != plan.Order.Len() {
		t.Fatalf("queue len: record %d plan %d", last.QueueLen, plan.Order.Len())
	}
}

func TestManager_DeathOnExhaustedQueueIsReprojected(t *testing.T) {
	rec := &memRecorder{}
	m := newManager(t, testTuning(t), FastPolicy{}, nil)
	m.cfg.Recorder = rec
	if _, err := m.OnFrame(Tick{Obs: protossObs(0, 50, 12)}); err != nil {
		t.Fatalf("frame 0: %v", err)
	}

	obs := protossObs(1, 50, 11)
	plan, err := m.OnFrame(Tick{Obs: obs, Dead: []DeadUnit{{Tag: 111, Type: "Probe"}}})
	if err != nil {
		t.Fatalf("frame 1: %v", err)
	}
	if plan.Trigger != TriggerPlanExhausted {
		t.Fatalf("trigger: %s", plan.Trigger)
	}
	if len(rec.triggers) != 2 || rec.triggers[0].Action != ActionMerged ||
		rec.triggers[1].Trigger != TriggerUnitDied || rec.triggers[1].Action != ActionRepaired {
		t.Fatalf("trigger records: %+v", rec.triggers)
	}

	// The future must be the live eleven-worker state advanced through the queue.
	want, _, err := projector.Project(m.cat, obs)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if _, err := plan.Order.Replay(want); err != nil {
		t.Fatalf("queue does not replay from the live state: %v", err)
	}
	probe := m.cat.MustID("Probe")
	if m.future.Frame != want.Frame || m.future.CountOf(probe) != want.CountOf(probe) {
		t.Fatalf("future frame=%d probes=%d, want frame=%d probes=%d",
			m.future.Frame, m.future.CountOf(probe), want.Frame, want.CountOf(probe))
	}
}

func TestStartSearch_FastForwardsStaleFutureWithQueuedEntries(t *testing.T) {
	m := newManager(t, testTuning(t), nil, nil)
	if _, err := m.OnFrame(Tick{Obs: protossObs(0, 50, 12)}); err != nil {
		t.Fatalf("frame 0: %v", err)
	}
	m.FinishSearch()
	m.queue = probeQueue(t, 1)

	now := m.future.Frame + 500
	if err := m.startSearch(Tick{Obs: protossObs(now, 50, 12)}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.future.Frame != now || m.params.InitialState.Frame != now {
		t.Fatalf("future frame %d, search start %d, want %d", m.future.Frame, m.params.InitialState.Frame, now)
	}
	if m.params.FrameLimit != now+1344 {
		t.Fatalf("frame limit: %d", m.params.FrameLimit)
	}
}
