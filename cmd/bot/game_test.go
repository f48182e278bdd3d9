package main

import (
	"encoding/json"
	"testing"

	"buildplan.ai/internal/protocol"
	"buildplan.ai/internal/sim/catalogs"
	"buildplan.ai/internal/sim/projector"
	"buildplan.ai/internal/sim/simtest"
)

func project(t *testing.T, g *game, obs protocol.ObsMsg) projector.Observation {
	t.Helper()
	p := projector.Observation{
		Race:        g.s.Race,
		Frame:       obs.Frame,
		Minerals:    obs.Minerals,
		Gas:         obs.Gas,
		Supply:      obs.Supply,
		MaxSupply:   obs.MaxSupply,
		WorkerCount: obs.WorkerCount,
		GasWorkers:  obs.GasWorkers,
		Upgrades:    obs.Upgrades,
	}
	for _, u := range obs.Units {
		lu := projector.LiveUnit{
			Tag:              u.Tag,
			Type:             u.Type,
			Completed:        u.Completed,
			BeingConstructed: u.BeingConstructed,
			Progress:         u.Progress,
			Training:         u.Training,
			TrainingType:     u.TrainingType,
			Energy:           u.Energy,
			BoostFrames:      u.BoostFrames,
		}
		for _, o := range u.Orders {
			lu.Orders = append(lu.Orders, projector.Order{Produces: o.Produces, TargetTag: o.TargetTag, Progress: o.Progress})
		}
		p.Units = append(p.Units, lu)
	}
	return p
}

func TestGame_ObservationsProjectCleanly(t *testing.T) {
	cat := simtest.Catalog(t)
	g, err := newGame(cat, catalogs.Protoss)
	if err != nil {
		t.Fatalf("new game: %v", err)
	}

	obs := g.observe()
	if len(obs.Units) != 13 || obs.WorkerCount != 12 || obs.Minerals != 50 {
		t.Fatalf("start obs: units=%d workers=%d minerals=%d", len(obs.Units), obs.WorkerCount, obs.Minerals)
	}
	if err := protocol.Validate(protocol.TypeObs, mustJSON(t, obs)); err != nil {
		t.Fatalf("start obs fails the schema: %v", err)
	}

	n := g.issue([]protocol.PlanEntry{{Action: "Probe", Kind: "unit"}, {Action: "Probe", Kind: "unit"}})
	if n != 1 {
		t.Fatalf("issued %d, want 1 (only one Probe is affordable)", n)
	}
	g.s.FastForward(g.s.Frame + 100)

	obs = g.observe()
	var training int
	for _, u := range obs.Units {
		if u.Training {
			training++
			if u.TrainingType != "Probe" || len(u.Orders) != 1 || u.Orders[0].Progress <= 0 {
				t.Fatalf("producer: %+v", u)
			}
		}
	}
	if training != 1 {
		t.Fatalf("training producers: %d", training)
	}
	s, _, err := projector.Project(cat, project(t, g, obs))
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if got := s.CountOf(cat.Worker(catalogs.Protoss)); got != 13 {
		t.Fatalf("projected probes %d, want 13", got)
	}
}

func TestGame_IssueStopsAtUnknownOrIllegal(t *testing.T) {
	g, err := newGame(simtest.Catalog(t), catalogs.Protoss)
	if err != nil {
		t.Fatalf("new game: %v", err)
	}
	if n := g.issue([]protocol.PlanEntry{{Action: "Nuke"}}); n != 0 {
		t.Fatalf("unknown action issued")
	}
	if n := g.issue([]protocol.PlanEntry{{Action: "Gateway", Kind: "building"}}); n != 0 {
		t.Fatalf("gateway without pylon issued")
	}
	if _, err := newGame(simtest.Catalog(t), catalogs.Zerg); err == nil {
		t.Fatalf("zerg has no catalog entries")
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
