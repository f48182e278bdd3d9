package projector_test

import (
	"errors"
	"testing"

	"buildplan.ai/internal/sim/catalogs"
	"buildplan.ai/internal/sim/projector"
	"buildplan.ai/internal/sim/simtest"
)

func baseObs() projector.Observation {
	return projector.Observation{
		Race:        catalogs.Protoss,
		Frame:       1000,
		Minerals:    120,
		Supply:      14,
		MaxSupply:   15,
		WorkerCount: 13,
		GasWorkers:  0,
		Units: []projector.LiveUnit{
			{Tag: 100, Type: "Nexus", Completed: true, Training: true, TrainingType: "Probe", Energy: 25,
				Orders: []projector.Order{{Produces: "Probe", Progress: 0.5}}},
			{Tag: 201, Type: "Probe", Completed: true,
				Orders: []projector.Order{{Produces: "Pylon", TargetTag: 300}}},
			{Tag: 202, Type: "Probe", Completed: true},
			{Tag: 300, Type: "Pylon", BeingConstructed: true, Progress: 0.25},
			{Tag: 203, Type: "Probe", Completed: true},
		},
	}
}

func TestProject_AssignsIdsByClass(t *testing.T) {
	cat := simtest.Catalog(t)
	s, b, err := projector.Project(cat, baseObs())
	if err != nil {
		t.Fatalf("project: %v", err)
	}

	// 4 finished, 1 under construction, 1 training, 10 synthesized workers.
	if len(s.Units) != 4+1+1+10 {
		t.Fatalf("units: %d", len(s.Units))
	}
	wantTags := []uint64{100, 201, 202, 203, 300}
	for id, tag := range wantTags {
		if got, ok := b.Tag(id); !ok || got != tag {
			t.Fatalf("id %d: tag %d want %d", id, got, tag)
		}
	}

	pylon := s.Units[4]
	if pylon.Type != cat.MustID("Pylon") || pylon.BuilderID != 1 {
		t.Fatalf("pylon: %+v", pylon)
	}
	// 403 * 0.75 = 302.25 frames left.
	if pylon.BuiltAt != 1302 {
		t.Fatalf("pylon built at %d", pylon.BuiltAt)
	}

	probe := s.Units[5]
	if probe.Type != cat.MustID("Probe") || probe.BuilderID != 0 || probe.BuiltAt != 1136 {
		t.Fatalf("training probe: %+v", probe)
	}
	nexus := s.Units[0]
	if nexus.FreeAt != 1136 || nexus.BuildID != 5 || nexus.EnergyMilli != 25000 {
		t.Fatalf("nexus bookkeeping: %+v", nexus)
	}
	if _, ok := b.Tag(5); ok {
		t.Fatalf("virtual unit should have no tag")
	}

	if got := s.WorkerCount(); got != 13 {
		t.Fatalf("workers: got %d want 13", got)
	}
	if s.Minerals() != 120 || s.Frame != 1000 {
		t.Fatalf("resources/frame: %d %d", s.Minerals(), s.Frame)
	}
}

func TestProject_ChronoTargetsAfterProjection(t *testing.T) {
	cat := simtest.Catalog(t)
	obs := baseObs()
	obs.Units[0].Energy = 60
	s, _, err := projector.Project(cat, obs)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	targets := s.AbilityTargets(cat.MustID("ChronoBoost"))
	if len(targets) != 1 || targets[0] != 0 {
		t.Fatalf("targets: %v", targets)
	}
}

func TestProject_InvariantViolations(t *testing.T) {
	cat := simtest.Catalog(t)

	obs := baseObs()
	obs.Units[3].Training = true
	if _, _, err := projector.Project(cat, obs); !errors.Is(err, projector.ErrTrainingIncomplete) {
		t.Fatalf("expected training-incomplete, got %v", err)
	}

	obs = baseObs()
	obs.Units[3].Completed = true
	obs.Units[3].Training = true
	if _, _, err := projector.Project(cat, obs); !errors.Is(err, projector.ErrTrainingUnderConstruction) {
		t.Fatalf("expected training-under-construction, got %v", err)
	}

	obs = baseObs()
	obs.Units[0].Orders[0].Produces = "Zealot"
	_, _, err := projector.Project(cat, obs)
	if !errors.Is(err, projector.ErrOrderMismatch) || !errors.Is(err, projector.ErrInvariant) {
		t.Fatalf("expected order mismatch, got %v", err)
	}
}

func TestProject_UnknownTypesAreSkipped(t *testing.T) {
	cat := simtest.Catalog(t)
	obs := baseObs()
	obs.Units = append(obs.Units, projector.LiveUnit{Tag: 900, Type: "Interceptor", Completed: true})
	_, b, err := projector.Project(cat, obs)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if b.Skipped != 1 {
		t.Fatalf("skipped: %d", b.Skipped)
	}
	if _, ok := b.Index[900]; ok {
		t.Fatalf("unknown unit bound")
	}
}
