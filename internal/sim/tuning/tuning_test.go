package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ShippedTuning(t *testing.T) {
	tun, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tun.UseWindowFrames() != 3360 || tun.FastHorizonFrames() != 1680 {
		t.Fatalf("windows: use=%d fast=%d", tun.UseWindowFrames(), tun.FastHorizonFrames())
	}
	if tun.Search.TimeLimit() != 3*time.Second {
		t.Fatalf("time limit: %v", tun.Search.TimeLimit())
	}
	p, ok := tun.Races["Protoss"]
	if !ok || len(p.Opening) == 0 || p.MaxActions["Probe"] != 44 {
		t.Fatalf("protoss plan: %+v", p)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("reaction: slow\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tun, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tun.Reaction != ReactionSlow || tun.PlanningHorizonFrames != 6720 {
		t.Fatalf("got %+v", tun)
	}
}

func TestValidate(t *testing.T) {
	bad := []func(*Tuning){
		func(t *Tuning) { t.PlanningHorizonFrames = 0 },
		func(t *Tuning) { t.UseWindowFraction = 1.5 },
		func(t *Tuning) { t.FastHorizonFraction = 0 },
		func(t *Tuning) { t.EnemyUnitsBeforeReacting = 0 },
		func(t *Tuning) { t.Reaction = "eventually" },
		func(t *Tuning) { t.Search.TimeLimitMs, t.Search.NodeLimit = 0, 0 },
	}
	for i, mutate := range bad {
		tun := Defaults()
		mutate(&tun)
		if err := tun.Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}

	tun := Defaults()
	tun.Search.RepairStepLimit = 0
	if err := tun.Validate(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if tun.Search.RepairStepLimit != 1<<16 {
		t.Fatalf("repair step limit not defaulted: %d", tun.Search.RepairStepLimit)
	}
}
