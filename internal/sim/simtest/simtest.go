// Package simtest holds shared fixtures for planner tests: the repo catalog,
// the repo tuning and canned starting states.
package simtest

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"buildplan.ai/internal/sim/abstract"
	"buildplan.ai/internal/sim/catalogs"
	"buildplan.ai/internal/sim/tuning"
)

var (
	loadOnce sync.Once
	cat      *catalogs.Catalog
	tun      tuning.Tuning
	loadErr  error
)

// ConfigDir locates <repo>/configs by walking up to go.mod.
func ConfigDir(t testing.TB) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "configs")
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("go.mod not found above working directory")
		}
		dir = parent
	}
}

func load(t testing.TB) {
	t.Helper()
	dir := ConfigDir(t)
	loadOnce.Do(func() {
		cat, loadErr = catalogs.Load(dir)
		if loadErr != nil {
			return
		}
		tun, loadErr = tuning.Load(filepath.Join(dir, "tuning.yaml"))
	})
	if loadErr != nil {
		t.Fatalf("load configs: %v", loadErr)
	}
}

func Catalog(t testing.TB) *catalogs.Catalog {
	t.Helper()
	load(t)
	return cat
}

func Tuning(t testing.TB) tuning.Tuning {
	t.Helper()
	load(t)
	return tun
}

// Start returns a state at frame 0 with one finished base, the given number of
// finished workers and the given minerals. Supply and max supply follow the units.
func Start(t testing.TB, race catalogs.Race, minerals, workers int) *abstract.State {
	t.Helper()
	c := Catalog(t)
	base := c.Base(race)
	worker := c.Worker(race)
	if base == catalogs.NoAction || worker == catalogs.NoAction {
		t.Fatalf("race %s has no base or worker", race)
	}
	s := abstract.New(c, race, 0)
	s.AddCompleted(base)
	for range workers {
		s.AddCompleted(worker)
	}
	s.SetMinerals(minerals)
	s.Supply = workers * c.Def(worker).SupplyCost
	s.MaxSupply = c.Def(base).SupplyProvided
	return s
}

// Names resolves action names against the test catalog.
func Names(t testing.TB, names ...string) []catalogs.ActionID {
	t.Helper()
	c := Catalog(t)
	out := make([]catalogs.ActionID, 0, len(names))
	for _, n := range names {
		id, ok := c.ID(n)
		if !ok {
			t.Fatalf("unknown action %q", n)
		}
		out = append(out, id)
	}
	return out
}
