package catalogs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_ShippedConfigs(t *testing.T) {
	c, err := Load("../../../configs")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.PaletteDigest == "" || c.DefsDigest == "" || c.EconomyDigest == "" {
		t.Fatalf("digests not set")
	}
	for i := 1; i < len(c.Palette); i++ {
		if c.Palette[i-1] >= c.Palette[i] {
			t.Fatalf("palette not sorted at %d", i)
		}
	}

	probe := c.Def(c.MustID("Probe"))
	if !probe.Worker || probe.MineralCost != 50 || probe.BuildFrames != 272 {
		t.Fatalf("probe: %+v", probe)
	}
	if got := c.Worker(Protoss); got != probe.ID {
		t.Fatalf("protoss worker: %s", c.Name(got))
	}
	if got := c.Name(c.SupplyProvider(Protoss)); got != "Pylon" {
		t.Fatalf("protoss supply provider: %s", got)
	}
	if got := c.Name(c.Base(Terran)); got != "CommandCenter" {
		t.Fatalf("terran base: %s", got)
	}
	if got := c.Name(c.Refinery(Protoss)); got != "Assimilator" {
		t.Fatalf("protoss refinery: %s", got)
	}

	chrono := c.Def(c.MustID("ChronoBoost"))
	if !chrono.IsAbility() || len(chrono.Targets) == 0 {
		t.Fatalf("chrono: %+v", chrono)
	}
	gw := c.Def(c.MustID("Gateway"))
	if len(gw.Prereqs) != 1 || c.Name(gw.Prereqs[0]) != "Pylon" {
		t.Fatalf("gateway prereqs: %v", gw.Prereqs)
	}
}

func TestFromDefs_Errors(t *testing.T) {
	cases := []struct {
		name string
		defs []ActionDef
		want string
	}{
		{"dup", []ActionDef{{Name: "A", Race: Protoss, Kind: KindUnit}, {Name: "A", Race: Protoss, Kind: KindUnit}}, "duplicate"},
		{"unknown ref", []ActionDef{{Name: "A", Race: Protoss, Kind: KindUnit, WhatBuilds: []string{"B"}}}, "unknown"},
		{"ability without targets", []ActionDef{{Name: "Boost", Race: Protoss, Kind: KindAbility}}, "target_types"},
		{"empty name", []ActionDef{{Race: Protoss, Kind: KindUnit}}, "empty name"},
	}
	for _, tc := range cases {
		_, err := FromDefs(tc.defs, Economy{})
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q error, got %v", tc.name, tc.want, err)
		}
	}
}

func TestFromDefs_EconomyDefaults(t *testing.T) {
	c, err := FromDefs([]ActionDef{{Name: "Probe", Race: Protoss, Kind: KindUnit, Worker: true}}, Economy{})
	if err != nil {
		t.Fatalf("from defs: %v", err)
	}
	if c.Economy.MineralsPerWorkerFrameMilli != 42 || c.Economy.MaxSupply != 200 {
		t.Fatalf("economy defaults: %+v", c.Economy)
	}
	if c.Base(Protoss) != NoAction {
		t.Fatalf("no base defined but got one")
	}
}

func TestLoad_SchemaRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	raw := `[{"name":"Probe","race":"Protoss","kind":"unit","mineral_cost":50,"bogus":1}]`
	if err := os.WriteFile(filepath.Join(dir, "actions.json"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected schema error")
	}
}

func TestProducerBusyDefaultsToBuildTime(t *testing.T) {
	d := ActionDef{BuildFrames: 400}
	if d.ProducerBusy() != 400 {
		t.Fatalf("busy: %d", d.ProducerBusy())
	}
	d.ProducerBusyFrames = 64
	if d.ProducerBusy() != 64 {
		t.Fatalf("busy override: %d", d.ProducerBusy())
	}
	d = ActionDef{MineralCost: 125, GasCost: 50}
	if d.Value() != 200 {
		t.Fatalf("value: %v", d.Value())
	}
}
