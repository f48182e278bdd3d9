package catalogs

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed actions.schema.json
var actionsSchemaJSON string

type Race string

const (
	Protoss Race = "Protoss"
	Terran  Race = "Terran"
	Zerg    Race = "Zerg"
)

type Kind string

const (
	KindUnit     Kind = "unit"
	KindBuilding Kind = "building"
	KindUpgrade  Kind = "upgrade"
	KindAbility  Kind = "ability"
)

// ActionID indexes Catalog.Defs. Ids follow the sorted name palette.
type ActionID uint16

const NoAction ActionID = 0xFFFF

type ActionDef struct {
	ID ActionID `json:"-"`

	Name string `json:"name"`
	Race Race   `json:"race"`
	Kind Kind   `json:"kind"`

	MineralCost    int `json:"mineral_cost,omitempty"`
	GasCost        int `json:"gas_cost,omitempty"`
	SupplyCost     int `json:"supply_cost,omitempty"`
	SupplyProvided int `json:"supply_provided,omitempty"`
	BuildFrames    int `json:"build_frames,omitempty"`

	WhatBuilds []string `json:"what_builds,omitempty"`
	Requires   []string `json:"requires,omitempty"`

	// ProducerBusyFrames is how long the producer stays occupied; 0 means the whole build.
	ProducerBusyFrames int  `json:"producer_busy_frames,omitempty"`
	ConsumesProducer   bool `json:"consumes_producer,omitempty"`

	Worker   bool `json:"worker,omitempty"`
	Refinery bool `json:"refinery,omitempty"`
	Base     bool `json:"base,omitempty"`
	Combat   bool `json:"combat,omitempty"`

	Attributes []string `json:"attributes,omitempty"`
	BonusVs    []string `json:"bonus_vs,omitempty"`

	// Ability fields.
	EnergyCost   int      `json:"energy_cost,omitempty"`
	TargetTypes  []string `json:"target_types,omitempty"`
	EffectFrames int      `json:"effect_frames,omitempty"`

	// Caster fields.
	MaxEnergy   int `json:"max_energy,omitempty"`
	StartEnergy int `json:"start_energy,omitempty"`

	// Resolved from the name lists above by FromDefs.
	Producers []ActionID `json:"-"`
	Prereqs   []ActionID `json:"-"`
	Targets   []ActionID `json:"-"`
}

func (d *ActionDef) IsAbility() bool  { return d.Kind == KindAbility }
func (d *ActionDef) IsUpgrade() bool  { return d.Kind == KindUpgrade }
func (d *ActionDef) IsBuilding() bool { return d.Kind == KindBuilding }

// ProducerBusy returns the frames a producer is occupied after starting this action.
func (d *ActionDef) ProducerBusy() int {
	if d.ProducerBusyFrames > 0 {
		return d.ProducerBusyFrames
	}
	return d.BuildFrames
}

// Value is the resource value used by evaluation.
func (d *ActionDef) Value() float64 {
	return float64(d.MineralCost) + 1.5*float64(d.GasCost)
}

func (d *ActionDef) HasAttribute(attr string) bool {
	for _, a := range d.Attributes {
		if a == attr {
			return true
		}
	}
	return false
}

type Economy struct {
	MineralsPerWorkerFrameMilli int     `json:"minerals_per_worker_frame_milli"`
	GasPerWorkerFrameMilli      int     `json:"gas_per_worker_frame_milli"`
	WorkersPerRefinery          int     `json:"workers_per_refinery"`
	EnergyRegenFrameMilli       int     `json:"energy_regen_frame_milli"`
	MaxSupply                   int     `json:"max_supply"`
	FramesPerSecond             float64 `json:"frames_per_second"`
}

func (e *Economy) applyDefaults() {
	if e.MineralsPerWorkerFrameMilli <= 0 {
		e.MineralsPerWorkerFrameMilli = 42
	}
	if e.GasPerWorkerFrameMilli <= 0 {
		e.GasPerWorkerFrameMilli = 38
	}
	if e.WorkersPerRefinery <= 0 {
		e.WorkersPerRefinery = 3
	}
	if e.EnergyRegenFrameMilli <= 0 {
		e.EnergyRegenFrameMilli = 35
	}
	if e.MaxSupply <= 0 {
		e.MaxSupply = 200
	}
	if e.FramesPerSecond <= 0 {
		e.FramesPerSecond = 22.4
	}
}

type Catalog struct {
	Palette []string
	Index   map[string]ActionID
	Defs    []ActionDef

	Economy Economy

	PaletteDigest string
	DefsDigest    string
	EconomyDigest string
}

func Load(configDir string) (*Catalog, error) {
	rawDefs, err := os.ReadFile(filepath.Join(configDir, "actions.json"))
	if err != nil {
		return nil, err
	}
	if err := validateActions(rawDefs); err != nil {
		return nil, err
	}
	var defs []ActionDef
	if err := json.Unmarshal(rawDefs, &defs); err != nil {
		return nil, fmt.Errorf("actions.json: %w", err)
	}

	var eco Economy
	rawEco, err := os.ReadFile(filepath.Join(configDir, "economy.json"))
	switch {
	case err == nil:
		if err := json.Unmarshal(rawEco, &eco); err != nil {
			return nil, fmt.Errorf("economy.json: %w", err)
		}
	case os.IsNotExist(err):
		rawEco = nil
	default:
		return nil, err
	}

	c, err := FromDefs(defs, eco)
	if err != nil {
		return nil, err
	}
	c.DefsDigest = sha256Hex(rawDefs)
	c.EconomyDigest = sha256Hex(rawEco)
	return c, nil
}

func validateActions(raw []byte) error {
	schema, err := jsonschema.CompileString("actions.schema.json", actionsSchemaJSON)
	if err != nil {
		return fmt.Errorf("actions schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("actions.json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("actions.json: %w", err)
	}
	return nil
}

// FromDefs builds a catalog from already-decoded definitions and resolves name references.
func FromDefs(defs []ActionDef, eco Economy) (*Catalog, error) {
	eco.applyDefaults()

	byName := make(map[string]ActionDef, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("actions: empty name")
		}
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("actions: duplicate %q", d.Name)
		}
		byName[d.Name] = d
	}

	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	if len(names) >= int(NoAction) {
		return nil, fmt.Errorf("actions: too many definitions (%d)", len(names))
	}

	c := &Catalog{
		Palette: names,
		Index:   make(map[string]ActionID, len(names)),
		Defs:    make([]ActionDef, len(names)),
		Economy: eco,
	}
	for i, n := range names {
		c.Index[n] = ActionID(i)
	}
	for i, n := range names {
		d := byName[n]
		d.ID = ActionID(i)
		var err error
		if d.Producers, err = c.resolve(n, "what_builds", d.WhatBuilds); err != nil {
			return nil, err
		}
		if d.Prereqs, err = c.resolve(n, "requires", d.Requires); err != nil {
			return nil, err
		}
		if d.Targets, err = c.resolve(n, "target_types", d.TargetTypes); err != nil {
			return nil, err
		}
		if d.Kind == KindAbility && len(d.Targets) == 0 {
			return nil, fmt.Errorf("actions: ability %q has no target_types", n)
		}
		c.Defs[i] = d
	}

	palJSON, _ := json.Marshal(names)
	c.PaletteDigest = sha256Hex(palJSON)
	if c.DefsDigest == "" {
		defsJSON, _ := json.Marshal(c.Defs)
		c.DefsDigest = sha256Hex(defsJSON)
	}
	return c, nil
}

func (c *Catalog) resolve(owner, field string, names []string) ([]ActionID, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]ActionID, 0, len(names))
	for _, n := range names {
		id, ok := c.Index[n]
		if !ok {
			return nil, fmt.Errorf("actions: %s.%s references unknown %q", owner, field, n)
		}
		out = append(out, id)
	}
	return out, nil
}

func (c *Catalog) Def(id ActionID) *ActionDef {
	if int(id) >= len(c.Defs) {
		return nil
	}
	return &c.Defs[id]
}

func (c *Catalog) ID(name string) (ActionID, bool) {
	id, ok := c.Index[name]
	return id, ok
}

// MustID is for static configuration and tests.
func (c *Catalog) MustID(name string) ActionID {
	id, ok := c.Index[name]
	if !ok {
		panic(fmt.Sprintf("catalogs: unknown action %q", name))
	}
	return id
}

func (c *Catalog) Name(id ActionID) string {
	if d := c.Def(id); d != nil {
		return d.Name
	}
	return "None"
}

// Worker returns the worker type of the race, or NoAction.
func (c *Catalog) Worker(race Race) ActionID {
	return c.first(race, func(d *ActionDef) bool { return d.Worker })
}

func (c *Catalog) Refinery(race Race) ActionID {
	return c.first(race, func(d *ActionDef) bool { return d.Refinery })
}

func (c *Catalog) SupplyProvider(race Race) ActionID {
	return c.first(race, func(d *ActionDef) bool { return d.SupplyProvided > 0 && !d.Base })
}

func (c *Catalog) Base(race Race) ActionID {
	return c.first(race, func(d *ActionDef) bool { return d.Base })
}

func (c *Catalog) first(race Race, pred func(*ActionDef) bool) ActionID {
	for i := range c.Defs {
		d := &c.Defs[i]
		if d.Race == race && pred(d) {
			return d.ID
		}
	}
	return NoAction
}

// Digest summarizes the whole catalog for handshakes and index rows.
func (c *Catalog) Digest() string {
	var b bytes.Buffer
	b.WriteString(c.PaletteDigest)
	b.WriteByte('|')
	b.WriteString(c.DefsDigest)
	b.WriteByte('|')
	b.WriteString(c.EconomyDigest)
	return sha256Hex(b.Bytes())
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
