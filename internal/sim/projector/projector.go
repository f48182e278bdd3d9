// Package projector turns a live observation of our own units into an abstract.State.
package projector

import (
	"errors"
	"fmt"
	"math"

	"buildplan.ai/internal/sim/abstract"
	"buildplan.ai/internal/sim/catalogs"
)

// ErrInvariant marks observations the engine should never produce. Callers treat it as fatal.
var ErrInvariant = errors.New("observation invariant violated")

var (
	ErrTrainingIncomplete        = fmt.Errorf("%w: unit trains while incomplete", ErrInvariant)
	ErrTrainingUnderConstruction = fmt.Errorf("%w: unit trains while under construction", ErrInvariant)
	ErrOrderMismatch             = fmt.Errorf("%w: producer order does not match its training type", ErrInvariant)
)

type Order struct {
	Produces  string  `json:"produces"`
	TargetTag uint64  `json:"target_tag,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
}

type LiveUnit struct {
	Tag              uint64  `json:"tag"`
	Type             string  `json:"type"`
	Completed        bool    `json:"completed"`
	BeingConstructed bool    `json:"being_constructed,omitempty"`
	Progress         float64 `json:"progress,omitempty"`
	Training         bool    `json:"training,omitempty"`
	TrainingType     string  `json:"training_type,omitempty"`
	Energy           float64 `json:"energy,omitempty"`
	BoostFrames      int     `json:"boost_frames,omitempty"`
	Orders           []Order `json:"orders,omitempty"`
}

type Observation struct {
	Race  catalogs.Race
	Frame int

	Minerals  int
	Gas       int
	Supply    int
	MaxSupply int

	// WorkerCount includes workers hidden inside refineries.
	WorkerCount int
	GasWorkers  int

	Units    []LiveUnit
	Upgrades []string
}

// Bindings maps abstract unit ids back to engine tags. Synthetic units have tag 0.
type Bindings struct {
	Tags    []uint64
	Index   map[uint64]int
	Skipped int
}

func (b Bindings) Tag(id int) (uint64, bool) {
	if id < 0 || id >= len(b.Tags) || b.Tags[id] == 0 {
		return 0, false
	}
	return b.Tags[id], true
}

func (b *Bindings) add(id int, tag uint64) {
	for len(b.Tags) <= id {
		b.Tags = append(b.Tags, 0)
	}
	b.Tags[id] = tag
	if tag != 0 {
		b.Index[tag] = id
	}
}

// Project builds the abstract state. Ids are assigned finished units first, then
// units under construction, then the items finished producers are training.
func Project(cat *catalogs.Catalog, obs Observation) (*abstract.State, Bindings, error) {
	b := Bindings{Index: map[uint64]int{}}

	var finished, building []int
	for i := range obs.Units {
		u := &obs.Units[i]
		if u.Training && !u.Completed {
			return nil, b, fmt.Errorf("unit %d (%s): %w", u.Tag, u.Type, ErrTrainingIncomplete)
		}
		if u.Training && u.BeingConstructed {
			return nil, b, fmt.Errorf("unit %d (%s): %w", u.Tag, u.Type, ErrTrainingUnderConstruction)
		}
		if _, ok := cat.ID(u.Type); !ok {
			b.Skipped++
			continue
		}
		if u.Completed && !u.BeingConstructed {
			finished = append(finished, i)
		} else {
			building = append(building, i)
		}
	}

	s := abstract.New(cat, obs.Race, obs.Frame)
	s.SetMinerals(obs.Minerals)
	s.SetGas(obs.Gas)
	s.Supply = obs.Supply
	s.MaxSupply = obs.MaxSupply

	workerType := cat.Worker(obs.Race)
	observedWorkers := 0

	for _, i := range finished {
		u := &obs.Units[i]
		id := s.AddCompleted(cat.MustID(u.Type))
		s.Units[id].EnergyMilli = int(math.Round(u.Energy * 1000))
		if u.BoostFrames > 0 {
			s.Units[id].BoostedUntil = obs.Frame + u.BoostFrames
		}
		b.add(id, u.Tag)
		if s.Units[id].Type == workerType {
			observedWorkers++
		}
	}

	for _, i := range building {
		u := &obs.Units[i]
		t := cat.MustID(u.Type)
		def := cat.Def(t)
		builtAt := obs.Frame + remaining(def.BuildFrames, u.Progress)
		id := s.AddUnit(abstract.Unit{
			Type:        t,
			BuilderID:   -1,
			BuiltAt:     builtAt,
			FreeAt:      builtAt,
			BuildType:   catalogs.NoAction,
			BuildID:     -1,
			EnergyMilli: def.StartEnergy * 1000,
		})
		b.add(id, u.Tag)

		builder := findBuilder(obs, finished, u.Tag, b)
		if builder < 0 {
			continue
		}
		s.Units[id].BuilderID = builder
		occupy(s, builder, def, id, builtAt-def.BuildFrames)
	}

	for _, i := range finished {
		u := &obs.Units[i]
		if !u.Training {
			continue
		}
		producer := b.Index[u.Tag]
		if len(u.Orders) == 0 || u.Orders[0].Produces != u.TrainingType {
			return nil, b, fmt.Errorf("unit %d (%s) trains %q: %w", u.Tag, u.Type, u.TrainingType, ErrOrderMismatch)
		}
		t, ok := cat.ID(u.TrainingType)
		if !ok {
			return nil, b, fmt.Errorf("unit %d trains unknown %q: %w", u.Tag, u.TrainingType, ErrOrderMismatch)
		}
		def := cat.Def(t)
		builtAt := obs.Frame + remaining(def.BuildFrames, u.Orders[0].Progress)
		id := s.AddUnit(abstract.Unit{
			Type:        t,
			BuilderID:   producer,
			BuiltAt:     builtAt,
			FreeAt:      builtAt,
			BuildType:   catalogs.NoAction,
			BuildID:     -1,
			EnergyMilli: def.StartEnergy * 1000,
		})
		b.add(id, 0)
		occupy(s, producer, def, id, builtAt-def.BuildFrames)
	}

	for _, name := range obs.Upgrades {
		if t, ok := cat.ID(name); ok {
			b.add(s.AddCompleted(t), 0)
		}
	}

	if workerType != catalogs.NoAction {
		for range obs.WorkerCount - observedWorkers {
			b.add(s.AddCompleted(workerType), 0)
		}
	}
	s.GasWorkers = max(0, obs.GasWorkers)

	if err := s.Validate(); err != nil {
		return nil, b, fmt.Errorf("%w: %w", ErrInvariant, err)
	}
	return s, b, nil
}

func remaining(buildFrames int, progress float64) int {
	progress = min(max(progress, 0), 1)
	return int(math.Round(float64(buildFrames) * (1 - progress)))
}

// findBuilder returns the abstract id of the finished unit whose first order targets tag.
func findBuilder(obs Observation, finished []int, tag uint64, b Bindings) int {
	for _, i := range finished {
		u := &obs.Units[i]
		if len(u.Orders) > 0 && u.Orders[0].TargetTag == tag {
			return b.Index[u.Tag]
		}
	}
	return -1
}

func occupy(s *abstract.State, producer int, def *catalogs.ActionDef, product, started int) {
	p := &s.Units[producer]
	p.FreeAt = max(s.Frame, started+def.ProducerBusy())
	p.BuildType = def.ID
	p.BuildID = product
}
