// Package abstract is the engine-independent simulation used for planning.
//
// A State is a plain value: cloning it and replaying the same actions against
// the same catalog always yields the same digest.
package abstract

import (
	"errors"
	"fmt"
	"math"

	"buildplan.ai/internal/sim/catalogs"
)

var (
	ErrNoCatalog             = errors.New("state has no catalog attached")
	ErrUnknownAction         = errors.New("unknown action")
	ErrWrongKind             = errors.New("wrong action kind")
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrSupplyBlocked         = errors.New("supply blocked")
	ErrMissingPrerequisite   = errors.New("missing prerequisite")
	ErrAlreadyResearched     = errors.New("already researched")
	ErrNoBuilder             = errors.New("no free builder")
	ErrInsufficientEnergy    = errors.New("insufficient energy")
	ErrInvalidTarget         = errors.New("invalid ability target")
	ErrUnreachable           = errors.New("action can never become legal")
)

// Never is used for producers that will not become free again.
const Never = math.MaxInt32

const maxWaitSteps = 1 << 14

type Unit struct {
	ID        int
	Type      catalogs.ActionID
	BuilderID int // -1 if none or self-built

	// Absolute frames; the unit is complete once Frame >= BuiltAt and can act again once Frame >= FreeAt.
	BuiltAt int
	FreeAt  int

	// What the unit is producing while busy.
	BuildType catalogs.ActionID
	BuildID   int

	EnergyMilli  int
	BoostedUntil int
	Consumed     bool
}

type State struct {
	Race  catalogs.Race
	Frame int

	MineralsMilli int64
	GasMilli      int64

	Supply     int
	MaxSupply  int
	GasWorkers int

	Units []Unit

	cat *catalogs.Catalog
}

func New(cat *catalogs.Catalog, race catalogs.Race, frame int) *State {
	return &State{Race: race, Frame: frame, cat: cat}
}

// Attach binds a catalog after decoding a state from a snapshot.
func (s *State) Attach(cat *catalogs.Catalog) { s.cat = cat }

func (s *State) Catalog() *catalogs.Catalog { return s.cat }

func (s *State) Clone() *State {
	c := *s
	c.Units = append([]Unit(nil), s.Units...)
	return &c
}

func (s *State) Minerals() int { return int(s.MineralsMilli / 1000) }
func (s *State) Gas() int      { return int(s.GasMilli / 1000) }

func (s *State) SetMinerals(v int) { s.MineralsMilli = int64(v) * 1000 }
func (s *State) SetGas(v int)      { s.GasMilli = int64(v) * 1000 }

// AddUnit appends u with the next index as its id and returns that id.
func (s *State) AddUnit(u Unit) int {
	u.ID = len(s.Units)
	s.Units = append(s.Units, u)
	return u.ID
}

// AddCompleted appends an idle, finished unit of type t.
func (s *State) AddCompleted(t catalogs.ActionID) int {
	energy := 0
	if d := s.def(t); d != nil {
		energy = d.StartEnergy * 1000
	}
	return s.AddUnit(Unit{
		Type:        t,
		BuilderID:   -1,
		BuiltAt:     s.Frame,
		FreeAt:      s.Frame,
		BuildType:   catalogs.NoAction,
		BuildID:     -1,
		EnergyMilli: energy,
	})
}

func (s *State) def(id catalogs.ActionID) *catalogs.ActionDef {
	if s.cat == nil {
		return nil
	}
	return s.cat.Def(id)
}

func (s *State) IsComplete(i int) bool {
	return s.Units[i].BuiltAt <= s.Frame
}

func (s *State) TimeUntilBuilt(i int) int {
	return max(0, s.Units[i].BuiltAt-s.Frame)
}

func (s *State) TimeUntilFree(i int) int {
	if s.Units[i].FreeAt == Never {
		return Never
	}
	return max(0, s.Units[i].FreeAt-s.Frame)
}

// CurrentBuild reports what unit i is producing right now, if anything.
func (s *State) CurrentBuild(i int) (catalogs.ActionID, int, bool) {
	u := &s.Units[i]
	if u.FreeAt <= s.Frame || u.BuildType == catalogs.NoAction {
		return catalogs.NoAction, -1, false
	}
	return u.BuildType, u.BuildID, true
}

// CountOf counts live units of type t, finished or not.
func (s *State) CountOf(t catalogs.ActionID) int {
	n := 0
	for i := range s.Units {
		if s.Units[i].Type == t && !s.Units[i].Consumed {
			n++
		}
	}
	return n
}

func (s *State) CompletedCount(t catalogs.ActionID) int {
	n := 0
	for i := range s.Units {
		u := &s.Units[i]
		if u.Type == t && !u.Consumed && u.BuiltAt <= s.Frame {
			n++
		}
	}
	return n
}

func (s *State) HasType(t catalogs.ActionID) bool { return s.CountOf(t) > 0 }

func (s *State) isWorker(u *Unit) bool {
	d := s.def(u.Type)
	return d != nil && d.Worker && !u.Consumed
}

// WorkerCount counts finished workers in every role.
func (s *State) WorkerCount() int {
	n := 0
	for i := range s.Units {
		u := &s.Units[i]
		if s.isWorker(u) && u.BuiltAt <= s.Frame {
			n++
		}
	}
	return n
}

// BuildingWorkers counts finished workers currently busy constructing.
func (s *State) BuildingWorkers() int {
	n := 0
	for i := range s.Units {
		u := &s.Units[i]
		if s.isWorker(u) && u.BuiltAt <= s.Frame && u.FreeAt > s.Frame {
			n++
		}
	}
	return n
}

func (s *State) MineralWorkers() int {
	return max(0, s.WorkerCount()-s.BuildingWorkers()-s.GasWorkers)
}

func (s *State) completedRefineries() int {
	n := 0
	for i := range s.Units {
		u := &s.Units[i]
		if d := s.def(u.Type); d != nil && d.Refinery && !u.Consumed && u.BuiltAt <= s.Frame {
			n++
		}
	}
	return n
}

func (s *State) effectiveGasWorkers() int {
	if s.cat == nil {
		return 0
	}
	return min(s.GasWorkers, s.completedRefineries()*s.cat.Economy.WorkersPerRefinery)
}

// Validate checks the structural invariants of the unit list.
func (s *State) Validate() error {
	if s.MineralsMilli < 0 || s.GasMilli < 0 {
		return fmt.Errorf("negative resources: minerals=%d gas=%d", s.MineralsMilli, s.GasMilli)
	}
	if s.Supply < 0 || s.MaxSupply < 0 {
		return fmt.Errorf("negative supply: %d/%d", s.Supply, s.MaxSupply)
	}
	for i := range s.Units {
		u := &s.Units[i]
		if u.ID != i {
			return fmt.Errorf("unit %d has id %d", i, u.ID)
		}
		if u.BuilderID < -1 || u.BuilderID >= len(s.Units) {
			return fmt.Errorf("unit %d: builder %d out of range", i, u.BuilderID)
		}
		if u.BuildID < -1 || u.BuildID >= len(s.Units) {
			return fmt.Errorf("unit %d: build target %d out of range", i, u.BuildID)
		}
		if s.cat != nil && s.cat.Def(u.Type) == nil {
			return fmt.Errorf("unit %d: unknown type %d", i, u.Type)
		}
	}
	return nil
}
