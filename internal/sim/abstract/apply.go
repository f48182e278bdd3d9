package abstract

import (
	"fmt"

	"buildplan.ai/internal/sim/catalogs"
)

// ApplyAction starts action id at the current frame. On error the state is untouched.
func (s *State) ApplyAction(id catalogs.ActionID) error {
	def, err := s.produceDef(id)
	if err != nil {
		return err
	}
	if err := s.canStart(def); err != nil {
		return err
	}
	producer := s.freeProducer(def)
	if producer < 0 {
		return fmt.Errorf("%s: %w", def.Name, ErrNoBuilder)
	}
	s.start(def, producer)
	return nil
}

func (s *State) produceDef(id catalogs.ActionID) (*catalogs.ActionDef, error) {
	if s.cat == nil {
		return nil, ErrNoCatalog
	}
	def := s.cat.Def(id)
	if def == nil {
		return nil, fmt.Errorf("%d: %w", id, ErrUnknownAction)
	}
	if def.IsAbility() {
		return nil, fmt.Errorf("%s is an ability: %w", def.Name, ErrWrongKind)
	}
	return def, nil
}

// canStart runs every check except producer availability.
func (s *State) canStart(def *catalogs.ActionDef) error {
	if s.MineralsMilli < int64(def.MineralCost)*1000 || s.GasMilli < int64(def.GasCost)*1000 {
		return fmt.Errorf("%s: %w", def.Name, ErrInsufficientResources)
	}
	if def.SupplyCost > 0 && s.Supply+def.SupplyCost > s.MaxSupply {
		return fmt.Errorf("%s: %w", def.Name, ErrSupplyBlocked)
	}
	for _, p := range def.Prereqs {
		if s.CompletedCount(p) == 0 {
			return fmt.Errorf("%s needs %s: %w", def.Name, s.cat.Name(p), ErrMissingPrerequisite)
		}
	}
	if def.IsUpgrade() && s.CountOf(def.ID) > 0 {
		return fmt.Errorf("%s: %w", def.Name, ErrAlreadyResearched)
	}
	return nil
}

// freeProducer returns the lowest-id idle finished producer for def, or -1.
func (s *State) freeProducer(def *catalogs.ActionDef) int {
	for i := range s.Units {
		u := &s.Units[i]
		if u.Consumed || u.BuiltAt > s.Frame || u.FreeAt > s.Frame {
			continue
		}
		if !containsID(def.Producers, u.Type) {
			continue
		}
		// Workers pulled off minerals must leave gas saturation intact.
		if s.isWorker(u) && s.MineralWorkers() == 0 {
			return -1
		}
		return i
	}
	return -1
}

func (s *State) start(def *catalogs.ActionDef, producer int) {
	s.MineralsMilli -= int64(def.MineralCost) * 1000
	s.GasMilli -= int64(def.GasCost) * 1000
	s.Supply += def.SupplyCost

	done := s.Frame + def.BuildFrames
	id := s.AddUnit(Unit{
		Type:        def.ID,
		BuilderID:   producer,
		BuiltAt:     done,
		FreeAt:      done,
		BuildType:   catalogs.NoAction,
		BuildID:     -1,
		EnergyMilli: def.StartEnergy * 1000,
	})

	p := &s.Units[producer]
	p.BuildType = def.ID
	p.BuildID = id
	if def.ConsumesProducer {
		p.Consumed = true
		p.FreeAt = Never
		if pd := s.def(p.Type); pd != nil {
			s.Supply -= pd.SupplyCost
		}
	} else {
		p.FreeAt = s.Frame + def.ProducerBusy()
	}

	if def.BuildFrames == 0 {
		s.complete(id)
	}
}

// complete applies the side effects of unit i finishing at the current frame.
func (s *State) complete(i int) {
	u := &s.Units[i]
	def := s.def(u.Type)
	if def == nil || u.Consumed {
		return
	}
	if def.SupplyProvided > 0 {
		s.MaxSupply = min(s.MaxSupply+def.SupplyProvided, s.cat.Economy.MaxSupply)
	}
	if def.Refinery {
		s.GasWorkers += min(s.cat.Economy.WorkersPerRefinery, s.MineralWorkers())
	}
}

// ApplyAbility casts ability id on unit target at the current frame.
func (s *State) ApplyAbility(id catalogs.ActionID, target int) error {
	def, err := s.abilityDef(id)
	if err != nil {
		return err
	}
	if err := s.targetLegal(def, target); err != nil {
		return err
	}
	caster := s.readyCaster(def)
	if caster < 0 {
		return fmt.Errorf("%s: %w", def.Name, ErrInsufficientEnergy)
	}

	s.Units[caster].EnergyMilli -= def.EnergyCost * 1000
	t := &s.Units[target]
	saved := min((t.FreeAt-s.Frame)/3, def.EffectFrames/2)
	t.FreeAt -= saved
	if t.BuildID >= 0 {
		s.Units[t.BuildID].BuiltAt -= saved
	}
	t.BoostedUntil = s.Frame + def.EffectFrames
	return nil
}

func (s *State) abilityDef(id catalogs.ActionID) (*catalogs.ActionDef, error) {
	if s.cat == nil {
		return nil, ErrNoCatalog
	}
	def := s.cat.Def(id)
	if def == nil {
		return nil, fmt.Errorf("%d: %w", id, ErrUnknownAction)
	}
	if !def.IsAbility() {
		return nil, fmt.Errorf("%s is not an ability: %w", def.Name, ErrWrongKind)
	}
	return def, nil
}

func (s *State) targetLegal(def *catalogs.ActionDef, target int) error {
	if target < 0 || target >= len(s.Units) {
		return fmt.Errorf("%s target %d out of range: %w", def.Name, target, ErrInvalidTarget)
	}
	t := &s.Units[target]
	switch {
	case t.Consumed, !containsID(def.Targets, t.Type):
		return fmt.Errorf("%s cannot target %s: %w", def.Name, s.cat.Name(t.Type), ErrInvalidTarget)
	case t.BuiltAt > s.Frame:
		return fmt.Errorf("%s target %d unfinished: %w", def.Name, target, ErrInvalidTarget)
	case t.FreeAt <= s.Frame || t.BuildType == catalogs.NoAction:
		return fmt.Errorf("%s target %d idle: %w", def.Name, target, ErrInvalidTarget)
	case t.BoostedUntil > s.Frame:
		return fmt.Errorf("%s target %d already boosted: %w", def.Name, target, ErrInvalidTarget)
	}
	return nil
}

func (s *State) readyCaster(def *catalogs.ActionDef) int {
	need := def.EnergyCost * 1000
	for i := range s.Units {
		u := &s.Units[i]
		if u.Consumed || u.BuiltAt > s.Frame || !containsID(def.Producers, u.Type) {
			continue
		}
		if u.EnergyMilli >= need {
			return i
		}
	}
	return -1
}

// AbilityTargets lists units that ability id may legally target right now, in id order.
func (s *State) AbilityTargets(id catalogs.ActionID) []int {
	def, err := s.abilityDef(id)
	if err != nil {
		return nil
	}
	var out []int
	for i := range s.Units {
		if s.targetLegal(def, i) == nil {
			out = append(out, i)
		}
	}
	return out
}

func containsID(ids []catalogs.ActionID, id catalogs.ActionID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
