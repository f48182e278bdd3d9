package abstract

import (
	"errors"
	"fmt"

	"buildplan.ai/internal/sim/catalogs"
)

const noEvent = Never

// FastForward advances the state to frame, processing completions and frees in order.
// Moving backwards is a no-op.
func (s *State) FastForward(frame int) {
	if s.cat == nil {
		return
	}
	for frame > s.Frame {
		next := s.nextEvent()
		if next > frame {
			s.accrue(frame - s.Frame)
			s.Frame = frame
			return
		}
		s.accrue(next - s.Frame)
		s.Frame = next
		s.processEvents()
	}
}

// nextEvent is the earliest frame after Frame at which a unit finishes or a producer frees up.
func (s *State) nextEvent() int {
	next := noEvent
	for i := range s.Units {
		u := &s.Units[i]
		if u.Consumed {
			continue
		}
		if u.BuiltAt > s.Frame && u.BuiltAt < next {
			next = u.BuiltAt
		}
		if u.FreeAt > s.Frame && u.FreeAt < next {
			next = u.FreeAt
		}
	}
	return next
}

func (s *State) processEvents() {
	for i := range s.Units {
		if s.Units[i].BuiltAt == s.Frame {
			s.complete(i)
		}
	}
	for i := range s.Units {
		u := &s.Units[i]
		if u.FreeAt == s.Frame {
			u.BuildType = catalogs.NoAction
			u.BuildID = -1
		}
	}
}

// accrue adds income and energy for dt frames at the current rates.
func (s *State) accrue(dt int) {
	if dt <= 0 {
		return
	}
	eco := &s.cat.Economy
	s.MineralsMilli += int64(s.MineralWorkers()) * int64(eco.MineralsPerWorkerFrameMilli) * int64(dt)
	s.GasMilli += int64(s.effectiveGasWorkers()) * int64(eco.GasPerWorkerFrameMilli) * int64(dt)

	for i := range s.Units {
		u := &s.Units[i]
		if u.Consumed || u.BuiltAt > s.Frame {
			continue
		}
		d := s.def(u.Type)
		if d == nil || d.MaxEnergy == 0 {
			continue
		}
		u.EnergyMilli = min(u.EnergyMilli+eco.EnergyRegenFrameMilli*dt, d.MaxEnergy*1000)
	}
}

// WhenCanPerform returns the earliest frame at which action id could be started.
func (s *State) WhenCanPerform(id catalogs.ActionID) (int, error) {
	c := s.Clone()
	if err := c.waitFor(id); err != nil {
		return 0, err
	}
	return c.Frame, nil
}

// DoAction waits until action id is legal and starts it. On error the state is untouched.
func (s *State) DoAction(id catalogs.ActionID) error {
	c := s.Clone()
	if err := c.waitFor(id); err != nil {
		return err
	}
	if err := c.ApplyAction(id); err != nil {
		return err
	}
	*s = *c
	return nil
}

func (s *State) waitFor(id catalogs.ActionID) error {
	def, err := s.produceDef(id)
	if err != nil {
		return err
	}
	if err := s.reachable(def); err != nil {
		return err
	}
	for range maxWaitSteps {
		err := s.canStart(def)
		if err == nil && s.freeProducer(def) >= 0 {
			return nil
		}
		if errors.Is(err, ErrAlreadyResearched) {
			return err
		}
		wake := s.nextEvent()
		if errors.Is(err, ErrInsufficientResources) {
			wake = min(wake, s.affordableAt(def.MineralCost, def.GasCost))
		}
		if wake == noEvent {
			return fmt.Errorf("%s at frame %d: %w", def.Name, s.Frame, ErrUnreachable)
		}
		s.FastForward(wake)
	}
	return fmt.Errorf("%s: wait exceeded %d steps: %w", def.Name, maxWaitSteps, ErrUnreachable)
}

// reachable rejects actions no sequence of future events can make legal.
func (s *State) reachable(def *catalogs.ActionDef) error {
	if def.Race != s.Race {
		return fmt.Errorf("%s is %s, state is %s: %w", def.Name, def.Race, s.Race, ErrUnreachable)
	}
	if len(def.Producers) == 0 {
		return fmt.Errorf("%s has no producer: %w", def.Name, ErrUnreachable)
	}
	hasProducer := false
	for _, p := range def.Producers {
		if s.HasType(p) {
			hasProducer = true
			break
		}
	}
	if !hasProducer {
		return fmt.Errorf("%s: %w: %w", def.Name, ErrNoBuilder, ErrUnreachable)
	}
	for _, p := range def.Prereqs {
		if !s.HasType(p) {
			return fmt.Errorf("%s needs %s: %w: %w", def.Name, s.cat.Name(p), ErrMissingPrerequisite, ErrUnreachable)
		}
	}
	if def.IsUpgrade() && s.HasType(def.ID) {
		return fmt.Errorf("%s: %w", def.Name, ErrAlreadyResearched)
	}
	if def.SupplyCost > 0 && s.Supply+def.SupplyCost > s.cat.Economy.MaxSupply {
		return fmt.Errorf("%s: %w: %w", def.Name, ErrSupplyBlocked, ErrUnreachable)
	}
	if def.GasCost > 0 && s.GasMilli < int64(def.GasCost)*1000 && !s.HasType(s.cat.Refinery(s.Race)) {
		return fmt.Errorf("%s needs gas income: %w: %w", def.Name, ErrInsufficientResources, ErrUnreachable)
	}
	return nil
}

// affordableAt is the frame at which current income covers the given cost, or noEvent.
func (s *State) affordableAt(minerals, gas int) int {
	eco := &s.cat.Economy
	wait := 0
	if need := int64(minerals)*1000 - s.MineralsMilli; need > 0 {
		rate := int64(s.MineralWorkers()) * int64(eco.MineralsPerWorkerFrameMilli)
		if rate == 0 {
			return noEvent
		}
		wait = max(wait, int((need+rate-1)/rate))
	}
	if need := int64(gas)*1000 - s.GasMilli; need > 0 {
		rate := int64(s.effectiveGasWorkers()) * int64(eco.GasPerWorkerFrameMilli)
		if rate == 0 {
			return noEvent
		}
		wait = max(wait, int((need+rate-1)/rate))
	}
	return s.Frame + max(wait, 1)
}

// WhenCanCast returns the earliest frame at which ability id could be cast on target.
func (s *State) WhenCanCast(id catalogs.ActionID, target int) (int, error) {
	c := s.Clone()
	if err := c.waitForCast(id, target); err != nil {
		return 0, err
	}
	return c.Frame, nil
}

// DoAbility waits for caster energy and casts. The target's production must still be running then.
func (s *State) DoAbility(id catalogs.ActionID, target int) error {
	c := s.Clone()
	if err := c.waitForCast(id, target); err != nil {
		return err
	}
	if err := c.ApplyAbility(id, target); err != nil {
		return err
	}
	*s = *c
	return nil
}

func (s *State) waitForCast(id catalogs.ActionID, target int) error {
	def, err := s.abilityDef(id)
	if err != nil {
		return err
	}
	if err := s.targetLegal(def, target); err != nil {
		return err
	}
	if s.readyCaster(def) >= 0 {
		return nil
	}
	wake := s.energyAt(def)
	if wake == noEvent {
		return fmt.Errorf("%s: no caster: %w", def.Name, ErrUnreachable)
	}
	if wake >= s.Units[target].FreeAt {
		return fmt.Errorf("%s: target %d finishes before energy: %w", def.Name, target, ErrUnreachable)
	}
	s.FastForward(wake)
	return s.targetLegal(def, target)
}

// energyAt is the first frame some caster of def holds enough energy.
func (s *State) energyAt(def *catalogs.ActionDef) int {
	regen := s.cat.Economy.EnergyRegenFrameMilli
	need := def.EnergyCost * 1000
	best := noEvent
	for i := range s.Units {
		u := &s.Units[i]
		if u.Consumed || !containsID(def.Producers, u.Type) {
			continue
		}
		cd := s.def(u.Type)
		if cd == nil || cd.MaxEnergy*1000 < need {
			continue
		}
		from := max(s.Frame, u.BuiltAt)
		at := from
		if short := need - u.EnergyMilli; short > 0 {
			if regen <= 0 {
				continue
			}
			at = from + (short+regen-1)/regen
		}
		best = min(best, at)
	}
	return best
}
