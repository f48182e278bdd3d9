package main

import (
	"fmt"

	"buildplan.ai/internal/protocol"
	"buildplan.ai/internal/sim/abstract"
	"buildplan.ai/internal/sim/catalogs"
)

// game is the bot's stand-in for a real match. Unit i carries tag tagBase+i.
type game struct {
	cat *catalogs.Catalog
	s   *abstract.State
}

func newGame(cat *catalogs.Catalog, race catalogs.Race) (*game, error) {
	base, worker := cat.Base(race), cat.Worker(race)
	if base == catalogs.NoAction || worker == catalogs.NoAction {
		return nil, fmt.Errorf("race %s has no base or worker", race)
	}
	s := abstract.New(cat, race, 0)
	s.AddCompleted(base)
	for range 12 {
		s.AddCompleted(worker)
	}
	s.SetMinerals(50)
	s.Supply = 12 * cat.Def(worker).SupplyCost
	s.MaxSupply = cat.Def(base).SupplyProvided
	return &game{cat: cat, s: s}, nil
}

func tagOf(i int) uint64 { return uint64(tagBase + i) }

func (g *game) observe() protocol.ObsMsg {
	s := g.s
	obs := protocol.ObsMsg{
		Type:            protocol.TypeObs,
		ProtocolVersion: protocol.Version,
		Frame:           s.Frame,
		Minerals:        s.Minerals(),
		Gas:             s.Gas(),
		Supply:          s.Supply,
		MaxSupply:       s.MaxSupply,
		WorkerCount:     s.WorkerCount(),
		GasWorkers:      s.GasWorkers,
		Units:           []protocol.UnitObs{},
		FPS:             22.4,
	}
	for i := range s.Units {
		u := &s.Units[i]
		if u.Consumed {
			continue
		}
		def := g.cat.Def(u.Type)
		if def.Kind == catalogs.KindUpgrade {
			if s.IsComplete(i) {
				obs.Upgrades = append(obs.Upgrades, def.Name)
			}
			continue
		}
		if !s.IsComplete(i) {
			// Trained units show up on their producer; only structures are visible while in progress.
			if def.Kind == catalogs.KindBuilding {
				obs.Units = append(obs.Units, protocol.UnitObs{
					Tag:              tagOf(i),
					Type:             def.Name,
					BeingConstructed: true,
					Progress:         progress(def.BuildFrames, s.TimeUntilBuilt(i)),
				})
			}
			continue
		}

		uo := protocol.UnitObs{
			Tag:       tagOf(i),
			Type:      def.Name,
			Completed: true,
			Energy:    float64(u.EnergyMilli) / 1000,
		}
		if u.BoostedUntil > s.Frame {
			uo.BoostFrames = u.BoostedUntil - s.Frame
		}
		if t, product, ok := s.CurrentBuild(i); ok && product >= 0 {
			pdef := g.cat.Def(t)
			if pdef.Kind == catalogs.KindBuilding {
				uo.Orders = []protocol.OrderObs{{Produces: pdef.Name, TargetTag: tagOf(product)}}
			} else {
				uo.Training = true
				uo.TrainingType = pdef.Name
				uo.Orders = []protocol.OrderObs{{Produces: pdef.Name, Progress: progress(pdef.BuildFrames, s.TimeUntilBuilt(product))}}
			}
		}
		obs.Units = append(obs.Units, uo)
	}
	return obs
}

func progress(total, left int) float64 {
	if total <= 0 {
		return 1
	}
	return 1 - float64(left)/float64(total)
}

// issue starts plan entries in order until one is not legal yet and returns how many started.
func (g *game) issue(entries []protocol.PlanEntry) int {
	n := 0
	for _, e := range entries {
		id, ok := g.cat.ID(e.Action)
		if !ok {
			break
		}
		var err error
		if g.cat.Def(id).Kind == catalogs.KindAbility {
			if e.TargetTag == nil || *e.TargetTag < tagBase {
				break
			}
			err = g.s.ApplyAbility(id, int(*e.TargetTag-tagBase))
		} else {
			err = g.s.ApplyAction(id)
		}
		if err != nil {
			break
		}
		n++
	}
	return n
}
