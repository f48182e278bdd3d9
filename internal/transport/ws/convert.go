package ws

import (
	"buildplan.ai/internal/protocol"
	"buildplan.ai/internal/sim/buildorder"
	"buildplan.ai/internal/sim/catalogs"
	"buildplan.ai/internal/sim/projector"
	"buildplan.ai/internal/sim/supervisor"
)

func toTick(race catalogs.Race, msg protocol.ObsMsg) supervisor.Tick {
	obs := projector.Observation{
		Race:        race,
		Frame:       msg.Frame,
		Minerals:    msg.Minerals,
		Gas:         msg.Gas,
		Supply:      msg.Supply,
		MaxSupply:   msg.MaxSupply,
		WorkerCount: msg.WorkerCount,
		GasWorkers:  msg.GasWorkers,
		Upgrades:    msg.Upgrades,
		Units:       make([]projector.LiveUnit, 0, len(msg.Units)),
	}
	for _, u := range msg.Units {
		lu := projector.LiveUnit{
			Tag:              u.Tag,
			Type:             u.Type,
			Completed:        u.Completed,
			BeingConstructed: u.BeingConstructed,
			Progress:         u.Progress,
			Training:         u.Training,
			TrainingType:     u.TrainingType,
			Energy:           u.Energy,
			BoostFrames:      u.BoostFrames,
		}
		for _, o := range u.Orders {
			lu.Orders = append(lu.Orders, projector.Order{Produces: o.Produces, TargetTag: o.TargetTag, Progress: o.Progress})
		}
		obs.Units = append(obs.Units, lu)
	}

	t := supervisor.Tick{Obs: obs, FPS: msg.FPS, Issued: msg.Issued}
	for _, d := range msg.Dead {
		t.Dead = append(t.Dead, supervisor.DeadUnit{Tag: d.Tag, Type: d.Type})
	}
	if len(msg.Enemies) > 0 {
		t.Enemies = make(map[string]int, len(msg.Enemies))
		for _, e := range msg.Enemies {
			t.Enemies[e.Type] += e.Count
		}
	}
	return t
}

func toPlanMsg(cat *catalogs.Catalog, p supervisor.Plan, debug string) protocol.PlanMsg {
	msg := protocol.PlanMsg{
		Type:            protocol.TypePlan,
		ProtocolVersion: protocol.Version,
		Frame:           p.Frame,
		State:           p.State.String(),
		Trigger:         string(p.Trigger),
		Entries:         make([]protocol.PlanEntry, 0, p.Order.Len()),
		Debug:           debug,
	}
	if p.Order == nil {
		return msg
	}
	for _, e := range p.Order.Entries {
		def := cat.Def(e.Action())
		pe := protocol.PlanEntry{Action: def.Name, Kind: string(def.Kind)}
		if c, ok := e.(buildorder.Cast); ok {
			if tag, ok := p.Bindings.Tag(c.Target.UnitID); ok {
				pe.TargetTag = &tag
			}
			if c.Target.UnitType != catalogs.NoAction {
				pe.TargetType = cat.Name(c.Target.UnitType)
			}
			if c.Target.ProductionType != catalogs.NoAction {
				pe.ProductionType = cat.Name(c.Target.ProductionType)
			}
		}
		msg.Entries = append(msg.Entries, pe)
	}
	return msg
}
