// Package buildorder holds the ordered plan the supervisor hands to the bridge.
package buildorder

import (
	"fmt"

	"buildplan.ai/internal/sim/abstract"
	"buildplan.ai/internal/sim/catalogs"
)

// Entry is either a Produce or a Cast.
type Entry interface {
	Action() catalogs.ActionID
	isEntry()
}

// Produce starts a unit, building or upgrade.
type Produce struct {
	ID catalogs.ActionID
}

func (p Produce) Action() catalogs.ActionID { return p.ID }
func (Produce) isEntry()                    {}

// Target records the unit an ability was bound to when the plan was made.
type Target struct {
	UnitID         int
	UnitType       catalogs.ActionID
	ProductionType catalogs.ActionID
	CastFrame      int
}

// Cast uses an ability on a target.
type Cast struct {
	ID     catalogs.ActionID
	Target Target
}

func (c Cast) Action() catalogs.ActionID { return c.ID }
func (Cast) isEntry()                    {}

type BuildOrder struct {
	Entries []Entry
}

func New(entries ...Entry) *BuildOrder {
	return &BuildOrder{Entries: append([]Entry(nil), entries...)}
}

func (b *BuildOrder) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Entries)
}

func (b *BuildOrder) At(i int) Entry { return b.Entries[i] }

func (b *BuildOrder) Append(e ...Entry) { b.Entries = append(b.Entries, e...) }

func (b *BuildOrder) RemoveAt(i int) {
	if i < 0 || i >= len(b.Entries) {
		return
	}
	b.Entries = append(b.Entries[:i], b.Entries[i+1:]...)
}

// Truncate keeps the first n entries.
func (b *BuildOrder) Truncate(n int) {
	if n < len(b.Entries) {
		b.Entries = b.Entries[:max(n, 0)]
	}
}

// Drop removes the first n entries, the ones already issued to the engine.
func (b *BuildOrder) Drop(n int) {
	n = min(max(n, 0), len(b.Entries))
	b.Entries = append([]Entry(nil), b.Entries[n:]...)
}

func (b *BuildOrder) Clone() *BuildOrder {
	if b == nil {
		return New()
	}
	return New(b.Entries...)
}

// IndexOfFirstAbility returns the index of the first Cast at or after from, or -1.
func (b *BuildOrder) IndexOfFirstAbility(from int) int {
	for i := max(from, 0); i < len(b.Entries); i++ {
		if _, ok := b.Entries[i].(Cast); ok {
			return i
		}
	}
	return -1
}

// Replay runs every entry against s in order, waiting as needed, and returns the
// start frame of each entry. s is advanced only on success.
func (b *BuildOrder) Replay(s *abstract.State) ([]int, error) {
	work := s.Clone()
	starts := make([]int, 0, len(b.Entries))
	for i, e := range b.Entries {
		if err := Step(work, e); err != nil {
			return starts, fmt.Errorf("entry %d (%s): %w", i, work.Catalog().Name(e.Action()), err)
		}
		starts = append(starts, work.Frame)
	}
	*s = *work
	return starts, nil
}

// Step applies one entry with waiting.
func Step(s *abstract.State, e Entry) error {
	switch e := e.(type) {
	case Produce:
		return s.DoAction(e.ID)
	case Cast:
		return s.DoAbility(e.ID, e.Target.UnitID)
	default:
		return fmt.Errorf("unknown entry %T", e)
	}
}

func (b *BuildOrder) Names(cat *catalogs.Catalog) []string {
	out := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		out[i] = cat.Name(e.Action())
	}
	return out
}

// Wire is the JSON form used by logs and snapshots.
type Wire struct {
	Action         string `json:"action"`
	TargetID       *int   `json:"target_id,omitempty"`
	TargetType     string `json:"target_type,omitempty"`
	ProductionType string `json:"production_type,omitempty"`
	CastFrame      int    `json:"cast_frame,omitempty"`
}

func (b *BuildOrder) Encode(cat *catalogs.Catalog) []Wire {
	out := make([]Wire, len(b.Entries))
	for i, e := range b.Entries {
		w := Wire{Action: cat.Name(e.Action())}
		if c, ok := e.(Cast); ok {
			id := c.Target.UnitID
			w.TargetID = &id
			w.TargetType = cat.Name(c.Target.UnitType)
			w.ProductionType = cat.Name(c.Target.ProductionType)
			w.CastFrame = c.Target.CastFrame
		}
		out[i] = w
	}
	return out
}

func Decode(cat *catalogs.Catalog, in []Wire) (*BuildOrder, error) {
	b := New()
	for i, w := range in {
		id, ok := cat.ID(w.Action)
		if !ok {
			return nil, fmt.Errorf("entry %d: unknown action %q", i, w.Action)
		}
		if !cat.Def(id).IsAbility() {
			b.Append(Produce{ID: id})
			continue
		}
		if w.TargetID == nil {
			return nil, fmt.Errorf("entry %d: %s without target", i, w.Action)
		}
		c := Cast{ID: id, Target: Target{
			UnitID:         *w.TargetID,
			UnitType:       lookup(cat, w.TargetType),
			ProductionType: lookup(cat, w.ProductionType),
			CastFrame:      w.CastFrame,
		}}
		b.Append(c)
	}
	return b, nil
}

func lookup(cat *catalogs.Catalog, name string) catalogs.ActionID {
	if id, ok := cat.ID(name); ok {
		return id
	}
	return catalogs.NoAction
}
