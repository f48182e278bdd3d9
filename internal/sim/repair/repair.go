// Package repair re-validates a build order against a fresh state, rebinding
// ability targets and dropping what no longer applies.
package repair

import (
	"buildplan.ai/internal/sim/abstract"
	"buildplan.ai/internal/sim/buildorder"
	"buildplan.ai/internal/sim/catalogs"
)

const DefaultStepLimit = 1 << 16

type Options struct {
	// StepLimit bounds forward steps plus candidate attempts. 0 means DefaultStepLimit.
	StepLimit int
	// Horizon stops the walk at the first entry that would start after this frame. 0 disables it.
	Horizon int
}

type Outcome struct {
	// Order is bo[:from] followed by the repaired suffix.
	Order *buildorder.BuildOrder
	// State is the input state after every repaired suffix entry has started.
	State *abstract.State
	// Starts holds the start frame of each repaired suffix entry.
	Starts []int

	Repaired  bool
	Truncated bool
	Cut       bool
	Dropped   int
	Steps     int
}

type choice struct {
	at         int
	cast       buildorder.Cast
	state      *abstract.State
	kept       int
	candidates []int
	next       int
}

type walker struct {
	suffix []buildorder.Entry
	opts   Options

	s      *abstract.State
	kept   []buildorder.Entry
	starts []int
	stack  []choice
	i      int
	steps  int
	cut    bool
}

// Repair walks bo from index from against s, which must already reflect bo[:from].
// Plain actions that cannot be performed are dropped. A cast whose target type is
// gone is dropped; otherwise each eligible target is tried in turn, the recorded
// one first, and a cast with no workable target backtracks to the previous cast.
// If nothing works the suffix is cut before its first cast.
func Repair(s *abstract.State, bo *buildorder.BuildOrder, from int, opts Options) Outcome {
	if opts.StepLimit <= 0 {
		opts.StepLimit = DefaultStepLimit
	}
	from = min(max(from, 0), bo.Len())
	prefix := bo.Entries[:from]
	suffix := bo.Entries[from:]

	w := newWalker(s, suffix, opts)
	ok := w.run()
	out := Outcome{Repaired: ok, Steps: w.steps}
	truncated := 0
	if !ok {
		first := buildorder.New(suffix...).IndexOfFirstAbility(0)
		if first < 0 {
			first = len(suffix)
		}
		w = newWalker(s, suffix[:first], opts)
		truncated = len(suffix) - first
		if !w.run() {
			truncated += first - w.i
		}
		out.Truncated = true
		out.Steps += w.steps
	}

	out.Order = buildorder.New(prefix...)
	out.Order.Append(w.kept...)
	out.State = w.s
	out.Starts = w.starts
	out.Cut = w.cut
	// Entries past a horizon cut are not counted; the truncated tail is.
	out.Dropped = w.i - len(w.kept) + truncated
	return out
}

func newWalker(s *abstract.State, suffix []buildorder.Entry, opts Options) *walker {
	return &walker{suffix: suffix, opts: opts, s: s.Clone()}
}

func (w *walker) run() bool {
	for w.i < len(w.suffix) {
		if w.steps++; w.steps > w.opts.StepLimit {
			return false
		}
		switch e := w.suffix[w.i].(type) {
		case buildorder.Produce:
			next := w.s.Clone()
			if err := next.DoAction(e.ID); err != nil {
				w.i++
				continue
			}
			if w.pastHorizon(next) {
				return true
			}
			w.accept(next, e)
			w.i++
		case buildorder.Cast:
			if !w.s.HasType(e.Target.UnitType) {
				w.i++
				continue
			}
			w.stack = append(w.stack, choice{
				at:         w.i,
				cast:       e,
				state:      w.s,
				kept:       len(w.kept),
				candidates: candidates(w.s, e),
			})
			if !w.advance() {
				return false
			}
		default:
			w.i++
		}
		if w.cut {
			return true
		}
	}
	return true
}

// advance binds the next candidate on the top choice, backtracking through
// older choices when one runs out. It returns false once the stack is empty.
func (w *walker) advance() bool {
	for len(w.stack) > 0 {
		top := &w.stack[len(w.stack)-1]
		for top.next < len(top.candidates) {
			if w.steps++; w.steps > w.opts.StepLimit {
				return false
			}
			t := top.candidates[top.next]
			top.next++
			next := top.state.Clone()
			if err := next.DoAbility(top.cast.ID, t); err != nil {
				continue
			}
			w.kept = w.kept[:top.kept]
			w.starts = w.starts[:top.kept]
			w.s = top.state
			w.cut = false
			if w.pastHorizon(next) {
				w.i = top.at
				return true
			}
			u := &top.state.Units[t]
			w.accept(next, buildorder.Cast{ID: top.cast.ID, Target: buildorder.Target{
				UnitID:         t,
				UnitType:       u.Type,
				ProductionType: u.BuildType,
				CastFrame:      next.Frame,
			}})
			w.i = top.at + 1
			return true
		}
		w.stack = w.stack[:len(w.stack)-1]
	}
	return false
}

func (w *walker) pastHorizon(next *abstract.State) bool {
	if w.opts.Horizon > 0 && next.Frame > w.opts.Horizon {
		w.cut = true
		return true
	}
	return false
}

func (w *walker) accept(next *abstract.State, e buildorder.Entry) {
	w.s = next
	w.kept = append(w.kept, e)
	w.starts = append(w.starts, next.Frame)
}

// candidates lists eligible targets for c: the recorded target first, then the
// rest in id order. Targets must match the recorded unit type and, when one was
// recorded, the production in progress.
func candidates(s *abstract.State, c buildorder.Cast) []int {
	legal := s.AbilityTargets(c.ID)
	out := make([]int, 0, len(legal))
	match := func(t int) bool {
		u := &s.Units[t]
		if u.Type != c.Target.UnitType {
			return false
		}
		return c.Target.ProductionType == catalogs.NoAction || u.BuildType == c.Target.ProductionType
	}
	for _, t := range legal {
		if t == c.Target.UnitID && match(t) {
			out = append(out, t)
		}
	}
	for _, t := range legal {
		if t != c.Target.UnitID && match(t) {
			out = append(out, t)
		}
	}
	return out
}
