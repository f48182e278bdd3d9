// Package search runs a bounded Monte-Carlo tree search over build orders.
package search

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"buildplan.ai/internal/sim/abstract"
	"buildplan.ai/internal/sim/buildorder"
	"buildplan.ai/internal/sim/catalogs"
)

const (
	maxRolloutSteps  = 512
	supplySlackLimit = 8
)

// Params configures one search. InitialState is read, never written.
type Params struct {
	MaxActions        map[catalogs.ActionID]int
	Relevant          []catalogs.ActionID
	AlwaysMakeWorkers bool
	Opening           *buildorder.BuildOrder

	TimeLimit time.Duration
	NodeLimit int

	InitialState   *abstract.State
	EnemyHistogram map[catalogs.ActionID]int
	EnemyRace      catalogs.Race

	// FrameLimit bounds exploration; UsefulFrameLimit bounds what is reported as actionable.
	FrameLimit       int
	UsefulFrameLimit int

	Seed        int64
	Exploration float64
}

func (p *Params) Validate() error {
	if p.InitialState == nil || p.InitialState.Catalog() == nil {
		return errors.New("search: initial state with catalog required")
	}
	if p.TimeLimit <= 0 && p.NodeLimit <= 0 {
		return errors.New("search: time or node limit required")
	}
	if p.FrameLimit <= p.InitialState.Frame {
		return errors.New("search: frame limit must be after the initial frame")
	}
	if p.UsefulFrameLimit <= 0 || p.UsefulFrameLimit > p.FrameLimit {
		p.UsefulFrameLimit = p.FrameLimit
	}
	return nil
}

type Result struct {
	BuildOrder       *buildorder.BuildOrder
	UsefulBuildOrder *buildorder.BuildOrder
	Starts           []int

	Eval       float64
	UsefulEval float64

	Solved   bool
	TimedOut bool

	NodesVisited  int
	NodesExpanded int

	StartedAt time.Time
	Elapsed   time.Duration
}

type candidate struct {
	entry buildorder.Entry
	frame int
}

type node struct {
	parent   *node
	entry    buildorder.Entry
	children []*node

	untried []candidate
	ready   bool

	visits    int
	total     float64
	exhausted bool
}

type Engine struct {
	p    Params
	cat  *catalogs.Catalog
	eval *Evaluator
	rng  *rand.Rand

	worker         catalogs.ActionID
	supplyProvider catalogs.ActionID

	root          *abstract.State
	opening       []buildorder.Entry
	openingStarts []int

	bestValue  float64
	bestPath   []buildorder.Entry
	bestStarts []int
	maxValue   float64

	stop atomic.Bool

	mu     sync.Mutex
	result Result
}

func New(p Params) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	cat := p.InitialState.Catalog()
	race := p.InitialState.Race
	e := &Engine{
		p:              p,
		cat:            cat,
		eval:           NewEvaluator(cat, p.EnemyHistogram, p.InitialState.Frame, p.FrameLimit),
		rng:            rand.New(rand.NewSource(p.Seed)),
		worker:         cat.Worker(race),
		supplyProvider: cat.SupplyProvider(race),
		root:           p.InitialState.Clone(),
		bestValue:      math.Inf(-1),
	}
	if p.Opening != nil {
		for _, entry := range p.Opening.Entries {
			if err := buildorder.Step(e.root, entry); err != nil {
				break
			}
			e.opening = append(e.opening, entry)
			e.openingStarts = append(e.openingStarts, e.root.Frame)
		}
	}
	return e, nil
}

// RequestStop asks a running Search to return after its current iteration.
func (e *Engine) RequestStop() { e.stop.Store(true) }

// Results returns the latest result. Complete once Search has returned.
func (e *Engine) Results() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Search runs until the time or node budget is spent, the tree is exhausted, ctx is
// done or RequestStop is called.
func (e *Engine) Search(ctx context.Context) Result {
	res := Result{StartedAt: time.Now()}
	root := &node{}
	// At least one iteration always runs so a stopped search still reports a plan.
	for {
		if root.exhausted {
			res.Solved = true
			break
		}
		if res.NodesVisited > 0 {
			if e.stop.Load() || ctx.Err() != nil {
				res.TimedOut = true
				break
			}
			if e.p.TimeLimit > 0 && time.Since(res.StartedAt) >= e.p.TimeLimit {
				res.TimedOut = true
				break
			}
			if e.p.NodeLimit > 0 && res.NodesVisited >= e.p.NodeLimit {
				break
			}
		}
		e.iterate(root, &res)
	}
	e.finish(&res)

	e.mu.Lock()
	e.result = res
	e.mu.Unlock()
	return res
}

func (e *Engine) iterate(root *node, res *Result) {
	s := e.root.Clone()
	var path []buildorder.Entry
	var starts []int

	n := root
	for {
		res.NodesVisited++
		if !n.ready {
			n.untried = e.candidates(s)
			n.ready = true
		}
		if len(n.untried) > 0 {
			i := e.rng.Intn(len(n.untried))
			c := n.untried[i]
			n.untried = append(n.untried[:i], n.untried[i+1:]...)
			child := &node{parent: n, entry: c.entry}
			n.children = append(n.children, child)
			res.NodesExpanded++
			if err := buildorder.Step(s, c.entry); err != nil {
				child.exhausted = true
				propagateExhausted(n)
				return
			}
			path = append(path, c.entry)
			starts = append(starts, s.Frame)
			n = child
			break
		}
		if len(n.children) == 0 {
			n.exhausted = true
			break
		}
		next := e.selectChild(n)
		if next == nil {
			propagateExhausted(n)
			return
		}
		if err := buildorder.Step(s, next.entry); err != nil {
			next.exhausted = true
			propagateExhausted(n)
			return
		}
		path = append(path, next.entry)
		starts = append(starts, s.Frame)
		n = next
	}

	var value float64
	if n.exhausted {
		value = e.eval.Score(s)
	} else {
		value = e.rollout(s, &path, &starts)
	}
	for m := n; m != nil; m = m.parent {
		m.visits++
		m.total += value
	}
	if n.exhausted {
		propagateExhausted(n.parent)
	}

	e.maxValue = max(e.maxValue, value)
	if value > e.bestValue {
		e.bestValue = value
		e.bestPath = append(e.bestPath[:0], path...)
		e.bestStarts = append(e.bestStarts[:0], starts...)
	}
}

// propagateExhausted marks n and its ancestors exhausted while nothing is left below them.
func propagateExhausted(n *node) {
	for ; n != nil; n = n.parent {
		if !n.ready || len(n.untried) > 0 {
			return
		}
		for _, c := range n.children {
			if !c.exhausted {
				return
			}
		}
		n.exhausted = true
	}
}

// selectChild picks the open child with the highest UCT score.
func (e *Engine) selectChild(n *node) *node {
	logN := math.Log(float64(max(n.visits, 1)))
	var best *node
	bestScore := math.Inf(-1)
	for _, c := range n.children {
		if c.exhausted {
			continue
		}
		if c.visits == 0 {
			return c
		}
		q := c.total / float64(c.visits)
		if e.maxValue > 0 {
			q /= e.maxValue
		}
		u := q + e.p.Exploration*math.Sqrt(logN/float64(c.visits))
		if u > bestScore {
			best, bestScore = c, u
		}
	}
	return best
}

func (e *Engine) rollout(s *abstract.State, path *[]buildorder.Entry, starts *[]int) float64 {
	for range maxRolloutSteps {
		cands := e.candidates(s)
		if len(cands) == 0 {
			break
		}
		c := cands[e.rng.Intn(len(cands))]
		if err := buildorder.Step(s, c.entry); err != nil {
			break
		}
		*path = append(*path, c.entry)
		*starts = append(*starts, s.Frame)
	}
	return e.eval.Score(s)
}

// candidates lists the relevant actions that can start before the frame limit.
func (e *Engine) candidates(s *abstract.State) []candidate {
	var out []candidate
	workerIdx := -1
	for _, id := range e.p.Relevant {
		d := e.cat.Def(id)
		if d == nil {
			continue
		}
		if d.IsAbility() {
			if c, ok := e.castCandidate(s, id); ok {
				out = append(out, c)
			}
			continue
		}
		if limit, ok := e.p.MaxActions[id]; ok && s.CountOf(id) >= limit {
			continue
		}
		if id == e.supplyProvider && e.supplySlack(s) >= supplySlackLimit {
			continue
		}
		f, err := s.WhenCanPerform(id)
		if err != nil || f > e.p.FrameLimit {
			continue
		}
		if id == e.worker {
			workerIdx = len(out)
		}
		out = append(out, candidate{entry: buildorder.Produce{ID: id}, frame: f})
	}

	if e.p.AlwaysMakeWorkers && workerIdx >= 0 {
		w := out[workerIdx]
		first := true
		for i, c := range out {
			if i != workerIdx && c.frame < w.frame {
				first = false
				break
			}
		}
		if first {
			return []candidate{w}
		}
	}
	return out
}

// castCandidate binds ability id to the target it can reach soonest, lowest id on ties.
func (e *Engine) castCandidate(s *abstract.State, id catalogs.ActionID) (candidate, bool) {
	best := candidate{frame: math.MaxInt}
	found := false
	for _, t := range s.AbilityTargets(id) {
		f, err := s.WhenCanCast(id, t)
		if err != nil || f > e.p.FrameLimit || f >= best.frame {
			continue
		}
		u := &s.Units[t]
		best = candidate{
			entry: buildorder.Cast{ID: id, Target: buildorder.Target{
				UnitID:         t,
				UnitType:       u.Type,
				ProductionType: u.BuildType,
				CastFrame:      f,
			}},
			frame: f,
		}
		found = true
	}
	return best, found
}

// supplySlack is free supply once every provider already started has finished.
func (e *Engine) supplySlack(s *abstract.State) int {
	capacity := s.MaxSupply
	for i := range s.Units {
		u := &s.Units[i]
		if u.Consumed || u.BuiltAt <= s.Frame {
			continue
		}
		if d := e.cat.Def(u.Type); d != nil {
			capacity += d.SupplyProvided
		}
	}
	if capacity >= e.cat.Economy.MaxSupply {
		return math.MaxInt32
	}
	return capacity - s.Supply
}

func (e *Engine) finish(res *Result) {
	entries := append(append([]buildorder.Entry(nil), e.opening...), e.bestPath...)
	starts := append(append([]int(nil), e.openingStarts...), e.bestStarts...)

	res.BuildOrder = buildorder.New(entries...)
	res.Starts = starts
	if e.bestPath == nil && math.IsInf(e.bestValue, -1) {
		res.Eval = e.eval.Score(e.root)
	} else {
		res.Eval = e.bestValue
	}

	n := 0
	for n < len(starts) && starts[n] <= e.p.UsefulFrameLimit {
		n++
	}
	useful := buildorder.New(entries[:n]...)
	s := e.p.InitialState.Clone()
	for i, entry := range useful.Entries {
		if err := buildorder.Step(s, entry); err != nil {
			useful.Truncate(i)
			break
		}
	}
	res.UsefulBuildOrder = useful
	res.UsefulEval = e.eval.Score(s)
	res.Elapsed = time.Since(res.StartedAt)
}

// SelectBest returns the index of the result with strictly maximal UsefulEval,
// keeping the first on ties, or -1 for an empty list.
func SelectBest(results []Result) int {
	best := -1
	for i := range results {
		if best < 0 || results[i].UsefulEval > results[best].UsefulEval {
			best = i
		}
	}
	return best
}
