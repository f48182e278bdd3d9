package search

import (
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"buildplan.ai/internal/sim/abstract"
	"buildplan.ai/internal/sim/catalogs"
)

// bonusWeight is the extra weight per matching bonus attribute at full enemy share.
const bonusWeight = 0.5

// economyWeight scales the value of non-combat units so tech and workers still count.
const economyWeight = 0.1

var weightCache *lru.Cache[string, []float64]

func init() {
	var err error
	weightCache, err = lru.New[string, []float64](256)
	if err != nil {
		panic(err)
	}
}

// Weights returns the per-type value multiplier for our combat units against an enemy
// composition. The slice is shared; callers must not modify it.
func Weights(cat *catalogs.Catalog, enemies map[catalogs.ActionID]int) []float64 {
	key := histogramKey(cat, enemies)
	if w, ok := weightCache.Get(key); ok {
		return w
	}

	total := 0
	for _, n := range enemies {
		total += max(n, 0)
	}
	w := make([]float64, len(cat.Defs))
	for i := range cat.Defs {
		d := &cat.Defs[i]
		if !d.Combat {
			continue
		}
		w[i] = 1
		if total == 0 {
			continue
		}
		for eid, n := range enemies {
			ed := cat.Def(eid)
			if ed == nil || n <= 0 {
				continue
			}
			matches := 0
			for _, b := range d.BonusVs {
				if ed.HasAttribute(b) {
					matches++
				}
			}
			w[i] += float64(n) / float64(total) * float64(matches) * bonusWeight
		}
	}
	weightCache.Add(key, w)
	return w
}

// WeightsDiffer reports whether any weight moved by more than eps.
func WeightsDiffer(a, b []float64, eps float64) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		d := a[i] - b[i]
		if d > eps || d < -eps {
			return true
		}
	}
	return false
}

func histogramKey(cat *catalogs.Catalog, enemies map[catalogs.ActionID]int) string {
	ids := make([]int, 0, len(enemies))
	for id, n := range enemies {
		if n > 0 {
			ids = append(ids, int(id))
		}
	}
	sort.Ints(ids)
	var b strings.Builder
	b.WriteString(cat.PaletteDigest)
	for _, id := range ids {
		fmt.Fprintf(&b, "|%d:%d", id, enemies[catalogs.ActionID(id)])
	}
	return b.String()
}

// Evaluator scores a state at the search horizon.
type Evaluator struct {
	cat     *catalogs.Catalog
	weights []float64
	start   int
	limit   int
}

func NewEvaluator(cat *catalogs.Catalog, enemies map[catalogs.ActionID]int, start, limit int) *Evaluator {
	return &Evaluator{cat: cat, weights: Weights(cat, enemies), start: start, limit: limit}
}

// Score values every unit finished by the horizon, whatever frame s has reached.
// Combat units earn their weighted value plus a bonus for finishing early; other
// units count at economyWeight.
func (e *Evaluator) Score(s *abstract.State) float64 {
	span := float64(max(1, e.limit-e.start))
	score := 0.0
	for i := range s.Units {
		u := &s.Units[i]
		if u.Consumed || u.BuiltAt > e.limit {
			continue
		}
		d := e.cat.Def(u.Type)
		if d == nil || d.IsAbility() {
			continue
		}
		if !d.Combat {
			score += economyWeight * d.Value()
			continue
		}
		early := float64(e.limit-max(u.BuiltAt, e.start)) / span
		score += e.weights[u.Type] * d.Value() * (1 + early)
	}
	return score
}
