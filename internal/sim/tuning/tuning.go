package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	// Planning window, in game frames.
	PlanningHorizonFrames int     `yaml:"planning_horizon_frames"`
	UseWindowFraction     float64 `yaml:"use_window_fraction"`
	FastHorizonFraction   float64 `yaml:"fast_horizon_fraction"`
	MediumHorizonFrames   int     `yaml:"medium_horizon_frames"`

	EnemyUnitsBeforeReacting int    `yaml:"enemy_units_before_reacting"`
	Reaction                 string `yaml:"reaction"`

	Search Search `yaml:"search"`

	Races map[string]RacePlan `yaml:"races"`
}

type Search struct {
	TimeLimitMs       int     `yaml:"time_limit_ms"`
	NodeLimit         int     `yaml:"node_limit"`
	Exploration       float64 `yaml:"exploration"`
	AlwaysMakeWorkers bool    `yaml:"always_make_workers"`
	Seed              int64   `yaml:"seed"`
	RepairStepLimit   int     `yaml:"repair_step_limit"`
}

func (s Search) TimeLimit() time.Duration {
	return time.Duration(s.TimeLimitMs) * time.Millisecond
}

// RacePlan holds the static per-race opening book data.
type RacePlan struct {
	MaxActions      map[string]int `yaml:"max_actions"`
	RelevantActions []string       `yaml:"relevant_actions"`
	Opening         []string       `yaml:"opening"`
}

const (
	ReactionFast   = "fast"
	ReactionMedium = "medium"
	ReactionSlow   = "slow"
)

func Defaults() Tuning {
	return Tuning{
		PlanningHorizonFrames:    6720,
		UseWindowFraction:        0.5,
		FastHorizonFraction:      0.25,
		MediumHorizonFrames:      1344,
		EnemyUnitsBeforeReacting: 3,
		Reaction:                 ReactionFast,
		Search: Search{
			TimeLimitMs:       3000,
			NodeLimit:         20000,
			Exploration:       1.41,
			AlwaysMakeWorkers: true,
			Seed:              1337,
			RepairStepLimit:   1 << 16,
		},
		Races: map[string]RacePlan{},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t *Tuning) Validate() error {
	if t.PlanningHorizonFrames <= 0 {
		return fmt.Errorf("planning_horizon_frames must be > 0")
	}
	if t.UseWindowFraction <= 0 || t.UseWindowFraction > 1 {
		return fmt.Errorf("use_window_fraction must be in (0,1]")
	}
	if t.FastHorizonFraction <= 0 || t.FastHorizonFraction > 1 {
		return fmt.Errorf("fast_horizon_fraction must be in (0,1]")
	}
	if t.MediumHorizonFrames < 0 {
		return fmt.Errorf("medium_horizon_frames must be >= 0")
	}
	if t.EnemyUnitsBeforeReacting < 1 {
		return fmt.Errorf("enemy_units_before_reacting must be >= 1")
	}
	switch t.Reaction {
	case ReactionFast, ReactionMedium, ReactionSlow:
	default:
		return fmt.Errorf("unknown reaction %q", t.Reaction)
	}
	if t.Search.TimeLimitMs <= 0 && t.Search.NodeLimit <= 0 {
		return fmt.Errorf("search needs a time_limit_ms or node_limit")
	}
	if t.Search.RepairStepLimit <= 0 {
		t.Search.RepairStepLimit = 1 << 16
	}
	return nil
}

// UseWindowFrames is how far past the plan start a single search's output is trusted.
func (t Tuning) UseWindowFrames() int {
	return int(float64(t.PlanningHorizonFrames) * t.UseWindowFraction)
}

func (t Tuning) FastHorizonFrames() int {
	return int(float64(t.PlanningHorizonFrames) * t.FastHorizonFraction)
}
