// Package supervisor owns the search lifecycle: it starts searches on a worker
// goroutine, collects their results and folds them into the executing build order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"buildplan.ai/internal/sim/abstract"
	"buildplan.ai/internal/sim/buildorder"
	"buildplan.ai/internal/sim/catalogs"
	"buildplan.ai/internal/sim/projector"
	"buildplan.ai/internal/sim/search"
	"buildplan.ai/internal/sim/tuning"
)

type State int32

const (
	Free State = iota
	Searching
	ExitSearch
	GettingResults
)

func (s State) String() string {
	switch s {
	case Free:
		return "Free"
	case Searching:
		return "Searching"
	case ExitSearch:
		return "ExitSearch"
	case GettingResults:
		return "GettingResults"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	ErrNoResults = errors.New("search finished without results")
	ErrClosed    = errors.New("supervisor closed")
)

type Config struct {
	Catalog   *catalogs.Catalog
	Tuning    tuning.Tuning
	Race      catalogs.Race
	EnemyRace catalogs.Race

	// Policy overrides Tuning.Reaction.
	Policy ReactionPolicy

	// Session names the manager in logs and records. Empty picks a random id.
	Session string

	Logger   *log.Logger
	Recorder Recorder

	// OnTransition is called synchronously on every state change.
	OnTransition func(from, to State)
}

type job struct {
	params search.Params
	ctx    context.Context
	reply  chan []search.Result
}

type Manager struct {
	cfg    Config
	cat    *catalogs.Catalog
	tun    tuning.Tuning
	policy ReactionPolicy
	logger *log.Logger

	session string

	state atomic.Int32

	jobs chan job
	done chan struct{}

	// Published by the worker while a search runs.
	engine    atomic.Pointer[search.Engine]
	iterStart atomic.Int64

	iterations atomic.Int64
	searches   atomic.Int64

	// Main-loop state. Only OnFrame and the methods it calls touch these.
	cancel      context.CancelFunc
	reply       chan []search.Result
	params      search.Params
	queue       *buildorder.BuildOrder
	future      *abstract.State
	bindings    projector.Bindings
	weights     []float64
	openingUsed bool
	latency     time.Duration
	fps         float64
	lastResults []search.Result
	lastStart   *abstract.State
	closed      bool

	mu    sync.Mutex
	debug string
}

func New(cfg Config) (*Manager, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("supervisor: catalog required")
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	policy := cfg.Policy
	if policy == nil {
		var err error
		if policy, err = PolicyByName(cfg.Tuning.Reaction); err != nil {
			return nil, err
		}
	}
	m := &Manager{
		cfg:     cfg,
		cat:     cfg.Catalog,
		tun:     cfg.Tuning,
		policy:  policy,
		logger:  cfg.Logger,
		session: cfg.Session,
		jobs:    make(chan job, 1),
		done:    make(chan struct{}),
		queue:   buildorder.New(),
		fps:     cfg.Catalog.Economy.FramesPerSecond,
	}
	if m.session == "" {
		m.session = uuid.NewString()
	}
	go m.worker()
	return m, nil
}

func (m *Manager) Session() string { return m.session }

func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) setState(to State) {
	from := State(m.state.Swap(int32(to)))
	if from != to && m.cfg.OnTransition != nil {
		m.cfg.OnTransition(from, to)
	}
}

func (m *Manager) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// worker runs jobs one at a time. Each job keeps restarting fresh engines until
// its context is cancelled and always runs at least one search.
func (m *Manager) worker() {
	defer close(m.done)
	for j := range m.jobs {
		var results []search.Result
		for i := 0; ; i++ {
			p := j.params
			p.Seed += int64(i)
			eng, err := search.New(p)
			if err != nil {
				m.printf("search: session=%s err=%v", m.session, err)
				break
			}
			m.iterStart.Store(time.Now().UnixNano())
			m.engine.Store(eng)
			results = append(results, eng.Search(j.ctx))
			m.engine.Store(nil)
			m.iterations.Add(1)
			if j.ctx.Err() != nil {
				break
			}
		}
		j.reply <- results
	}
}

// StartSearch hands p to the worker. The manager must be Free.
func (m *Manager) StartSearch(p search.Params) error {
	if m.closed {
		return ErrClosed
	}
	if st := m.State(); st != Free {
		return fmt.Errorf("start search in state %s", st)
	}
	ctx, cancel := context.WithCancel(context.Background())
	reply := make(chan []search.Result, 1)
	m.cancel, m.reply, m.params = cancel, reply, p
	m.searches.Add(1)
	m.setState(Searching)
	m.jobs <- job{params: p, ctx: ctx, reply: reply}
	return nil
}

// FinishSearch stops the running search and blocks until the worker hands back
// every result of the job. It returns nil when no search is running.
func (m *Manager) FinishSearch() []search.Result {
	if m.State() != Searching {
		return nil
	}
	m.setState(ExitSearch)
	m.cancel()
	if eng := m.engine.Load(); eng != nil {
		eng.RequestStop()
	}
	results := <-m.reply
	m.cancel, m.reply = nil, nil
	m.setState(Free)

	for _, r := range results {
		if m.latency == 0 {
			m.latency = r.Elapsed
		} else {
			m.latency = (m.latency*4 + r.Elapsed) / 5
		}
	}
	m.lastResults = results
	m.lastStart = m.params.InitialState
	m.recordSearch(results)
	return results
}

// searchProgress is the fraction of the time budget the current engine has used.
func (m *Manager) searchProgress() float64 {
	if m.State() != Searching || m.params.TimeLimit <= 0 {
		return 0
	}
	started := m.iterStart.Load()
	if started == 0 {
		return 0
	}
	return float64(time.Now().UnixNano()-started) / float64(m.params.TimeLimit)
}

// Close stops the worker. The manager cannot be used afterwards.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.FinishSearch()
	m.closed = true
	close(m.jobs)
	<-m.done
}

type Stats struct {
	Searches   int64
	Iterations int64
}

func (m *Manager) Stats() Stats {
	return Stats{Searches: m.searches.Load(), Iterations: m.iterations.Load()}
}

// Future returns copies of the projected state after the queue and of the queue
// itself. The state is nil before the first frame.
func (m *Manager) Future() (*abstract.State, *buildorder.BuildOrder) {
	if m.future == nil {
		return nil, m.queue.Clone()
	}
	return m.future.Clone(), m.queue.Clone()
}

// LastSearch returns the starting state of the most recent finished search and
// its best useful build order.
func (m *Manager) LastSearch() (*abstract.State, *buildorder.BuildOrder, bool) {
	best := search.SelectBest(m.lastResults)
	if best < 0 || m.lastStart == nil {
		return nil, nil, false
	}
	return m.lastStart.Clone(), m.lastResults[best].UsefulBuildOrder.Clone(), true
}
