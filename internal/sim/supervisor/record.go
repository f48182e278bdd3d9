package supervisor

import (
	"time"

	"buildplan.ai/internal/sim/search"
)

// Recorder receives durable records. Implementations must not block for long;
// they are called on the main loop.
type Recorder interface {
	RecordSearch(SearchRecord)
	RecordTrigger(TriggerRecord)
}

type SearchRecord struct {
	Session       string
	Frame         int
	Results       int
	BestEval      float64
	UsefulEval    float64
	NodesVisited  int
	NodesExpanded int
	Elapsed       time.Duration
	Order         []string
}

type TriggerRecord struct {
	Session   string
	Frame     int
	Trigger   Trigger
	Policy    string
	Action    string
	Dropped   int
	Truncated bool
	QueueLen  int
	Queue     []string
}

func (m *Manager) recordSearch(results []search.Result) {
	if m.cfg.Recorder == nil || len(results) == 0 {
		return
	}
	best := results[search.SelectBest(results)]
	rec := SearchRecord{
		Session:    m.session,
		Results:    len(results),
		BestEval:   best.Eval,
		UsefulEval: best.UsefulEval,
		Order:      best.UsefulBuildOrder.Names(m.cat),
	}
	if m.params.InitialState != nil {
		rec.Frame = m.params.InitialState.Frame
	}
	for _, r := range results {
		rec.NodesVisited += r.NodesVisited
		rec.NodesExpanded += r.NodesExpanded
		rec.Elapsed += r.Elapsed
	}
	m.cfg.Recorder.RecordSearch(rec)
}

func (m *Manager) recordTrigger(t Tick, trigger Trigger, policy string, out Outcome) {
	if m.cfg.Recorder == nil {
		return
	}
	m.cfg.Recorder.RecordTrigger(TriggerRecord{
		Session:   m.session,
		Frame:     t.Obs.Frame,
		Trigger:   trigger,
		Policy:    policy,
		Action:    out.Action,
		Dropped:   out.Dropped,
		Truncated: out.Truncated,
		QueueLen:  m.queue.Len(),
		Queue:     m.queue.Names(m.cat),
	})
}

type multiRecorder []Recorder

// Recorders fans records out to every non-nil recorder.
func Recorders(rs ...Recorder) Recorder {
	var out multiRecorder
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (rs multiRecorder) RecordSearch(r SearchRecord) {
	for _, x := range rs {
		x.RecordSearch(r)
	}
}

func (rs multiRecorder) RecordTrigger(r TriggerRecord) {
	for _, x := range rs {
		x.RecordTrigger(r)
	}
}
