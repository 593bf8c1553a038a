package engine

import (
	"context"
	"sync"

	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

// memStore is an in-memory RunStore for tests.
type memStore struct {
	mu       sync.Mutex
	runs     map[pipeline.RunID]*RunSnapshot
	outcomes map[pipeline.RunID][]NodeOutcome
	order    []pipeline.RunID
	held     map[pipeline.WorkItemID]string

	failAppend bool
}

func newMemStore() *memStore {
	return &memStore{
		runs:     make(map[pipeline.RunID]*RunSnapshot),
		outcomes: make(map[pipeline.RunID][]NodeOutcome),
		held:     make(map[pipeline.WorkItemID]string),
	}
}

func (s *memStore) CreateRun(_ context.Context, run *RunSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.WorkItem == run.WorkItem && r.State.IsActive() {
			return ErrRunActive
		}
	}
	c := run.Clone()
	c.Outcomes = nil
	s.runs[run.ID] = c
	s.order = append(s.order, run.ID)
	return nil
}

func (s *memStore) SaveRun(_ context.Context, run *RunSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	c := run.Clone()
	c.Outcomes = nil
	s.runs[run.ID] = c
	return nil
}

func (s *memStore) AppendOutcome(_ context.Context, run pipeline.RunID, o NodeOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return context.DeadlineExceeded
	}
	if _, ok := s.runs[run]; !ok {
		return ErrRunNotFound
	}
	s.outcomes[run] = append(s.outcomes[run], o)
	return nil
}

func (s *memStore) load(id pipeline.RunID) *RunSnapshot {
	c := s.runs[id].Clone()
	c.Outcomes = append([]NodeOutcome(nil), s.outcomes[id]...)
	return c
}

func (s *memStore) GetRun(_ context.Context, run pipeline.RunID) (*RunSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run]; !ok {
		return nil, ErrRunNotFound
	}
	return s.load(run), nil
}

func (s *memStore) ActiveRun(_ context.Context, wi pipeline.WorkItemID) (*RunSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if r := s.runs[id]; r.WorkItem == wi && r.State.IsActive() {
			return s.load(id), nil
		}
	}
	return nil, ErrNoActiveRun
}

func (s *memStore) ListActiveRuns(_ context.Context) ([]*RunSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RunSnapshot
	for _, id := range s.order {
		if s.runs[id].State.IsActive() {
			out = append(out, s.load(id))
		}
	}
	return out, nil
}

func (s *memStore) GetWorkItem(_ context.Context, wi pipeline.WorkItemID) (*WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &WorkItem{ID: wi}
	for _, id := range s.order {
		r := s.runs[id]
		if r.WorkItem != wi {
			continue
		}
		runID := r.ID
		out.CurrentRun = &runID
		out.State = r.State
		out.Accumulated = out.Accumulated.Add(r.Accumulated)
	}
	if reason, ok := s.held[wi]; ok {
		out.Held = true
		out.HeldReason = reason
	}
	return out, nil
}

func (s *memStore) SetHeld(_ context.Context, wi pipeline.WorkItemID, held bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held {
		s.held[wi] = reason
	} else {
		delete(s.held, wi)
	}
	return nil
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (p *recordingPublisher) Publish(ev telemetry.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// mapResolver resolves capabilities from a fixed map.
type mapResolver map[string]Node

func (r mapResolver) Resolve(spec NodeSpec) (Node, error) {
	n, ok := r[spec.Capability]
	if !ok {
		return nil, pipeline.NewConfigurationError("unknown capability "+spec.Capability, nil).
			WithCode(pipeline.CodeCapabilityMissing)
	}
	return n, nil
}

// staticGuards evaluates guard expressions from a lookup table.
type staticGuards map[string]bool

func (g staticGuards) EvaluateGuard(_ context.Context, expr string, _ map[string]interface{}) (bool, error) {
	v, ok := g[expr]
	if !ok {
		return false, pipeline.NewConfigurationError("unknown guard "+expr, nil)
	}
	return v, nil
}
