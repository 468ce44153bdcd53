package audit

import (
	"context"
	"sync"
)

// Recorder keeps published events in memory for inspection in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind filters recorded events by kind.
func (r *Recorder) OfKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}
