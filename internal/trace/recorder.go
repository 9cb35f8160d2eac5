package trace

import "sync"

// Sink is the interface producers depend on.
//
// Record must not panic and does not return errors. Callers must assume it may
// be a no-op.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord records an event, swallowing panics from a misbehaving sink.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder is a concurrency-safe in-memory collector.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	if len(event.Artifacts) > 0 {
		event.Artifacts = append([]string(nil), event.Artifacts...)
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a copy of all recorded events.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Trace builds a RunTrace from the recorded events.
func (r *Recorder) Trace(graphHash string) RunTrace {
	return RunTrace{GraphHash: graphHash, Events: r.Snapshot()}
}

// Tee fans events out to several sinks.
type Tee []Sink

func (t Tee) Record(event Event) {
	for _, s := range t {
		SafeRecord(s, event)
	}
}
