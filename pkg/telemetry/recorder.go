package telemetry

import (
	"context"
	"sync"
)

// Record is one captured span end or event.
type Record struct {
	Attrs map[string]any
	Err   error
	Name  string
	Kind  string // "span" or "event"
}

// Recorder keeps telemetry in memory. Tests use it to assert on emitted spans.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {
		r.add(Record{Kind: "span", Name: name, Attrs: attrs, Err: err})
	}
}

func (r *Recorder) Event(_ context.Context, name string, attrs map[string]any) {
	r.add(Record{Kind: "event", Name: name, Attrs: attrs})
}

func (r *Recorder) add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

// Records returns a snapshot in emission order.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Named filters records by name.
func (r *Recorder) Named(name string) []Record {
	var out []Record
	for _, rec := range r.Records() {
		if rec.Name == name {
			out = append(out, rec)
		}
	}
	return out
}

var _ Tracer = (*Recorder)(nil)
