// Package recorder keeps the trigger events a process has seen so they can
// be inspected or exported as JSON.
package recorder

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/sosiouxme/throttle/internal/notify"
)

// Recorder captures trigger events. It is a notify.Notifier.
// Thread-safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []notify.Event
	writer io.Writer // optional: stream events as they arrive
}

// New creates a new Recorder. If w is non-nil, events are also
// written to w as newline-delimited JSON as they arrive.
func New(w io.Writer) *Recorder {
	return &Recorder{
		writer: w,
	}
}

// Record captures a single event.
func (r *Recorder) Record(ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)

	if r.writer != nil {
		if err := json.NewEncoder(r.writer).Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) Notify(_ context.Context, ev notify.Event) error {
	return r.Record(ev)
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]notify.Event, len(r.events))
	copy(out, r.events)
	return out
}

// ForThrottle returns the recorded events raised by one throttle.
func (r *Recorder) ForThrottle(name string) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []notify.Event
	for _, ev := range r.events {
		if ev.Throttle == name {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// ExportJSON writes all events to the given writer as a JSON array.
func (r *Recorder) ExportJSON(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.events
	if events == nil {
		events = []notify.Event{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}

// ExportFile writes all events to a file as a JSON array.
func (r *Recorder) ExportFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return r.ExportJSON(f)
}

// LoadJSON reads events from a JSON array.
func LoadJSON(r io.Reader) ([]notify.Event, error) {
	var events []notify.Event
	if err := json.NewDecoder(r).Decode(&events); err != nil {
		return nil, err
	}
	return events, nil
}
