// Package progress defines progress events and the observer registry that fans them out.
package progress

import "time"

// Event is a transient progress update for one job. Events are never persisted or retried.
type Event struct {
	JobID      string    `json:"job_id"`
	Percentage float64   `json:"percentage"`
	RawMessage string    `json:"raw_message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier receives progress events produced while a job runs.
type Notifier interface {
	NotifyAll(ev Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ev Event)

// NotifyAll calls f(ev).
func (f NotifierFunc) NotifyAll(ev Event) {
	f(ev)
}

// Fanout is a Notifier that forwards every event to each of its notifiers in order.
type Fanout []Notifier

// NotifyAll forwards ev to every notifier.
func (f Fanout) NotifyAll(ev Event) {
	for _, n := range f {
		if n != nil {
			n.NotifyAll(ev)
		}
	}
}
