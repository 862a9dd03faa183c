// Package notify carries task state-transition events from the worker to
// interested parties: the caller's callback, a log, or a Kafka topic.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// Event is the fixed-shape notification record for one task transition.
type Event struct {
	Machine string    `json:"machine"`
	TaskID  uuid.UUID `json:"taskId"`
	Task    string    `json:"task"`
	State   string    `json:"state"`
	Detail  string    `json:"detail,omitempty"`
	Time    time.Time `json:"time"`
}

// Notifier receives events synchronously from the worker goroutine.
// Implementations must not block for long.
type Notifier interface {
	Notify(e Event)
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func(e Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Multi fans one event out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(e Event) {
	for _, n := range m {
		n.Notify(e)
	}
}

// Discard drops all events.
var Discard Notifier = NotifierFunc(func(Event) {})
