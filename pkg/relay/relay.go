// Package relay decouples output production inside the worker from output
// consumption by the caller. It holds one unbounded FIFO queue per output
// stream, spanning the whole machine session; queues are never reset between
// tasks.
package relay

import (
	"sync"

	"github.com/andrej220/machinist/pkg/runner"
)

// Relay is safe for concurrent use. Per-stream line order is preserved;
// ordering across the two streams is not defined.
type Relay struct {
	mu     sync.Mutex
	queues [2][]string
}

func New() *Relay { return &Relay{} }

// Push appends a line to the stream's queue.
func (r *Relay) Push(s runner.Stream, line string) {
	r.mu.Lock()
	r.queues[s] = append(r.queues[s], line)
	r.mu.Unlock()
}

// Next pops the oldest line from the stream's queue. The second return is
// false when nothing is currently available; that is not an error.
func (r *Relay) Next(s runner.Stream) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[s]
	if len(q) == 0 {
		return "", false
	}
	line := q[0]
	r.queues[s] = q[1:]
	return line, true
}

// Drain pops and returns everything currently queued on the stream.
func (r *Relay) Drain(s runner.Stream) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[s]
	if len(q) == 0 {
		return nil
	}
	out := make([]string, len(q))
	copy(out, q)
	r.queues[s] = nil
	return out
}

// Len reports how many lines are currently queued on the stream.
func (r *Relay) Len(s runner.Stream) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[s])
}
