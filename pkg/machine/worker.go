package machine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/andrej220/machinist/pkg/lg"
	"github.com/andrej220/machinist/pkg/runner"
	"github.com/andrej220/machinist/pkg/task"
)

// stderrTailLines caps how much stderr ends up in an error detail.
const stderrTailLines = 5

// worker is the single background goroutine owning all task lifecycle
// transitions. It drains the queue in strict FIFO order, one task at a
// time, and never stops because one task failed.
func (m *Machine) worker() {
	defer close(m.done)

	for {
		t, ok := m.next()
		if !ok {
			m.cancelPending()
			m.lg.Info("worker stopped")
			return
		}
		m.execute(t)
	}
}

// next blocks until a task is available or shutdown was requested.
func (m *Machine) next() (*task.Task, bool) {
	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			return nil, false
		}
		if len(m.queue) > 0 {
			t := m.queue[0]
			m.queue = m.queue[1:]
			m.running = t
			m.mu.Unlock()
			return t, true
		}
		m.mu.Unlock()
		<-m.wake
		m.mu.Lock()
	}
}

// cancelPending marks every task still queued at shutdown as Cancelled.
// They show up in history, never in the pending error set.
func (m *Machine) cancelPending() {
	m.mu.Lock()
	dropped := m.queue
	m.queue = nil
	now := time.Now()
	for _, t := range dropped {
		t.Finish(task.Cancelled, nil, nil, now)
		m.history = append(m.history, summarize(t))
	}
	m.broadcastLocked()
	m.mu.Unlock()

	for _, t := range dropped {
		m.lg.Info("task cancelled at shutdown", lg.String("task", t.Name))
		m.notifier.Notify(m.event(t, ""))
	}
}

func (m *Machine) execute(t *task.Task) {
	t.Begin(time.Now())
	m.lg.Info("task started", lg.String("task", t.Name), lg.String("cmd", t.Spec.String()))
	m.notifier.Notify(m.event(t, ""))

	ctx := context.Background()
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	spec := t.Spec
	spec.Dir = m.dir
	spec.Env = m.dispatchEnv(t)

	sink := func(s runner.Stream, line string) {
		t.Append(s, line)
		m.out.Push(s, line)
		m.lg.Debug("output", lg.String("task", t.Name), lg.String("stream", s.String()), lg.String("line", line))
	}

	code, err := m.run(ctx, spec, sink)
	state, exitCode, failure := m.classify(t, code, err)
	t.Finish(state, exitCode, failure, time.Now())

	if state == task.Done && t.OutputFunc != nil {
		t.OutputFunc(t.Output())
	}

	detail := ""
	if failure != nil {
		detail = failure.Detail
	}

	m.mu.Lock()
	m.running = nil
	m.history = append(m.history, summarize(t))
	if state == task.Error {
		m.pending = append(m.pending, TaskError{
			ID:     t.ID,
			Task:   t.Name,
			Kind:   failure.Kind,
			Detail: failure.Detail,
			Time:   time.Now(),
		})
		m.errSeq++
	}
	m.broadcastLocked()
	m.mu.Unlock()

	if state == task.Error {
		m.lg.Error("task failed", lg.String("task", t.Name), lg.String("detail", detail))
	} else {
		m.lg.Info("task finished", lg.String("task", t.Name))
	}
	m.notifier.Notify(m.event(t, detail))
}

// dispatchEnv merges the machine connection environment under the task's
// own snapshot. Task-specific variables win. An empty result means the
// subprocess inherits the ambient environment untouched.
func (m *Machine) dispatchEnv(t *task.Task) map[string]string {
	m.mu.Lock()
	conn := m.connEnv
	m.mu.Unlock()

	if len(conn) == 0 {
		return t.Spec.Env
	}
	merged := copyMap(conn)
	for k, v := range t.Spec.Env {
		merged[k] = v
	}
	return merged
}

// classify maps a runner outcome onto the task state machine and failure
// taxonomy.
func (m *Machine) classify(t *task.Task, code int, err error) (task.State, *int, *task.Failure) {
	if err == nil {
		zero := 0
		return task.Done, &zero, nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return task.Error, nil, &task.Failure{
			Kind:   task.FailureTimeout,
			Detail: "task timed out after " + t.Timeout.String(),
		}
	}

	var le *runner.LaunchError
	if errors.As(err, &le) {
		// never ran: deliberately no exit code
		return task.Error, nil, &task.Failure{Kind: task.FailureLaunch, Detail: le.Error()}
	}

	var se *runner.StreamError
	if errors.As(err, &se) {
		c := code
		return task.Error, &c, &task.Failure{Kind: task.FailureStream, Detail: se.Error()}
	}

	var ee *runner.ExitError
	if errors.As(err, &ee) {
		c := ee.Code
		if t.AllowFailure {
			return task.Done, &c, nil
		}
		detail := ee.Error()
		if tail := stderrTail(t); tail != "" {
			detail += ": " + tail
		}
		return task.Error, &c, &task.Failure{Kind: task.FailureExit, Detail: detail}
	}

	return task.Error, nil, &task.Failure{Kind: task.FailureExit, Detail: err.Error()}
}

func stderrTail(t *task.Task) string {
	lines := t.Stderr()
	if len(lines) > stderrTailLines {
		lines = lines[len(lines)-stderrTailLines:]
	}
	return strings.Join(lines, "; ")
}
