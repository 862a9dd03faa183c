// Package task describes one unit of external work: the command to run,
// its execution state, and the output captured so far.
package task

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/machinist/pkg/runner"
)

// State is the lifecycle position of a task.
type State int

const (
	Pending State = iota
	Running
	Done
	Error
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Done:
		return "done"
	case Error:
		return "error"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	return s == Done || s == Error || s == Cancelled
}

// FailureKind classifies why a task ended in Error.
type FailureKind int

const (
	FailureNone    FailureKind = iota
	FailureLaunch              // program could not be started
	FailureExit                // program ran, exited non-zero
	FailureStream              // output pipe read failed
	FailureTimeout             // opt-in deadline elapsed, process killed
)

func (k FailureKind) String() string {
	switch k {
	case FailureLaunch:
		return "launch"
	case FailureExit:
		return "exit"
	case FailureStream:
		return "stream"
	case FailureTimeout:
		return "timeout"
	}
	return "none"
}

// Failure is the terminal failure record of an errored task.
type Failure struct {
	Kind   FailureKind
	Detail string
}

// Task is created Pending by the caller and owned exclusively by the worker
// until it reaches a terminal state; afterwards it is read-only.
type Task struct {
	ID   uuid.UUID
	Name string
	Spec runner.Spec

	// execution policy, fixed at construction
	Timeout      time.Duration // zero means no deadline
	AllowFailure bool          // non-zero exit still lands in Done
	OutputFunc   func(output string)

	mu         sync.Mutex
	state      State
	exitCode   *int
	failure    *Failure
	startedAt  time.Time
	finishedAt time.Time
	stdout     []string
	stderr     []string
	combined   []string // arrival order across both streams
}

// Option configures a task at construction time.
type Option func(*Task)

// WithTimeout sets an execution deadline; the process is killed when it
// elapses and the task ends in Error with a timeout failure.
func WithTimeout(d time.Duration) Option {
	return func(t *Task) { t.Timeout = d }
}

// AllowFailure makes a non-zero exit land in Done instead of Error. The
// exit code is still recorded. Provisioning tasks use this so re-creating
// an already existing machine is not treated as a failure.
func AllowFailure() Option {
	return func(t *Task) { t.AllowFailure = true }
}

// WithOutputFunc registers f to receive the task's combined output, joined
// by newlines, after the task completes successfully.
func WithOutputFunc(f func(output string)) Option {
	return func(t *Task) { t.OutputFunc = f }
}

// WithEnv merges extra environment variables into the task's spec. The map
// is copied; later changes by the caller are not observed.
func WithEnv(env map[string]string) Option {
	return func(t *Task) {
		if t.Spec.Env == nil {
			t.Spec.Env = make(map[string]string, len(env))
		}
		for k, v := range env {
			t.Spec.Env[k] = v
		}
	}
}

func New(name string, spec runner.Spec, opts ...Option) *Task {
	t := &Task{
		ID:    uuid.New(),
		Name:  name,
		Spec:  spec,
		state: Pending,
	}
	if spec.Env != nil {
		// snapshot, the caller may reuse its map
		t.Spec.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			t.Spec.Env[k] = v
		}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Task) String() string {
	return t.Name + " (" + t.Spec.String() + "): " + t.State().String()
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ExitCode returns the recorded exit code, or nil if the process never
// reported one (still running, launch failure, cancelled).
func (t *Task) ExitCode() *int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exitCode == nil {
		return nil
	}
	c := *t.exitCode
	return &c
}

func (t *Task) Failure() *Failure {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failure == nil {
		return nil
	}
	f := *t.failure
	return &f
}

func (t *Task) StartedAt() time.Time  { t.mu.Lock(); defer t.mu.Unlock(); return t.startedAt }
func (t *Task) FinishedAt() time.Time { t.mu.Lock(); defer t.mu.Unlock(); return t.finishedAt }

// Stdout returns the captured stdout lines in production order.
func (t *Task) Stdout() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.stdout...)
}

// Stderr returns the captured stderr lines in production order.
func (t *Task) Stderr() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.stderr...)
}

// Output returns both streams concatenated in arrival order, joined by
// newlines.
func (t *Task) Output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.combined, "\n")
}

// Begin transitions Pending -> Running. Worker-only.
func (t *Task) Begin(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Pending {
		return
	}
	t.state = Running
	t.startedAt = now
}

// Append records one output line. Worker-only.
func (t *Task) Append(s runner.Stream, line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s == runner.Stderr {
		t.stderr = append(t.stderr, line)
	} else {
		t.stdout = append(t.stdout, line)
	}
	t.combined = append(t.combined, line)
}

// Finish publishes the terminal state. Calls after the first terminal
// transition are ignored. Worker-only.
func (t *Task) Finish(state State, exitCode *int, failure *Failure, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = state
	t.exitCode = exitCode
	t.failure = failure
	t.finishedAt = now
}
