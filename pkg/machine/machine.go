// Package machine orchestrates a sequence of external command-line
// operations against one logical remote machine. Tasks are executed strictly
// one at a time by a background worker; callers submit work, poll output and
// state, and are notified of transitions.
package machine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/machinist/pkg/lg"
	"github.com/andrej220/machinist/pkg/notify"
	"github.com/andrej220/machinist/pkg/relay"
	"github.com/andrej220/machinist/pkg/runner"
	"github.com/andrej220/machinist/pkg/task"
)

const (
	defaultMachineBin = "docker-machine"
	defaultComposeBin = "docker-compose"
)

// RunFunc executes one external command; tests substitute their own.
type RunFunc func(ctx context.Context, spec runner.Spec, sink runner.Sink) (int, error)

// EnvResolver derives the connection environment for a machine. The default
// path goes through a queued "env" task; a resolver lets callers plug in
// their own discovery.
type EnvResolver interface {
	Resolve(machineName string) (map[string]string, error)
}

// TaskSummary is the history record of one finished (or cancelled) task.
type TaskSummary struct {
	ID         uuid.UUID
	Name       string
	State      task.State
	ExitCode   *int
	StartedAt  time.Time
	FinishedAt time.Time
}

// TaskError is one unresolved failure, kept until ClearErrors.
type TaskError struct {
	ID     uuid.UUID
	Task   string
	Kind   task.FailureKind
	Detail string
	Time   time.Time
}

// Machine is the caller-facing controller. All methods are safe for
// concurrent use. Queue, history and error mutation happens on the single
// worker goroutine; callers read snapshots or append Pending tasks.
type Machine struct {
	name       string
	dir        string
	config     map[string]string
	userEnv    map[string]string
	machineBin string
	composeBin string
	notifier   notify.Notifier
	resolver   EnvResolver
	run        RunFunc
	lg         lg.Logger

	out *relay.Relay

	mu      sync.Mutex
	queue   []*task.Task
	tasks   []*task.Task // every task ever submitted, submission order
	running *task.Task
	history []TaskSummary
	pending []TaskError
	errSeq  uint64 // bumped on every new error record
	waitSeq uint64 // errSeq observed by the last returned Wait
	closed  bool
	change  chan struct{} // closed and replaced on every state change
	wake    chan struct{} // nudges an idle worker
	done    chan struct{} // worker exited

	// facts discovered from the machine
	ip          string
	status      string
	connEnv     map[string]string
	serviceLogs string
}

// Option configures a Machine at construction.
type Option func(*Machine)

// WithDir sets the working directory for spawned commands (the
// docker-compose project root).
func WithDir(dir string) Option { return func(m *Machine) { m.dir = dir } }

// WithConfig sets the opaque driver option map passed verbatim to the
// provisioning command as --key value pairs.
func WithConfig(config map[string]string) Option {
	return func(m *Machine) { m.config = copyMap(config) }
}

// WithUserEnv sets extra environment variables merged into service tasks.
func WithUserEnv(env map[string]string) Option {
	return func(m *Machine) { m.userEnv = copyMap(env) }
}

// WithNotifier registers the state-transition callback sink.
func WithNotifier(n notify.Notifier) Option { return func(m *Machine) { m.notifier = n } }

// WithLogger sets the structured logger; default is lg.Discard.
func WithLogger(logger lg.Logger) Option { return func(m *Machine) { m.lg = logger } }

// WithBinaries overrides the machine and compose binaries.
func WithBinaries(machineBin, composeBin string) Option {
	return func(m *Machine) {
		if machineBin != "" {
			m.machineBin = machineBin
		}
		if composeBin != "" {
			m.composeBin = composeBin
		}
	}
}

// WithEnvResolver plugs in an external connection-env discovery collaborator.
func WithEnvResolver(r EnvResolver) Option { return func(m *Machine) { m.resolver = r } }

// WithRunFunc substitutes the process execution function. Tests use this;
// the default is runner.Run.
func WithRunFunc(run RunFunc) Option { return func(m *Machine) { m.run = run } }

// New builds a machine controller and starts its worker goroutine.
func New(name string, opts ...Option) *Machine {
	m := &Machine{
		name:       name,
		dir:        ".",
		machineBin: defaultMachineBin,
		composeBin: defaultComposeBin,
		notifier:   notify.Discard,
		run:        runner.Run,
		lg:         lg.Discard,
		out:        relay.New(),
		change:     make(chan struct{}),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lg = m.lg.With(lg.String("machine", name))
	go m.worker()
	return m
}

func (m *Machine) Name() string { return m.name }
func (m *Machine) Dir() string  { return m.dir }

// Config returns a copy of the driver option map.
func (m *Machine) Config() map[string]string { return copyMap(m.config) }

// IP returns the last discovered machine address, empty until RefreshIP ran.
func (m *Machine) IP() string { m.mu.Lock(); defer m.mu.Unlock(); return m.ip }

// Status returns the last discovered machine status.
func (m *Machine) Status() string { m.mu.Lock(); defer m.mu.Unlock(); return m.status }

// Env returns the last discovered connection environment.
func (m *Machine) Env() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyMap(m.connEnv)
}

// LastServiceLogs returns the output of the most recent ServiceLogs task.
func (m *Machine) LastServiceLogs() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serviceLogs
}

// Out exposes the live output relay shared by all tasks of this machine.
func (m *Machine) Out() *relay.Relay { return m.out }

// Submit appends t to the queue and returns immediately. A submission after
// Close is recorded as Cancelled instead of being silently dropped.
func (m *Machine) Submit(t *task.Task) {
	m.mu.Lock()
	if m.closed {
		t.Finish(task.Cancelled, nil, nil, time.Now())
		m.tasks = append(m.tasks, t)
		m.history = append(m.history, summarize(t))
		m.broadcastLocked()
		m.mu.Unlock()
		m.notifier.Notify(m.event(t, ""))
		return
	}
	m.queue = append(m.queue, t)
	m.tasks = append(m.tasks, t)
	m.broadcastLocked()
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	m.lg.Debug("task submitted", lg.String("task", t.Name))
}

// Busy reports whether a task is running or queued.
func (m *Machine) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running != nil || len(m.queue) > 0
}

// Wait blocks until the queue is fully idle or a new error has been
// recorded since the last Wait, whichever comes first. It returns true when
// unresolved error state is waiting to be inspected, false on a clean
// drain. A zero timeout means no deadline.
func (m *Machine) Wait(timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	m.mu.Lock()
	for {
		if m.errSeq > m.waitSeq {
			m.waitSeq = m.errSeq
			m.mu.Unlock()
			return true
		}
		if m.running == nil && len(m.queue) == 0 {
			m.waitSeq = m.errSeq
			dirty := len(m.pending) > 0
			m.mu.Unlock()
			return dirty
		}
		ch := m.change
		m.mu.Unlock()

		select {
		case <-ch:
		case <-expired:
			m.mu.Lock()
			m.waitSeq = m.errSeq
			dirty := len(m.pending) > 0
			m.mu.Unlock()
			return dirty
		}
		m.mu.Lock()
	}
}

// History returns completed and cancelled task summaries in submission order.
func (m *Machine) History() []TaskSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TaskSummary(nil), m.history...)
}

// Errors returns unresolved task failures.
func (m *Machine) Errors() []TaskError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TaskError(nil), m.pending...)
}

// ClearErrors empties the pending error set. History is unaffected.
func (m *Machine) ClearErrors() {
	m.mu.Lock()
	m.pending = nil
	m.broadcastLocked()
	m.mu.Unlock()
}

// Logs returns the captured combined output of all tasks named taskName,
// or of the whole session when taskName is empty. Tasks appear in
// submission order, streams in arrival order within each task.
func (m *Machine) Logs(taskName string) string {
	m.mu.Lock()
	tasks := append([]*task.Task(nil), m.tasks...)
	m.mu.Unlock()

	var parts []string
	for _, t := range tasks {
		if taskName != "" && t.Name != taskName {
			continue
		}
		if out := t.Output(); out != "" {
			parts = append(parts, out)
		}
	}
	return strings.Join(parts, "\n")
}

// ResolveEnv invokes the configured external env resolver and installs the
// result as the machine's connection environment. Without a resolver,
// RefreshEnv is the queued alternative.
func (m *Machine) ResolveEnv() error {
	if m.resolver == nil {
		return ErrNoResolver
	}
	env, err := m.resolver.Resolve(m.name)
	if err != nil {
		return err
	}
	m.setConnEnv(env)
	return nil
}

// Close requests cooperative shutdown: the running task finishes naturally,
// still-pending tasks are recorded as Cancelled, then the worker stops.
// Close blocks until the worker has exited. Safe to call more than once.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	m.broadcastLocked()
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	<-m.done
}

// broadcastLocked wakes every Wait caller. m.mu must be held.
func (m *Machine) broadcastLocked() {
	close(m.change)
	m.change = make(chan struct{})
}

func (m *Machine) setConnEnv(env map[string]string) {
	m.mu.Lock()
	m.connEnv = copyMap(env)
	m.mu.Unlock()
}

func (m *Machine) event(t *task.Task, detail string) notify.Event {
	return notify.Event{
		Machine: m.name,
		TaskID:  t.ID,
		Task:    t.Name,
		State:   t.State().String(),
		Detail:  detail,
		Time:    time.Now(),
	}
}

func summarize(t *task.Task) TaskSummary {
	return TaskSummary{
		ID:         t.ID,
		Name:       t.Name,
		State:      t.State(),
		ExitCode:   t.ExitCode(),
		StartedAt:  t.StartedAt(),
		FinishedAt: t.FinishedAt(),
	}
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// sortedKeys gives deterministic --key value ordering for config maps.
func sortedKeys(in map[string]string) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
