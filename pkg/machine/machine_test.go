package machine_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/machinist/pkg/machine"
	"github.com/andrej220/machinist/pkg/notify"
	"github.com/andrej220/machinist/pkg/runner"
	"github.com/andrej220/machinist/pkg/task"
)

func shTask(name, script string, opts ...task.Option) *task.Task {
	return task.New(name, runner.Spec{Bin: "/bin/sh", Args: []string{"-c", script}}, opts...)
}

// drain blocks until the queue is fully idle, failing the test on a hang.
func drain(t *testing.T, m *machine.Machine) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for m.Busy() {
		require.False(t, time.Now().After(deadline), "queue did not drain")
		m.Wait(100 * time.Millisecond)
	}
}

// eventLog records notifier events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Notify(e notify.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) all() []notify.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]notify.Event(nil), l.events...)
}

func TestHistoryReflectsSubmissionOrder(t *testing.T) {
	m := machine.New("box")
	defer m.Close()

	m.Submit(shTask("a", "echo hello"))
	m.Submit(shTask("b", "exit 1"))
	m.Submit(shTask("c", "echo again"))
	drain(t, m)

	hist := m.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "a", hist[0].Name)
	assert.Equal(t, task.Done, hist[0].State)
	assert.Equal(t, "b", hist[1].Name)
	assert.Equal(t, task.Error, hist[1].State)
	assert.Equal(t, "c", hist[2].Name)
	assert.Equal(t, task.Done, hist[2].State, "a failing task must not block later tasks")
}

func TestEchoThenFailScenario(t *testing.T) {
	m := machine.New("box")
	defer m.Close()

	a := shTask("taskA", "echo hello")
	b := shTask("taskB", "exit 1")
	m.Submit(a)
	m.Submit(b)
	drain(t, m)

	assert.Equal(t, task.Done, a.State())
	assert.Equal(t, []string{"hello"}, a.Stdout())
	require.NotNil(t, a.ExitCode())
	assert.Equal(t, 0, *a.ExitCode())

	assert.Equal(t, task.Error, b.State())
	require.NotNil(t, b.ExitCode())
	assert.Equal(t, 1, *b.ExitCode())

	errs := m.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "taskB", errs[0].Task)
	assert.Equal(t, task.FailureExit, errs[0].Kind)

	m.ClearErrors()
	assert.Empty(t, m.Errors())
	assert.Len(t, m.History(), 2, "ClearErrors must not touch history")
}

func TestDoneTaskAddsNoPendingError(t *testing.T) {
	m := machine.New("box")
	defer m.Close()

	m.Submit(shTask("ok", "true"))
	drain(t, m)
	assert.Empty(t, m.Errors())
}

func TestAllowFailure(t *testing.T) {
	m := machine.New("box")
	defer m.Close()

	tk := shTask("tolerated", "exit 7", task.AllowFailure())
	m.Submit(tk)
	drain(t, m)

	assert.Equal(t, task.Done, tk.State())
	require.NotNil(t, tk.ExitCode())
	assert.Equal(t, 7, *tk.ExitCode())
	assert.Empty(t, m.Errors())
}

func TestLaunchFailureIsDistinct(t *testing.T) {
	m := machine.New("box")
	defer m.Close()

	tk := task.New("ghost", runner.Spec{Bin: "/no/such/binary"})
	m.Submit(tk)
	drain(t, m)

	assert.Equal(t, task.Error, tk.State())
	assert.Nil(t, tk.ExitCode(), "launch failure records no exit code")

	errs := m.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, task.FailureLaunch, errs[0].Kind)
}

func TestStreamFailureDoesNotBlockQueue(t *testing.T) {
	m := machine.New("box")
	defer m.Close()

	// one 2 MiB line kills the stdout reader; the worker must still see
	// the process exit and move on to the next pending task
	giant := shTask("giant", `head -c 2097152 /dev/zero | tr '\0' a`)
	after := shTask("after", "echo still-alive")
	m.Submit(giant)
	m.Submit(after)
	drain(t, m)

	assert.Equal(t, task.Error, giant.State())
	require.NotNil(t, giant.Failure())
	assert.Equal(t, task.FailureStream, giant.Failure().Kind)
	require.NotNil(t, giant.ExitCode(), "the process itself terminated")

	assert.Equal(t, task.Done, after.State())
	assert.Equal(t, []string{"still-alive"}, after.Stdout())

	errs := m.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, task.FailureStream, errs[0].Kind)
}

func TestTaskTimeout(t *testing.T) {
	m := machine.New("box")
	defer m.Close()

	tk := shTask("slow", "sleep 10", task.WithTimeout(100*time.Millisecond))
	m.Submit(tk)
	drain(t, m)

	assert.Equal(t, task.Error, tk.State())
	require.NotNil(t, tk.Failure())
	assert.Equal(t, task.FailureTimeout, tk.Failure().Kind)
}

func TestWaitReturnsFalseOnCleanDrain(t *testing.T) {
	m := machine.New("box")
	defer m.Close()

	start := time.Now()
	assert.False(t, m.Wait(0), "idle machine with no errors")
	assert.Less(t, time.Since(start), time.Second, "Wait must not busy-wait")

	m.Submit(shTask("ok", "echo fine"))
	assert.False(t, m.Wait(0))
}

func TestWaitReportsNewError(t *testing.T) {
	m := machine.New("box")
	defer m.Close()

	m.Submit(shTask("bad", "exit 1"))
	assert.True(t, m.Wait(5*time.Second), "Wait must surface the new error")

	m.ClearErrors()
	assert.False(t, m.Wait(0), "cleared errors drain cleanly")
}

func TestAtMostOneRunning(t *testing.T) {
	var running, peak int32
	run := func(ctx context.Context, spec runner.Spec, sink runner.Sink) (int, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return 0, nil
	}

	m := machine.New("box", machine.WithRunFunc(run))
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				m.Submit(task.New("noop", runner.Spec{Bin: "noop"}))
			}
		}()
	}
	wg.Wait()
	drain(t, m)

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak), "exactly one task may run at a time")
	assert.Len(t, m.History(), 20)
}

func TestShutdownCancelsPending(t *testing.T) {
	log := &eventLog{}
	m := machine.New("box", machine.WithNotifier(log))

	c := shTask("taskC", "sleep 0.3; echo finished")
	d := shTask("taskD", "echo never")
	m.Submit(c)
	m.Submit(d)

	// wait until C is actually running before requesting shutdown
	deadline := time.Now().Add(5 * time.Second)
	for c.State() != task.Running {
		require.False(t, time.Now().After(deadline), "task C never started")
		time.Sleep(5 * time.Millisecond)
	}
	m.Close()

	assert.Equal(t, task.Done, c.State(), "running task finishes naturally")
	assert.Equal(t, []string{"finished"}, c.Stdout())
	assert.Equal(t, task.Cancelled, d.State())
	assert.Empty(t, d.Stdout(), "cancelled task never executed")

	hist := m.History()
	require.Len(t, hist, 2)
	assert.Equal(t, task.Done, hist[0].State)
	assert.Equal(t, task.Cancelled, hist[1].State)
	assert.Empty(t, m.Errors(), "cancellation is not an error")

	var sawCancelled bool
	for _, e := range log.all() {
		if e.Task == "taskD" && e.State == "cancelled" {
			sawCancelled = true
		}
	}
	assert.True(t, sawCancelled, "cancellation must be notified")
}

func TestSubmitAfterClose(t *testing.T) {
	m := machine.New("box")
	m.Close()

	tk := shTask("late", "echo nope")
	m.Submit(tk)

	assert.Equal(t, task.Cancelled, tk.State())
	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, task.Cancelled, hist[0].State)
}

func TestCloseIsIdempotent(t *testing.T) {
	m := machine.New("box")
	m.Close()
	m.Close()
}

func TestNotificationOrderAndTiming(t *testing.T) {
	log := &eventLog{}
	m := machine.New("box", machine.WithNotifier(log))
	defer m.Close()

	tk := shTask("hello", "echo hello")
	var capturedAtDone []string

	m.Submit(tk)
	drain(t, m)

	// terminal notification fires only after output is fully captured
	for _, e := range log.all() {
		if e.Task == "hello" && e.State == "done" {
			capturedAtDone = tk.Stdout()
		}
	}
	assert.Equal(t, []string{"hello"}, capturedAtDone)

	var states []string
	for _, e := range log.all() {
		states = append(states, e.State)
	}
	assert.Equal(t, []string{"running", "done"}, states)
}

func TestRelayReceivesAllOutput(t *testing.T) {
	m := machine.New("box")
	defer m.Close()

	m.Submit(shTask("a", "echo one; echo two"))
	m.Submit(shTask("b", "echo oops >&2"))
	drain(t, m)

	assert.Equal(t, []string{"one", "two"}, m.Out().Drain(runner.Stdout))
	assert.Equal(t, []string{"oops"}, m.Out().Drain(runner.Stderr))
}

func TestLogsFilterByTaskName(t *testing.T) {
	m := machine.New("box")
	defer m.Close()

	m.Submit(shTask("first", "echo aaa"))
	m.Submit(shTask("second", "echo bbb"))
	drain(t, m)

	assert.Equal(t, "aaa", m.Logs("first"))
	assert.Equal(t, "bbb", m.Logs("second"))
	assert.Equal(t, "aaa\nbbb", m.Logs(""))
}

// fakeTool emulates the external machine/compose binaries by keying off
// the first argument.
func fakeTool(mu *sync.Mutex, seenEnv map[string]map[string]string) machine.RunFunc {
	return func(ctx context.Context, spec runner.Spec, sink runner.Sink) (int, error) {
		if seenEnv != nil {
			mu.Lock()
			env := make(map[string]string, len(spec.Env))
			for k, v := range spec.Env {
				env[k] = v
			}
			seenEnv[spec.Args[0]] = env
			mu.Unlock()
		}
		switch spec.Args[0] {
		case "ip":
			sink(runner.Stdout, "192.168.99.100")
		case "status":
			sink(runner.Stdout, "Running")
		case "env":
			sink(runner.Stdout, `export DOCKER_HOST="tcp://192.168.99.100:2376"`)
			sink(runner.Stdout, `export DOCKER_TLS_VERIFY="1"`)
		case "logs":
			sink(runner.Stdout, "svc1 | started")
			sink(runner.Stdout, "svc2 | started")
		}
		return 0, nil
	}
}

func TestBootstrapDiscovery(t *testing.T) {
	var mu sync.Mutex
	seenEnv := make(map[string]map[string]string)
	m := machine.New("box",
		machine.WithConfig(map[string]string{"driver": "digitalocean"}),
		machine.WithRunFunc(fakeTool(&mu, seenEnv)),
	)
	defer m.Close()

	m.Bootstrap()
	m.ServiceLogs()
	drain(t, m)

	assert.Equal(t, "192.168.99.100", m.IP())
	assert.Equal(t, "Running", m.Status())
	assert.Equal(t, map[string]string{
		"DOCKER_HOST":       "tcp://192.168.99.100:2376",
		"DOCKER_TLS_VERIFY": "1",
	}, m.Env())
	assert.Equal(t, "svc1 | started\nsvc2 | started", m.LastServiceLogs())

	var names []string
	for _, h := range m.History() {
		names = append(names, h.Name)
	}
	assert.Equal(t, []string{
		"provisionMachine", "startMachine", "getMachineIp",
		"getMachineEnv", "getMachineStatus", "getServiceLogs",
	}, names)

	// tasks dispatched after env discovery run with the connection env
	mu.Lock()
	logsEnv := seenEnv["logs"]
	mu.Unlock()
	assert.Equal(t, "tcp://192.168.99.100:2376", logsEnv["DOCKER_HOST"])
}

func TestProvisionFlattensConfig(t *testing.T) {
	var mu sync.Mutex
	var gotArgs []string
	run := func(ctx context.Context, spec runner.Spec, sink runner.Sink) (int, error) {
		mu.Lock()
		gotArgs = append([]string(nil), spec.Args...)
		mu.Unlock()
		return 0, nil
	}

	m := machine.New("render-box",
		machine.WithConfig(map[string]string{
			"driver":              "digitalocean",
			"digitalocean-region": "ams3",
		}),
		machine.WithRunFunc(run),
	)
	defer m.Close()

	m.Provision()
	drain(t, m)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"create",
		"--digitalocean-region", "ams3",
		"--driver", "digitalocean",
		"render-box",
	}, gotArgs)
}

func TestUserEnvAppliesToServiceTasks(t *testing.T) {
	var mu sync.Mutex
	seenEnv := make(map[string]map[string]string)
	m := machine.New("box",
		machine.WithUserEnv(map[string]string{"SCENARIO": "scene2"}),
		machine.WithRunFunc(fakeTool(&mu, seenEnv)),
	)
	defer m.Close()

	m.ServicesUp()
	drain(t, m)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "scene2", seenEnv["up"]["SCENARIO"])
}

func TestCommandEnvResolver(t *testing.T) {
	run := func(ctx context.Context, spec runner.Spec, sink runner.Sink) (int, error) {
		sink(runner.Stdout, `export DOCKER_HOST="tcp://10.0.0.5:2376"`)
		sink(runner.Stderr, "noise to be ignored")
		return 0, nil
	}
	resolver := machine.CommandEnvResolver{Run: run}

	env, err := resolver.Resolve("box")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"DOCKER_HOST": "tcp://10.0.0.5:2376"}, env)
}

func TestResolveEnvWithoutResolver(t *testing.T) {
	m := machine.New("box")
	defer m.Close()
	assert.ErrorIs(t, m.ResolveEnv(), machine.ErrNoResolver)
}

func TestResolveEnvInstallsEnv(t *testing.T) {
	m := machine.New("box", machine.WithEnvResolver(staticResolver{"DOCKER_HOST": "tcp://h:2376"}))
	defer m.Close()

	require.NoError(t, m.ResolveEnv())
	assert.Equal(t, "tcp://h:2376", m.Env()["DOCKER_HOST"])
}

type staticResolver map[string]string

func (r staticResolver) Resolve(string) (map[string]string, error) {
	return r, nil
}
