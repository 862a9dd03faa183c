package machine

import (
	"strings"

	"github.com/andrej220/machinist/pkg/runner"
	"github.com/andrej220/machinist/pkg/task"
)

// Scheduling helpers. Each builds one task, queues it, and returns it so
// the caller can inspect state later. None of them block.

// Provision schedules machine creation. The driver config map is flattened
// verbatim into --key value pairs; the machine name comes last. Allowed to
// fail so re-provisioning an existing machine is not an error.
func (m *Machine) Provision() *task.Task {
	args := []string{"create"}
	for _, k := range sortedKeys(m.config) {
		args = append(args, "--"+k, m.config[k])
	}
	args = append(args, m.name)
	return m.schedule("provisionMachine", m.machineBin, args, task.AllowFailure())
}

// Start schedules machine start. Allowed to fail: starting an already
// running machine exits non-zero.
func (m *Machine) Start() *task.Task {
	return m.schedule("startMachine", m.machineBin, []string{"start", m.name}, task.AllowFailure())
}

// Stop schedules machine stop.
func (m *Machine) Stop() *task.Task {
	return m.schedule("stopMachine", m.machineBin, []string{"stop", m.name})
}

// Kill schedules a forced machine stop.
func (m *Machine) Kill() *task.Task {
	return m.schedule("killMachine", m.machineBin, []string{"kill", m.name})
}

// Remove schedules complete machine removal, local and remote.
func (m *Machine) Remove() *task.Task {
	return m.schedule("removeMachine", m.machineBin, []string{"rm", "-y", m.name})
}

// RefreshIP schedules IP discovery; the result lands in IP().
func (m *Machine) RefreshIP() *task.Task {
	return m.schedule("getMachineIp", m.machineBin, []string{"ip", m.name},
		task.WithOutputFunc(func(out string) {
			m.mu.Lock()
			m.ip = strings.TrimSpace(out)
			m.mu.Unlock()
		}))
}

// RefreshStatus schedules status discovery; the result lands in Status().
func (m *Machine) RefreshStatus() *task.Task {
	return m.schedule("getMachineStatus", m.machineBin, []string{"status", m.name},
		task.WithOutputFunc(func(out string) {
			m.mu.Lock()
			m.status = strings.TrimSpace(out)
			m.mu.Unlock()
		}))
}

// RefreshEnv schedules connection-env discovery. The task output is parsed
// as `export KEY="VALUE"` assignments and merged over the ambient
// environment; later tasks run with the result.
func (m *Machine) RefreshEnv() *task.Task {
	return m.schedule("getMachineEnv", m.machineBin, []string{"env", m.name},
		task.WithOutputFunc(func(out string) {
			m.setConnEnv(ParseExportEnv(out))
		}))
}

// CopyTo schedules a recursive secure copy from the local src to dst on
// the machine.
func (m *Machine) CopyTo(src, dst string) *task.Task {
	return m.schedule("secureCopy", m.machineBin, []string{"scp", "-r", src, m.name + ":" + dst})
}

// CopyFrom schedules a recursive secure copy from src on the machine to
// the local dst.
func (m *Machine) CopyFrom(src, dst string) *task.Task {
	return m.schedule("secureCopy", m.machineBin, []string{"scp", "-r", m.name + ":" + src, dst})
}

// ServicesUp schedules the compose stack build-and-start, with the user
// environment snapshot applied.
func (m *Machine) ServicesUp() *task.Task {
	return m.schedule("startServices", m.composeBin, []string{"up", "--build", "-d"},
		task.WithEnv(m.userEnv))
}

// ServiceLogs schedules retrieval of the service log tail; the result
// lands in LastServiceLogs().
func (m *Machine) ServiceLogs() *task.Task {
	return m.schedule("getServiceLogs", m.composeBin, []string{"logs", "--tail=256"},
		task.WithEnv(m.userEnv),
		task.WithOutputFunc(func(out string) {
			m.mu.Lock()
			m.serviceLogs = out
			m.mu.Unlock()
		}))
}

// Bootstrap queues the standard bring-up sequence: provision, start, then
// IP/env/status discovery.
func (m *Machine) Bootstrap() {
	m.Provision()
	m.Start()
	m.RefreshIP()
	m.RefreshEnv()
	m.RefreshStatus()
}

func (m *Machine) schedule(name, bin string, args []string, opts ...task.Option) *task.Task {
	t := task.New(name, runner.Spec{Bin: bin, Args: args}, opts...)
	m.Submit(t)
	return t
}
