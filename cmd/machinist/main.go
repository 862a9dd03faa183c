// machinist drives a remote machine from a YAML definition: provision,
// start, bring the compose stack up, and stream live output until the task
// queue drains.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrej220/machinist/pkg/config"
	"github.com/andrej220/machinist/pkg/lg"
	"github.com/andrej220/machinist/pkg/machine"
	"github.com/andrej220/machinist/pkg/notify"
	"github.com/andrej220/machinist/pkg/runner"
)

const serviceName = "machinist"

func main() {
	fs := flag.NewFlagSet(serviceName, flag.ExitOnError)
	configPath := fs.String("config", "machine.yaml", "machine definition file")
	services := fs.Bool("services", true, "bring the compose stack up after provisioning")
	logCfg := lg.FlagConfig(fs, serviceName)
	fs.Parse(os.Args[1:])

	logger := lg.New(logCfg)
	defer logger.Sync()

	store, err := config.NewStore(config.FileStore, &config.FileConfig{Path: *configPath})
	if err != nil {
		logger.Error("open definition store", lg.Err(err))
		os.Exit(1)
	}
	def, err := config.LoadDefinition(store)
	if err != nil {
		logger.Error("load machine definition", lg.Err(err))
		os.Exit(1)
	}

	m := machine.New(def.Name,
		machine.WithDir(def.Dir),
		machine.WithConfig(def.Options),
		machine.WithUserEnv(def.Env),
		machine.WithLogger(logger),
		machine.WithNotifier(notify.NotifierFunc(func(e notify.Event) {
			logger.Info("task state",
				lg.String("task", e.Task),
				lg.String("state", e.State),
				lg.String("detail", e.Detail))
		})),
	)

	m.Bootstrap()
	if *services {
		m.ServicesUp()
		m.ServiceLogs()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("interrupt, finishing current task and draining")
		m.Close()
	}()

	for {
		dirty := m.Wait(500 * time.Millisecond)
		flush(m)

		if dirty {
			for _, te := range m.Errors() {
				logger.Error("task failed",
					lg.String("task", te.Task),
					lg.String("kind", te.Kind.String()),
					lg.String("detail", te.Detail))
			}
			m.ClearErrors()
		}
		if !m.Busy() {
			break
		}
	}
	flush(m)
	m.Close()

	logger.Info("machine drained",
		lg.String("status", m.Status()),
		lg.String("ip", m.IP()))
}

// flush prints everything currently queued on the relay.
func flush(m *machine.Machine) {
	for {
		line, ok := m.Out().Next(runner.Stdout)
		if !ok {
			break
		}
		fmt.Fprintln(os.Stdout, line)
	}
	for {
		line, ok := m.Out().Next(runner.Stderr)
		if !ok {
			break
		}
		fmt.Fprintln(os.Stderr, line)
	}
}
