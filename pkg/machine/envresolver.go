package machine

import (
	"context"
	"fmt"
	"strings"

	"github.com/andrej220/machinist/pkg/runner"
)

// CommandEnvResolver resolves the connection environment by invoking the
// machine tool's "env" sub-command directly, outside the task queue. The
// zero value uses the default binary and runner.
type CommandEnvResolver struct {
	Bin string
	Run RunFunc
}

var _ EnvResolver = CommandEnvResolver{}

func (r CommandEnvResolver) Resolve(machineName string) (map[string]string, error) {
	bin := r.Bin
	if bin == "" {
		bin = defaultMachineBin
	}
	run := r.Run
	if run == nil {
		run = runner.Run
	}

	var lines []string
	sink := func(s runner.Stream, line string) {
		if s == runner.Stdout {
			lines = append(lines, line)
		}
	}
	if _, err := run(context.Background(), runner.Spec{Bin: bin, Args: []string{"env", machineName}}, sink); err != nil {
		return nil, fmt.Errorf("resolve env for %q: %w", machineName, err)
	}
	return ParseExportEnv(strings.Join(lines, "\n")), nil
}
