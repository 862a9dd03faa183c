// Package runner spawns a single external command and relays its output
// line-by-line while it runs. Stdout and stderr are drained concurrently so
// neither pipe can block the other.
package runner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Stream identifies the origin pipe of an output line.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Sink receives every decoded output line as soon as it is available.
// It is called from the two reader goroutines, one stream at a time per
// goroutine, until Run returns.
type Sink func(s Stream, line string)

// Spec describes one external command invocation.
type Spec struct {
	Bin  string
	Args []string
	Dir  string
	Env  map[string]string // merged over the ambient environment
}

// Argv returns the full argument vector, binary first.
func (s Spec) Argv() []string {
	return append([]string{s.Bin}, s.Args...)
}

func (s Spec) String() string {
	return strings.Join(s.Argv(), " ")
}

// environ flattens Spec.Env over os.Environ into the KEY=VALUE slice
// exec.Cmd expects. Overrides win; output is sorted for determinism.
func (s Spec) environ() []string {
	if len(s.Env) == 0 {
		return nil // inherit
	}
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range s.Env {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// terminal escape sequences emitted by docker-machine and friends
var ansiEscape = regexp.MustCompile(`(\x9B|\x1B\[)[0-?]*[ -/]*[@-~]`)

func stripANSI(line string) string {
	return ansiEscape.ReplaceAllString(line, "")
}

// Run executes spec and feeds every output line into sink. It blocks until
// the process has exited and both pipes are fully drained.
//
// The returned exit code is 0 on clean exit. Failures are typed:
// *LaunchError when the process could not be started, *ExitError when it ran
// and exited non-zero, *StreamError when a pipe read failed. A non-zero exit
// is reported, never interpreted; that is the caller's call.
//
// Cancelling ctx kills the process.
func Run(ctx context.Context, spec Spec, sink Sink) (int, error) {
	cmd := exec.CommandContext(ctx, spec.Bin, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, &LaunchError{Spec: spec, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, &LaunchError{Spec: spec, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return 0, &LaunchError{Spec: spec, Err: err}
	}

	var g errgroup.Group
	g.Go(func() error { return scan(stdout, Stdout, sink) })
	g.Go(func() error { return scan(stderr, Stderr, sink) })

	// Readers first: Wait closes the pipes.
	streamErr := g.Wait()
	waitErr := cmd.Wait()

	if waitErr != nil {
		if ctx.Err() != nil {
			// killed by deadline or cancellation, not a real exit status
			return -1, ctx.Err()
		}
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) && ee.ExitCode() >= 0 {
			return ee.ExitCode(), &ExitError{Spec: spec, Code: ee.ExitCode()}
		}
		return -1, &ExitError{Spec: spec, Code: -1, Err: waitErr}
	}
	if streamErr != nil {
		return 0, &StreamError{Spec: spec, Err: streamErr}
	}
	return 0, nil
}

// scan reads r line-by-line and forwards each line to sink, stripped of
// ANSI escapes. One line of buffering at most.
func scan(r io.Reader, s Stream, sink Sink) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink(s, stripANSI(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		// The pipe must keep draining or a still-writing process blocks
		// on write and never exits; the error surfaces after Wait as a
		// stream failure.
		io.Copy(io.Discard, r)
		return err
	}
	return nil
}
