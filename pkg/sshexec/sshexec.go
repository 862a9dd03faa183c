// Package sshexec runs commands directly on a provisioned machine over
// SSH, bypassing the external CLI once the address is known. Sessions are
// opened through a circuit breaker and calls retry with exponential
// backoff, so a machine that is still booting does not fail the caller
// immediately.
package sshexec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"

	"github.com/andrej220/machinist/pkg/machine"
)

// Config describes the SSH endpoint and credentials.
type Config struct {
	Addr    string // host:port
	User    string
	KeyPath string
	Timeout time.Duration // dial timeout, default 10s
}

// Client is an SSH connection with resilience baked in.
type Client struct {
	ssh     *ssh.Client
	breaker *gobreaker.CircuitBreaker
	retry   *backoff.ExponentialBackOff
}

// Dial connects to the endpoint using public-key auth.
func Dial(cfg Config) (*Client, error) {
	auth, err := publicKeyAuth(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
		BannerCallback:  func(string) error { return nil },
	}

	conn, err := ssh.Dial("tcp", cfg.Addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Addr, err)
	}

	cbs := gobreaker.Settings{
		Name:        "ssh-" + cfg.Addr,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}

	return &Client{
		ssh:     conn,
		breaker: gobreaker.NewCircuitBreaker(cbs),
		retry:   newRetrySettings(),
	}, nil
}

// newRetrySettings builds one backoff policy instance. Each Run call gets
// its own copy; the interval state inside ExponentialBackOff is not safe
// to share across concurrent calls.
func newRetrySettings() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
}

// FromMachine dials the machine's discovered address on the standard SSH
// port. RefreshIP (or ResolveEnv) must have completed first.
func FromMachine(m *machine.Machine, user, keyPath string) (*Client, error) {
	ip := m.IP()
	if ip == "" {
		return nil, fmt.Errorf("machine %q has no resolved IP", m.Name())
	}
	return Dial(Config{Addr: ip + ":22", User: user, KeyPath: keyPath})
}

func (c *Client) Close() error {
	return c.ssh.Close()
}

// Run executes cmd in a fresh session and returns its output as line
// slices. Transient session failures are retried until the backoff gives
// up or ctx is cancelled.
func (c *Client) Run(ctx context.Context, cmd string) (stdoutLines, stderrLines []string, err error) {
	operation := func() error {
		res, err := c.breaker.Execute(func() (any, error) {
			return c.ssh.NewSession()
		})
		if err != nil {
			return fmt.Errorf("new session: %w", err)
		}
		sess := res.(*ssh.Session)
		defer sess.Close()

		stdout, err := sess.StdoutPipe()
		if err != nil {
			return fmt.Errorf("stdout pipe: %w", err)
		}
		stderr, err := sess.StderrPipe()
		if err != nil {
			return fmt.Errorf("stderr pipe: %w", err)
		}

		if err := sess.Start(cmd); err != nil {
			return fmt.Errorf("start command: %w", err)
		}
		stdoutLines = scanLines(ctx, stdout)
		stderrLines = scanLines(ctx, stderr)

		return sess.Wait()
	}

	retry := *c.retry // per-call copy, concurrent Runs must not share interval state
	b := backoff.WithContext(&retry, ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, nil, err
	}
	return stdoutLines, stderrLines, nil
}

func scanLines(ctx context.Context, r io.Reader) []string {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return lines
		default:
			lines = append(lines, scanner.Text())
		}
	}
	return lines
}

func publicKeyAuth(privateKeyPath string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}
