// Package gateway supervises backend tool servers that run as local
// subprocesses speaking newline-delimited JSON over standard pipes.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrTimeout is returned when a subprocess does not answer within the
// backend's budget. The process is killed and respawned on the next call.
var ErrTimeout = errors.New("gateway: response timeout")

// Config describes how to run one backend subprocess.
type Config struct {
	Command []string      // argv; Command[0] is the executable
	Dir     string        // working directory, "" for inherited
	Env     []string      // extra environment entries, KEY=VALUE
	WarmUp  time.Duration // delay between spawn and first use
	Timeout time.Duration // per-call response budget
}

// process is one live backend subprocess. Owned exclusively by the
// Supervisor; request/response pairing over the pipe is strictly
// sequential, so mu serializes callers.
type process struct {
	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stdout        *bufio.Reader
	lastHealthyAt time.Time
}

// Supervisor owns the backend-name → process table. Lifecycle per name:
// absent → starting → ready ⇄ busy, with any I/O failure discarding the
// handle so the next call respawns fresh.
type Supervisor struct {
	mu      sync.Mutex
	configs map[string]Config
	procs   map[string]*process
	logger  *zap.Logger
}

// NewSupervisor creates a Supervisor for the configured backends. No
// process is spawned until the first call referencing its name.
func NewSupervisor(configs map[string]Config, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		configs: configs,
		procs:   make(map[string]*process),
		logger:  logger,
	}
}

// Call sends one newline-delimited JSON payload to the named backend and
// returns its one-line response. Calls to the same backend are serialized.
func (s *Supervisor) Call(ctx context.Context, name string, payload []byte) ([]byte, error) {
	cfg, ok := s.configs[name]
	if !ok {
		return nil, fmt.Errorf("gateway: no backend configured for %q", name)
	}

	p, err := s.acquire(name, cfg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	line := append(append([]byte{}, payload...), '\n')
	if _, err := p.stdin.Write(line); err != nil {
		s.invalidate(name, p)
		return nil, fmt.Errorf("gateway: write to %s backend: %w", name, err)
	}

	resp, err := s.readLine(ctx, p, cfg.Timeout)
	if err != nil {
		s.invalidate(name, p)
		return nil, err
	}

	p.lastHealthyAt = time.Now()
	return resp, nil
}

// Active returns the names of backends with a live process, for
// operational introspection.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.procs))
	for n := range s.procs {
		names = append(names, n)
	}
	return names
}

// Shutdown kills every live backend process.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, p := range s.procs {
		s.kill(name, p)
		delete(s.procs, name)
	}
}

// acquire returns the live process for name, spawning one if absent.
func (s *Supervisor) acquire(name string, cfg Config) (*process, error) {
	s.mu.Lock()
	if p, ok := s.procs[name]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	// Spawn outside the table lock; the warm-up delay must not block
	// calls to other backends.
	p, err := s.spawn(name, cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.procs[name]; ok {
		// Lost the spawn race; keep the winner.
		s.kill(name, p)
		return existing, nil
	}
	s.procs[name] = p
	return p, nil
}

func (s *Supervisor) spawn(name string, cfg Config) (*process, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("gateway: empty command for backend %q", name)
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("gateway: stdin pipe for %s: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("gateway: stdout pipe for %s: %w", name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("gateway: start %s backend: %w", name, err)
	}

	s.logger.Info("backend process spawned",
		zap.String("backend", name),
		zap.Int("pid", cmd.Process.Pid),
	)

	if cfg.WarmUp > 0 {
		time.Sleep(cfg.WarmUp)
	}

	return &process{
		cmd:           cmd,
		stdin:         stdin,
		stdout:        bufio.NewReader(stdout),
		lastHealthyAt: time.Now(),
	}, nil
}

// readLine blocks for one response line under the backend's budget.
type readResult struct {
	line []byte
	err  error
}

func (s *Supervisor) readLine(ctx context.Context, p *process, timeout time.Duration) ([]byte, error) {
	ch := make(chan readResult, 1)
	go func() {
		line, err := p.stdout.ReadBytes('\n')
		ch <- readResult{line: line, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("gateway: read from backend: %w", res.err)
		}
		return res.line[:len(res.line)-1], nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// invalidate tears down a failed process and removes it from the table,
// unless the table already holds a newer process for that name.
func (s *Supervisor) invalidate(name string, p *process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.procs[name]; ok && current == p {
		delete(s.procs, name)
	}
	s.kill(name, p)
}

func (s *Supervisor) kill(name string, p *process) {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil {
			s.logger.Warn("backend process kill failed",
				zap.String("backend", name),
				zap.Error(err),
			)
		}
		// Reap so the child doesn't linger as a zombie.
		go func() { _ = p.cmd.Wait() }()
	}
	s.logger.Info("backend process discarded", zap.String("backend", name))
}
