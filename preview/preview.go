// Package preview supervises the single child process that serves the
// generated app. The process is started in the working directory and is
// reused until Stop is called or it dies.
package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrLaunch is returned when the preview process cannot be started or
// never becomes ready. The caller must tell the user the preview is unavailable.
var ErrLaunch = errors.New("preview launch failed")

// State of the preview process.
type State int

const (
	StateAbsent State = iota
	StateStarting
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// DefaultCommand runs Shiny with autoreload; "{port}" is substituted.
var DefaultCommand = []string{"shiny", "run", "-r", "--port", "{port}"}

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	Command      []string
	Port         int
	Host         string
	Env          []string
	ReadyTimeout time.Duration
	PollInterval time.Duration
	// Settle is how long the child must stay alive after the first good probe.
	Settle time.Duration
	// Probe reports nil once the process serves requests. Defaults to an HTTP GET on URL().
	Probe   func(ctx context.Context, url string) error
	Output  io.Writer
	Logger  *log.Logger
	Verbose bool
}

// Manager owns at most one live preview process.
type Manager struct {
	opts Options

	mu    sync.Mutex
	state State
	proc  *process
	dir   string
}

// process is one launched child; err is valid once exited is closed.
type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func NewManager(opts Options) *Manager {
	if len(opts.Command) == 0 {
		opts.Command = DefaultCommand
	}
	if opts.Port <= 0 {
		opts.Port = 8989
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Settle <= 0 {
		opts.Settle = 300 * time.Millisecond
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	m := &Manager{opts: opts}
	if m.opts.Probe == nil {
		client := &http.Client{Timeout: time.Second}
		m.opts.Probe = func(ctx context.Context, url string) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			return nil
		}
	}
	return m
}

func (m *Manager) infof(format string, args ...interface{}) {
	if !m.opts.Verbose {
		return
	}
	m.opts.Logger.Printf("[INFO] [preview] "+format, args...)
}

// URL is the address the preview serves on.
func (m *Manager) URL() string {
	return fmt.Sprintf("http://%s:%d/", m.opts.Host, m.opts.Port)
}

// State returns the current state. A process that died on its own reads as Stopped.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRunning && (m.proc == nil || !m.proc.alive()) {
		return StateStopped
	}
	return m.state
}

// PID returns the live process id, or 0.
func (m *Manager) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc == nil || !m.proc.alive() {
		return 0
	}
	return m.proc.cmd.Process.Pid
}

// Dir is the working directory of the current process.
func (m *Manager) Dir() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dir
}

// EnsureStarted launches the preview in dir unless one is already running,
// then waits until it answers the readiness probe. A running process is
// reused as is, even if dir differs.
func (m *Manager) EnsureStarted(ctx context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateRunning && m.proc != nil && m.proc.alive() {
		return nil
	}
	if m.proc != nil {
		if !m.proc.alive() {
			m.opts.Logger.Printf("[preview] previous process exited (%v), restarting", m.proc.err)
		}
		m.killLocked()
	}

	m.state = StateStarting
	args := m.expand(m.opts.Command)
	// 端口被占用时探测会命中别人的服务，必须在启动前拒绝。
	if err := m.checkPortFree(); err != nil {
		m.state = StateStopped
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), m.opts.Env...)
	cmd.Stdout = m.opts.Output
	cmd.Stderr = m.opts.Output
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		m.state = StateStopped
		return fmt.Errorf("%w: start %s: %v", ErrLaunch, strings.Join(args, " "), err)
	}
	p := &process{cmd: cmd, exited: make(chan struct{})}
	m.proc, m.dir = p, dir
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()
	m.infof("started pid=%d dir=%s cmd=%q", cmd.Process.Pid, dir, args)

	start := time.Now()
	if err := m.waitReady(ctx, p); err != nil {
		m.killLocked()
		m.state = StateStopped
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	m.state = StateRunning
	m.opts.Logger.Printf("[preview] ready at %s pid=%d (%.1fs)", m.URL(), cmd.Process.Pid, time.Since(start).Seconds())
	return nil
}

// Stop kills the preview process, if any, and clears the handle so the
// next EnsureStarted launches a fresh one.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc != nil {
		m.infof("stopping pid=%d", m.proc.cmd.Process.Pid)
		m.killLocked()
	}
	m.state = StateStopped
	return nil
}

// waitReady polls the probe with exponential backoff until it succeeds,
// the process exits, ctx ends or ReadyTimeout passes.
func (m *Manager) waitReady(ctx context.Context, p *process) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ReadyTimeout)
	defer cancel()

	delay := m.opts.PollInterval
	var lastErr error
	for {
		probeCtx, probeCancel := context.WithTimeout(ctx, time.Second)
		lastErr = m.opts.Probe(probeCtx, m.URL())
		probeCancel()
		if lastErr == nil {
			return m.settle(ctx, p)
		}

		timer := time.NewTimer(delay)
		select {
		case <-p.exited:
			timer.Stop()
			return fmt.Errorf("process exited before becoming ready: %v", p.err)
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("not ready after %s: %v", m.opts.ReadyTimeout, lastErr)
		case <-timer.C:
		}
		if delay *= 2; delay > time.Second {
			delay = time.Second
		}
	}
}

// settle confirms the child survives a short grace period after the first
// good probe, so a server that answered on its behalf is not mistaken for it.
func (m *Manager) settle(ctx context.Context, p *process) error {
	timer := time.NewTimer(m.opts.Settle)
	defer timer.Stop()
	select {
	case <-p.exited:
		return fmt.Errorf("process exited right after becoming ready: %v", p.err)
	case <-ctx.Done():
		return fmt.Errorf("not ready after %s: %v", m.opts.ReadyTimeout, ctx.Err())
	case <-timer.C:
	}
	if !p.alive() {
		return fmt.Errorf("process exited right after becoming ready: %v", p.err)
	}
	return nil
}

func (m *Manager) checkPortFree() error {
	addr := net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %s unavailable: %v", addr, err)
	}
	return l.Close()
}

// killLocked terminates the process group and waits briefly for the reaper.
func (m *Manager) killLocked() {
	p := m.proc
	m.proc = nil
	if p == nil {
		return
	}
	if p.alive() {
		if err := killProcess(p.cmd); err != nil {
			m.infof("kill pid=%d: %v", p.cmd.Process.Pid, err)
		}
	}
	select {
	case <-p.exited:
	case <-time.After(5 * time.Second):
		m.opts.Logger.Printf("[preview] pid=%d did not exit after kill", p.cmd.Process.Pid)
	}
}

func (m *Manager) expand(args []string) []string {
	out := make([]string, len(args))
	port := strconv.Itoa(m.opts.Port)
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, "{port}", port)
	}
	return out
}
