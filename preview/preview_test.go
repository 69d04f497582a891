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
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test: it is the preview child spawned by
// the tests below, selected through PREVIEW_HELPER.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("PREVIEW_HELPER") != "1" {
		return
	}
	switch os.Getenv("PREVIEW_MODE") {
	case "exit":
		os.Exit(3)
	case "late":
		time.Sleep(150 * time.Millisecond)
		fmt.Fprintln(os.Stderr, "address already in use")
		os.Exit(1)
	case "hang":
		time.Sleep(time.Hour)
		os.Exit(0)
	}
	addr := "127.0.0.1:" + os.Getenv("PREVIEW_PORT")
	err := http.ListenAndServe(addr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wd, _ := os.Getwd()
		fmt.Fprint(w, wd)
	}))
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func helperManager(t *testing.T, mode string, timeout time.Duration) *Manager {
	t.Helper()
	port := freePort(t)
	m := NewManager(Options{
		Command: []string{os.Args[0], "-test.run=^TestHelperProcess$"},
		Port:    port,
		Env: []string{
			"PREVIEW_HELPER=1",
			"PREVIEW_PORT=" + strconv.Itoa(port),
			"PREVIEW_MODE=" + mode,
		},
		ReadyTimeout: timeout,
		PollInterval: 20 * time.Millisecond,
		Output:       io.Discard,
		Logger:       log.New(io.Discard, "", 0),
	})
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestEnsureStartedReusesRunningProcess(t *testing.T) {
	m := helperManager(t, "serve", 10*time.Second)
	require.Equal(t, StateAbsent, m.State())

	dir := t.TempDir()
	require.NoError(t, m.EnsureStarted(context.Background(), dir))
	require.Equal(t, StateRunning, m.State())
	pid := m.PID()
	require.NotZero(t, pid)
	require.Equal(t, dir, m.Dir())

	require.NoError(t, m.EnsureStarted(context.Background(), dir))
	require.Equal(t, pid, m.PID(), "second call must not spawn a new process")

	resp, err := http.Get(m.URL())
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	want, err := os.Stat(dir)
	require.NoError(t, err)
	got, err := os.Stat(string(body))
	require.NoError(t, err)
	require.True(t, os.SameFile(want, got), "preview must run in the working directory")
}

func TestStopClearsHandle(t *testing.T) {
	m := helperManager(t, "serve", 10*time.Second)
	dir := t.TempDir()

	require.NoError(t, m.EnsureStarted(context.Background(), dir))
	first := m.PID()

	require.NoError(t, m.Stop())
	require.Equal(t, StateStopped, m.State())
	require.Zero(t, m.PID())

	require.NoError(t, m.EnsureStarted(context.Background(), dir))
	require.Equal(t, StateRunning, m.State())
	require.NotEqual(t, first, m.PID())
}

func TestStopWithoutProcess(t *testing.T) {
	m := NewManager(Options{Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, m.Stop())
	require.Equal(t, StateStopped, m.State())
}

func TestEnsureStartedRestartsDeadProcess(t *testing.T) {
	m := helperManager(t, "serve", 10*time.Second)
	dir := t.TempDir()
	require.NoError(t, m.EnsureStarted(context.Background(), dir))

	proc, err := os.FindProcess(m.PID())
	require.NoError(t, err)
	require.NoError(t, proc.Kill())
	require.Eventually(t, func() bool { return m.State() == StateStopped }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.EnsureStarted(context.Background(), dir))
	require.Equal(t, StateRunning, m.State())
}

func TestEnsureStartedEarlyExit(t *testing.T) {
	m := helperManager(t, "exit", 10*time.Second)
	err := m.EnsureStarted(context.Background(), t.TempDir())
	require.True(t, errors.Is(err, ErrLaunch), "got %v", err)
	require.Equal(t, StateStopped, m.State())
	require.Zero(t, m.PID())
}

func TestEnsureStartedPortInUse(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer held.Close()
	go func() { _ = http.Serve(held, http.NotFoundHandler()) }()
	port := held.Addr().(*net.TCPAddr).Port

	m := NewManager(Options{
		Command:      []string{os.Args[0], "-test.run=^TestHelperProcess$"},
		Port:         port,
		Env:          []string{"PREVIEW_HELPER=1", "PREVIEW_PORT=" + strconv.Itoa(port), "PREVIEW_MODE=serve"},
		ReadyTimeout: 5 * time.Second,
		Output:       io.Discard,
		Logger:       log.New(io.Discard, "", 0),
	})
	t.Cleanup(func() { _ = m.Stop() })

	err = m.EnsureStarted(context.Background(), t.TempDir())
	require.ErrorIs(t, err, ErrLaunch)
	require.Contains(t, err.Error(), "unavailable")
	require.Equal(t, StateStopped, m.State())
	require.Zero(t, m.PID())
}

func TestEnsureStartedChildDiesAfterProbe(t *testing.T) {
	port := freePort(t)
	m := NewManager(Options{
		Command:      []string{os.Args[0], "-test.run=^TestHelperProcess$"},
		Port:         port,
		Env:          []string{"PREVIEW_HELPER=1", "PREVIEW_MODE=late"},
		ReadyTimeout: 5 * time.Second,
		Settle:       2 * time.Second,
		// answers at once, as a foreign server on the same port would
		Probe:  func(ctx context.Context, url string) error { return nil },
		Output: io.Discard,
		Logger: log.New(io.Discard, "", 0),
	})
	t.Cleanup(func() { _ = m.Stop() })

	err := m.EnsureStarted(context.Background(), t.TempDir())
	require.ErrorIs(t, err, ErrLaunch)
	require.Equal(t, StateStopped, m.State())
	require.Zero(t, m.PID())
}

func TestEnsureStartedReadyTimeout(t *testing.T) {
	m := helperManager(t, "hang", 300*time.Millisecond)
	start := time.Now()
	err := m.EnsureStarted(context.Background(), t.TempDir())
	require.ErrorIs(t, err, ErrLaunch)
	require.Less(t, time.Since(start), 8*time.Second)
	require.Equal(t, StateStopped, m.State())
}

func TestEnsureStartedBadCommand(t *testing.T) {
	m := NewManager(Options{
		Command: []string{"/nonexistent/preview-binary-for-test"},
		Logger:  log.New(io.Discard, "", 0),
	})
	err := m.EnsureStarted(context.Background(), t.TempDir())
	require.ErrorIs(t, err, ErrLaunch)
	require.Equal(t, StateStopped, m.State())
}

func TestCommandPortExpansion(t *testing.T) {
	m := NewManager(Options{Port: 9123})
	require.Equal(t, []string{"shiny", "run", "-r", "--port", "9123"}, m.expand(m.opts.Command))
	require.Equal(t, "http://127.0.0.1:9123/", m.URL())
	require.Equal(t, "running", StateRunning.String())
}
