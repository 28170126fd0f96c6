// Package mcp manages the stdio subprocess servers capabilities depend on:
// lazy spawn with an initialize handshake, NDJSON JSON-RPC multiplexing by
// request id, idle expiry, and orderly shutdown.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Casys-AI/pmlrun/internal/capability"
	"github.com/Casys-AI/pmlrun/internal/errdefs"
	"github.com/Casys-AI/pmlrun/internal/version"
)

// Default timers.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultIdleTimeout    = 5 * time.Minute
)

// Options configures a Manager.
type Options struct {
	// RequestTimeout bounds each request, the handshake included.
	RequestTimeout time.Duration
	// IdleTimeout shuts a handle down after that long without a
	// successful call.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// Manager owns every running subprocess, keyed by dependency name.
type Manager struct {
	requestTimeout time.Duration
	idleTimeout    time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

// NewManager creates an empty Manager.
func NewManager(opts Options) *Manager {
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		requestTimeout: requestTimeout,
		idleTimeout:    idleTimeout,
		logger:         logger.With(slog.String("component", "mcp")),
		handles:        make(map[string]*handle),
	}
}

// GetOrSpawn ensures a live, handshaken handle exists for dep. A crashed
// handle is replaced by a fresh spawn; a live one is a no-op. Concurrent
// calls for the same dependency join the in-flight handshake instead of
// spawning twice, and the manager lock is never held while waiting, so one
// slow spawn cannot stall calls to unrelated subprocesses.
func (m *Manager) GetOrSpawn(ctx context.Context, dep capability.Dependency) error {
	m.mu.Lock()
	if h, ok := m.handles[dep.Name]; ok && !h.isClosed() {
		m.mu.Unlock()
		return h.awaitReady(ctx)
	}
	h, program, err := m.startLocked(dep)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if err := h.handshake(ctx, m.requestTimeout, version.GitCommit); err != nil {
		wrapped := errdefs.Wrap(errdefs.KindSubprocessSpawnFailed,
			fmt.Sprintf("handshake with %s failed", dep.Name), err).
			With("dependency", dep.Name)
		h.finishReady(wrapped)
		h.shutdown(errdefs.Newf(errdefs.KindSubprocessSpawnFailed,
			"handshake with %s failed", dep.Name).With("dependency", dep.Name))
		m.mu.Lock()
		if m.handles[dep.Name] == h {
			delete(m.handles, dep.Name)
		}
		m.mu.Unlock()
		return wrapped
	}

	h.mu.Lock()
	h.idleTimer = time.AfterFunc(m.idleTimeout, func() { m.idleExpire(dep.Name, h) })
	h.mu.Unlock()
	h.finishReady(nil)

	m.logger.Info("spawned subprocess",
		"dependency", dep.Name, "program", program, "pid", h.cmd.Process.Pid)
	return nil
}

// startLocked launches the process and registers its handle. The handshake
// is the caller's job, outside the manager lock; the returned handle is not
// ready until finishReady runs.
func (m *Manager) startLocked(dep capability.Dependency) (*handle, string, error) {
	program, args, err := dep.LaunchCommand()
	if err != nil {
		return nil, "", errdefs.Wrap(errdefs.KindSubprocessSpawnFailed,
			fmt.Sprintf("cannot resolve launch command for %s", dep.Name), err).
			With("dependency", dep.Name)
	}

	cmd := exec.Command(program, args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", errdefs.Wrap(errdefs.KindSubprocessSpawnFailed,
			fmt.Sprintf("cannot open stdin for %s", dep.Name), err).
			With("dependency", dep.Name)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, "", errdefs.Wrap(errdefs.KindSubprocessSpawnFailed,
			fmt.Sprintf("cannot open stdout for %s", dep.Name), err).
			With("dependency", dep.Name)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, "", errdefs.Wrap(errdefs.KindSubprocessSpawnFailed,
			fmt.Sprintf("cannot open stderr for %s", dep.Name), err).
			With("dependency", dep.Name)
	}

	if err := cmd.Start(); err != nil {
		return nil, "", errdefs.Wrap(errdefs.KindSubprocessSpawnFailed,
			fmt.Sprintf("cannot start %s", program), err).
			With("dependency", dep.Name).With("program", program)
	}

	h := newHandle(dep.Name, cmd, stdin, m.logger)
	m.handles[dep.Name] = h

	go h.readLoop(stdout, func() { m.handleExit(dep.Name, h) })
	go h.drainStderr(stderr)
	return h, program, nil
}

// handleExit runs when a handle's stdout closes: every pending request is
// rejected, the process is reaped, and the registration is dropped so the
// next GetOrSpawn starts fresh.
func (m *Manager) handleExit(name string, h *handle) {
	h.rejectAll(errdefs.Newf(errdefs.KindSubprocessCallFailed,
		"subprocess %s exited", name).With("dependency", name))
	h.stopIdleTimer()
	_ = h.cmd.Wait()

	m.mu.Lock()
	if m.handles[name] == h {
		delete(m.handles, name)
	}
	m.mu.Unlock()

	if !h.isClosed() {
		m.logger.Warn("subprocess exited unexpectedly", "dependency", name)
	}
}

func (m *Manager) idleExpire(name string, h *handle) {
	m.logger.Info("shutting down idle subprocess", "dependency", name)
	m.mu.Lock()
	if m.handles[name] == h {
		delete(m.handles, name)
	}
	m.mu.Unlock()
	h.shutdown(errdefs.Newf(errdefs.KindSubprocessCallFailed,
		"subprocess %s shut down idle", name).With("dependency", name))
}

// Call sends one JSON-RPC request to the named subprocess and returns the
// raw result. A successful call refreshes the handle's idle timer.
func (m *Manager) Call(ctx context.Context, name, method string, params any) (json.RawMessage, error) {
	m.mu.Lock()
	h, ok := m.handles[name]
	m.mu.Unlock()
	if !ok {
		return nil, errdefs.Newf(errdefs.KindSubprocessCallFailed,
			"no running subprocess for %s", name).With("dependency", name)
	}

	result, err := h.call(ctx, method, params, m.requestTimeout)
	if err != nil {
		return nil, err
	}
	h.touch(m.idleTimeout)
	return result, nil
}

// CallTool invokes tools/call with the bare action name.
func (m *Manager) CallTool(ctx context.Context, name, action string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	return m.Call(ctx, name, MethodToolsCall, ToolCallParams{Name: action, Arguments: args})
}

// Shutdown terminates the named subprocess. Unknown names are a no-op.
func (m *Manager) Shutdown(name string) {
	m.mu.Lock()
	h, ok := m.handles[name]
	delete(m.handles, name)
	m.mu.Unlock()
	if !ok {
		return
	}
	h.shutdown(errdefs.Newf(errdefs.KindSubprocessCallFailed,
		"subprocess %s shut down", name).With("dependency", name))
}

// ShutdownAll clears every idle timer, then terminates all handles.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*handle)
	m.mu.Unlock()

	for _, h := range handles {
		h.stopIdleTimer()
	}

	var g errgroup.Group
	for name, h := range handles {
		g.Go(func() error {
			h.shutdown(errdefs.Newf(errdefs.KindSubprocessCallFailed,
				"subprocess %s shut down", name).With("dependency", name))
			return nil
		})
	}
	_ = g.Wait()
}

// Running returns the names of live handles, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.handles))
	for name, h := range m.handles {
		if !h.isClosed() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// PendingCount returns how many requests are in flight for name.
func (m *Manager) PendingCount(name string) int {
	m.mu.Lock()
	h, ok := m.handles[name]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return h.pendingCount()
}

// LastActivity returns when the named handle last completed a call.
func (m *Manager) LastActivity(name string) (time.Time, bool) {
	m.mu.Lock()
	h, ok := m.handles[name]
	m.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity, true
}
