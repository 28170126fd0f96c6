package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/Casys-AI/pmlrun/internal/errdefs"
)

// pendingCall is one in-flight request awaiting its response.
type pendingCall struct {
	method string
	sentAt time.Time
	done   chan callOutcome
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

// handle owns one running subprocess: the write half of its stdin, the
// pending-request ring, the id counter, and the idle timer. Request ids are
// unique for the life of the handle; the reader goroutine demultiplexes
// responses by id.
type handle struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	// writeMu serializes stdin writes; writeErr is sticky after the first
	// failed write.
	writeMu  sync.Mutex
	writeErr error

	mu           sync.Mutex
	pending      map[int64]*pendingCall
	nextID       int64
	lastActivity time.Time
	idleTimer    *time.Timer
	closed       bool

	// ready closes once the handshake has finished; readyErr is its outcome
	// and must only be read after ready is closed.
	ready    chan struct{}
	readyErr error
}

func newHandle(name string, cmd *exec.Cmd, stdin io.WriteCloser, logger *slog.Logger) *handle {
	return &handle{
		name:         name,
		cmd:          cmd,
		stdin:        stdin,
		logger:       logger,
		pending:      make(map[int64]*pendingCall),
		lastActivity: time.Now(),
		ready:        make(chan struct{}),
	}
}

// finishReady publishes the handshake outcome and releases every goroutine
// blocked in awaitReady.
func (h *handle) finishReady(err error) {
	h.readyErr = err
	close(h.ready)
}

// awaitReady blocks until the handshake outcome is known or ctx expires.
func (h *handle) awaitReady(ctx context.Context) error {
	select {
	case <-h.ready:
		return h.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call sends one request and waits for its response, the per-request
// timeout, or ctx.
func (h *handle) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errdefs.Newf(errdefs.KindSubprocessCallFailed,
			"subprocess %s has shut down", h.name).With("dependency", h.name)
	}
	h.nextID++
	id := h.nextID
	pc := &pendingCall{method: method, sentAt: time.Now(), done: make(chan callOutcome, 1)}
	h.pending[id] = pc
	h.mu.Unlock()

	if err := h.send(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		h.unregister(id)
		return nil, errdefs.Wrap(errdefs.KindSubprocessCallFailed,
			fmt.Sprintf("cannot write to subprocess %s", h.name), err).
			With("dependency", h.name).With("method", method)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-pc.done:
		return out.result, out.err
	case <-timer.C:
		h.unregister(id)
		return nil, errdefs.Newf(errdefs.KindSubprocessTimeout,
			"subprocess %s did not answer %s within %s", h.name, method, timeout).
			With("dependency", h.name).With("method", method)
	case <-ctx.Done():
		h.unregister(id)
		return nil, ctx.Err()
	}
}

// notify sends a request without an id; no response is expected.
func (h *handle) notify(method string, params any) error {
	return h.send(request{JSONRPC: "2.0", Method: method, Params: params})
}

func (h *handle) send(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.writeErr != nil {
		return h.writeErr
	}
	if _, err := h.stdin.Write(data); err != nil {
		h.writeErr = err
		return err
	}
	return nil
}

func (h *handle) unregister(id int64) *pendingCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	pc := h.pending[id]
	delete(h.pending, id)
	return pc
}

// touch refreshes the activity timestamp and re-arms the idle timer.
func (h *handle) touch(idle time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity = time.Now()
	if h.idleTimer != nil && !h.closed {
		h.idleTimer.Reset(idle)
	}
}

func (h *handle) pendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func (h *handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *handle) stopIdleTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.idleTimer != nil {
		h.idleTimer.Stop()
	}
}

// rejectAll fails every in-flight request with err.
func (h *handle) rejectAll(err error) {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[int64]*pendingCall)
	h.mu.Unlock()
	for _, pc := range pending {
		pc.done <- callOutcome{err: err}
	}
}

// shutdown tears the subprocess down: idle timer off, every pending request
// rejected, stdin closed, SIGTERM sent. The reader goroutine observes the
// pipes closing and reaps the process. Idempotent.
func (h *handle) shutdown(reason error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	if h.idleTimer != nil {
		h.idleTimer.Stop()
	}
	h.mu.Unlock()

	h.rejectAll(reason)
	_ = h.stdin.Close()
	if h.cmd.Process != nil {
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			_ = h.cmd.Process.Kill()
		}
	}
}

// readLoop consumes stdout. Bytes accumulate in a residual buffer; complete
// newline-terminated JSON objects are peeled off, partial tails stay
// buffered for the next read. onExit runs once when the pipe closes.
func (h *handle) readLoop(r io.Reader, onExit func()) {
	buf := make([]byte, 8192)
	var residual []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			residual = append(residual, buf[:n]...)
			for {
				idx := bytes.IndexByte(residual, '\n')
				if idx < 0 {
					break
				}
				line := residual[:idx]
				residual = residual[idx+1:]
				h.dispatch(line)
			}
		}
		if err != nil {
			break
		}
	}
	onExit()
}

// dispatch routes one framed message to its pending request.
func (h *handle) dispatch(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		h.logger.Warn("subprocess emitted unparseable output",
			"dependency", h.name, "error", err)
		return
	}
	if resp.Method != "" {
		// Server-initiated notification or request; the runtime makes no
		// use of these and never answers them.
		h.logger.Debug("unsolicited subprocess message",
			"dependency", h.name, "method", resp.Method)
		return
	}
	if resp.ID == nil {
		return
	}

	pc := h.unregister(*resp.ID)
	if pc == nil {
		// Response to a request that already timed out.
		h.logger.Debug("late subprocess response discarded",
			"dependency", h.name, "id", *resp.ID)
		return
	}

	if resp.Error != nil {
		pc.done <- callOutcome{err: errdefs.Newf(errdefs.KindSubprocessCallFailed,
			"subprocess %s failed %s: %s", h.name, pc.method, resp.Error.Message).
			With("dependency", h.name).
			With("code", resp.Error.Code).
			With("message", resp.Error.Message)}
		return
	}
	pc.done <- callOutcome{result: resp.Result}
}

// drainStderr logs subprocess diagnostics; read errors are discarded.
func (h *handle) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		h.logger.Debug("subprocess stderr", "dependency", h.name, "line", scanner.Text())
	}
}

// handshake performs initialize → await response → initialized.
func (h *handle) handshake(ctx context.Context, timeout time.Duration, version string) error {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "pmlrun", Version: version},
	}
	if _, err := h.call(ctx, methodInitialize, params, timeout); err != nil {
		return err
	}
	return h.notify(methodInitialized, map[string]any{})
}
