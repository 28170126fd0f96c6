// Package sandbox executes capability code in an isolated Starlark
// interpreter. The code sees exactly two things: its arguments document and
// an `mcp` proxy whose attribute chain (mcp.<namespace>.<action>(args))
// transports each call back to the host. No filesystem, network,
// environment, or subprocess surface exists inside the interpreter.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.starlark.net/starlark"

	"github.com/Casys-AI/pmlrun/internal/errdefs"
)

// Default limits.
const (
	DefaultExecutionTimeout = 30 * time.Second
	DefaultRPCTimeout       = 10 * time.Second
)

// fallbackAction is dispatched when the requested action is not exported
// but a run function is.
const fallbackAction = "run"

// ToolCallHandler receives each mcp.* call the sandboxed code makes. The
// returned document is handed back to the code; an error is re-raised
// inside it.
type ToolCallHandler func(ctx context.Context, toolID string, args map[string]any, parentTraceID string) (map[string]any, error)

// UIResource is one collected UI-metadata tuple.
type UIResource struct {
	Source      string         `json:"source"`
	ResourceURI string         `json:"resource_uri"`
	Slot        int            `json:"slot"`
	Context     map[string]any `json:"context,omitempty"`
}

// Outcome is the result of one execution.
type Outcome struct {
	Success     bool
	Value       any
	Duration    time.Duration
	UIResources []UIResource
}

// Options configures an Executor.
type Options struct {
	// ExecutionTimeout bounds one Execute call wall-clock.
	ExecutionTimeout time.Duration
	// RPCTimeout bounds each mcp.* call independently.
	RPCTimeout time.Duration
	Logger     *slog.Logger
}

// Executor runs capability code. One Executor serves one loaded capability;
// Shutdown makes it permanently refuse work.
type Executor struct {
	executionTimeout time.Duration
	rpcTimeout       time.Duration
	logger           *slog.Logger

	mu       sync.Mutex
	shutdown bool
}

// NewExecutor builds an Executor.
func NewExecutor(opts Options) *Executor {
	executionTimeout := opts.ExecutionTimeout
	if executionTimeout <= 0 {
		executionTimeout = DefaultExecutionTimeout
	}
	rpcTimeout := opts.RPCTimeout
	if rpcTimeout <= 0 {
		rpcTimeout = DefaultRPCTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		executionTimeout: executionTimeout,
		rpcTimeout:       rpcTimeout,
		logger:           logger.With(slog.String("component", "sandbox")),
	}
}

// Shutdown terminates the executor. Idempotent; Execute fails with
// worker-terminated afterwards.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	e.shutdown = true
	e.mu.Unlock()
}

// Active reports whether the executor still accepts work.
func (e *Executor) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.shutdown
}

// Execute runs code's exported action with the given arguments. The code
// executes on its own goroutine; communication with it is message-only.
// Exceeding the wall-clock limit yields execution-timeout, an RPC exceeding
// its own limit yields rpc-timeout, and both are distinct from code errors.
func (e *Executor) Execute(ctx context.Context, code, action string, args map[string]any, handler ToolCallHandler) (*Outcome, error) {
	if !e.Active() {
		return nil, errdefs.New(errdefs.KindWorkerTerminated,
			"executor has shut down").WithTool(action)
	}

	start := time.Now()
	executionID := uuid.NewString()

	proxy := &mcpProxy{
		ctx:         ctx,
		handler:     handler,
		rpcTimeout:  e.rpcTimeout,
		executionID: executionID,
	}

	var timedOut atomic.Bool
	thread := &starlark.Thread{
		Name: "capability-" + executionID,
		Print: func(_ *starlark.Thread, msg string) {
			e.logger.Debug("capability print", "execution", executionID, "message", msg)
		},
	}

	type execResult struct {
		value any
		err   error
	}
	done := make(chan execResult, 1)

	go func() {
		value, err := runCapability(thread, code, action, args, proxy)
		done <- execResult{value: value, err: err}
	}()

	timer := time.NewTimer(e.executionTimeout)
	defer timer.Stop()

	var res execResult
	var cancelled atomic.Bool
	select {
	case res = <-done:
	case <-timer.C:
		timedOut.Store(true)
		thread.Cancel("execution timeout")
		res = <-done
	case <-ctx.Done():
		cancelled.Store(true)
		thread.Cancel("caller cancelled")
		res = <-done
	}

	outcome := &Outcome{
		Duration:    time.Since(start),
		UIResources: proxy.collected(),
	}

	if res.err != nil {
		if timedOut.Load() {
			return nil, errdefs.Newf(errdefs.KindExecutionTimeout,
				"execution exceeded %s", e.executionTimeout).WithTool(action)
		}
		if cancelled.Load() {
			// The caller asked to stop; this is not the code's fault.
			return nil, ctx.Err()
		}
		return nil, mapExecError(res.err, action)
	}

	outcome.Success = true
	outcome.Value = res.value
	return outcome, nil
}

// runCapability executes the module and dispatches the requested action.
func runCapability(thread *starlark.Thread, code, action string, args map[string]any, proxy *mcpProxy) (any, error) {
	predeclared := starlark.StringDict{"mcp": proxy}

	globals, err := starlark.ExecFile(thread, "capability.star", code, predeclared)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindModuleImportFailed,
			"capability code failed to load", err).WithTool(action)
	}

	fn := exportedFunction(globals, action)
	if fn == nil {
		fn = exportedFunction(globals, fallbackAction)
	}
	if fn == nil {
		return nil, errdefs.Newf(errdefs.KindMethodNotFound,
			"capability exports no %q (and no %q fallback)", action, fallbackAction).
			WithTool(action).With("exports", exportNames(globals))
	}

	argValue, err := goToStarlark(args)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCodeError, "arguments are not representable", err).
			WithTool(action)
	}

	result, err := starlark.Call(thread, fn, starlark.Tuple{argValue}, nil)
	if err != nil {
		return nil, err
	}
	return starlarkToGo(result)
}

func exportedFunction(globals starlark.StringDict, name string) starlark.Callable {
	v, ok := globals[name]
	if !ok {
		return nil
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return nil
	}
	return fn
}

// exportNames advertises the callable exports, for method-not-found context.
func exportNames(globals starlark.StringDict) []string {
	var names []string
	for name, v := range globals {
		if _, ok := v.(starlark.Callable); ok {
			names = append(names, name)
		}
	}
	return names
}

// mapExecError classifies an execution failure: kinds raised through the
// proxy (rpc-timeout, tool errors) pass through; everything else the code
// did wrong is code-error.
func mapExecError(err error, action string) error {
	if kind := errdefs.KindOf(err); kind != "" {
		return err
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return errdefs.Wrap(errdefs.KindCodeError,
			fmt.Sprintf("capability code raised: %s", evalErr.Msg), err).
			WithTool(action).With("backtrace", evalErr.Backtrace())
	}
	return errdefs.Wrap(errdefs.KindCodeError, "capability code failed", err).WithTool(action)
}
