package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Casys-AI/pmlrun/internal/errdefs"
)

// nopHandler rejects every tool call; for code that makes none.
func nopHandler(ctx context.Context, toolID string, args map[string]any, parentTraceID string) (map[string]any, error) {
	return nil, errdefs.Newf(errdefs.KindToolDenied, "unexpected tool call %s", toolID)
}

func TestExecutor_Execute_RunFunction(t *testing.T) {
	e := NewExecutor(Options{})

	out, err := e.Execute(context.Background(),
		`def run(args):
    return "ok"
`, "run", nil, nopHandler)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "ok", out.Value)
	assert.Empty(t, out.UIResources)
}

func TestExecutor_Execute_DispatchByActionName(t *testing.T) {
	e := NewExecutor(Options{})
	code := `def fetch_weather(args):
    return {"city": args["city"], "temp": 21}

def other(args):
    return "wrong function"
`

	out, err := e.Execute(context.Background(), code, "fetch_weather",
		map[string]any{"city": "Paris"}, nopHandler)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "Paris", "temp": int64(21)}, out.Value)
}

func TestExecutor_Execute_RunFallback(t *testing.T) {
	e := NewExecutor(Options{})

	out, err := e.Execute(context.Background(),
		`def run(args):
    return "fallback"
`, "some_other_action", nil, nopHandler)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out.Value)
}

func TestExecutor_Execute_MethodNotFound(t *testing.T) {
	e := NewExecutor(Options{})

	_, err := e.Execute(context.Background(),
		`def helper(args):
    return 1
`, "missing", nil, nopHandler)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindMethodNotFound, errdefs.KindOf(err))
}

func TestExecutor_Execute_SyntaxError(t *testing.T) {
	e := NewExecutor(Options{})

	_, err := e.Execute(context.Background(), `def run(args) return`, "run", nil, nopHandler)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindModuleImportFailed, errdefs.KindOf(err))
}

func TestExecutor_Execute_CodeError(t *testing.T) {
	e := NewExecutor(Options{})

	_, err := e.Execute(context.Background(),
		`def run(args):
    return args["missing_key"]
`, "run", map[string]any{}, nopHandler)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindCodeError, errdefs.KindOf(err))
}

func TestExecutor_Execute_NoAmbientAuthority(t *testing.T) {
	e := NewExecutor(Options{})

	// None of the host-language escape hatches exist in the interpreter.
	for _, code := range []string{
		`def run(args):
    return open("/etc/passwd")
`,
		`def run(args):
    import os
    return os.environ
`,
	} {
		_, err := e.Execute(context.Background(), code, "run", nil, nopHandler)
		require.Error(t, err, "code %q must not run", code)
	}
}

func TestExecutor_Execute_ProxyCall(t *testing.T) {
	e := NewExecutor(Options{})

	var gotTool string
	var gotArgs map[string]any
	var gotParent string
	handler := func(ctx context.Context, toolID string, args map[string]any, parentTraceID string) (map[string]any, error) {
		gotTool = toolID
		gotArgs = args
		gotParent = parentTraceID
		assert.NotEmpty(t, CorrelationID(ctx))
		return map[string]any{"status": "stored"}, nil
	}

	out, err := e.Execute(context.Background(),
		`def run(args):
    res = mcp.memory.store({"key": "city", "value": args["city"]})
    return res["status"]
`, "run", map[string]any{"city": "Paris"}, handler)
	require.NoError(t, err)
	assert.Equal(t, "stored", out.Value)
	assert.Equal(t, "memory:store", gotTool)
	assert.Equal(t, map[string]any{"key": "city", "value": "Paris"}, gotArgs)
	assert.NotEmpty(t, gotParent)
}

func TestExecutor_Execute_ProxyKwargs(t *testing.T) {
	e := NewExecutor(Options{})

	handler := func(ctx context.Context, toolID string, args map[string]any, parentTraceID string) (map[string]any, error) {
		return map[string]any{"echo": args}, nil
	}

	out, err := e.Execute(context.Background(),
		`def run(args):
    return mcp.github.create_issue(title="bug", labels=["p1"])
`, "run", nil, handler)
	require.NoError(t, err)
	result := out.Value.(map[string]any)
	assert.Equal(t, map[string]any{"title": "bug", "labels": []any{"p1"}}, result["echo"])
}

func TestExecutor_Execute_ProxyErrorRaisesInCode(t *testing.T) {
	e := NewExecutor(Options{})

	handler := func(ctx context.Context, toolID string, args map[string]any, parentTraceID string) (map[string]any, error) {
		return nil, errdefs.New(errdefs.KindToolDenied, "policy denies ssh:connect").WithTool(toolID)
	}

	_, err := e.Execute(context.Background(),
		`def run(args):
    return mcp.ssh.connect({})
`, "run", nil, handler)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindToolDenied, errdefs.KindOf(err),
		"handler errors keep their kind through the interpreter")
}

func TestExecutor_Execute_ExecutionTimeout(t *testing.T) {
	e := NewExecutor(Options{ExecutionTimeout: 300 * time.Millisecond})

	_, err := e.Execute(context.Background(),
		`def run(args):
    x = 0
    for i in range(1000000000):
        x += i
    return x
`, "run", nil, nopHandler)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindExecutionTimeout, errdefs.KindOf(err))
}

func TestExecutor_Execute_CallerCancellation(t *testing.T) {
	e := NewExecutor(Options{ExecutionTimeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := e.Execute(ctx,
		`def run(args):
    x = 0
    for i in range(1000000000):
        x += i
    return x
`, "run", nil, nopHandler)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled,
		"cancellation is the caller's doing, not a code error")
	assert.NotEqual(t, errdefs.KindCodeError, errdefs.KindOf(err))
}

func TestExecutor_Execute_RPCTimeout(t *testing.T) {
	e := NewExecutor(Options{
		ExecutionTimeout: 5 * time.Second,
		RPCTimeout:       200 * time.Millisecond,
	})

	handler := func(ctx context.Context, toolID string, args map[string]any, parentTraceID string) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := e.Execute(context.Background(),
		`def run(args):
    return mcp.slow.tool({})
`, "run", nil, handler)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindRPCTimeout, errdefs.KindOf(err),
		"rpc timeout is distinct from execution timeout")
}

func TestExecutor_Execute_CollectsUIResources(t *testing.T) {
	e := NewExecutor(Options{})

	handler := func(ctx context.Context, toolID string, args map[string]any, parentTraceID string) (map[string]any, error) {
		return map[string]any{
			"rows": []any{"a", "b"},
			"_meta": map[string]any{
				"ui": map[string]any{
					"resourceUri": "ui://table/main",
					"context":     map[string]any{"title": "Results"},
				},
			},
		}, nil
	}

	out, err := e.Execute(context.Background(),
		`def run(args):
    first = mcp.db.query({"sql": "select 1"})
    second = mcp.db.query({"sql": "select 2"})
    return first["rows"]
`, "run", nil, handler)
	require.NoError(t, err)

	require.Len(t, out.UIResources, 2)
	assert.Equal(t, "db:query", out.UIResources[0].Source)
	assert.Equal(t, "ui://table/main", out.UIResources[0].ResourceURI)
	assert.Equal(t, 0, out.UIResources[0].Slot)
	assert.Equal(t, 1, out.UIResources[1].Slot)
	assert.Equal(t, "Results", out.UIResources[0].Context["title"])
	assert.Equal(t, map[string]any{"sql": "select 1"}, out.UIResources[0].Context["_args"])

	// The _meta envelope never reaches the code.
	assert.Equal(t, []any{"a", "b"}, out.Value)
}

func TestExecutor_Shutdown(t *testing.T) {
	e := NewExecutor(Options{})
	assert.True(t, e.Active())

	e.Shutdown()
	e.Shutdown() // idempotent
	assert.False(t, e.Active())

	_, err := e.Execute(context.Background(), `def run(args): return 1`, "run", nil, nopHandler)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindWorkerTerminated, errdefs.KindOf(err))
}
