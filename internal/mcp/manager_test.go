package mcp

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Casys-AI/pmlrun/internal/capability"
	"github.com/Casys-AI/pmlrun/internal/errdefs"
)

// TestHelperProcess is not a test: re-executed via the helper-process
// pattern, it hosts a real MCP stdio server built with the official SDK, so
// manager tests exercise both ends of the wire protocol.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_MCP_HELPER") != "1" {
		return
	}

	server := gomcp.NewServer(&gomcp.Implementation{
		Name:    "pmlrun-test-server",
		Version: "0.0.1",
	}, nil)

	server.AddTool(&gomcp.Tool{
		Name:        "echo",
		Description: "returns its arguments as JSON text",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		data, _ := json.Marshal(req.Params.Arguments)
		return &gomcp.CallToolResult{
			Content: []gomcp.Content{&gomcp.TextContent{Text: string(data)}},
		}, nil
	})

	server.AddTool(&gomcp.Tool{
		Name:        "never",
		Description: "never answers",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_ = server.Run(context.Background(), &gomcp.StdioTransport{})
	os.Exit(0)
}

// helperDep points a dependency at the re-executed test binary.
func helperDep(t *testing.T, name string) capability.Dependency {
	t.Helper()
	t.Setenv("GO_MCP_HELPER", "1")
	return capability.Dependency{
		Name:    name,
		Type:    capability.DependencyTypeStdio,
		Version: "0.0.1",
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess"},
	}
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m := NewManager(opts)
	t.Cleanup(m.ShutdownAll)
	return m
}

func TestManager_GetOrSpawn_HandshakeAndReuse(t *testing.T) {
	m := newTestManager(t, Options{})
	dep := helperDep(t, "testsrv")

	require.NoError(t, m.GetOrSpawn(context.Background(), dep))
	assert.Equal(t, []string{"testsrv"}, m.Running())

	// A second spawn for a live handle is a no-op.
	require.NoError(t, m.GetOrSpawn(context.Background(), dep))
	assert.Equal(t, []string{"testsrv"}, m.Running())
}

func TestManager_GetOrSpawn_BadCommand(t *testing.T) {
	m := newTestManager(t, Options{RequestTimeout: 2 * time.Second})

	err := m.GetOrSpawn(context.Background(), capability.Dependency{
		Name:    "broken",
		Version: "1.0.0",
		Command: "/nonexistent/definitely-not-a-binary",
	})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindSubprocessSpawnFailed, errdefs.KindOf(err))
	assert.Empty(t, m.Running())
}

func TestManager_GetOrSpawn_HandshakeTimeout(t *testing.T) {
	m := newTestManager(t, Options{RequestTimeout: 500 * time.Millisecond})

	// cat never answers initialize.
	err := m.GetOrSpawn(context.Background(), capability.Dependency{
		Name:    "mute",
		Version: "1.0.0",
		Command: "cat",
	})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindSubprocessSpawnFailed, errdefs.KindOf(err))
	assert.Empty(t, m.Running())
}

func TestManager_GetOrSpawn_SlowSpawnDoesNotStallOtherHandles(t *testing.T) {
	m := newTestManager(t, Options{RequestTimeout: 2 * time.Second})
	dep := helperDep(t, "healthy")
	require.NoError(t, m.GetOrSpawn(context.Background(), dep))

	// cat never answers initialize, so this spawn hangs until the request
	// timeout expires.
	muteErrs := make(chan error, 1)
	go func() {
		muteErrs <- m.GetOrSpawn(context.Background(), capability.Dependency{
			Name:    "mute",
			Version: "1.0.0",
			Command: "cat",
		})
	}()
	require.Eventually(t, func() bool { return m.PendingCount("mute") == 1 },
		2*time.Second, 10*time.Millisecond, "mute handshake must be in flight")

	start := time.Now()
	_, err := m.CallTool(context.Background(), "healthy", "echo", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"a call to a live subprocess must not wait on an unrelated handshake")

	select {
	case err := <-muteErrs:
		require.Error(t, err)
		assert.Equal(t, errdefs.KindSubprocessSpawnFailed, errdefs.KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("mute spawn never resolved")
	}
	assert.Equal(t, []string{"healthy"}, m.Running())
}

func TestManager_GetOrSpawn_ConcurrentSameDepJoinsHandshake(t *testing.T) {
	m := newTestManager(t, Options{RequestTimeout: 1 * time.Second})

	// Both callers race the same never-answering dependency; each must get
	// the handshake failure rather than one returning early on a handle
	// that was never ready.
	dep := capability.Dependency{Name: "mute", Version: "1.0.0", Command: "cat"}
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- m.GetOrSpawn(context.Background(), dep) }()
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.Error(t, err)
			assert.Equal(t, errdefs.KindSubprocessSpawnFailed, errdefs.KindOf(err))
		case <-time.After(5 * time.Second):
			t.Fatal("spawn never resolved")
		}
	}
	assert.Empty(t, m.Running())
}

func TestManager_CallTool_RoundTrip(t *testing.T) {
	m := newTestManager(t, Options{})
	dep := helperDep(t, "testsrv")
	require.NoError(t, m.GetOrSpawn(context.Background(), dep))

	result, err := m.CallTool(context.Background(), "testsrv", "echo",
		map[string]any{"city": "Paris"})
	require.NoError(t, err)
	assert.Contains(t, string(result), "Paris")
	assert.Equal(t, 0, m.PendingCount("testsrv"), "pending table drains after the response")
}

func TestManager_Call_UnknownTool(t *testing.T) {
	m := newTestManager(t, Options{})
	dep := helperDep(t, "testsrv")
	require.NoError(t, m.GetOrSpawn(context.Background(), dep))

	_, err := m.CallTool(context.Background(), "testsrv", "no_such_tool", nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindSubprocessCallFailed, errdefs.KindOf(err))
}

func TestManager_Call_NoHandle(t *testing.T) {
	m := newTestManager(t, Options{})

	_, err := m.Call(context.Background(), "ghost", MethodToolsCall, nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindSubprocessCallFailed, errdefs.KindOf(err))
}

func TestManager_Call_TimeoutDrainsPending(t *testing.T) {
	m := newTestManager(t, Options{RequestTimeout: 400 * time.Millisecond})
	dep := helperDep(t, "testsrv")
	require.NoError(t, m.GetOrSpawn(context.Background(), dep))

	_, err := m.CallTool(context.Background(), "testsrv", "never", nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindSubprocessTimeout, errdefs.KindOf(err))
	assert.Equal(t, 0, m.PendingCount("testsrv"))

	// The handle survived the timeout; later calls still work.
	_, err = m.CallTool(context.Background(), "testsrv", "echo", nil)
	require.NoError(t, err)
}

func TestManager_Shutdown_RejectsPending(t *testing.T) {
	m := newTestManager(t, Options{RequestTimeout: 10 * time.Second})
	dep := helperDep(t, "testsrv")
	require.NoError(t, m.GetOrSpawn(context.Background(), dep))

	errs := make(chan error, 1)
	go func() {
		_, err := m.CallTool(context.Background(), "testsrv", "never", nil)
		errs <- err
	}()

	// Wait for the request to be in flight.
	require.Eventually(t, func() bool { return m.PendingCount("testsrv") == 1 },
		2*time.Second, 10*time.Millisecond)

	m.Shutdown("testsrv")

	select {
	case err := <-errs:
		require.Error(t, err)
		assert.Equal(t, errdefs.KindSubprocessCallFailed, errdefs.KindOf(err),
			"a shutdown rejection is terminal, not a timeout")
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not rejected on shutdown")
	}
	assert.Empty(t, m.Running())
}

func TestManager_IdleTimeout_ShutsDownHandle(t *testing.T) {
	m := newTestManager(t, Options{IdleTimeout: 300 * time.Millisecond})
	dep := helperDep(t, "testsrv")
	require.NoError(t, m.GetOrSpawn(context.Background(), dep))

	require.Eventually(t, func() bool { return len(m.Running()) == 0 },
		3*time.Second, 50*time.Millisecond, "idle handle must expire")
}

func TestManager_IdleTimeout_RearmedByCalls(t *testing.T) {
	m := newTestManager(t, Options{IdleTimeout: 500 * time.Millisecond})
	dep := helperDep(t, "testsrv")
	require.NoError(t, m.GetOrSpawn(context.Background(), dep))

	// Keep calling inside the idle window; the timer must keep re-arming.
	for i := 0; i < 5; i++ {
		time.Sleep(200 * time.Millisecond)
		_, err := m.CallTool(context.Background(), "testsrv", "echo", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"testsrv"}, m.Running())

	_, ok := m.LastActivity("testsrv")
	assert.True(t, ok)
}

func TestManager_RespawnAfterShutdown(t *testing.T) {
	m := newTestManager(t, Options{})
	dep := helperDep(t, "testsrv")

	require.NoError(t, m.GetOrSpawn(context.Background(), dep))
	m.Shutdown("testsrv")
	assert.Empty(t, m.Running())

	require.NoError(t, m.GetOrSpawn(context.Background(), dep))
	_, err := m.CallTool(context.Background(), "testsrv", "echo", nil)
	require.NoError(t, err)
}

func TestManager_ShutdownAll(t *testing.T) {
	m := newTestManager(t, Options{})
	require.NoError(t, m.GetOrSpawn(context.Background(), helperDep(t, "a")))
	require.NoError(t, m.GetOrSpawn(context.Background(), helperDep(t, "b")))
	require.Len(t, m.Running(), 2)

	m.ShutdownAll()
	assert.Empty(t, m.Running())
}
