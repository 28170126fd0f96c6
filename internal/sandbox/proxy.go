package sandbox

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.starlark.net/starlark"

	"github.com/Casys-AI/pmlrun/internal/errdefs"
	"github.com/Casys-AI/pmlrun/internal/toolid"
)

// mcpProxy is the only capability the sandboxed code holds. Attribute
// access yields namespace proxies; calling an action attribute ships an RPC
// to the host and suspends the code until the response or the RPC timeout.
type mcpProxy struct {
	ctx         context.Context
	handler     ToolCallHandler
	rpcTimeout  time.Duration
	executionID string

	mu        sync.Mutex
	resources []UIResource
}

var (
	_ starlark.Value    = (*mcpProxy)(nil)
	_ starlark.HasAttrs = (*mcpProxy)(nil)
)

func (p *mcpProxy) String() string        { return "<mcp>" }
func (p *mcpProxy) Type() string          { return "mcp" }
func (p *mcpProxy) Freeze()               {}
func (p *mcpProxy) Truth() starlark.Bool  { return starlark.True }
func (p *mcpProxy) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: mcp") }

func (p *mcpProxy) Attr(name string) (starlark.Value, error) {
	return &namespaceProxy{proxy: p, namespace: name}, nil
}

func (p *mcpProxy) AttrNames() []string { return nil }

// namespaceProxy is mcp.<namespace>; its attributes are callable actions.
type namespaceProxy struct {
	proxy     *mcpProxy
	namespace string
}

var (
	_ starlark.Value    = (*namespaceProxy)(nil)
	_ starlark.HasAttrs = (*namespaceProxy)(nil)
)

func (n *namespaceProxy) String() string        { return "<mcp." + n.namespace + ">" }
func (n *namespaceProxy) Type() string          { return "mcp_namespace" }
func (n *namespaceProxy) Freeze()               {}
func (n *namespaceProxy) Truth() starlark.Bool  { return starlark.True }
func (n *namespaceProxy) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: mcp_namespace") }

func (n *namespaceProxy) Attr(name string) (starlark.Value, error) {
	id := toolid.ID{Namespace: n.namespace, Action: name}
	return starlark.NewBuiltin(id.String(), func(
		thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
	) (starlark.Value, error) {
		callArgs, err := unpackCallArgs(fn.Name(), args, kwargs)
		if err != nil {
			return nil, err
		}
		return n.proxy.invoke(id, callArgs)
	}), nil
}

func (n *namespaceProxy) AttrNames() []string { return nil }

// unpackCallArgs accepts either one dict positional argument or keyword
// arguments, mirroring mcp.ns.action({...}) and mcp.ns.action(key=value).
func unpackCallArgs(name string, args starlark.Tuple, kwargs []starlark.Tuple) (map[string]any, error) {
	if len(args) > 1 {
		return nil, fmt.Errorf("%s: expected at most one positional argument, got %d", name, len(args))
	}
	out := map[string]any{}
	if len(args) == 1 {
		v, err := starlarkToGo(args[0])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		m, ok := v.(map[string]any)
		if !ok && v != nil {
			return nil, fmt.Errorf("%s: positional argument must be a dict", name)
		}
		if m != nil {
			out = m
		}
	}
	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		v, err := starlarkToGo(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[key] = v
	}
	return out, nil
}

// invoke ships one tool call to the host with a fresh correlation id and a
// bounded wait. The handler runs outside the interpreter; only messages
// cross back.
func (p *mcpProxy) invoke(id toolid.ID, args map[string]any) (starlark.Value, error) {
	correlationID := uuid.NewString()

	ctx, cancel := context.WithTimeout(p.ctx, p.rpcTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, correlationKey{}, correlationID)

	type rpcResult struct {
		result map[string]any
		err    error
	}
	done := make(chan rpcResult, 1)
	go func() {
		result, err := p.handler(ctx, id.String(), args, p.executionID)
		done <- rpcResult{result: result, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		p.collectUI(id, args, res.result)
		return goToStarlark(stripMeta(res.result))
	case <-ctx.Done():
		if p.ctx.Err() != nil {
			return nil, p.ctx.Err()
		}
		return nil, errdefs.Newf(errdefs.KindRPCTimeout,
			"tool call %s did not answer within %s", id, p.rpcTimeout).
			WithTool(id.String()).With("correlation_id", correlationID)
	}
}

// correlationKey carries the per-call correlation id in the handler context.
type correlationKey struct{}

// CorrelationID extracts the RPC correlation id from a handler context.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// collectUI records a {_meta:{ui:{...}}} shaped response.
func (p *mcpProxy) collectUI(id toolid.ID, args, result map[string]any) {
	meta, ok := result["_meta"].(map[string]any)
	if !ok {
		return
	}
	ui, ok := meta["ui"].(map[string]any)
	if !ok {
		return
	}
	resourceURI, ok := ui["resourceUri"].(string)
	if !ok || resourceURI == "" {
		return
	}

	uiContext := map[string]any{}
	if c, ok := ui["context"].(map[string]any); ok {
		for k, v := range c {
			uiContext[k] = v
		}
	}
	uiContext["_args"] = args

	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources = append(p.resources, UIResource{
		Source:      id.String(),
		ResourceURI: resourceURI,
		Slot:        len(p.resources),
		Context:     uiContext,
	})
}

func (p *mcpProxy) collected() []UIResource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]UIResource, len(p.resources))
	copy(out, p.resources)
	return out
}

// stripMeta removes the _meta envelope before the result reaches the code.
func stripMeta(result map[string]any) map[string]any {
	if _, ok := result["_meta"]; !ok {
		return result
	}
	out := make(map[string]any, len(result)-1)
	for k, v := range result {
		if k != "_meta" {
			out[k] = v
		}
	}
	return out
}

// goToStarlark converts a JSON-shaped Go value into a Starlark value.
func goToStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case string:
		return starlark.String(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float64:
		// JSON numbers arrive as float64; integral values within the
		// exact range become Starlark ints.
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return starlark.MakeInt64(int64(x)), nil
		}
		return starlark.Float(x), nil
	case []any:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			sv, err := goToStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.NewDict(len(x))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sv, err := goToStarlark(x[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("value of type %T is not representable in the sandbox", v)
	}
}

// starlarkToGo converts a Starlark value into a JSON-shaped Go value.
func starlarkToGo(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i, nil
		}
		return x.String(), nil
	case starlark.Float:
		return float64(x), nil
	case *starlark.List:
		return sequenceToGo(x)
	case starlark.Tuple:
		out := make([]any, len(x))
		for i, e := range x {
			gv, err := starlarkToGo(e)
			if err != nil {
				return nil, err
			}
			out[i] = gv
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0])
			}
			gv, err := starlarkToGo(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = gv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value of type %s is not representable outside the sandbox", v.Type())
	}
}

func sequenceToGo(seq starlark.Sequence) ([]any, error) {
	out := make([]any, 0, seq.Len())
	iter := seq.Iterate()
	defer iter.Done()
	var v starlark.Value
	for iter.Next(&v) {
		gv, err := starlarkToGo(v)
		if err != nil {
			return nil, err
		}
		out = append(out, gv)
	}
	return out, nil
}
