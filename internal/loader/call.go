package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Casys-AI/pmlrun/internal/capability"
	"github.com/Casys-AI/pmlrun/internal/errdefs"
	"github.com/Casys-AI/pmlrun/internal/routing"
	"github.com/Casys-AI/pmlrun/internal/sandbox"
	"github.com/Casys-AI/pmlrun/internal/toolid"
	"github.com/Casys-AI/pmlrun/internal/trace"
)

// CallResult is the successful outcome of one invocation.
type CallResult struct {
	Value       any
	Duration    time.Duration
	UIResources []sandbox.UIResource
	Trace       *trace.Trace
}

// Loaded is a capability ready to call. Server-routed capabilities carry no
// code or executor; their calls forward to the cloud.
type Loaded struct {
	loader   *Loader
	fqcn     string
	metadata *capability.Metadata
	code     string
	executor *sandbox.Executor
}

// Metadata exposes the capability's registry record.
func (ld *Loaded) Metadata() *capability.Metadata {
	return ld.metadata
}

// Call executes one action. Every nested mcp.* call the code makes routes
// back through the loader and lands in the execution trace.
func (ld *Loaded) Call(ctx context.Context, action string, args map[string]any) (*CallResult, error) {
	if ld.metadata.IsServerRouted() {
		return ld.callRemote(ctx, action, args)
	}

	collector := trace.NewCollector()
	handler := ld.makeToolCallHandler(collector)

	outcome, execErr := ld.executor.Execute(ctx, ld.code, action, args, handler)

	tr, _ := collector.Finalize(ld.fqcn, execErr == nil, execErr, "")
	ld.loader.syncer.Add(tr)

	if execErr != nil {
		return nil, execErr
	}
	return &CallResult{
		Value:       outcome.Value,
		Duration:    outcome.Duration,
		UIResources: outcome.UIResources,
		Trace:       tr,
	}, nil
}

func (ld *Loaded) callRemote(ctx context.Context, action string, args map[string]any) (*CallResult, error) {
	start := time.Now()
	id := toolid.ID{Namespace: toolid.NamespaceOf(ld.fqcn), Action: action}
	value, err := ld.loader.remoteToolCall(ctx, id.String(), args)
	if err != nil {
		return nil, err
	}
	return &CallResult{Value: value, Duration: time.Since(start)}, nil
}

// makeToolCallHandler builds the sandbox handler that routes each nested
// call: declared subprocess dependency first, then the routing table.
func (ld *Loaded) makeToolCallHandler(collector *trace.Collector) sandbox.ToolCallHandler {
	return func(ctx context.Context, toolIDStr string, args map[string]any, parentTraceID string) (map[string]any, error) {
		start := time.Now()
		result, err := ld.routeMcpCall(ctx, toolIDStr, args)
		if recErr := collector.RecordCall(toolIDStr, args, result, time.Since(start), err == nil); recErr != nil {
			ld.loader.logger.Warn("trace record dropped", "tool", toolIDStr, "error", recErr)
		}
		return result, err
	}
}

func (ld *Loaded) routeMcpCall(ctx context.Context, toolIDStr string, args map[string]any) (map[string]any, error) {
	id := toolid.ParseLoose(toolIDStr)

	// Declared subprocess dependencies win over the routing table: the
	// action travels without its namespace prefix, that is all the
	// subprocess knows.
	if dep, ok := ld.metadata.Dep(id.Namespace); ok {
		if err := ld.loader.procs.GetOrSpawn(ctx, *dep); err != nil {
			return nil, err
		}
		raw, err := ld.loader.procs.CallTool(ctx, dep.Name, id.Action, args)
		if err != nil {
			return nil, err
		}
		return rawToDocument(raw)
	}

	switch ld.loader.routes.Classify(toolIDStr) {
	case routing.RouteRemote:
		return ld.loader.remoteToolCall(ctx, id.String(), args)
	default:
		return ld.loader.nestedCall(ctx, id.String(), args)
	}
}

// nestedCall re-enters the loader for a capability-to-capability call. An
// approval envelope cannot cross the sandbox boundary mid-execution, so it
// surfaces as a hard failure the outer caller can retry after approving.
func (l *Loader) nestedCall(ctx context.Context, identifier string, args map[string]any) (map[string]any, error) {
	result, env, err := l.Call(ctx, identifier, args, nil)
	if err != nil {
		return nil, err
	}
	if env != nil {
		return nil, errdefs.Newf(errdefs.KindDependencyNotApproved,
			"nested capability %s requires approval (workflow %s)", identifier, env.WorkflowID).
			WithTool(identifier).With("workflow_id", env.WorkflowID)
	}
	if doc, ok := result.Value.(map[string]any); ok {
		return doc, nil
	}
	return map[string]any{"value": result.Value}, nil
}

// remoteToolCall forwards one tool call to the cloud endpoint as a
// JSON-RPC tools/call envelope.
func (l *Loader) remoteToolCall(ctx context.Context, identifier string, args map[string]any) (map[string]any, error) {
	apiKey := l.cfg.APIKey()
	if apiKey == "" {
		return nil, errdefs.Newf(errdefs.KindEnvMissing,
			"remote call needs %s", l.cfg.APIKeyEnv).
			WithTool(identifier).With("missing", []string{l.cfg.APIKeyEnv})
	}

	if args == nil {
		args = map[string]any{}
	}
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      time.Now().UnixMilli(),
		"method":  "tools/call",
		"params":  map[string]any{"name": identifier, "arguments": args},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSubprocessCallFailed,
			"cannot encode remote call", err).WithTool(identifier)
	}

	url := l.cfg.CloudURL + "/mcp/tools/call"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSubprocessCallFailed,
			"cannot build remote call", err).WithTool(identifier)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSubprocessCallFailed,
			fmt.Sprintf("remote call %s failed", identifier), err).WithTool(identifier)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSubprocessCallFailed,
			"cannot read remote response", err).WithTool(identifier)
	}
	if resp.StatusCode >= 400 {
		return nil, errdefs.Newf(errdefs.KindSubprocessCallFailed,
			"remote endpoint returned %d for %s", resp.StatusCode, identifier).
			WithTool(identifier).With("status", resp.StatusCode)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, errdefs.Wrap(errdefs.KindSubprocessCallFailed,
			"remote response is not JSON-RPC", err).WithTool(identifier)
	}
	if rpcResp.Error != nil {
		return nil, errdefs.Newf(errdefs.KindSubprocessCallFailed,
			"remote call %s failed: %s", identifier, rpcResp.Error.Message).
			WithTool(identifier).With("code", rpcResp.Error.Code).
			With("message", rpcResp.Error.Message)
	}
	return rawToDocument(rpcResp.Result)
}

func rawToDocument(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err == nil {
		return doc, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errdefs.Wrap(errdefs.KindSubprocessCallFailed,
			"tool result is not JSON", err)
	}
	return map[string]any{"value": v}, nil
}

// fetchCode retrieves the capability code. data: URLs embed the code
// directly (the registry uses them for small capabilities and tests lean on
// them); anything else is fetched over HTTP with the registry timeout.
func (l *Loader) fetchCode(ctx context.Context, metadata *capability.Metadata) (string, error) {
	codeURL := metadata.CodeURL

	if rest, ok := strings.CutPrefix(codeURL, "data:"); ok {
		_, data, found := strings.Cut(rest, ",")
		if !found {
			return "", errdefs.Newf(errdefs.KindModuleImportFailed,
				"malformed data URL for %s", metadata.FQCN).With("fqcn", metadata.FQCN)
		}
		if decoded, err := url.PathUnescape(data); err == nil {
			return decoded, nil
		}
		return data, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeouts.GetRegistryFetchTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, codeURL, nil)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindModuleImportFailed,
			fmt.Sprintf("cannot build code fetch for %s", metadata.FQCN), err).
			With("fqcn", metadata.FQCN)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindModuleImportFailed,
			fmt.Sprintf("cannot fetch code for %s", metadata.FQCN), err).
			With("fqcn", metadata.FQCN)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errdefs.Newf(errdefs.KindModuleImportFailed,
			"code fetch for %s returned %d", metadata.FQCN, resp.StatusCode).
			With("fqcn", metadata.FQCN).With("status", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindModuleImportFailed,
			fmt.Sprintf("cannot read code for %s", metadata.FQCN), err).
			With("fqcn", metadata.FQCN)
	}
	return string(body), nil
}
