// Package pmlrun is the capability execution runtime: it loads declarative
// capabilities from a registry, satisfies their prerequisites (subprocess
// servers, credentials, content integrity), executes their code in a
// sandboxed interpreter, and routes every nested tool call. Operations that
// need human consent suspend into an approval envelope the caller resumes
// with a continuation.
package pmlrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Casys-AI/pmlrun/internal/approval"
	"github.com/Casys-AI/pmlrun/internal/config"
	"github.com/Casys-AI/pmlrun/internal/depstate"
	"github.com/Casys-AI/pmlrun/internal/envcheck"
	"github.com/Casys-AI/pmlrun/internal/installer"
	"github.com/Casys-AI/pmlrun/internal/loader"
	"github.com/Casys-AI/pmlrun/internal/lockfile"
	"github.com/Casys-AI/pmlrun/internal/mcp"
	"github.com/Casys-AI/pmlrun/internal/policy"
	"github.com/Casys-AI/pmlrun/internal/registry"
	"github.com/Casys-AI/pmlrun/internal/routing"
	"github.com/Casys-AI/pmlrun/internal/trace"
	"github.com/Casys-AI/pmlrun/internal/workspace"
)

// ConfigFileName is the configuration document's name inside the workspace.
const ConfigFileName = "pml.config.json"

// Re-exported types so embedding applications only import this package.
type (
	// Envelope is the approval request a suspended invocation returns.
	Envelope = approval.Envelope
	// Continuation answers an Envelope on the next invocation.
	Continuation = approval.Continuation
	// Result is a completed invocation.
	Result = loader.CallResult
)

// Options configures New. Zero values detect everything from the
// environment.
type Options struct {
	// Workspace overrides workspace detection.
	Workspace string
	// ConfigPath overrides <workspace>/pml.config.json.
	ConfigPath string
	// DepStatePath overrides ~/.pml/deps.json.
	DepStatePath string
	Logger       *slog.Logger
}

// Runtime owns one configured capability runtime. One Runtime serves the
// whole process; Shutdown releases its subprocesses and executors.
type Runtime struct {
	cfg       *config.Config
	workspace string
	loader    *loader.Loader
	syncer    *trace.Syncer
	logger    *slog.Logger
}

// New assembles a Runtime: workspace detection, .env loading, configuration,
// lockfile, dependency state, and the loader with all its collaborators.
func New(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ws := opts.Workspace
	if ws == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("cannot determine working directory: %w", err)
		}
		ws, err = workspace.Detect(cwd)
		if err != nil {
			return nil, err
		}
	}

	if err := config.LoadWorkspaceEnv(ws); err != nil {
		return nil, err
	}

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = filepath.Join(ws, ConfigFileName)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lock, err := lockfile.Load(ws, lockfile.Options{
		AutoApproveNew: cfg.GetAutoApproveNew(),
		OrgPrefix:      cfg.OrgPrefix,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	statePath := opts.DepStatePath
	if statePath == "" {
		statePath, err = depstate.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	state, err := depstate.Load(statePath, logger)
	if err != nil {
		return nil, err
	}

	syncer := trace.NewSyncer(trace.SyncerOptions{
		Endpoint: cfg.TraceEndpoint,
		APIKey:   cfg.APIKey(),
		Logger:   logger,
	})

	ld := loader.New(loader.Deps{
		Config:   cfg,
		Registry: registry.NewClient(registry.Options{
			BaseURL:       cfg.CloudURL,
			OrgPrefix:     cfg.OrgPrefix,
			Timeout:       cfg.Timeouts.GetRegistryFetchTimeout(),
			CacheCapacity: cfg.GetCacheCapacity(),
			Logger:        logger,
		}),
		Policy:   policy.NewChecker(cfg.Policy),
		Env:      envcheck.NewChecker(),
		Lockfile: lock,
		DepState: state,
		Installer: installer.New(state, installer.Options{
			RegistryURL: cfg.NPMRegistryURL,
			Logger:      logger,
		}),
		Procs: mcp.NewManager(mcp.Options{
			RequestTimeout: cfg.Timeouts.GetSubprocessRequestTimeout(),
			IdleTimeout:    cfg.Timeouts.GetSubprocessIdleTimeout(),
			Logger:         logger,
		}),
		Workflows: approval.NewStore(cfg.Timeouts.GetWorkflowTTL()),
		Routes:    routing.NewTable(cfg.Routing),
		Syncer:    syncer,
		Logger:    logger,
	})

	return &Runtime{
		cfg:       cfg,
		workspace: ws,
		loader:    ld,
		syncer:    syncer,
		logger:    logger,
	}, nil
}

// Invoke executes one tool call end to end. Exactly one of result and
// envelope is non-nil on a nil error. A continuation travels either in the
// arguments document under "continue_workflow" or via Resume.
func (r *Runtime) Invoke(ctx context.Context, identifier string, args map[string]any) (*Result, *Envelope, error) {
	return r.loader.Call(ctx, identifier, args, nil)
}

// Resume re-invokes a suspended operation with the caller's decision.
func (r *Runtime) Resume(ctx context.Context, identifier string, args map[string]any, workflowID string, approved bool) (*Result, *Envelope, error) {
	return r.loader.Call(ctx, identifier, args, &approval.Continuation{
		WorkflowID: workflowID,
		Approved:   approved,
	})
}

// Workspace returns the detected or configured workspace root.
func (r *Runtime) Workspace() string {
	return r.workspace
}

// Config returns the active configuration.
func (r *Runtime) Config() *config.Config {
	return r.cfg
}

// Shutdown terminates subprocesses, sandbox executors, and the trace syncer.
// Pending traces are flushed before the syncer stops.
func (r *Runtime) Shutdown() {
	r.loader.Shutdown()
	r.syncer.Close()
}
