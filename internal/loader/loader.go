// Package loader orchestrates a capability invocation end to end: metadata
// fetch, permission check, dependency satisfaction (credentials, install,
// integrity), code fetch, sandbox execution, and the routing of every
// nested call the code makes. When a step needs human consent the loader
// suspends into the pending-workflow store and returns an approval envelope
// instead of a result.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/Casys-AI/pmlrun/internal/approval"
	"github.com/Casys-AI/pmlrun/internal/capability"
	"github.com/Casys-AI/pmlrun/internal/config"
	"github.com/Casys-AI/pmlrun/internal/depstate"
	"github.com/Casys-AI/pmlrun/internal/envcheck"
	"github.com/Casys-AI/pmlrun/internal/errdefs"
	"github.com/Casys-AI/pmlrun/internal/installer"
	"github.com/Casys-AI/pmlrun/internal/lockfile"
	"github.com/Casys-AI/pmlrun/internal/mcp"
	"github.com/Casys-AI/pmlrun/internal/policy"
	"github.com/Casys-AI/pmlrun/internal/registry"
	"github.com/Casys-AI/pmlrun/internal/routing"
	"github.com/Casys-AI/pmlrun/internal/sandbox"
	"github.com/Casys-AI/pmlrun/internal/toolid"
	"github.com/Casys-AI/pmlrun/internal/trace"
)

// Deps wires the loader to every component it orchestrates.
type Deps struct {
	Config    *config.Config
	Registry  *registry.Client
	Policy    *policy.Checker
	Env       *envcheck.Checker
	Lockfile  *lockfile.Lockfile
	DepState  *depstate.State
	Installer *installer.Installer
	Procs     *mcp.Manager
	Workflows *approval.Store
	Routes    *routing.Table
	Syncer    *trace.Syncer
	Logger    *slog.Logger
}

// Loader is the orchestrator. One Loader serves the whole process; its
// loaded-capability map makes repeat invocations cheap.
type Loader struct {
	cfg       *config.Config
	registry  *registry.Client
	policy    *policy.Checker
	env       *envcheck.Checker
	lock      *lockfile.Lockfile
	state     *depstate.State
	installer *installer.Installer
	procs     *mcp.Manager
	workflows *approval.Store
	routes    *routing.Table
	syncer    *trace.Syncer
	logger    *slog.Logger

	httpClient *http.Client

	mu     sync.Mutex
	loaded map[string]*Loaded
}

// New builds a Loader.
func New(deps Deps) *Loader {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		cfg:        deps.Config,
		registry:   deps.Registry,
		policy:     deps.Policy,
		env:        deps.Env,
		lock:       deps.Lockfile,
		state:      deps.DepState,
		installer:  deps.Installer,
		procs:      deps.Procs,
		workflows:  deps.Workflows,
		routes:     deps.Routes,
		syncer:     deps.Syncer,
		logger:     logger.With(slog.String("component", "loader")),
		httpClient: &http.Client{},
		loaded:     make(map[string]*Loaded),
	}
}

// Call invokes one tool end to end. Exactly one of result and envelope is
// non-nil on success; an envelope means execution suspended for approval
// and the caller resumes by re-invoking with a continue_workflow field in
// args (or an explicit continuation).
func (l *Loader) Call(ctx context.Context, identifier string, args map[string]any, cont *approval.Continuation) (*CallResult, *approval.Envelope, error) {
	id, err := toolid.Parse(identifier)
	if err != nil {
		return nil, nil, errdefs.Wrap(errdefs.KindMethodNotFound,
			"malformed tool identifier", err).WithTool(identifier)
	}

	if cont == nil {
		if c, ok := approval.ParseContinuation(args); ok {
			cont = c
		}
	}
	args = approval.StripContinuation(args)

	// Denied policy short-circuits before any network traffic.
	if l.policy.Check(id.String()) == policy.DecisionDenied {
		return nil, nil, errdefs.Newf(errdefs.KindToolDenied,
			"policy denies %s", id).WithTool(id.String())
	}

	loaded, env, err := l.Load(ctx, id.String(), args, cont)
	if err != nil || env != nil {
		return nil, env, err
	}

	result, err := loaded.Call(ctx, id.Action, args)
	if err != nil {
		return nil, nil, err
	}
	return result, nil, nil
}

// Load resolves a capability and returns a Loaded ready to call. An
// envelope return means a prerequisite needs approval; args is the
// invocation's arguments document, recorded on the pending workflow so the
// suspended call stays reconstructable.
func (l *Loader) Load(ctx context.Context, identifier string, args map[string]any, cont *approval.Continuation) (*Loaded, *approval.Envelope, error) {
	fqcn := toolid.CanonicalFQCN(identifier, l.cfg.OrgPrefix)

	l.mu.Lock()
	cached, ok := l.loaded[fqcn]
	l.mu.Unlock()
	if ok {
		return cached, nil, nil
	}

	res, err := l.registry.Fetch(ctx, fqcn)
	if err != nil {
		return nil, nil, err
	}
	metadata := res.Metadata

	// Capability-level decision over every tool it exposes: one denied
	// tool blocks the whole capability.
	if l.policy.CheckAll(metadata.Tools) == policy.DecisionDenied {
		return nil, nil, errdefs.Newf(errdefs.KindToolDenied,
			"policy denies a tool of %s", metadata.FQCN).WithTool(identifier)
	}

	resume, err := l.resolveContinuation(cont)
	if err != nil {
		return nil, nil, err
	}

	if env, err := l.ensureDependencies(ctx, identifier, args, metadata, resume); err != nil || env != nil {
		return nil, env, err
	}

	loaded := &Loaded{loader: l, fqcn: fqcn, metadata: metadata}

	if !metadata.IsServerRouted() {
		code, err := l.fetchCode(ctx, metadata)
		if err != nil {
			return nil, nil, err
		}
		if env, err := l.validateCodeIntegrity(identifier, args, metadata, code, resume); err != nil || env != nil {
			return nil, env, err
		}
		loaded.code = code
		loaded.executor = sandbox.NewExecutor(sandbox.Options{
			ExecutionTimeout: l.cfg.Timeouts.GetExecutionTimeout(),
			RPCTimeout:       l.cfg.Timeouts.GetRPCTimeout(),
			Logger:           l.logger,
		})
	}

	l.mu.Lock()
	if prior, ok := l.loaded[fqcn]; ok {
		// A racing load finished first; keep its executor.
		l.mu.Unlock()
		if loaded.executor != nil {
			loaded.executor.Shutdown()
		}
		return prior, nil, nil
	}
	l.loaded[fqcn] = loaded
	l.mu.Unlock()

	l.logger.Info("loaded capability", "fqcn", fqcn,
		"tools", len(metadata.Tools), "deps", len(metadata.Deps), "routing", metadata.Routing)
	return loaded, nil, nil
}

// resume carries what an approved continuation unlocks.
type resume struct {
	// forceDep names the single dependency whose ask-check is skipped.
	forceDep string
	// approveIntegrity holds the integrity payload the human accepted.
	approveIntegrity map[string]any
}

// resolveContinuation consumes a continuation against the pending-workflow
// store. A stale or unknown workflow id fails with workflow-not-found; an
// explicit rejection fails with dependency-not-approved.
func (l *Loader) resolveContinuation(cont *approval.Continuation) (*resume, error) {
	if cont == nil {
		return &resume{}, nil
	}

	rec := l.workflows.Get(cont.WorkflowID)
	if rec == nil {
		return nil, errdefs.Newf(errdefs.KindWorkflowNotFound,
			"workflow %s is unknown or expired", cont.WorkflowID).
			With("workflow_id", cont.WorkflowID)
	}
	l.workflows.Delete(cont.WorkflowID)

	if !cont.Approved {
		return nil, errdefs.Newf(errdefs.KindDependencyNotApproved,
			"approval %s was rejected", cont.WorkflowID).
			With("workflow_id", cont.WorkflowID).
			With("kind", string(rec.Kind)).
			WithTool(rec.ToolID)
	}

	r := &resume{}
	switch rec.Kind {
	case approval.TypeDependency, approval.TypeToolPermission:
		if name, ok := rec.Payload["name"].(string); ok {
			r.forceDep = name
		}
	case approval.TypeIntegrity:
		r.approveIntegrity = rec.Payload
	case approval.TypeAPIKeyRequired:
		// Nothing to force: the env check simply runs again against
		// whatever the user exported in the meantime.
	}
	return r, nil
}

// ensureDependencies runs ensure-dependency over the declared list in
// order, stopping at the first approval envelope.
func (l *Loader) ensureDependencies(ctx context.Context, identifier string, args map[string]any, metadata *capability.Metadata, r *resume) (*approval.Envelope, error) {
	for _, dep := range metadata.Deps {
		env, err := l.ensureDependency(ctx, dep, r.forceDep == dep.Name)
		if err != nil {
			return nil, err
		}
		if env != nil {
			l.workflows.SetWithID(env.WorkflowID, "", identifier, env.Type, args, envelopePayload(dep, env))
			return env, nil
		}
	}
	return nil, nil
}

func envelopePayload(dep capability.Dependency, env *approval.Envelope) map[string]any {
	payload := map[string]any{
		"name":    dep.Name,
		"version": dep.Version,
	}
	for k, v := range env.Context {
		payload[k] = v
	}
	return payload
}

// ensureDependency checks in a fixed order: already installed wins, then
// credentials, then policy, then installation.
func (l *Loader) ensureDependency(ctx context.Context, dep capability.Dependency, force bool) (*approval.Envelope, error) {
	if l.state.Installed(dep.Name, dep.Version) {
		return nil, nil
	}

	if len(dep.EnvRequired) > 0 {
		report := l.env.Classify(dep.EnvRequired)
		if !report.OK() {
			env := approval.NewEnvelope(approval.TypeAPIKeyRequired, newWorkflowID(),
				fmt.Sprintf("Dependency %s needs credentials that are missing or placeholders", dep.Name),
				map[string]any{
					"dependency":  dep.Name,
					"missingKeys": report.Problems(),
					"missing":     report.Missing,
					"invalid":     report.Invalid,
				})
			return env, nil
		}
	}

	decision := l.policy.Check(dep.Name)
	if decision == policy.DecisionDenied {
		return nil, errdefs.Newf(errdefs.KindToolDenied,
			"policy denies dependency %s", dep.Name).With("dependency", dep.Name)
	}
	if decision == policy.DecisionAsk && !force {
		env := approval.NewEnvelope(approval.TypeDependency, newWorkflowID(),
			fmt.Sprintf("Install and run dependency %s@%s?", dep.Name, dep.Version),
			map[string]any{
				"dependency": map[string]any{
					"name":    dep.Name,
					"version": dep.Version,
					"install": dep.Install,
				},
				"needs_installation": true,
			})
		return env, nil
	}

	if _, err := l.installer.Install(ctx, dep); err != nil {
		return nil, err
	}
	return nil, nil
}

// validateCodeIntegrity hashes the fetched code, verifies any declared
// token, and runs the lockfile drift check.
func (l *Loader) validateCodeIntegrity(identifier string, args map[string]any, metadata *capability.Metadata, code string, r *resume) (*approval.Envelope, error) {
	if metadata.Integrity != "" {
		if err := capability.VerifyIntegrity([]byte(code), metadata.Integrity); err != nil {
			return nil, errdefs.Wrap(errdefs.KindDependencyIntegrityFailed,
				fmt.Sprintf("code for %s does not match its declared integrity", metadata.FQCN), err).
				WithTool(identifier).With("fqcn", metadata.FQCN)
		}
	}

	hash := capability.HashSHA256([]byte(code))

	if r.approveIntegrity != nil {
		approvedFQCN, _ := r.approveIntegrity["fqdnBase"].(string)
		if approvedFQCN == toolid.FQCNBase(toolid.CanonicalFQCN(metadata.FQCN, l.cfg.OrgPrefix)) {
			if err := l.lock.Approve(metadata.FQCN, hash, lockfile.KindLocalCode); err != nil {
				return nil, errdefs.Wrap(errdefs.KindDependencyIntegrityFailed,
					"cannot record approved integrity", err).WithTool(identifier)
			}
		}
	}

	env, err := l.lock.Validate(metadata.FQCN, hash, lockfile.KindLocalCode)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindDependencyIntegrityFailed,
			"lockfile validation failed", err).WithTool(identifier)
	}
	if env != nil {
		l.workflows.SetWithID(env.WorkflowID, code, identifier, approval.TypeIntegrity, args, env.Context)
		return env, nil
	}
	return nil, nil
}

// Shutdown releases everything the loader holds: sandbox executors and
// subprocess handles.
func (l *Loader) Shutdown() {
	l.mu.Lock()
	loaded := l.loaded
	l.loaded = make(map[string]*Loaded)
	l.mu.Unlock()

	for _, ld := range loaded {
		if ld.executor != nil {
			ld.executor.Shutdown()
		}
	}
	l.procs.ShutdownAll()
}

// LoadedCount reports how many capabilities are cached.
func (l *Loader) LoadedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.loaded)
}

func newWorkflowID() string {
	return approval.NewWorkflowID()
}
