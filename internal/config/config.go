// Package config holds the runtime configuration: endpoints, credential
// env-var names, routing and policy tables, and every timeout the runtime
// arms. A zero file is valid; absent fields keep their defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/Casys-AI/pmlrun/internal/policy"
	"github.com/Casys-AI/pmlrun/internal/routing"
	"github.com/Casys-AI/pmlrun/internal/toolid"
)

// Environment variables the runtime honors.
const (
	// EnvCloudURL overrides the configured cloud base URL.
	EnvCloudURL = "PML_CLOUD_URL"

	// DefaultAPIKeyEnv is the variable the cloud credential is read from
	// unless the config names another.
	DefaultAPIKeyEnv = "PML_API_KEY"
)

// Default timeouts and capacities.
const (
	DefaultRegistryFetchTimeout     = 10 * time.Second
	DefaultSubprocessRequestTimeout = 30 * time.Second
	DefaultSubprocessIdleTimeout    = 5 * time.Minute
	DefaultExecutionTimeout         = 30 * time.Second
	DefaultRPCTimeout               = 10 * time.Second
	DefaultWorkflowTTL              = 5 * time.Minute
	DefaultCacheCapacity            = 100
)

// DefaultCloudURL is where metadata fetches and remote tool calls go unless
// overridden.
const DefaultCloudURL = "https://cloud.casys.ai"

// DefaultNPMRegistryURL resolves dependency packages.
const DefaultNPMRegistryURL = "https://registry.npmjs.org"

// Config is the root configuration document, usually read from
// <workspace>/pml.config.json.
type Config struct {
	CloudURL       string `json:"cloud_url"`
	APIKeyEnv      string `json:"api_key_env"`
	NPMRegistryURL string `json:"npm_registry_url"`
	// TraceEndpoint receives execution traces; empty disables syncing.
	TraceEndpoint string `json:"trace_endpoint,omitempty"`
	// OrgPrefix supplies the leading FQCN segments for short identifiers.
	OrgPrefix string `json:"org_prefix"`

	Routing routing.Config `json:"routing"`
	Policy  policy.Policy  `json:"policy"`

	Timeouts Timeouts `json:"timeouts"`

	// CacheCapacity bounds the metadata LRU. Default: 100.
	CacheCapacity *int `json:"cache_capacity,omitempty"`

	// AutoApproveNew records first-seen capability hashes as approved
	// instead of asking. Default: true.
	AutoApproveNew *bool `json:"auto_approve_new,omitempty"`
}

// Timeouts configures every timer the runtime arms, in seconds. Nil fields
// use the package defaults.
type Timeouts struct {
	RegistryFetchSec     *int `json:"registry_fetch_sec,omitempty"`
	SubprocessRequestSec *int `json:"subprocess_request_sec,omitempty"`
	SubprocessIdleSec    *int `json:"subprocess_idle_sec,omitempty"`
	ExecutionSec         *int `json:"execution_sec,omitempty"`
	RPCSec               *int `json:"rpc_sec,omitempty"`
	WorkflowTTLSec       *int `json:"workflow_ttl_sec,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		CloudURL:       DefaultCloudURL,
		APIKeyEnv:      DefaultAPIKeyEnv,
		NPMRegistryURL: DefaultNPMRegistryURL,
		OrgPrefix:      toolid.DefaultOrgPrefix,
	}
}

// Load reads a JSON config file and overlays it on the defaults. A missing
// file is not an error; it yields the defaults. Environment overrides are
// applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvCloudURL); v != "" {
		c.CloudURL = v
	}
	if c.APIKeyEnv == "" {
		c.APIKeyEnv = DefaultAPIKeyEnv
	}
	if c.OrgPrefix == "" {
		c.OrgPrefix = toolid.DefaultOrgPrefix
	}
}

// APIKey reads the cloud credential from the configured variable.
func (c *Config) APIKey() string {
	return os.Getenv(c.APIKeyEnv)
}

// GetCacheCapacity returns the metadata cache capacity.
func (c *Config) GetCacheCapacity() int {
	if c.CacheCapacity != nil && *c.CacheCapacity > 0 {
		return *c.CacheCapacity
	}
	return DefaultCacheCapacity
}

// GetAutoApproveNew reports whether first-seen hashes are trusted.
func (c *Config) GetAutoApproveNew() bool {
	if c.AutoApproveNew == nil {
		return true
	}
	return *c.AutoApproveNew
}

// GetRegistryFetchTimeout returns the metadata fetch timeout.
func (t *Timeouts) GetRegistryFetchTimeout() time.Duration {
	return secondsOr(t.RegistryFetchSec, DefaultRegistryFetchTimeout)
}

// GetSubprocessRequestTimeout returns the per-request subprocess timeout.
func (t *Timeouts) GetSubprocessRequestTimeout() time.Duration {
	return secondsOr(t.SubprocessRequestSec, DefaultSubprocessRequestTimeout)
}

// GetSubprocessIdleTimeout returns the handle idle timeout.
func (t *Timeouts) GetSubprocessIdleTimeout() time.Duration {
	return secondsOr(t.SubprocessIdleSec, DefaultSubprocessIdleTimeout)
}

// GetExecutionTimeout returns the sandbox wall-clock timeout.
func (t *Timeouts) GetExecutionTimeout() time.Duration {
	return secondsOr(t.ExecutionSec, DefaultExecutionTimeout)
}

// GetRPCTimeout returns the per-call timeout inside a sandbox execution.
func (t *Timeouts) GetRPCTimeout() time.Duration {
	return secondsOr(t.RPCSec, DefaultRPCTimeout)
}

// GetWorkflowTTL returns how long a pending workflow stays resumable.
func (t *Timeouts) GetWorkflowTTL() time.Duration {
	return secondsOr(t.WorkflowTTLSec, DefaultWorkflowTTL)
}

func secondsOr(v *int, def time.Duration) time.Duration {
	if v != nil && *v > 0 {
		return time.Duration(*v) * time.Second
	}
	return def
}

// LoadWorkspaceEnv loads <dir>/.env.local then <dir>/.env into the process
// environment. Missing files are skipped; variables already set win.
func LoadWorkspaceEnv(dir string) error {
	for _, name := range []string{".env.local", ".env"} {
		path := filepath.Join(dir, name)
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}
