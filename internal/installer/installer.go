// Package installer resolves a subprocess dependency against an npm-style
// package registry, verifies its content hash against the declared integrity
// token, and records it installed. The depstate document is written only
// here; everything else reads it.
package installer

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Casys-AI/pmlrun/internal/capability"
	"github.com/Casys-AI/pmlrun/internal/depstate"
	"github.com/Casys-AI/pmlrun/internal/errdefs"
)

// DefaultTimeout bounds one resolve or download request.
const DefaultTimeout = 30 * time.Second

// maxTarballSize caps the package download.
const maxTarballSize = 64 << 20

// Result reports one completed install.
type Result struct {
	Name      string
	Version   string
	Integrity string
	// AlreadyInstalled is true when the state already recorded this exact
	// version and nothing was fetched.
	AlreadyInstalled bool
}

// packageDocument is the slice of the npm version document the installer
// reads: just the tarball location and published shasum.
type packageDocument struct {
	Dist struct {
		Tarball string `json:"tarball"`
		Shasum  string `json:"shasum"`
	} `json:"dist"`
}

// Installer fetches and verifies dependency packages.
type Installer struct {
	registryURL string
	state       *depstate.State
	client      *http.Client
	timeout     time.Duration
	logger      *slog.Logger
}

// Options configures an Installer.
type Options struct {
	// RegistryURL is the npm-style package registry root.
	RegistryURL string
	// Timeout bounds each HTTP request. Zero means DefaultTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// New builds an Installer writing to state.
func New(state *depstate.State, opts Options) *Installer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		registryURL: strings.TrimSuffix(opts.RegistryURL, "/"),
		state:       state,
		client:      &http.Client{},
		timeout:     timeout,
		logger:      logger.With(slog.String("component", "installer")),
	}
}

// Install resolves, verifies, and records dep. Re-installing an
// already-present matching version is a no-op. Integrity mismatches fail
// with dependency-integrity-failed; resolution and download failures with
// dependency-install-failed.
func (i *Installer) Install(ctx context.Context, dep capability.Dependency) (*Result, error) {
	if dep.Name == "" {
		return nil, errdefs.New(errdefs.KindDependencyInstallFailed,
			"dependency has no name")
	}
	if i.state.Installed(dep.Name, dep.Version) {
		rec, _ := i.state.Get(dep.Name)
		return &Result{
			Name: dep.Name, Version: dep.Version,
			Integrity: rec.Integrity, AlreadyInstalled: true,
		}, nil
	}

	pkg, err := i.resolve(ctx, dep)
	if err != nil {
		return nil, err
	}

	data, err := i.download(ctx, dep, pkg.Dist.Tarball)
	if err != nil {
		return nil, err
	}

	integrity, err := i.verify(dep, data)
	if err != nil {
		return nil, err
	}

	if err := i.state.MarkInstalled(dep, integrity, ""); err != nil {
		return nil, errdefs.Wrap(errdefs.KindDependencyInstallFailed,
			fmt.Sprintf("cannot record %s as installed", dep.Name), err).
			With("dependency", dep.Name)
	}

	i.logger.Info("installed dependency",
		"name", dep.Name, "version", dep.Version, "integrity", capability.ShortIntegrity(integrity))
	return &Result{Name: dep.Name, Version: dep.Version, Integrity: integrity}, nil
}

// packageName extracts the registry package name from the install command
// ("npx -y @scope/pkg@1.2.3" → "@scope/pkg"), falling back to the
// dependency name.
func packageName(dep capability.Dependency) string {
	fields := strings.Fields(dep.Install)
	for _, f := range fields {
		if f == "npx" || f == "npm" || strings.HasPrefix(f, "-") ||
			f == "exec" || f == "install" {
			continue
		}
		// Strip a trailing @version, keeping a leading scope @.
		if at := strings.LastIndex(f, "@"); at > 0 {
			return f[:at]
		}
		return f
	}
	return dep.Name
}

func (i *Installer) resolve(ctx context.Context, dep capability.Dependency) (*packageDocument, error) {
	url := fmt.Sprintf("%s/%s/%s", i.registryURL, packageName(dep), dep.Version)
	body, err := i.get(ctx, url, "application/json", maxBodySize)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindDependencyInstallFailed,
			fmt.Sprintf("cannot resolve %s@%s", dep.Name, dep.Version), err).
			With("dependency", dep.Name).With("version", dep.Version)
	}

	var pkg packageDocument
	if err := json.Unmarshal(body, &pkg); err != nil {
		return nil, errdefs.Wrap(errdefs.KindDependencyInstallFailed,
			fmt.Sprintf("registry document for %s is malformed", dep.Name), err).
			With("dependency", dep.Name)
	}
	if pkg.Dist.Tarball == "" {
		return nil, errdefs.Newf(errdefs.KindDependencyInstallFailed,
			"registry document for %s names no tarball", dep.Name).
			With("dependency", dep.Name)
	}
	return &pkg, nil
}

func (i *Installer) download(ctx context.Context, dep capability.Dependency, url string) ([]byte, error) {
	data, err := i.get(ctx, url, "", maxTarballSize)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindDependencyInstallFailed,
			fmt.Sprintf("cannot download %s@%s", dep.Name, dep.Version), err).
			With("dependency", dep.Name).With("version", dep.Version)
	}
	return data, nil
}

const maxBodySize = 4 << 20

func (i *Installer) get(ctx context.Context, url, accept string, limit int64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// verify compares the package content against the declared integrity token.
// A dependency without a token hashes the content and trusts first sight;
// the computed token still lands in depstate so later drift is visible.
func (i *Installer) verify(dep capability.Dependency, data []byte) (string, error) {
	if dep.Integrity == "" {
		return capability.HashSHA256(data), nil
	}

	algo, want, err := capability.ParseIntegrity(dep.Integrity)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindDependencyIntegrityFailed,
			fmt.Sprintf("dependency %s declares a malformed integrity token", dep.Name), err).
			With("dependency", dep.Name)
	}

	var got string
	switch algo {
	case capability.AlgoSHA256:
		sum := sha256.Sum256(data)
		got = fmt.Sprintf("%x", sum)
	case capability.AlgoSHA1:
		sum := sha1.Sum(data)
		got = fmt.Sprintf("%x", sum)
	}
	if got != want {
		return "", errdefs.Newf(errdefs.KindDependencyIntegrityFailed,
			"package %s@%s does not match its declared integrity token",
			dep.Name, dep.Version).
			With("dependency", dep.Name).
			With("declared", capability.ShortIntegrity(dep.Integrity)).
			With("computed", capability.ShortIntegrity(algo+"-"+got))
	}
	return dep.Integrity, nil
}
