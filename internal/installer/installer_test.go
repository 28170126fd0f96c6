package installer

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Casys-AI/pmlrun/internal/capability"
	"github.com/Casys-AI/pmlrun/internal/depstate"
	"github.com/Casys-AI/pmlrun/internal/errdefs"
)

// newTestRegistry serves one package with the given tarball bytes and
// returns its base URL plus a request counter.
func newTestRegistry(t *testing.T, name, version string, tarball []byte) (*httptest.Server, *int) {
	t.Helper()
	requests := 0
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		switch r.URL.Path {
		case fmt.Sprintf("/%s/%s", name, version):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"dist": map[string]any{"tarball": srv.URL + "/tarball.tgz"},
			})
		case "/tarball.tgz":
			_, _ = w.Write(tarball)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func newTestState(t *testing.T) *depstate.State {
	t.Helper()
	state, err := depstate.Load(filepath.Join(t.TempDir(), "deps.json"), nil)
	require.NoError(t, err)
	return state
}

func TestInstaller_Install_Success(t *testing.T) {
	tarball := []byte("package-bytes")
	srv, _ := newTestRegistry(t, "@mcp/memory", "1.0.0", tarball)
	state := newTestState(t)

	dep := capability.Dependency{
		Name:      "memory",
		Version:   "1.0.0",
		Install:   "npx -y @mcp/memory@1.0.0",
		Integrity: capability.HashSHA256(tarball),
	}

	inst := New(state, Options{RegistryURL: srv.URL})
	res, err := inst.Install(context.Background(), dep)
	require.NoError(t, err)
	assert.False(t, res.AlreadyInstalled)
	assert.Equal(t, dep.Integrity, res.Integrity)

	// Round trip through depstate.
	assert.True(t, state.Installed("memory", "1.0.0"))
	rec, ok := state.Get("memory")
	require.True(t, ok)
	assert.Equal(t, dep.Integrity, rec.Integrity)
}

func TestInstaller_Install_Idempotent(t *testing.T) {
	tarball := []byte("package-bytes")
	srv, requests := newTestRegistry(t, "@mcp/memory", "1.0.0", tarball)
	state := newTestState(t)

	dep := capability.Dependency{
		Name:      "memory",
		Version:   "1.0.0",
		Install:   "npx -y @mcp/memory@1.0.0",
		Integrity: capability.HashSHA256(tarball),
	}
	inst := New(state, Options{RegistryURL: srv.URL})

	_, err := inst.Install(context.Background(), dep)
	require.NoError(t, err)
	after := *requests

	res, err := inst.Install(context.Background(), dep)
	require.NoError(t, err)
	assert.True(t, res.AlreadyInstalled)
	assert.Equal(t, after, *requests, "re-install must not touch the network")
}

func TestInstaller_Install_IntegrityMismatch(t *testing.T) {
	srv, _ := newTestRegistry(t, "@mcp/memory", "1.0.0", []byte("tampered"))
	state := newTestState(t)

	dep := capability.Dependency{
		Name:      "memory",
		Version:   "1.0.0",
		Install:   "npx -y @mcp/memory@1.0.0",
		Integrity: capability.HashSHA256([]byte("expected")),
	}
	inst := New(state, Options{RegistryURL: srv.URL})

	_, err := inst.Install(context.Background(), dep)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindDependencyIntegrityFailed, errdefs.KindOf(err))
	assert.False(t, state.Installed("memory", "1.0.0"), "failed install leaves no record")
}

func TestInstaller_Install_LegacySHA1Token(t *testing.T) {
	tarball := []byte("legacy-package")
	srv, _ := newTestRegistry(t, "legacy-server", "0.3.0", tarball)
	state := newTestState(t)

	dep := capability.Dependency{
		Name:      "legacy",
		Version:   "0.3.0",
		Install:   "npx legacy-server@0.3.0",
		Integrity: fmt.Sprintf("sha1-%x", sha1Sum(tarball)),
	}
	inst := New(state, Options{RegistryURL: srv.URL})

	res, err := inst.Install(context.Background(), dep)
	require.NoError(t, err)
	assert.Equal(t, dep.Integrity, res.Integrity)
}

func TestInstaller_Install_ResolveFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	state := newTestState(t)

	dep := capability.Dependency{Name: "memory", Version: "1.0.0", Install: "npx @mcp/memory@1.0.0"}
	inst := New(state, Options{RegistryURL: srv.URL})

	_, err := inst.Install(context.Background(), dep)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindDependencyInstallFailed, errdefs.KindOf(err))
}

func TestInstaller_Install_NoDeclaredIntegrity(t *testing.T) {
	tarball := []byte("unpinned")
	srv, _ := newTestRegistry(t, "unpinned", "2.0.0", tarball)
	state := newTestState(t)

	dep := capability.Dependency{Name: "unpinned", Version: "2.0.0", Install: "npx unpinned@2.0.0"}
	inst := New(state, Options{RegistryURL: srv.URL})

	res, err := inst.Install(context.Background(), dep)
	require.NoError(t, err)
	assert.Equal(t, capability.HashSHA256(tarball), res.Integrity,
		"computed hash is recorded for later drift detection")
}

func sha1Sum(data []byte) [20]byte {
	return sha1.Sum(data)
}

func TestPackageName(t *testing.T) {
	cases := map[string]capability.Dependency{
		"@mcp/memory":  {Install: "npx -y @mcp/memory@1.0.0"},
		"plain-server": {Install: "npx plain-server@0.1.2"},
		"bare":         {Install: "bare"},
		"fallback":     {Name: "fallback"},
	}
	for want, dep := range cases {
		assert.Equal(t, want, packageName(dep), "install=%q", dep.Install)
	}
}
