package depstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Casys-AI/pmlrun/internal/capability"
)

func githubDep() capability.Dependency {
	return capability.Dependency{
		Name:    "github",
		Type:    capability.DependencyTypeStdio,
		Install: "npx -y @modelcontextprotocol/server-github@2025.1.1",
		Version: "2025.1.1",
	}
}

func loadTest(t *testing.T, dir string) *State {
	t.Helper()
	s, err := Load(filepath.Join(dir, "deps.json"), nil)
	require.NoError(t, err)
	return s
}

func TestLoad_NoFile(t *testing.T) {
	s := loadTest(t, t.TempDir())
	assert.Empty(t, s.All())
	assert.False(t, s.Installed("github", "2025.1.1"))
}

func TestMarkInstalled_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := loadTest(t, dir)

	require.NoError(t, s.MarkInstalled(githubDep(), "sha1-aabb", "/home/u/.pml/pkgs/github"))

	assert.True(t, s.Installed("github", "2025.1.1"))
	assert.False(t, s.Installed("github", "2024.0.0"))

	rec, ok := s.Get("github")
	require.True(t, ok)
	assert.Equal(t, "sha1-aabb", rec.Integrity)
	assert.Equal(t, "npx -y @modelcontextprotocol/server-github@2025.1.1", rec.InstallCommand)
	assert.Equal(t, "/home/u/.pml/pkgs/github", rec.InstallPath)
	assert.False(t, rec.InstalledAt.IsZero())

	// Fresh load sees the same state.
	reloaded := loadTest(t, dir)
	assert.True(t, reloaded.Installed("github", "2025.1.1"))
}

func TestMarkInstalled_RedundantWriteSkipped(t *testing.T) {
	dir := t.TempDir()
	s := loadTest(t, dir)

	require.NoError(t, s.MarkInstalled(githubDep(), "sha1-aabb", ""))

	path := filepath.Join(dir, "deps.json")
	before, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.MarkInstalled(githubDep(), "sha1-aabb", ""))
	after, err := os.Stat(path)
	require.NoError(t, err)

	assert.Equal(t, before.ModTime(), after.ModTime(), "identical record must not rewrite the file")
}

func TestMarkUninstalled(t *testing.T) {
	s := loadTest(t, t.TempDir())

	require.NoError(t, s.MarkInstalled(githubDep(), "", ""))
	require.NoError(t, s.MarkUninstalled("github"))
	assert.False(t, s.Installed("github", "2025.1.1"))

	// Removing a missing name is a no-op.
	require.NoError(t, s.MarkUninstalled("github"))
}

func TestNeedsUpdate(t *testing.T) {
	s := loadTest(t, t.TempDir())

	dep := githubDep()
	assert.True(t, s.NeedsUpdate(dep), "not installed")

	require.NoError(t, s.MarkInstalled(dep, "", ""))
	assert.False(t, s.NeedsUpdate(dep))

	dep.Version = "2026.0.0"
	assert.True(t, s.NeedsUpdate(dep), "version changed")
}

func TestMissingOrOutdated(t *testing.T) {
	s := loadTest(t, t.TempDir())

	github := githubDep()
	sqlite := capability.Dependency{Name: "sqlite", Install: "npx -y server-sqlite@1.0.0", Version: "1.0.0"}
	require.NoError(t, s.MarkInstalled(github, "", ""))

	missing := s.MissingOrOutdated([]capability.Dependency{github, sqlite})
	require.Len(t, missing, 1)
	assert.Equal(t, "sqlite", missing[0].Name)
}

func TestAll_Sorted(t *testing.T) {
	s := loadTest(t, t.TempDir())

	require.NoError(t, s.MarkInstalled(capability.Dependency{Name: "zeta", Version: "1"}, "", ""))
	require.NoError(t, s.MarkInstalled(capability.Dependency{Name: "alpha", Version: "1"}, "", ""))

	all := s.All()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "zeta", all[1].Name)
}

func TestLoad_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deps.json")
	require.NoError(t, os.WriteFile(path, []byte("][nonsense"), 0o644))

	s, err := Load(path, nil)
	require.NoError(t, err)
	assert.Empty(t, s.All())
}

func TestDocument_WireShape(t *testing.T) {
	dir := t.TempDir()
	s := loadTest(t, dir)
	require.NoError(t, s.MarkInstalled(githubDep(), "sha1-aabb", ""))

	data, err := os.ReadFile(filepath.Join(dir, "deps.json"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(1), raw["version"])

	installed, ok := raw["installed"].(map[string]any)
	require.True(t, ok)
	gh, ok := installed["github"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2025.1.1", gh["version"])
	assert.Contains(t, gh, "installedAt")
	assert.Contains(t, gh, "installCommand")
	assert.NotContains(t, gh, "installPath", "empty optional field stays absent")
}
