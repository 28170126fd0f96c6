package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(KindEnvMissing, "GITHUB_TOKEN is not set")
	assert.Equal(t, KindEnvMissing, err.Kind)
	assert.Equal(t, "env-missing: GITHUB_TOKEN is not set", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestNewf(t *testing.T) {
	err := Newf(KindMethodNotFound, "no method %q", "summarize")
	assert.Equal(t, `method-not-found: no method "summarize"`, err.Error())
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindMetadataFetchFailed, "registry unreachable", cause)

	assert.Equal(t, "metadata-fetch-failed: registry unreachable: connection refused", err.Error())
	assert.Same(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestError_With(t *testing.T) {
	err := New(KindToolDenied, "blocked by policy").
		WithTool("casys.pml.github.fetch_pr").
		With("pattern", "github:*")

	ctx := ContextOf(err)
	require.NotNil(t, ctx)
	assert.Equal(t, "casys.pml.github.fetch_pr", ctx["tool"])
	assert.Equal(t, "github:*", ctx["pattern"])
}

func TestKindOf(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		assert.Equal(t, KindCodeError, KindOf(New(KindCodeError, "boom")))
	})

	t.Run("wrapped in fmt chain", func(t *testing.T) {
		inner := New(KindSubprocessTimeout, "no response after 30s")
		outer := fmt.Errorf("call failed: %w", inner)
		assert.Equal(t, KindSubprocessTimeout, KindOf(outer))
	})

	t.Run("foreign error", func(t *testing.T) {
		assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	})

	t.Run("nil", func(t *testing.T) {
		assert.Equal(t, Kind(""), KindOf(nil))
	})
}

func TestIsKind(t *testing.T) {
	err := Wrap(KindDependencyInstallFailed, "npm install failed", errors.New("exit 1"))
	assert.True(t, IsKind(err, KindDependencyInstallFailed))
	assert.False(t, IsKind(err, KindDependencyIntegrityFailed))
	assert.False(t, IsKind(nil, KindDependencyInstallFailed))
}

func TestContextOf_ForeignError(t *testing.T) {
	assert.Nil(t, ContextOf(errors.New("plain")))
}
