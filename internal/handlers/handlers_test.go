package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopJob(ctx context.Context, jobCtx *Context, payload map[string]any) (Result, error) {
	return Result{Score: 1}, nil
}

func TestResolveJobPrefersNamedHandlerOverDefault(t *testing.T) {
	r := NewRegistry()
	r.RegisterDefaultJob(noopJob, ModeAsync)
	named := false
	r.RegisterJob("eval", func(ctx context.Context, jobCtx *Context, payload map[string]any) (Result, error) {
		named = true
		return Result{}, nil
	}, ModeBlocking)

	entry, err := r.ResolveJob("eval")
	require.NoError(t, err)
	_, _ = entry.Handler(context.Background(), nil, nil)
	assert.True(t, named)
	assert.Equal(t, ModeBlocking, entry.Mode)
}

func TestResolveJobFallsBackToDefault(t *testing.T) {
	r := NewRegistry()
	r.RegisterDefaultJob(noopJob, ModeAsync)
	r.RegisterJob("eval", noopJob, ModeAsync)

	entry, err := r.ResolveJob("anything-else")
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, entry.Mode)
}

func TestResolveJobNoHandlerRegistered(t *testing.T) {
	r := NewRegistry()
	_, err := r.ResolveJob("eval")
	require.Error(t, err)
	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, KindNoHandler, herr.Kind)
}

func TestLifecycleSingletonsRoundTrip(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Startup()
	assert.False(t, ok)

	r.RegisterStartup(func(ctx context.Context) error { return nil })
	r.RegisterReady(func(ctx context.Context) error { return nil })
	r.RegisterCleanup(func(ctx context.Context) error { return nil })
	r.RegisterWeights(func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"w": 1.0}, nil
	})

	_, ok = r.Startup()
	assert.True(t, ok)
	_, ok = r.Ready()
	assert.True(t, ok)
	_, ok = r.Cleanup()
	assert.True(t, ok)
	weights, ok := r.Weights()
	assert.True(t, ok)
	w, err := weights(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, w["w"])
}

func TestResolvePublicHandler(t *testing.T) {
	r := NewRegistry()
	_, ok := r.ResolvePublic("report")
	assert.False(t, ok)

	r.RegisterPublic("report", func(ctx context.Context, jobCtx *Context, claims, payload map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	h, ok := r.ResolvePublic("report")
	require.True(t, ok)
	out, err := h(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
}

func TestRegistrationAfterSealPanics(t *testing.T) {
	r := NewRegistry()
	r.Seal()
	assert.Panics(t, func() {
		r.RegisterJob("late", noopJob, ModeAsync)
	})
}
