package hooks_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/release-orchestrator/internal/config"
	"github.com/ILLUVRSE/release-orchestrator/internal/errs"
	"github.com/ILLUVRSE/release-orchestrator/internal/hooks"
)

func TestRunExecutesInOrderInsideRelease(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "web"), 0o755))

	r := &hooks.Runner{}
	err := r.Run(context.Background(), dir, []string{"PATH=" + os.Getenv("PATH")}, []hooks.Hook{
		{Name: "install", Command: []string{"sh", "-c", "echo install >> order.log"}},
		{Name: "migrate", Command: []string{"sh", "-c", "echo $DJANGO_SETTINGS >> ../order.log"}, Dir: "web",
			Env: map[string]string{"DJANGO_SETTINGS": "prod"}},
	})
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(dir, "order.log"))
	require.NoError(t, err)
	assert.Equal(t, "install\nprod\n", string(b))
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	dir := t.TempDir()
	r := &hooks.Runner{}
	err := r.Run(context.Background(), dir, nil, []hooks.Hook{
		{Name: "migrate", Command: []string{"sh", "-c", "echo 'relation does not exist' >&2; exit 3"}},
		{Name: "collectstatic", Command: []string{"sh", "-c", "touch ran"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrHook)
	assert.Contains(t, err.Error(), "hook migrate")
	assert.Contains(t, err.Error(), "relation does not exist")
	assert.NoFileExists(t, filepath.Join(dir, "ran"))
}

func TestRunRejectsEscapingDir(t *testing.T) {
	r := &hooks.Runner{}
	err := r.Run(context.Background(), t.TempDir(), nil, []hooks.Hook{
		{Name: "bad", Command: []string{"true"}, Dir: "../.."},
	})
	assert.ErrorIs(t, err, errs.ErrHook)
}

func TestFromConfig(t *testing.T) {
	got := hooks.FromConfig([]config.HookConfig{{Name: "migrate", Command: []string{"manage.py", "migrate"}, Dir: "web"}})
	require.Len(t, got, 1)
	assert.Equal(t, "web", got[0].Dir)
}
