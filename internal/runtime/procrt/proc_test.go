package procrt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/plugin"
)

func TestCreateCapturesOutput(t *testing.T) {
	r := New(logger.Default())
	ctx := context.Background()

	handle, err := r.Create(ctx, plugin.SessionSpec{
		Name:    "p1",
		WorkDir: t.TempDir(),
		Command: "printf 'hello from proc\\n'; sleep 30",
		Env:     map[string]string{"AO_TEST": "1"},
	})
	require.NoError(t, err)
	defer r.Destroy(ctx, handle)

	assert.Eventually(t, func() bool {
		out, err := r.GetOutput(ctx, handle, 10)
		return err == nil && strings.Contains(out, "hello from proc")
	}, 5*time.Second, 50*time.Millisecond)
	assert.True(t, r.IsAlive(ctx, handle))

	names, err := r.ListNames(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "p1")
}

func TestProcessExitMarksDead(t *testing.T) {
	r := New(logger.Default())
	ctx := context.Background()

	handle, err := r.Create(ctx, plugin.SessionSpec{Name: "p2", WorkDir: t.TempDir(), Command: "true"})
	require.NoError(t, err)
	defer r.Destroy(ctx, handle)

	assert.Eventually(t, func() bool {
		return !r.IsAlive(ctx, handle)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDestroyRemovesSession(t *testing.T) {
	r := New(logger.Default())
	ctx := context.Background()

	handle, err := r.Create(ctx, plugin.SessionSpec{Name: "p3", WorkDir: t.TempDir(), Command: "sleep 30"})
	require.NoError(t, err)

	require.NoError(t, r.Destroy(ctx, handle))
	assert.False(t, r.IsAlive(ctx, handle))
	_, err = r.GetOutput(ctx, handle, 5)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	assert.NoError(t, r.Destroy(ctx, handle), "double destroy is quiet")
}

func TestSendMessageReachesProcess(t *testing.T) {
	r := New(logger.Default())
	ctx := context.Background()

	handle, err := r.Create(ctx, plugin.SessionSpec{
		Name:    "p4",
		WorkDir: t.TempDir(),
		Command: `while read line; do printf 'got:%s\n' "$line"; done`,
	})
	require.NoError(t, err)
	defer r.Destroy(ctx, handle)

	require.NoError(t, r.SendMessage(ctx, handle, "ping"))
	assert.Eventually(t, func() bool {
		out, err := r.GetOutput(ctx, handle, 20)
		return err == nil && strings.Contains(out, "got:ping")
	}, 5*time.Second, 50*time.Millisecond)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "c\nd", tail("a\nb\nc\nd", 2))
	assert.Equal(t, "a\nb", tail("a\nb", 5))
}
