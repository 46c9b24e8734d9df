package chat_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsakebot/keepsake/chat"
	"github.com/keepsakebot/keepsake/config"
	"github.com/keepsakebot/keepsake/llm"
	"github.com/keepsakebot/keepsake/memory/embedder/mock"
	"github.com/keepsakebot/keepsake/memory/store/chromem"
)

func newTestRegistry(t *testing.T, model llm.CompletionModel, notify chat.NudgeFunc) *chat.Registry {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	path := filepath.Join(t.TempDir(), "keepsake.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
system_prompt:
  bot_name: Nim
  user_name: Alice
  about: a companion
freewill:
  enabled: true
  idle_minutes: 1
`), 0o644))

	cfgStore, err := config.NewStore(path, logger)
	require.NoError(t, err)

	facts, err := chromem.New(logger)
	require.NoError(t, err)
	t.Cleanup(func() { facts.Close() })

	return chat.NewRegistry(chat.Deps{
		Config:   cfgStore,
		Facts:    facts,
		Embedder: mock.New(),
		Model:    model,
		Logger:   logger,
		Notify:   notify,
	})
}

func TestRegistry_GetOrCreateReturnsSameSession(t *testing.T) {
	reg := newTestRegistry(t, &scriptedModel{}, nil)
	ctx := context.Background()

	first, err := reg.GetOrCreate(ctx, "u1", "Alice")
	require.NoError(t, err)
	second, err := reg.GetOrCreate(ctx, "u1", "Alice")
	require.NoError(t, err)

	assert.Same(t, first, second)

	other, err := reg.GetOrCreate(ctx, "u2", "Bob")
	require.NoError(t, err)
	assert.NotSame(t, first, other)
}

func TestRegistry_ClearReplacesSession(t *testing.T) {
	model := &scriptedModel{}
	model.queue(text("R1"))
	reg := newTestRegistry(t, model, nil)
	ctx := context.Background()

	sess, err := reg.GetOrCreate(ctx, "u1", "Alice")
	require.NoError(t, err)

	out, err := sess.Engine.Send(ctx, 1, "hi")
	require.NoError(t, err)
	sess.Engine.CommitReply(100, out)

	cleared, err := reg.Clear(ctx, "u1", "Alice")
	require.NoError(t, err)
	assert.NotSame(t, sess, cleared)

	// the replacement session starts from an empty history
	_, err = cleared.Engine.Nudge(ctx)
	assert.ErrorIs(t, err, chat.ErrEmptyContext)

	got, err := reg.GetOrCreate(ctx, "u1", "Alice")
	require.NoError(t, err)
	assert.Same(t, cleared, got)
}

func TestRegistry_ShutdownDrainsAllSessions(t *testing.T) {
	model := &scriptedModel{}
	model.queue(text("R1"), text("R2"), text("summary one"), text("summary two"))
	reg := newTestRegistry(t, model, nil)
	ctx := context.Background()

	for i, user := range []string{"u1", "u2"} {
		sess, err := reg.GetOrCreate(ctx, user, "Alice")
		require.NoError(t, err)
		out, err := sess.Engine.Send(ctx, uint64(i+1), "hi")
		require.NoError(t, err)
		sess.Engine.CommitReply(uint64(100+i), out)
	}

	drained := reg.Shutdown(ctx)
	require.Len(t, drained, 2)
	assert.ElementsMatch(t, []uint64{1, 100}, drained["u1"])
	assert.ElementsMatch(t, []uint64{2, 101}, drained["u2"])

	// the table is empty afterwards; sessions are rebuilt on demand
	fresh, err := reg.GetOrCreate(ctx, "u1", "Alice")
	require.NoError(t, err)
	_, err = fresh.Engine.Nudge(ctx)
	assert.ErrorIs(t, err, chat.ErrEmptyContext)
}
