package chromem_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsakebot/keepsake/memory"
	"github.com/keepsakebot/keepsake/memory/embedder/mock"
	"github.com/keepsakebot/keepsake/memory/store/chromem"
)

func newTestStore(t *testing.T) *chromem.FactStore {
	t.Helper()
	store, err := chromem.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func embed(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := mock.New().Embed(context.Background(), text)
	require.NoError(t, err)
	return vec
}

func TestFactStore_StoreAndSearch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	fact := memory.NewFact("<user> plays violin")
	require.NoError(t, store.Store(ctx, fact, embed(t, fact.Content), "user1"))

	facts, err := store.Search(ctx, embed(t, fact.Content), "user1", 5)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, fact.ID, facts[0].ID)
	assert.Equal(t, fact.Content, facts[0].Content)
	assert.False(t, facts[0].CreatedAt.IsZero())
}

func TestFactStore_SearchEmptyCollection(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	facts, err := store.Search(ctx, embed(t, "anything"), "user1", 5)
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestFactStore_SearchLimitAboveDocumentCount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, content := range []string{"fact one", "fact two"} {
		fact := memory.NewFact(content)
		require.NoError(t, store.Store(ctx, fact, embed(t, content), "user1"))
	}

	facts, err := store.Search(ctx, embed(t, "fact"), "user1", 10)
	require.NoError(t, err)
	assert.Len(t, facts, 2)
}

func TestFactStore_UserScopeIsolation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	fact := memory.NewFact("only for user1")
	require.NoError(t, store.Store(ctx, fact, embed(t, fact.Content), "user1"))

	facts, err := store.Search(ctx, embed(t, fact.Content), "user2", 5)
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestFactStore_BestMatchFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	target := memory.NewFact("the user has a cat named miso")
	other := memory.NewFact("completely unrelated topic about winter tires")
	require.NoError(t, store.Store(ctx, target, embed(t, target.Content), "user1"))
	require.NoError(t, store.Store(ctx, other, embed(t, other.Content), "user1"))

	facts, err := store.Search(ctx, embed(t, target.Content), "user1", 2)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, target.ID, facts[0].ID)
}

func TestFactStore_HealthCheck(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.HealthCheck(context.Background(), "user1"))
	assert.NoError(t, store.HealthCheck(context.Background(), ""))
}
