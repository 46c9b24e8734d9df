package chat_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsakebot/keepsake/branch"
	"github.com/keepsakebot/keepsake/chat"
	"github.com/keepsakebot/keepsake/core"
	"github.com/keepsakebot/keepsake/prompt"
)

func testBuilder(maxSTM int) prompt.Builder {
	return prompt.New("Nim", "Alice", "a companion", 10, maxSTM)
}

func fillStore(st *branch.Store, n int) {
	for i := 1; i <= n; i++ {
		role := core.RoleUser
		if i%2 == 0 {
			role = core.RoleAssistant
		}
		st.Append(uint64(i), core.NewMessage(role, fmt.Sprintf("m%d", i)))
	}
}

func TestContext_AssembleEmptyStore(t *testing.T) {
	ctx := chat.NewContext(branch.NewStore())

	msgs, evicted := ctx.Assemble(testBuilder(50), false)

	require.Len(t, msgs, 1)
	assert.Equal(t, core.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "# Role: Nim")
	assert.Nil(t, evicted)
}

func TestContext_AssembleOrdering(t *testing.T) {
	st := branch.NewStore()
	fillStore(st, 4)
	ctx := chat.NewContext(st)

	msgs, evicted := ctx.Assemble(testBuilder(50), false)

	require.Len(t, msgs, 5)
	assert.Equal(t, core.RoleSystem, msgs[0].Role)
	for i := 1; i <= 4; i++ {
		assert.Equal(t, fmt.Sprintf("m%d", i), msgs[i].Content)
	}
	assert.Nil(t, evicted)
	assert.Equal(t, 4, st.Len())
}

func TestContext_AssembleEvictsToEightyPercent(t *testing.T) {
	st := branch.NewStore()
	fillStore(st, 60)
	ctx := chat.NewContext(st)

	_, evicted := ctx.Assemble(testBuilder(50), false)

	// 60 - floor(50*4/5) = 20 evicted, oldest first
	require.Len(t, evicted, 20)
	assert.Equal(t, "m1", evicted[0].Content)
	assert.Equal(t, "m20", evicted[19].Content)
	assert.Equal(t, 40, st.Len())
}

func TestContext_AssembleExactlyFull(t *testing.T) {
	st := branch.NewStore()
	fillStore(st, 50)
	ctx := chat.NewContext(st)

	_, evicted := ctx.Assemble(testBuilder(50), false)

	assert.Len(t, evicted, 10)
	assert.Equal(t, 40, st.Len())
}

func TestContext_AssembleBelowCapacityNoEviction(t *testing.T) {
	st := branch.NewStore()
	fillStore(st, 49)
	ctx := chat.NewContext(st)

	_, evicted := ctx.Assemble(testBuilder(50), false)

	assert.Nil(t, evicted)
	assert.Equal(t, 49, st.Len())
}

func TestContext_AssembleForRegenerate(t *testing.T) {
	st := branch.NewStore()
	st.Append(1, core.NewMessage(core.RoleUser, "q1"))
	st.Append(2, core.NewMessage(core.RoleAssistant, "a1"))
	st.Append(3, core.NewMessage(core.RoleUser, "q2"))
	st.Append(4, core.NewMessage(core.RoleAssistant, "a2"))
	ctx := chat.NewContext(st)

	msgs, _ := ctx.AssembleForRegenerate(testBuilder(50), false)

	contents := make([]string, 0, len(msgs)-1)
	for _, m := range msgs[1:] {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"q1", "a1", "q2"}, contents)

	// the removed variant is still in the store
	slot, err := st.Find(4)
	require.NoError(t, err)
	assert.Equal(t, "a2", slot.Selected().Content)
}

func TestContext_AssembleForNudge(t *testing.T) {
	st := branch.NewStore()
	st.Append(1, core.Message{
		Role:    core.RoleUser,
		Content: "hello?",
		SentAt:  time.Now().Add(-10 * time.Minute),
	})
	ctx := chat.NewContext(st)

	msgs, _, err := ctx.AssembleForNudge(testBuilder(50), false, 99, time.Now())
	require.NoError(t, err)

	last := msgs[len(msgs)-1]
	assert.Equal(t, core.RoleUser, last.Role)
	assert.Contains(t, last.Content, "10 minutes")
	assert.Contains(t, last.Content, "pull the user back")

	// the synthetic turn was durably recorded
	assert.Equal(t, 2, st.Len())
	slot, err := st.Find(99)
	require.NoError(t, err)
	assert.Equal(t, last.Content, slot.Selected().Content)
}

func TestContext_AssembleForNudgeEmpty(t *testing.T) {
	ctx := chat.NewContext(branch.NewStore())

	_, _, err := ctx.AssembleForNudge(testBuilder(50), false, 99, time.Now())
	assert.ErrorIs(t, err, chat.ErrEmptyContext)
}

func TestContext_TimeSinceLast(t *testing.T) {
	st := branch.NewStore()
	ctx := chat.NewContext(st)

	_, err := ctx.TimeSinceLast(time.Now())
	assert.ErrorIs(t, err, chat.ErrEmptyContext)

	sent := time.Now().Add(-time.Hour)
	st.Append(1, core.Message{Role: core.RoleUser, Content: "hi", SentAt: sent})

	idle, err := ctx.TimeSinceLast(sent.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, time.Hour, idle, float64(time.Second))

	// clock skew never yields a negative duration
	idle, err = ctx.TimeSinceLast(sent.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, idle)
}
