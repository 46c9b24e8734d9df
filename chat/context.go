// Package chat drives a user's conversation: it assembles bounded completion
// contexts from the branch store, runs the completion round-trip including
// tool dispatch, and registers per-user sessions.
package chat

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/keepsakebot/keepsake/branch"
	"github.com/keepsakebot/keepsake/core"
	"github.com/keepsakebot/keepsake/prompt"
)

// ErrEmptyContext means a proactive nudge was requested before any message
// existed to measure idle time from.
var ErrEmptyContext = errors.New("context is empty, nothing to nudge out of")

// Context assembles completion inputs from one session's branch store. The
// rendered system prompt is always index 0 of the output; the remaining
// entries are the selected variants in slot insertion order.
type Context struct {
	store *branch.Store
}

// NewContext wraps the session's branch store.
func NewContext(store *branch.Store) *Context {
	return &Context{store: store}
}

// Store exposes the underlying branch store for navigation operations.
func (c *Context) Store() *branch.Store { return c.store }

// Assemble produces the message sequence for a completion call. On an empty
// store it returns a single system message rendered at the current time.
// Otherwise it returns the rendered system prompt followed by every slot's
// selected variant; when the window has reached b.MaxSTM slots, the oldest
// slots are drained back to 80% of capacity and their selected variants
// returned for the caller to fold into long-term summarization.
func (c *Context) Assemble(b prompt.Builder, recalling bool) ([]core.Message, []core.Message) {
	if c.store.Len() == 0 {
		system := core.NewMessage(core.RoleSystem, b.Render(time.Now(), recalling))
		return []core.Message{system}, nil
	}

	selected := c.store.Selected()
	lastMessageTime := selected[len(selected)-1].SentAt

	var evicted []core.Message
	if b.MaxSTM > 0 && c.store.Len() >= b.MaxSTM {
		keep := b.MaxSTM * 4 / 5
		evicted = c.store.DrainOldest(c.store.Len() - keep)
	}

	out := make([]core.Message, 0, len(selected)+1)
	out = append(out, core.NewMessage(core.RoleSystem, b.Render(lastMessageTime, recalling)))
	out = append(out, selected...)
	return out, evicted
}

// AssembleForRegenerate is Assemble minus the most recent assistant variant,
// so the completion collaborator is not shown the reply it is about to
// replace. The variant stays in the store.
func (c *Context) AssembleForRegenerate(b prompt.Builder, recalling bool) ([]core.Message, []core.Message) {
	out, evicted := c.Assemble(b, recalling)

	for i := len(out) - 1; i > 0; i-- {
		if out[i].Role == core.RoleAssistant {
			out = append(out[:i], out[i+1:]...)
			break
		}
	}
	return out, evicted
}

// AssembleForNudge is Assemble plus a synthetic user message phrasing how
// long the user has been silent. The synthetic message is durably recorded
// as a new slot under the given id so the follow-up reply has a turn to
// answer. Fails with ErrEmptyContext when no prior message exists.
func (c *Context) AssembleForNudge(b prompt.Builder, recalling bool, id uint64, now time.Time) ([]core.Message, []core.Message, error) {
	idle, err := c.TimeSinceLast(now)
	if err != nil {
		return nil, nil, err
	}

	out, evicted := c.Assemble(b, recalling)

	nudge := core.NewMessage(core.RoleUser, fmt.Sprintf(
		"*it's been around %s since you last said something, and the user did not respond. "+
			"your next response should attempt to pull the user back into the conversation. "+
			"please respond once again, making sure to keep the same tone and style as you normally would, "+
			"following all previous instructions, yet keeping the time difference in mind. "+
			"your response should only contain the actual response, not your thoughts or anything else.*\n\n\"...\"",
		prompt.TimeSince(idle)))

	c.store.Append(id, nudge)
	out = append(out, nudge)
	return out, evicted, nil
}

// TimeSinceLast returns how long ago the most recent selected variant was
// sent, never negative. Fails with ErrEmptyContext on an empty store.
func (c *Context) TimeSinceLast(now time.Time) (time.Duration, error) {
	latest := c.store.Latest()
	if latest == nil {
		return 0, ErrEmptyContext
	}
	idle := now.Sub(latest.Selected().SentAt)
	if idle < 0 {
		idle = 0
	}
	return idle, nil
}
