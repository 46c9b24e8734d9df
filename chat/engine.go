package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/keepsakebot/keepsake/branch"
	"github.com/keepsakebot/keepsake/config"
	"github.com/keepsakebot/keepsake/core"
	"github.com/keepsakebot/keepsake/llm"
	"github.com/keepsakebot/keepsake/memory"
	"github.com/keepsakebot/keepsake/tools"
)

// ErrNoReply means regenerate was requested before any assistant reply
// existed to replace.
var ErrNoReply = errors.New("no assistant reply to regenerate")

// maxToolRounds bounds how many tool invocations one turn may chain before
// the turn fails.
const maxToolRounds = 5

var (
	thinkRE       = regexp.MustCompile(`(?s)<think>(.*?)</think>\n*`)
	danglingRE    = regexp.MustCompile(` +\n\n`)
	doubleSpaceRE = regexp.MustCompile(` {2,}`)
)

// Reply is the result of a committed or navigated turn: the content to show
// and whether the prev/next affordances should stay enabled.
type Reply struct {
	SlotID  uint64
	Content string
	CanPrev bool
	CanNext bool
}

// userPrompt is the structured form of the message being answered. The
// completion collaborator sees the current user message in this shape; the
// branch store keeps the raw text.
type userPrompt struct {
	Content              string   `json:"content"`
	TimeSinceLastMessage int64    `json:"time_since_last_message"`
	RelevantMemories     []string `json:"relevant_memories,omitempty"`
	SystemNote           string   `json:"system_note,omitempty"`
}

// Engine drives one user's conversation. All operations hold the engine
// mutex for their full duration, including the outbound completion and
// embedding calls, so no two turns for the same user are ever in flight
// concurrently.
type Engine struct {
	mu sync.Mutex

	user     string
	cfg      config.Config
	ctx      *Context
	pipeline *memory.Pipeline
	model    llm.CompletionModel
	logger   *slog.Logger
}

// NewEngine builds the engine for one user from a configuration snapshot.
func NewEngine(cfg config.Config, user string, pipeline *memory.Pipeline, model llm.CompletionModel, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		user:     user,
		cfg:      cfg,
		ctx:      NewContext(branch.NewStore()),
		pipeline: pipeline,
		model:    model,
		logger:   logger.With("user", user),
	}
}

// Send handles an inbound user message identified by id and returns the
// reply text. The caller delivers the text, learns the delivered message's
// id, and records it with CommitReply.
func (e *Engine) Send(ctx context.Context, id uint64, text string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idle, err := e.ctx.TimeSinceLast(time.Now())
	if err != nil {
		idle = 0
	}

	e.ctx.Store().Append(id, core.NewMessage(core.RoleUser, text))

	recalled := e.recall(ctx, text)
	builder := e.cfg.Prompt.AddLongTermMemories(recalled)

	msgs, evicted := e.ctx.Assemble(builder, len(recalled) > 0)

	if raw, err := json.Marshal(userPrompt{
		Content:              text,
		TimeSinceLastMessage: int64(idle.Seconds()),
		RelevantMemories:     recalled,
	}); err == nil {
		msgs[len(msgs)-1].Content = string(raw)
	}

	reply, err := e.complete(ctx, msgs)
	e.summarizeEvicted(ctx, evicted)
	if err != nil {
		return "", err
	}
	return reply, nil
}

// CommitReply records delivered reply text as the variant of the slot
// identified by id. A fresh id starts a new slot; an existing id appends a
// variant and selects it.
func (e *Engine) CommitReply(id uint64, text string) Reply {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ctx.Store().Append(id, core.NewMessage(core.RoleAssistant, text))
	slot, _ := e.ctx.Store().Find(id)
	return replyFromSlot(slot)
}

// Regenerate produces an alternative for the most recent assistant reply.
// The previous variant stays in the slot; the new one becomes selected.
func (e *Engine) Regenerate(ctx context.Context) (Reply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	slot := e.ctx.Store().LatestWithRole(core.RoleAssistant)
	if slot == nil {
		return Reply{}, ErrNoReply
	}

	var query string
	if userSlot := e.ctx.Store().LatestWithRole(core.RoleUser); userSlot != nil {
		query = userSlot.Selected().Content
	}
	recalled := e.recall(ctx, query)
	builder := e.cfg.Prompt.AddLongTermMemories(recalled)

	msgs, evicted := e.ctx.AssembleForRegenerate(builder, len(recalled) > 0)

	text, err := e.complete(ctx, msgs)
	e.summarizeEvicted(ctx, evicted)
	if err != nil {
		return Reply{}, err
	}

	e.ctx.Store().Append(slot.ID(), core.NewMessage(core.RoleAssistant, text))
	return replyFromSlot(slot), nil
}

// Prev selects the previous variant of the slot identified by id. Fails
// with branch.ErrAtStart on the oldest variant.
func (e *Engine) Prev(id uint64) (Reply, error) {
	return e.navigate(id, (*branch.Store).SelectPrev)
}

// Next selects the next variant of the slot identified by id. Fails with
// branch.ErrAtEnd on the newest variant.
func (e *Engine) Next(id uint64) (Reply, error) {
	return e.navigate(id, (*branch.Store).SelectNext)
}

func (e *Engine) navigate(id uint64, move func(*branch.Store, uint64) (core.Message, error)) (Reply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := move(e.ctx.Store(), id); err != nil {
		return Reply{}, err
	}
	slot, err := e.ctx.Store().Find(id)
	if err != nil {
		return Reply{}, err
	}
	return replyFromSlot(slot), nil
}

// Nudge produces a system-initiated message after user idle time. The
// synthetic idle-time turn is recorded durably; the returned text is
// delivered by the caller and recorded with CommitReply.
func (e *Engine) Nudge(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	msgs, evicted, err := e.ctx.AssembleForNudge(e.cfg.Prompt, false, rand.Uint64(), time.Now())
	if err != nil {
		return "", err
	}

	text, err := e.complete(ctx, msgs)
	e.summarizeEvicted(ctx, evicted)
	if err != nil {
		return "", err
	}
	return text, nil
}

// Idle reports how long the user has been silent.
func (e *Engine) Idle(now time.Time) (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx.TimeSinceLast(now)
}

// Shutdown drains every remaining slot into one long-term summary and
// returns the drained slot ids so the transport can disable their stale
// navigation controls.
func (e *Engine) Shutdown(ctx context.Context) []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := e.ctx.Store().IDs()
	drained := e.ctx.Store().DrainOldest(e.ctx.Store().Len())
	e.summarizeEvicted(ctx, drained)
	return ids
}

// recall runs similarity retrieval for the outgoing prompt. Retrieval
// failures degrade to an empty recall rather than failing the turn.
func (e *Engine) recall(ctx context.Context, query string) []string {
	facts, err := e.pipeline.Recall(ctx, query, e.cfg.Memory.RecallLimit)
	if err != nil {
		e.logger.Warn("recall failed, continuing without memories", "error", err)
		return nil
	}

	contents := make([]string, 0, len(facts))
	for _, fact := range facts {
		contents = append(contents, fact.Content)
	}
	return contents
}

// complete runs the completion round-trip, dispatching tool invocations
// until the model produces text or the round budget is exhausted.
func (e *Engine) complete(ctx context.Context, msgs []core.Message) (string, error) {
	preamble := msgs[0].Content
	history := append([]core.Message(nil), msgs[1:]...)

	var defs []llm.ToolDefinition
	if e.cfg.LLM.ToolsEnabled() {
		preamble += toolUsagePreamble
		defs = tools.Definitions()
	}
	if e.cfg.LLM.Reason {
		preamble += reasoningPreamble
	}

	for round := 0; round < maxToolRounds; round++ {
		resp, err := e.model.Complete(ctx, &llm.Request{
			Preamble:    preamble,
			History:     history,
			Tools:       defs,
			Temperature: e.cfg.LLM.Temperature,
			TopP:        e.cfg.LLM.TopP,
			TopK:        e.cfg.LLM.TopK,
			MaxTokens:   e.cfg.LLM.MaxTokens,
		})
		if err != nil {
			return "", errors.Wrap(err, "completion")
		}

		if resp.ToolCall == nil {
			return e.postprocess(resp.Text), nil
		}

		result, err := e.dispatchTool(ctx, resp.ToolCall)
		if err != nil {
			return "", err
		}

		e.logger.Info("tool invoked", "tool", resp.ToolCall.Name)

		payload, err := json.Marshal(map[string]string{
			"name":   resp.ToolCall.Name,
			"result": result,
		})
		if err != nil {
			return "", errors.Wrap(err, "encode tool result")
		}

		now := time.Now().UTC()
		history = append(history,
			core.Message{
				Role:   core.RoleAssistant,
				SentAt: now,
				Meta: map[string]string{
					core.MetaToolCallID: resp.ToolCall.ID,
					core.MetaToolName:   resp.ToolCall.Name,
					core.MetaToolArgs:   string(resp.ToolCall.Args),
				},
			},
			core.Message{
				Role:   core.RoleUser,
				SentAt: now,
				Meta: map[string]string{
					core.MetaToolResultID: resp.ToolCall.ID,
					core.MetaToolResult:   string(payload),
				},
			},
		)
	}

	return "", errors.Errorf("tool loop exceeded %d rounds", maxToolRounds)
}

func (e *Engine) dispatchTool(ctx context.Context, call *llm.ToolCall) (string, error) {
	switch call.Name {
	case tools.MemoryRecallName:
		var args tools.MemoryRecallArgs
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "", errors.Wrapf(err, "decode %s args", call.Name)
		}
		limit := args.Limit
		if limit <= 0 {
			limit = e.cfg.Memory.RecallLimit
		}
		facts, err := e.pipeline.Recall(ctx, args.Query, limit)
		if err != nil {
			return "", errors.Wrap(err, "recall tool")
		}
		if len(facts) == 0 {
			return "no relevant memories found", nil
		}
		contents := make([]string, 0, len(facts))
		for _, fact := range facts {
			contents = append(contents, "- "+fact.Content)
		}
		return strings.Join(contents, "\n"), nil

	case tools.MemoryStoreName:
		var args tools.MemoryStoreArgs
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "", errors.Wrapf(err, "decode %s args", call.Name)
		}
		if err := e.pipeline.StoreFact(ctx, args.Memory); err != nil {
			return "", errors.Wrap(err, "store tool")
		}
		return "memory stored", nil

	default:
		return "", errors.Errorf("tool not found: %s", call.Name)
	}
}

// postprocess strips reasoning blocks and whitespace artifacts from the
// model's text and applies the lowercase setting.
func (e *Engine) postprocess(text string) string {
	if e.cfg.LLM.ForceLowercase {
		text = strings.ToLower(text)
	}

	for _, match := range thinkRE.FindAllStringSubmatch(text, -1) {
		e.logger.Debug("thought process", "thought", match[1])
	}
	text = thinkRE.ReplaceAllString(text, "")

	text = danglingRE.ReplaceAllString(text, "\n\n")
	text = doubleSpaceRE.ReplaceAllString(text, " ")
	return text
}

// summarizeEvicted folds drained turns into the long-term store. An empty
// extraction skips the store; nothing here fails the turn.
func (e *Engine) summarizeEvicted(ctx context.Context, evicted []core.Message) {
	if len(evicted) == 0 {
		return
	}

	e.logger.Info("short-term window full, summarizing evicted turns", "count", len(evicted))

	if err := e.pipeline.SummarizeAndStore(ctx, evicted); err != nil {
		if errors.Is(err, memory.ErrInvalidResponse) {
			e.logger.Warn("nothing worth keeping in evicted turns")
			return
		}
		e.logger.Error("failed to store eviction summary", "error", err)
	}
}

func replyFromSlot(slot *branch.Slot) Reply {
	return Reply{
		SlotID:  slot.ID(),
		Content: slot.Selected().Content,
		CanPrev: slot.CanPrev(),
		CanNext: slot.CanNext(),
	}
}

const toolUsagePreamble = `
## Tool Usage
- Actively try to utilize the memory_store tool to store important information that you'd like to recall later in the long term memory storage, preferably in bullet points. Do not mention the usage of this tool to the user, just use it when needed.
- Actively try to utilize the memory_recall tool to recall information from previous messages and conversations you are not currently aware of. Do not mention this usage of the tool to the user, just use it when needed. If you believe a memory has already been recalled by the user (as seen in the "relevant_memories" section), choose not to recall it again.

`

const reasoningPreamble = `
## Reasoning Protocol

The user will always send you a prompt in JSON format, including the following fields:

- ` + "`content`" + `: The actual content of the message the user wants you to respond to.
- ` + "`time_since_last_message`" + `: The time since the last message in seconds.
- ` + "`relevant_memories`" + `: A list of memories that are relevant to the current conversation.
- ` + "`system_note`" + `: A message from the system, which may contain information about the user's request or any other relevant information.

When you receive a prompt, always take time to think carefully before responding. Use <think> tags to show your reasoning process. This thinking process should:

1. Analyze the user's request and identify key elements
2. Consider any compliance requirements or restrictions mentioned in the system prompt
3. Review any "penalty" adjustments that might apply
4. Process any memory recall instructions
5. Consider the appropriate roleplay response
6. Plan your final response to ensure it meets all requirements

For example:

<think>
- User wants me to [specific request]
- Checking compliance requirements: [note relevant restrictions]
- Considering penalty conditions: [note any potential penalties]
- Reviewing memory instructions: [note any recall requirements]
- Considering roleplay context: [note character perspective]
- Planning response that satisfies all constraints while maintaining character
</think>

After this reasoning step, provide your in-character response. This reasoning process is mandatory for every prompt you receive, ensuring thoughtful, compliant, and in-character interactions.
`
