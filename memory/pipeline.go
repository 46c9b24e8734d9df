package memory

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"

	"github.com/keepsakebot/keepsake/core"
	"github.com/keepsakebot/keepsake/llm"
)

// ErrInvalidResponse means the summarization collaborator returned no
// extractable text. The caller logs it and skips the store; it is not
// retried.
var ErrInvalidResponse = errors.New("summarization returned no extractable text")

// Pipeline runs long-term memory operations for one user session: recall by
// similarity, storage of new facts, and summarization of evicted turns.
type Pipeline struct {
	store    Store
	embedder Embedder
	model    llm.CompletionModel

	user          string
	userName      string
	assistantName string

	cache  *ristretto.Cache
	logger *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCache sets a shared embedding cache. Without it each pipeline builds
// its own.
func WithCache(cache *ristretto.Cache) Option {
	return func(p *Pipeline) {
		p.cache = cache
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewEmbeddingCache builds the ristretto cache used to avoid re-embedding
// repeated query text. One cache can be shared across every user's pipeline.
func NewEmbeddingCache() (*ristretto.Cache, error) {
	return ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     32 << 20,
		BufferItems: 64,
	})
}

// NewPipeline creates the pipeline for one user scope. userName and
// assistantName are the display names substituted for the placeholder
// tokens on recall and swapped back before storage.
func NewPipeline(store Store, embedder Embedder, model llm.CompletionModel, user, userName, assistantName string, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		store:         store,
		embedder:      embedder,
		model:         model,
		user:          user,
		userName:      userName,
		assistantName: assistantName,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cache == nil {
		cache, err := NewEmbeddingCache()
		if err != nil {
			return nil, errors.Wrap(err, "embedding cache")
		}
		p.cache = cache
	}
	return p, nil
}

// HealthCheck verifies the vector store is reachable for this user's scope.
func (p *Pipeline) HealthCheck(ctx context.Context) error {
	return p.store.HealthCheck(ctx, p.user)
}

// Recall embeds the query and returns the k nearest stored facts for this
// user, with placeholder tokens replaced by the session's display names.
// An empty query returns no facts without touching the embedder.
func (p *Pipeline) Recall(ctx context.Context, query string, k int) ([]Fact, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	embedding, err := p.embed(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "embed query")
	}

	facts, err := p.store.Search(ctx, embedding, p.user, k)
	if err != nil {
		return nil, errors.Wrap(err, "search facts")
	}

	for i := range facts {
		facts[i].Content = p.restoreNames(facts[i].Content)
	}

	if len(facts) > 0 {
		p.logger.Info("recalled facts", "user", p.user, "count", len(facts))
	}
	return facts, nil
}

// StoreFact embeds the summary and appends it to the vector store under this
// user's scope. Display names are replaced with placeholder tokens first.
// The store itself never evicts; the prompt builder bounds what is injected.
func (p *Pipeline) StoreFact(ctx context.Context, summary string) error {
	summary = p.maskNames(summary)

	embedding, err := p.embed(ctx, summary)
	if err != nil {
		return errors.Wrap(err, "embed summary")
	}

	fact := NewFact(summary)
	if err := p.store.Store(ctx, fact, embedding, p.user); err != nil {
		return errors.Wrap(err, "store fact")
	}

	p.logger.Info("stored fact", "user", p.user, "id", fact.ID)
	return nil
}

// Summarize asks the completion collaborator to extract durable facts from
// the given turns. Display names are masked with placeholder tokens before
// submission. Fails with ErrInvalidResponse when the reply carries no text.
func (p *Pipeline) Summarize(ctx context.Context, history []core.Message) (string, error) {
	transcript := p.flatten(history)
	if transcript == "" {
		return "", ErrInvalidResponse
	}

	temperature := 0.2
	resp, err := p.model.Complete(ctx, &llm.Request{
		Preamble:    summarizerPreamble,
		History:     []core.Message{core.NewMessage(core.RoleUser, transcript)},
		Temperature: &temperature,
		MaxTokens:   8192,
	})
	if err != nil {
		return "", errors.Wrap(err, "summarize")
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" || resp.ToolCall != nil {
		return "", ErrInvalidResponse
	}
	return text, nil
}

// SummarizeAndStore is the eviction path: summarize the drained turns and
// store the result as one fact. A summarization failure skips the store.
func (p *Pipeline) SummarizeAndStore(ctx context.Context, history []core.Message) error {
	summary, err := p.Summarize(ctx, history)
	if err != nil {
		return err
	}
	return p.StoreFact(ctx, summary)
}

func (p *Pipeline) embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := p.cache.Get(text); ok {
		if embedding, ok := cached.([]float32); ok {
			return embedding, nil
		}
	}

	embedding, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	p.cache.Set(text, embedding, int64(len(embedding)*4))
	return embedding, nil
}

// flatten renders prior turns as "Name: content" blocks, skipping system
// rows and tool round-trips, with names masked for the summarizer.
func (p *Pipeline) flatten(history []core.Message) string {
	var parts []string
	for _, msg := range history {
		if msg.IsToolCall() || msg.IsToolResult() {
			continue
		}

		var name string
		switch msg.Role {
		case core.RoleUser:
			name = p.userName
		case core.RoleAssistant:
			name = p.assistantName
		default:
			continue
		}
		parts = append(parts, name+": "+msg.Content)
	}
	return p.maskNames(strings.Join(parts, "\n---\n"))
}

func (p *Pipeline) maskNames(s string) string {
	s = strings.ReplaceAll(s, p.userName, UserToken)
	return strings.ReplaceAll(s, p.assistantName, AssistantToken)
}

func (p *Pipeline) restoreNames(s string) string {
	s = strings.ReplaceAll(s, UserToken, p.userName)
	return strings.ReplaceAll(s, AssistantToken, p.assistantName)
}

const summarizerPreamble = `# Summarization Assistant
You are a specialized summarization assistant that extracts only the most significant, long-term valuable information from conversations. Your purpose is to identify and record information that should be remembered for future interactions.

## Task
Extract only information that meets ALL of these criteria:
- Reveals persistent user preferences, interests, values, or traits
- Has potential relevance beyond the immediate conversation
- Would naturally be remembered by a human conversation partner

## Format
- Provide concise bullet points of key information
- Use consistent, retrievable phrasing
- Prioritize specificity over generality
- Include source context when relevant (e.g., "When discussing travel, mentioned...")
- Utilize the <user> and <assistant> tags for user and assistant placeholders

## Avoid
- Temporary states or short-term information (e.g., "user is going to the store", "user is feeling tired today")
- Obvious or common knowledge
- Conversational mechanics (e.g., "user asked for help with...")
- Speculation about the user
- Summarizing the entire conversation
- Creating empty summaries when no meaningful information is present

## Examples

### Example 1
` + "```json" + `
{
    "good_extraction": "<user> lives in Toronto and works as a software engineer",
    "poor_extraction": "User is currently at home"
}
` + "```" + `

### Example 2
` + "```json" + `
{
    "good_extraction": "<user> has a 5-year-old daughter named Emma who loves dinosaurs",
    "poor_extraction": "<user> needs to pick up their child from school today"
}
` + "```" + `

### Example 3
` + "```json" + `
{
    "good_extraction": "<assistant> mentioned severe peanut allergy multiple times",
    "poor_extraction": "<assistant> is hungry"
}
` + "```"
