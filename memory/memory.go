package memory

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Placeholder tokens used inside stored fact text so a fact survives display
// name changes. They are swapped for the session's real names on recall and
// swapped back before storage.
const (
	UserToken      = "<user>"
	AssistantToken = "<assistant>"
)

// Fact is one long-term memory: a short text summary plus its handle in the
// vector store. The embedding itself lives with the store; a Fact is what
// the rest of the system passes around.
type Fact struct {
	// ID is a ULID, so handles sort by creation time.
	ID string

	// Content is the summary text, with UserToken/AssistantToken
	// placeholders in place of display names.
	Content string

	CreatedAt time.Time
}

// NewFact creates a Fact for the given summary text.
func NewFact(content string) Fact {
	return Fact{
		ID:        ulid.Make().String(),
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Store is the vector store collaborator. The store is append-only from the
// pipeline's point of view; the capacity bound on recalled facts is applied
// at prompt-render time, not here.
//
// Implementations: chromem (embedded, pure Go) under memory/store.
type Store interface {
	// Store saves a fact with its embedding under the user's scope.
	Store(ctx context.Context, fact Fact, embedding []float32, user string) error

	// Search returns up to k facts nearest to the embedding, scoped to
	// the user, best match first.
	Search(ctx context.Context, embedding []float32, user string, k int) ([]Fact, error)

	// HealthCheck verifies the user's scope is reachable.
	HealthCheck(ctx context.Context, user string) error

	// Close releases resources.
	Close() error
}

// Embedder converts text to a vector.
//
// Implementations: mock (deterministic, for tests and offline development)
// and onnx (all-MiniLM-L6-v2, behind the onnx build tag) under
// memory/embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
