// Package chromem backs the fact store with chromem-go, a pure Go embedded
// vector database. Each user scope maps to its own collection for namespace
// isolation.
package chromem

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/pkg/errors"

	"github.com/keepsakebot/keepsake/memory"
)

// FactStore implements memory.Store on top of chromem-go.
type FactStore struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
	logger      *slog.Logger
}

// New creates an in-memory fact store.
func New(logger *slog.Logger) (*FactStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &FactStore{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		logger:      logger,
	}, nil
}

// getOrCreateCollection returns the collection for a user scope.
func (s *FactStore) getOrCreateCollection(user string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, exists := s.collections[user]
	s.mu.RUnlock()
	if exists {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, exists := s.collections[user]; exists {
		return col, nil
	}

	name := "user_" + user
	if user == "" {
		name = "global"
	}

	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := s.db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create collection")
	}

	s.collections[user] = col
	return col, nil
}

// Store saves a fact with its embedding under the user's scope.
func (s *FactStore) Store(ctx context.Context, fact memory.Fact, embedding []float32, user string) error {
	col, err := s.getOrCreateCollection(user)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        fact.ID,
		Content:   fact.Content,
		Embedding: embedding,
		Metadata: map[string]string{
			"user":       user,
			"created_at": fact.CreatedAt.Format(time.RFC3339),
		},
	}

	if err := col.AddDocument(ctx, doc); err != nil {
		return errors.Wrap(err, "add document")
	}

	s.logger.Debug("stored fact", "user", user, "id", fact.ID)
	return nil
}

// Search returns up to k facts nearest to the embedding within the user's
// scope, best match first.
func (s *FactStore) Search(ctx context.Context, embedding []float32, user string, k int) ([]memory.Fact, error) {
	col, err := s.getOrCreateCollection(user)
	if err != nil {
		return nil, err
	}

	where := map[string]string{"user": user}

	// chromem-go rejects nResults above the collection size, so walk the
	// limit down until the query fits.
	var results []chromem.Result
	for limit := k; limit >= 1; limit-- {
		results, err = col.QueryEmbedding(ctx, embedding, limit, where, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if limit == 1 {
				return nil, nil
			}
			continue
		}
		return nil, errors.Wrap(err, "query embedding")
	}

	facts := make([]memory.Fact, 0, len(results))
	for _, result := range results {
		createdAt, _ := time.Parse(time.RFC3339, result.Metadata["created_at"])
		facts = append(facts, memory.Fact{
			ID:        result.ID,
			Content:   result.Content,
			CreatedAt: createdAt,
		})
	}

	s.logger.Debug("searched facts", "user", user, "requested", k, "returned", len(facts))
	return facts, nil
}

// HealthCheck verifies the user's collection can be created and addressed.
func (s *FactStore) HealthCheck(ctx context.Context, user string) error {
	_, err := s.getOrCreateCollection(user)
	return err
}

// Close releases resources. chromem-go keeps everything in memory, so there
// is nothing to flush.
func (s *FactStore) Close() error {
	return nil
}

// isInsufficientDocsError checks if the query failed only because the
// collection holds fewer documents than requested.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
