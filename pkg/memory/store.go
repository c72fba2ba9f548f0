package memory

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/adapter"
	"github.com/m-mizutani/tradechat/pkg/model"
	"github.com/m-mizutani/tradechat/pkg/repository"
	"github.com/m-mizutani/tradechat/pkg/utils/keylock"
)

// Embedder is the embedding capability consumed by the store
type Embedder interface {
	Embedding(ctx context.Context, text string, dimensionality int) ([]float32, error)
}

// Store is the namespaced memory store. Facts are embedded on write and
// searched by semantic similarity.
type Store struct {
	repo      repository.Repository
	embedder  Embedder
	dimension int
	writers   *keylock.Locker
}

type Option func(*Store)

// WithDimension sets the embedding dimensionality
func WithDimension(dim int) Option {
	return func(s *Store) {
		s.dimension = dim
	}
}

func New(repo repository.Repository, embedder Embedder, opts ...Option) *Store {
	s := &Store{
		repo:      repo,
		embedder:  embedder,
		dimension: adapter.DefaultEmbeddingDimension,
		writers:   keylock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put appends m to the namespace of userID under id. It never overwrites or
// deduplicates. Writes within one namespace are linearized.
func (s *Store) Put(ctx context.Context, userID model.UserID, id model.MemoryID, m *model.Memory) error {
	if err := m.Validate(); err != nil {
		return goerr.Wrap(err, "invalid memory", goerr.V("id", id))
	}
	if id == "" {
		return goerr.New("memory id is required")
	}

	vec, err := s.embedder.Embedding(ctx, m.Text, s.dimension)
	if err != nil {
		return goerr.Wrap(err, "failed to embed memory", goerr.V("id", id))
	}

	return s.writers.Do(ctx, string(userID), func() error {
		if err := s.repo.PutMemory(ctx, model.NewMemoryRecord(userID, id, m, vec)); err != nil {
			return goerr.Wrap(err, "failed to store memory", goerr.V("id", id), goerr.V("user_id", userID))
		}
		return nil
	})
}

// Search returns up to limit memories ranked by similarity to query. Callers
// apply their own relevance threshold.
func (s *Store) Search(ctx context.Context, userID model.UserID, query string, limit int) ([]*model.ScoredMemory, error) {
	if limit <= 0 {
		return nil, nil
	}

	vec, err := s.embedder.Embedding(ctx, query, s.dimension)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}

	results, err := s.repo.SearchMemories(ctx, userID, vec, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search memories", goerr.V("user_id", userID))
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// List returns the most recent memories of a namespace
func (s *Store) List(ctx context.Context, userID model.UserID, limit int) ([]*model.MemoryRecord, error) {
	records, err := s.repo.ListMemories(ctx, userID, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list memories", goerr.V("user_id", userID))
	}
	return records, nil
}
