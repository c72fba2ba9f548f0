package repository

import (
	"context"

	"github.com/m-mizutani/tradechat/pkg/model"
)

// Repository persists memory records with their embeddings, one namespace
// per user
type Repository interface {
	// PutMemory appends a record. An existing ID in the same namespace is an error.
	PutMemory(ctx context.Context, record *model.MemoryRecord) error

	// SearchMemories returns up to limit memories nearest to embedding,
	// ordered by descending score in [0,1]
	SearchMemories(ctx context.Context, userID model.UserID, embedding []float32, limit int) ([]*model.ScoredMemory, error)

	// ListMemories returns up to limit records, newest first. limit <= 0 means no limit.
	ListMemories(ctx context.Context, userID model.UserID, limit int) ([]*model.MemoryRecord, error)
}
