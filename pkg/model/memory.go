package model

import (
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type MemoryID string

// NewMemoryID generates a new unique MemoryID
func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

// UserID keys a memory namespace and the threads owned by a user
type UserID string

// DefaultUserID is used by single-tenant deployments
const DefaultUserID UserID = "user_ui"

// Memory is a personal fact extracted from a conversation. It is never
// mutated after creation.
type Memory struct {
	Text     string `json:"text"`
	Category string `json:"category"`
}

// Validate checks that the memory can be persisted
func (x *Memory) Validate() error {
	if x == nil {
		return goerr.New("memory is nil")
	}
	if strings.TrimSpace(x.Text) == "" {
		return goerr.New("memory text is empty", goerr.V("category", x.Category))
	}
	return nil
}

// ScoredMemory wraps a Memory surfaced by search. Score is in [0,1].
type ScoredMemory struct {
	Memory
	Score float64 `json:"score"`
}

// MemoryRecord is the persisted form of a Memory in a user's namespace
type MemoryRecord struct {
	ID        MemoryID
	UserID    UserID
	Text      string
	Category  string
	Embedding firestore.Vector32
	CreatedAt time.Time
}

// NewMemoryRecord builds a record for m under the given id
func NewMemoryRecord(userID UserID, id MemoryID, m *Memory, embedding []float32) *MemoryRecord {
	return &MemoryRecord{
		ID:        id,
		UserID:    userID,
		Text:      m.Text,
		Category:  m.Category,
		Embedding: firestore.Vector32(embedding),
		CreatedAt: time.Now(),
	}
}

// Memory returns the fact held by the record
func (x *MemoryRecord) Memory() Memory {
	return Memory{Text: x.Text, Category: x.Category}
}

// ClampScore maps a similarity value into [0,1]
func ClampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
