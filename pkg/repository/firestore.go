package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/model"
	"google.golang.org/api/iterator"
)

const (
	collectionUsers    = "users"
	collectionMemories = "memories"
	fieldEmbedding     = "Embedding"
	fieldCreatedAt     = "CreatedAt"
	fieldDistance      = "Distance"
)

// Firestore stores memories under users/{user_id}/memories/{memory_id}
type Firestore struct {
	client *firestore.Client
}

var _ Repository = (*Firestore)(nil)

// memoryDoc is the Firestore document layout of a memory record
type memoryDoc struct {
	ID        string             `firestore:"ID"`
	UserID    string             `firestore:"UserID"`
	Text      string             `firestore:"Text"`
	Category  string             `firestore:"Category"`
	Embedding firestore.Vector32 `firestore:"Embedding"`
	CreatedAt time.Time          `firestore:"CreatedAt"`
	Distance  float64            `firestore:"Distance,omitempty"`
}

func New(projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(context.Background(), projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID), goerr.V("database_id", databaseID))
	}
	return &Firestore{client: client}, nil
}

func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) memories(userID model.UserID) *firestore.CollectionRef {
	return r.client.Collection(collectionUsers).Doc(string(userID)).Collection(collectionMemories)
}

func (r *Firestore) PutMemory(ctx context.Context, record *model.MemoryRecord) error {
	if record == nil || record.ID == "" {
		return goerr.New("memory record requires ID")
	}

	doc := memoryDoc{
		ID:        string(record.ID),
		UserID:    string(record.UserID),
		Text:      record.Text,
		Category:  record.Category,
		Embedding: record.Embedding,
		CreatedAt: record.CreatedAt,
	}

	// Create fails if the document exists, so records are never overwritten
	if _, err := r.memories(record.UserID).Doc(doc.ID).Create(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to put memory",
			goerr.V("id", record.ID), goerr.V("user_id", record.UserID))
	}
	return nil
}

func (r *Firestore) SearchMemories(ctx context.Context, userID model.UserID, embedding []float32, limit int) ([]*model.ScoredMemory, error) {
	if limit <= 0 {
		return nil, nil
	}

	q := r.memories(userID).FindNearest(fieldEmbedding,
		firestore.Vector32(embedding),
		limit,
		firestore.DistanceMeasureCosine,
		&firestore.FindNearestOptions{DistanceResultField: fieldDistance},
	)

	iter := q.Documents(ctx)
	defer iter.Stop()

	var results []*model.ScoredMemory
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to search memories", goerr.V("user_id", userID))
		}

		var doc memoryDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("doc_id", snap.Ref.ID))
		}

		results = append(results, &model.ScoredMemory{
			Memory: model.Memory{Text: doc.Text, Category: doc.Category},
			Score:  model.ClampScore(1 - doc.Distance),
		})
	}

	return results, nil
}

func (r *Firestore) ListMemories(ctx context.Context, userID model.UserID, limit int) ([]*model.MemoryRecord, error) {
	q := r.memories(userID).OrderBy(fieldCreatedAt, firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var records []*model.MemoryRecord
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list memories", goerr.V("user_id", userID))
		}

		var doc memoryDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("doc_id", snap.Ref.ID))
		}
		records = append(records, &model.MemoryRecord{
			ID:        model.MemoryID(doc.ID),
			UserID:    model.UserID(doc.UserID),
			Text:      doc.Text,
			Category:  doc.Category,
			Embedding: doc.Embedding,
			CreatedAt: doc.CreatedAt,
		})
	}
	return records, nil
}
