package repository

import (
	"context"
	"slices"
	"sync"

	"github.com/coder/hnsw"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/model"
)

// Memory is a process-lifetime Repository. Each namespace owns an HNSW graph.
type Memory struct {
	mu         sync.RWMutex
	namespaces map[model.UserID]*namespace
}

type namespace struct {
	graph   *hnsw.Graph[string]
	records map[model.MemoryID]*model.MemoryRecord
	order   []model.MemoryID
	dim     int
}

var _ Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{namespaces: make(map[model.UserID]*namespace)}
}

func (r *Memory) PutMemory(ctx context.Context, record *model.MemoryRecord) error {
	if record == nil || record.ID == "" {
		return goerr.New("memory record requires ID")
	}
	if len(record.Embedding) == 0 {
		return goerr.New("memory record requires embedding", goerr.V("id", record.ID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ns, ok := r.namespaces[record.UserID]
	if !ok {
		ns = &namespace{
			graph:   hnsw.NewGraph[string](),
			records: make(map[model.MemoryID]*model.MemoryRecord),
			dim:     len(record.Embedding),
		}
		r.namespaces[record.UserID] = ns
	}

	if len(record.Embedding) != ns.dim {
		return goerr.New("embedding dimension mismatch",
			goerr.V("id", record.ID), goerr.V("expected", ns.dim), goerr.V("actual", len(record.Embedding)))
	}
	if _, exists := ns.records[record.ID]; exists {
		return goerr.New("memory ID already exists", goerr.V("id", record.ID), goerr.V("user_id", record.UserID))
	}

	stored := *record
	stored.Embedding = slices.Clone(record.Embedding)

	ns.graph.Add(hnsw.MakeNode(string(stored.ID), []float32(stored.Embedding)))
	ns.graph.EfSearch = max(ns.graph.EfSearch, len(ns.order)+1)
	ns.records[stored.ID] = &stored
	ns.order = append(ns.order, stored.ID)

	return nil
}

func (r *Memory) SearchMemories(ctx context.Context, userID model.UserID, embedding []float32, limit int) ([]*model.ScoredMemory, error) {
	if limit <= 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ns, ok := r.namespaces[userID]
	if !ok || ns.graph.Len() == 0 {
		return nil, nil
	}
	if len(embedding) != ns.dim {
		return nil, goerr.New("query dimension mismatch", goerr.V("expected", ns.dim), goerr.V("actual", len(embedding)))
	}

	// The graph stops improving once it holds k candidates, so ask for the
	// whole namespace and score any node the walk did not reach.
	scores := make(map[model.MemoryID]float64, len(ns.records))
	for _, node := range ns.graph.Search(embedding, ns.graph.Len()) {
		id := model.MemoryID(node.Key)
		if _, ok := ns.records[id]; ok {
			scores[id] = 1 - float64(hnsw.CosineDistance(embedding, node.Value))
		}
	}
	for id, rec := range ns.records {
		if _, ok := scores[id]; !ok {
			scores[id] = 1 - float64(hnsw.CosineDistance(embedding, []float32(rec.Embedding)))
		}
	}

	type ranked struct {
		memory *model.ScoredMemory
		seq    int
	}
	candidates := make([]ranked, 0, len(ns.order))
	for seq, id := range ns.order {
		candidates = append(candidates, ranked{
			memory: &model.ScoredMemory{
				Memory: ns.records[id].Memory(),
				Score:  model.ClampScore(scores[id]),
			},
			seq: seq,
		})
	}

	slices.SortFunc(candidates, func(a, b ranked) int {
		switch {
		case a.memory.Score > b.memory.Score:
			return -1
		case a.memory.Score < b.memory.Score:
			return 1
		default:
			return a.seq - b.seq
		}
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	results := make([]*model.ScoredMemory, len(candidates))
	for i, c := range candidates {
		results[i] = c.memory
	}
	return results, nil
}

func (r *Memory) ListMemories(ctx context.Context, userID model.UserID, limit int) ([]*model.MemoryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ns, ok := r.namespaces[userID]
	if !ok {
		return nil, nil
	}

	var out []*model.MemoryRecord
	for i := len(ns.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		rec := *ns.records[ns.order[i]]
		rec.Embedding = slices.Clone(rec.Embedding)
		out = append(out, &rec)
	}
	return out, nil
}
