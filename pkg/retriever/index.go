package retriever

import (
	"slices"
	"strconv"
	"sync"

	"github.com/coder/hnsw"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/model"
)

// Hit is a document ranked by similarity to a query vector
type Hit struct {
	Document *model.Document
	Score    float64
}

// Index is an in-memory HNSW index over document embeddings
type Index struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[string]
	docs  []*model.Document
	dim   int
}

func NewIndex() *Index {
	return &Index{graph: hnsw.NewGraph[string]()}
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Add inserts a document with its embedding
func (x *Index) Add(vec []float32, doc *model.Document) error {
	if len(vec) == 0 {
		return goerr.New("empty document embedding")
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.dim == 0 {
		x.dim = len(vec)
	}
	if len(vec) != x.dim {
		return goerr.New("embedding dimension mismatch", goerr.V("expected", x.dim), goerr.V("actual", len(vec)))
	}

	key := strconv.Itoa(len(x.docs))
	x.graph.Add(hnsw.MakeNode(key, slices.Clone(vec)))
	x.docs = append(x.docs, doc)
	x.graph.EfSearch = max(x.graph.EfSearch, len(x.docs))
	return nil
}

// Search returns up to k documents ordered by descending similarity. Equal
// scores keep insertion order.
func (x *Index) Search(vec []float32, k int) ([]*Hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.docs) == 0 || k <= 0 {
		return nil, nil
	}
	if len(vec) != x.dim {
		return nil, goerr.New("query dimension mismatch", goerr.V("expected", x.dim), goerr.V("actual", len(vec)))
	}

	type ranked struct {
		hit *Hit
		seq int
	}

	nodes := x.graph.Search(vec, k)
	results := make([]ranked, 0, len(nodes))
	for _, node := range nodes {
		seq, err := strconv.Atoi(node.Key)
		if err != nil || seq >= len(x.docs) {
			continue
		}
		results = append(results, ranked{
			hit: &Hit{
				Document: x.docs[seq],
				Score:    model.ClampScore(1 - float64(hnsw.CosineDistance(vec, node.Value))),
			},
			seq: seq,
		})
	}

	slices.SortFunc(results, func(a, b ranked) int {
		switch {
		case a.hit.Score > b.hit.Score:
			return -1
		case a.hit.Score < b.hit.Score:
			return 1
		default:
			return a.seq - b.seq
		}
	})

	hits := make([]*Hit, len(results))
	for i, r := range results {
		hits[i] = r.hit
	}
	return hits, nil
}
