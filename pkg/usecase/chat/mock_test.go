package chat_test

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/m-mizutani/tradechat/pkg/model"
	"google.golang.org/genai"
)

// mockGemini dispatches each call to the handler of the prompt it recognizes
type mockGemini struct {
	rewriteFunc func(prompt string) (string, error)
	routeFunc   func(prompt string) (string, error)
	dataFunc    func(prompt string) (string, error)
	generalFunc func(system, userInput string) (string, error)
	extractFunc func(prompt string) (string, error)

	constructFunc   func(prompt string) (string, error)
	superlativeFunc func(prompt string) (string, error)

	mu    sync.Mutex
	calls []string
}

func (m *mockGemini) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockGemini) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockGemini) count(name string) int {
	n := 0
	for _, c := range m.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func call(fn func(string) (string, error), prompt, fallback string) (*genai.GenerateContentResponse, error) {
	if fn == nil {
		return textResponse(fallback), nil
	}
	text, err := fn(prompt)
	if err != nil {
		return nil, err
	}
	return textResponse(text), nil
}

func (m *mockGemini) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	prompt := contentText(contents)

	if config != nil && config.SystemInstruction != nil {
		system := contentText([]*genai.Content{config.SystemInstruction})
		if strings.Contains(system, "personal assistant with memory") {
			m.record("general")
			if m.generalFunc == nil {
				return textResponse("Hello!"), nil
			}
			text, err := m.generalFunc(system, prompt)
			if err != nil {
				return nil, err
			}
			return textResponse(text), nil
		}
	}

	switch {
	case strings.Contains(prompt, "query rewriting assistant"):
		m.record("rewrite")
		return call(m.rewriteFunc, prompt, "")
	case strings.Contains(prompt, "classify it into ONE category"):
		m.record("route")
		return call(m.routeFunc, prompt, "general")
	case strings.Contains(prompt, "Answer the user's question based ONLY"):
		m.record("data")
		return call(m.dataFunc, prompt, "Here is the data.")
	case strings.Contains(prompt, "Analyze this conversation for NEW PERSONAL"):
		m.record("extract")
		return call(m.extractFunc, prompt, "NO_NEW_MEMORIES")
	case strings.Contains(prompt, "query constructor"):
		m.record("construct")
		return call(m.constructFunc, prompt, `{"query": "trade report", "filter": "NO_FILTER"}`)
	case strings.Contains(prompt, "Analyze this trade data query"):
		m.record("superlative")
		return call(m.superlativeFunc, prompt, `{"is_superlative": false, "metric": "total_amount", "direction": "desc"}`)
	}

	m.record("unknown")
	return nil, errors.New("unexpected prompt")
}

func (m *mockGemini) Embedding(ctx context.Context, text string, dim int) ([]float32, error) {
	vec := make([]float32, dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(w, ".,:;!?'\"")))
		vec[h.Sum32()%uint32(dim)]++
	}
	vec[dim-1] += 0.01
	return vec, nil
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: genai.NewContentFromText(text, genai.RoleModel)},
		},
	}
}

func contentText(contents []*genai.Content) string {
	var b strings.Builder
	for _, c := range contents {
		if c == nil {
			continue
		}
		for _, p := range c.Parts {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

type mockRetriever struct {
	retrieveFunc func(ctx context.Context, query string) ([]*model.Document, error)

	mu      sync.Mutex
	queries []string
}

func (m *mockRetriever) Retrieve(ctx context.Context, query string) ([]*model.Document, error) {
	m.mu.Lock()
	m.queries = append(m.queries, query)
	m.mu.Unlock()
	if m.retrieveFunc == nil {
		return nil, nil
	}
	return m.retrieveFunc(ctx, query)
}

func (m *mockRetriever) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}

type mockMemoryStore struct {
	putFunc    func(ctx context.Context, userID model.UserID, id model.MemoryID, m *model.Memory) error
	searchFunc func(ctx context.Context, userID model.UserID, query string, limit int) ([]*model.ScoredMemory, error)
}

func (m *mockMemoryStore) Put(ctx context.Context, userID model.UserID, id model.MemoryID, mem *model.Memory) error {
	if m.putFunc == nil {
		return nil
	}
	return m.putFunc(ctx, userID, id, mem)
}

func (m *mockMemoryStore) Search(ctx context.Context, userID model.UserID, query string, limit int) ([]*model.ScoredMemory, error) {
	if m.searchFunc == nil {
		return nil, nil
	}
	return m.searchFunc(ctx, userID, query, limit)
}

type mockCheckpointer struct {
	getFunc func(ctx context.Context, key model.ThreadKey) (*model.Checkpoint, error)
	putFunc func(ctx context.Context, key model.ThreadKey, cp *model.Checkpoint) error
}

func (m *mockCheckpointer) Get(ctx context.Context, key model.ThreadKey) (*model.Checkpoint, error) {
	if m.getFunc == nil {
		return nil, nil
	}
	return m.getFunc(ctx, key)
}

func (m *mockCheckpointer) Put(ctx context.Context, key model.ThreadKey, cp *model.Checkpoint) error {
	if m.putFunc == nil {
		return nil
	}
	return m.putFunc(ctx, key, cp)
}
