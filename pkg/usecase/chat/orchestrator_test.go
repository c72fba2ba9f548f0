package chat_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/tradechat/pkg/checkpoint"
	"github.com/m-mizutani/tradechat/pkg/memory"
	"github.com/m-mizutani/tradechat/pkg/model"
	"github.com/m-mizutani/tradechat/pkg/policy"
	"github.com/m-mizutani/tradechat/pkg/report"
	"github.com/m-mizutani/tradechat/pkg/repository"
	"github.com/m-mizutani/tradechat/pkg/retriever"
	"github.com/m-mizutani/tradechat/pkg/usecase/chat"
)

func routeByKeyword(prompt string) (string, error) {
	idx := strings.Index(prompt, `Query: "`)
	query := strings.ToLower(prompt[idx:])
	query = query[:strings.Index(query, "\n")]
	switch {
	case strings.Contains(query, "fabric"), strings.Contains(query, "category"):
		return "label", nil
	case strings.Contains(query, "supplier"), strings.Contains(query, "northern thread"):
		return "supplier", nil
	}
	return "general", nil
}

func labelReports() []*model.LabelReport {
	return []*model.LabelReport{
		{Label: "fabric", Stats: model.Stats{TotalTransactions: 120, TotalAmount: 5_400_000}},
		{Label: "clothing", Stats: model.Stats{TotalTransactions: 80, TotalAmount: 2_100_000}},
		{Label: "fiber", Stats: model.Stats{TotalTransactions: 15, TotalAmount: 300_000}},
	}
}

func supplierReports() []*model.SupplierReport {
	return []*model.SupplierReport{
		{Supplier: "Southern Fabric Co", Location: "Vietnam", Stats: model.Stats{TotalTransactions: 30, TotalAmount: 2_000_000}},
		{Supplier: "Northern Thread Industries", Location: "Vietnam", Stats: model.Stats{TotalTransactions: 42, TotalAmount: 5_400_000}},
		{Supplier: "Saigon Fabric Industries", Location: "Vietnam", Stats: model.Stats{TotalTransactions: 25, TotalAmount: 3_100_000}},
		{Supplier: "Asia Pacific Textiles", Location: "Thailand", Stats: model.Stats{TotalTransactions: 18, TotalAmount: 900_000}},
		{Supplier: "Vietnam Textile Co Ltd", Location: "Vietnam", Stats: model.Stats{TotalTransactions: 12, TotalAmount: 700_000}},
		{Supplier: "Mekong Weaving", Location: "Cambodia", Stats: model.Stats{TotalTransactions: 7, TotalAmount: 150_000}},
	}
}

type harness struct {
	gemini *mockGemini
	cpr    *checkpoint.Memory
	store  *memory.Store
	orch   *chat.Orchestrator
}

func newHarness(t *testing.T, gemini *mockGemini, opts ...chat.Option) *harness {
	t.Helper()
	ctx := context.Background()

	label, err := retriever.NewSelfQuery(ctx, gemini, retriever.LabelDomain(),
		report.LabelDocuments(labelReports()), retriever.WithDimension(64))
	gt.NoError(t, err)

	supplier, err := retriever.NewSelfQuery(ctx, gemini, retriever.SupplierDomain(),
		report.SupplierDocuments(supplierReports()), retriever.WithDimension(64))
	gt.NoError(t, err)

	h := &harness{
		gemini: gemini,
		cpr:    checkpoint.NewMemory(),
		store:  memory.New(repository.NewMemory(), gemini, memory.WithDimension(64)),
	}
	h.orch = chat.New(gemini,
		retriever.NewSuperlative(label, retriever.NewClassifier(gemini, retriever.LabelDomain())),
		retriever.NewSuperlative(supplier, retriever.NewClassifier(gemini, retriever.SupplierDomain())),
		h.store, h.cpr, opts...)
	return h
}

func countResults(prompt string) int {
	return strings.Count(prompt, "Result ")
}

func TestScenarioFabricData(t *testing.T) {
	ctx := context.Background()
	var dataPrompt string
	gemini := &mockGemini{
		routeFunc: routeByKeyword,
		constructFunc: func(prompt string) (string, error) {
			gt.S(t, prompt).Contains("Show me fabric data")
			return `{"query": "fabric", "filter": "eq(\"label\", \"fabric\")"}`, nil
		},
		dataFunc: func(prompt string) (string, error) {
			dataPrompt = prompt
			return "Fabric has 120 transactions worth $5,400,000.00.", nil
		},
	}
	h := newHarness(t, gemini)

	result, err := h.orch.Run(ctx, "Show me fabric data", "thread-a")
	gt.NoError(t, err)
	gt.Equal(t, result.State.QueryType, model.QueryTypeLabel)
	gt.Equal(t, result.State.RewrittenQuery, "Show me fabric data")
	gt.Equal(t, gemini.count("rewrite"), 0)
	gt.Equal(t, gemini.count("construct"), 1)
	gt.Equal(t, result.Response, "Fabric has 120 transactions worth $5,400,000.00.")

	gt.S(t, dataPrompt).Contains("DATA TYPE: LABEL")
	gt.S(t, dataPrompt).Contains("Trade Report Summary for FABRIC:")
	gt.Equal(t, countResults(dataPrompt), 1)

	gt.Equal(t, result.Path, []model.Node{
		model.NodeStart,
		model.NodeRewriteQuery,
		model.NodeRouteQueryType,
		model.NodeRetrieveLabelData,
		model.NodeGenerateDataResponse,
		model.NodeAnalyzeForMemories,
		model.NodeEnd,
	})
}

func TestScenarioTopSupplierFollowUp(t *testing.T) {
	ctx := context.Background()
	var dataPrompts, constructPrompts []string
	gemini := &mockGemini{
		routeFunc: routeByKeyword,
		constructFunc: func(prompt string) (string, error) {
			constructPrompts = append(constructPrompts, prompt)
			return `{"query": "supplier trade report", "filter": "gte(\"total_transactions\", 10)"}`, nil
		},
		superlativeFunc: func(prompt string) (string, error) {
			if strings.Contains(prompt, "Who is the top supplier?") {
				return `{"is_superlative": true, "metric": "total_amount", "direction": "desc"}`, nil
			}
			return `{"is_superlative": false, "metric": "total_amount", "direction": "desc"}`, nil
		},
		rewriteFunc: func(prompt string) (string, error) {
			gt.S(t, prompt).Contains("ASSISTANT: Northern Thread Industries is the top supplier.")
			return "What are the total transactions for Northern Thread Industries?", nil
		},
		dataFunc: func(prompt string) (string, error) {
			dataPrompts = append(dataPrompts, prompt)
			if len(dataPrompts) == 1 {
				return "Northern Thread Industries is the top supplier.", nil
			}
			return "Northern Thread Industries has 42 transactions.", nil
		},
	}
	h := newHarness(t, gemini)

	first, err := h.orch.Run(ctx, "Who is the top supplier?", "thread-b")
	gt.NoError(t, err)
	gt.Equal(t, first.State.QueryType, model.QueryTypeSupplier)
	gt.Equal(t, countResults(dataPrompts[0]), 1)
	gt.S(t, dataPrompts[0]).Contains("Trade Report Summary for Supplier: Northern Thread Industries")

	second, err := h.orch.Run(ctx, "What are the total transactions of it?", "thread-b")
	gt.NoError(t, err)
	gt.Equal(t, gemini.count("rewrite"), 1)
	gt.Equal(t, second.State.RewrittenQuery, "What are the total transactions for Northern Thread Industries?")
	gt.Equal(t, second.State.QueryType, model.QueryTypeSupplier)
	gt.S(t, constructPrompts[1]).Contains("What are the total transactions for Northern Thread Industries?")
	gt.S(t, dataPrompts[1]).Contains("USER QUESTION: What are the total transactions of it?")
	gt.A(t, second.State.Messages).Length(4)
}

// "its" is not a referential word, so the possessive follow-up reaches
// retrieval verbatim.
func TestScenarioTopSupplierPossessiveFollowUp(t *testing.T) {
	ctx := context.Background()
	var constructPrompts []string
	gemini := &mockGemini{
		routeFunc: func(prompt string) (string, error) {
			if strings.Contains(prompt, `Query: "What are its total transactions?"`) {
				return "supplier", nil
			}
			return routeByKeyword(prompt)
		},
		constructFunc: func(prompt string) (string, error) {
			constructPrompts = append(constructPrompts, prompt)
			return `{"query": "supplier trade report", "filter": "gte(\"total_transactions\", 10)"}`, nil
		},
		superlativeFunc: func(prompt string) (string, error) {
			if strings.Contains(prompt, "Who is the top supplier?") {
				return `{"is_superlative": true, "metric": "total_amount", "direction": "desc"}`, nil
			}
			return `{"is_superlative": false, "metric": "total_amount", "direction": "desc"}`, nil
		},
		rewriteFunc: func(prompt string) (string, error) {
			t.Error("rewrite must not be called")
			return "", nil
		},
		dataFunc: func(prompt string) (string, error) {
			return "Northern Thread Industries is the top supplier.", nil
		},
	}
	h := newHarness(t, gemini)

	_, err := h.orch.Run(ctx, "Who is the top supplier?", "thread-b2")
	gt.NoError(t, err)

	second, err := h.orch.Run(ctx, "What are its total transactions?", "thread-b2")
	gt.NoError(t, err)
	gt.Equal(t, gemini.count("rewrite"), 0)
	gt.Equal(t, second.State.RewrittenQuery, "What are its total transactions?")
	gt.Equal(t, second.State.QueryType, model.QueryTypeSupplier)
	gt.A(t, constructPrompts).Length(2)
	gt.S(t, constructPrompts[1]).Contains("What are its total transactions?")
	gt.A(t, second.State.Messages).Length(4)
}

func TestScenarioRememberUser(t *testing.T) {
	ctx := context.Background()
	var systems []string
	gemini := &mockGemini{
		routeFunc: routeByKeyword,
		generalFunc: func(system, userInput string) (string, error) {
			systems = append(systems, system)
			return "Nice to meet you!", nil
		},
		extractFunc: func(prompt string) (string, error) {
			if strings.Contains(prompt, "USER: Hi, I'm Sarah and I work as a teacher") {
				return "MEMORY: User's name is Sarah | CATEGORY: name\nMEMORY: User works as a teacher | CATEGORY: job", nil
			}
			return "NO_NEW_MEMORIES", nil
		},
	}
	h := newHarness(t, gemini)

	result, err := h.orch.Run(ctx, "Hi, I'm Sarah and I work as a teacher", "thread-c")
	gt.NoError(t, err)
	gt.Equal(t, result.State.QueryType, model.QueryTypeGeneral)
	gt.A(t, result.State.MemoriesToSave).Length(2)
	gt.Equal(t, result.Path[len(result.Path)-2], model.NodeSaveMemories)

	records, err := h.store.List(ctx, model.DefaultUserID, 10)
	gt.NoError(t, err)
	gt.A(t, records).Length(2)
	gt.NotEqual(t, records[0].ID, records[1].ID)

	// a new thread still sees the user's memories
	_, err = h.orch.Run(ctx, "What is my name?", "thread-c2")
	gt.NoError(t, err)
	gt.A(t, systems).Length(2)
	gt.S(t, systems[1]).Contains("- User's name is Sarah")
}

func TestScenarioMalformedSuperlative(t *testing.T) {
	ctx := context.Background()
	var dataPrompt string
	gemini := &mockGemini{
		routeFunc: routeByKeyword,
		superlativeFunc: func(prompt string) (string, error) {
			return "Yes! The user clearly wants the top one.", nil
		},
		dataFunc: func(prompt string) (string, error) {
			dataPrompt = prompt
			return "Here are the suppliers.", nil
		},
	}
	h := newHarness(t, gemini)

	_, err := h.orch.Run(ctx, "Who is the top supplier?", "thread-d")
	gt.NoError(t, err)
	gt.Equal(t, countResults(dataPrompt), retriever.DefaultTopK)
}

func TestRetrievalContextMessages(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name     string
		query    string
		label    *mockRetriever
		supplier *mockRetriever
		expected string
	}{
		{
			name:     "label error",
			query:    "Show me fabric data",
			label:    &mockRetriever{retrieveFunc: func(ctx context.Context, query string) ([]*model.Document, error) { return nil, errors.New("index offline") }},
			supplier: &mockRetriever{},
			expected: "Error retrieving label data: index offline",
		},
		{
			name:     "label empty",
			query:    "Show me fabric data",
			label:    &mockRetriever{},
			supplier: &mockRetriever{},
			expected: "No relevant label/category data found.",
		},
		{
			name:     "supplier empty",
			query:    "Who is the top supplier?",
			label:    &mockRetriever{},
			supplier: &mockRetriever{},
			expected: "No relevant supplier data found.",
		},
		{
			name:  "supplier panic",
			query: "Who is the top supplier?",
			label: &mockRetriever{},
			supplier: &mockRetriever{retrieveFunc: func(ctx context.Context, query string) ([]*model.Document, error) {
				panic("boom")
			}},
			expected: "Error retrieving supplier data: boom",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var dataPrompt string
			gemini := &mockGemini{
				routeFunc: routeByKeyword,
				dataFunc: func(prompt string) (string, error) {
					dataPrompt = prompt
					return "Sorry, no data.", nil
				},
			}
			orch := chat.New(gemini, tc.label, tc.supplier, &mockMemoryStore{}, checkpoint.NewMemory())

			result, err := orch.Run(ctx, tc.query, "thread")
			gt.NoError(t, err)
			gt.Equal(t, result.State.ProductContext, tc.expected)
			gt.S(t, dataPrompt).Contains(tc.expected)
		})
	}
}

func TestIdentityLaw(t *testing.T) {
	ctx := context.Background()
	inputs := []string{"Show me fabric data", "Hi, I'm Sarah", "Tell me more about it", "Which supplier is biggest?"}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			gemini := &mockGemini{routeFunc: routeByKeyword}
			orch := chat.New(gemini, &mockRetriever{}, &mockRetriever{}, &mockMemoryStore{}, checkpoint.NewMemory())

			result, err := orch.Run(ctx, input, model.NewThreadID())
			gt.NoError(t, err)
			gt.Equal(t, result.State.RewrittenQuery, input)
			gt.Equal(t, gemini.count("rewrite"), 0)
		})
	}
}

func TestRouteUsesRewrittenQuery(t *testing.T) {
	ctx := context.Background()
	label := &mockRetriever{}
	gemini := &mockGemini{
		routeFunc: routeByKeyword,
		rewriteFunc: func(prompt string) (string, error) {
			return "Tell me more about fabric transaction data", nil
		},
	}
	cpr := checkpoint.NewMemory()
	orch := chat.New(gemini, label, &mockRetriever{}, &mockMemoryStore{}, cpr)

	_, err := orch.Run(ctx, "Hello there", "thread")
	gt.NoError(t, err)

	result, err := orch.Run(ctx, "Tell me more about it", "thread")
	gt.NoError(t, err)
	gt.Equal(t, result.State.QueryType, model.QueryTypeLabel)
	gt.Equal(t, label.Queries(), []string{"Tell me more about fabric transaction data"})
}

func TestMemoryThreshold(t *testing.T) {
	ctx := context.Background()
	var system string
	gemini := &mockGemini{generalFunc: func(s, userInput string) (string, error) {
		system = s
		return "Hi!", nil
	}}
	store := &mockMemoryStore{searchFunc: func(ctx context.Context, userID model.UserID, query string, limit int) ([]*model.ScoredMemory, error) {
		gt.Equal(t, userID, model.UserID("alice"))
		gt.Equal(t, limit, 5)
		return []*model.ScoredMemory{
			{Memory: model.Memory{Text: "User's name is Alice"}, Score: 0.9},
			{Memory: model.Memory{Text: "User likes tea"}, Score: 0.2},
			{Memory: model.Memory{Text: "User lives in Hue"}, Score: 0.05},
		}, nil
	}}
	orch := chat.New(gemini, &mockRetriever{}, &mockRetriever{}, store, checkpoint.NewMemory(), chat.WithUserID("alice"))

	result, err := orch.Run(ctx, "What is my name?", "thread")
	gt.NoError(t, err)
	gt.A(t, result.State.RelevantMemories).Length(1)
	gt.S(t, system).Contains("- User's name is Alice")
	gt.S(t, system).NotContains("tea")
	gt.S(t, system).NotContains("Hue")
}

func TestMemorySearchFailure(t *testing.T) {
	ctx := context.Background()
	var system string
	gemini := &mockGemini{generalFunc: func(s, userInput string) (string, error) {
		system = s
		return "Hi!", nil
	}}
	store := &mockMemoryStore{searchFunc: func(ctx context.Context, userID model.UserID, query string, limit int) ([]*model.ScoredMemory, error) {
		return nil, errors.New("firestore unavailable")
	}}
	orch := chat.New(gemini, &mockRetriever{}, &mockRetriever{}, store, checkpoint.NewMemory())

	result, err := orch.Run(ctx, "What is my name?", "thread")
	gt.NoError(t, err)
	gt.Equal(t, result.Response, "Hi!")
	gt.S(t, system).NotContains("What I remember")
}

func TestMemoryWriteFailure(t *testing.T) {
	ctx := context.Background()
	puts := 0
	gemini := &mockGemini{extractFunc: func(prompt string) (string, error) {
		return "MEMORY: User's name is Sarah | CATEGORY: name\nMEMORY: User works as a teacher | CATEGORY: job", nil
	}}
	store := &mockMemoryStore{putFunc: func(ctx context.Context, userID model.UserID, id model.MemoryID, m *model.Memory) error {
		puts++
		if puts == 1 {
			return errors.New("write failed")
		}
		return nil
	}}
	orch := chat.New(gemini, &mockRetriever{}, &mockRetriever{}, store, checkpoint.NewMemory())

	resp, err := orch.RunChat(ctx, "I'm Sarah, a teacher", "thread")
	gt.NoError(t, err)
	gt.Equal(t, resp, "Hello!")
	gt.Equal(t, puts, 2)
}

func TestMemoryPolicy(t *testing.T) {
	ctx := context.Background()
	p, err := policy.New(ctx, map[string]string{"memory.rego": `package memory

deny contains i if {
	some i
	input.memories[i].category == "job"
}
`})
	gt.NoError(t, err)

	var saved []string
	gemini := &mockGemini{extractFunc: func(prompt string) (string, error) {
		return "MEMORY: User's name is Sarah | CATEGORY: name\nMEMORY: User works as a teacher | CATEGORY: job", nil
	}}
	store := &mockMemoryStore{putFunc: func(ctx context.Context, userID model.UserID, id model.MemoryID, m *model.Memory) error {
		saved = append(saved, m.Text)
		return nil
	}}
	orch := chat.New(gemini, &mockRetriever{}, &mockRetriever{}, store, checkpoint.NewMemory(), chat.WithPolicy(p))

	_, err = orch.Run(ctx, "I'm Sarah, a teacher", "thread")
	gt.NoError(t, err)
	gt.Equal(t, saved, []string{"User's name is Sarah"})
}

func TestGenerationFailureKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	fail := false
	gemini := &mockGemini{generalFunc: func(system, userInput string) (string, error) {
		if fail {
			return "", errors.New("model overloaded")
		}
		return "Hello!", nil
	}}
	cpr := checkpoint.NewMemory()
	orch := chat.New(gemini, &mockRetriever{}, &mockRetriever{}, &mockMemoryStore{}, cpr)

	_, err := orch.Run(ctx, "Hi", "thread")
	gt.NoError(t, err)

	fail = true
	_, err = orch.Run(ctx, "Hi again", "thread")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, chat.ErrGeneration))
	gt.Equal(t, gemini.count("extract"), 1)

	cp, err := cpr.Get(ctx, model.ThreadKey{UserID: model.DefaultUserID, ThreadID: "thread"})
	gt.NoError(t, err)
	gt.A(t, cp.State.Messages).Length(2)
	gt.Equal(t, cp.State.Response, "Hello!")
}

func TestCheckpointWriteFailure(t *testing.T) {
	ctx := context.Background()
	cpr := &mockCheckpointer{putFunc: func(ctx context.Context, key model.ThreadKey, cp *model.Checkpoint) error {
		return errors.New("bucket unavailable")
	}}
	orch := chat.New(&mockGemini{}, &mockRetriever{}, &mockRetriever{}, &mockMemoryStore{}, cpr)

	resp, err := orch.RunChat(ctx, "Hi", "thread")
	gt.NoError(t, err)
	gt.Equal(t, resp, "Hello!")
}

func TestCheckpointReadFailure(t *testing.T) {
	ctx := context.Background()
	cpr := &mockCheckpointer{getFunc: func(ctx context.Context, key model.ThreadKey) (*model.Checkpoint, error) {
		return nil, errors.New("redis down")
	}}
	gemini := &mockGemini{}
	orch := chat.New(gemini, &mockRetriever{}, &mockRetriever{}, &mockMemoryStore{}, cpr)

	_, err := orch.RunChat(ctx, "Hi", "thread")
	gt.Error(t, err)
	gt.A(t, gemini.Calls()).Length(0)
}

func TestInvalidInput(t *testing.T) {
	ctx := context.Background()
	orch := chat.New(&mockGemini{}, &mockRetriever{}, &mockRetriever{}, &mockMemoryStore{}, checkpoint.NewMemory())

	_, err := orch.RunChat(ctx, "   ", "thread")
	gt.Error(t, err)
	_, err = orch.RunChat(ctx, "Hi", "")
	gt.Error(t, err)
}

func TestRejectsUnsafeThreadID(t *testing.T) {
	ctx := context.Background()
	gemini := &mockGemini{}
	cpr := &mockCheckpointer{
		getFunc: func(ctx context.Context, key model.ThreadKey) (*model.Checkpoint, error) {
			t.Errorf("checkpoint read for %s", key)
			return nil, nil
		},
		putFunc: func(ctx context.Context, key model.ThreadKey, cp *model.Checkpoint) error {
			t.Errorf("checkpoint write for %s", key)
			return nil
		},
	}
	orch := chat.New(gemini, &mockRetriever{}, &mockRetriever{}, &mockMemoryStore{}, cpr)

	for _, threadID := range []model.ThreadID{"../other_user/t", "a:b", "a/b", ".."} {
		_, err := orch.RunChat(ctx, "Hi", threadID)
		gt.Error(t, err)
	}
	gt.A(t, gemini.Calls()).Length(0)
}

func TestStateResetBetweenTurns(t *testing.T) {
	ctx := context.Background()
	gemini := &mockGemini{routeFunc: routeByKeyword}
	cpr := checkpoint.NewMemory()
	orch := chat.New(gemini, &mockRetriever{}, &mockRetriever{}, &mockMemoryStore{}, cpr)

	first, err := orch.Run(ctx, "Show me fabric data", "thread")
	gt.NoError(t, err)
	gt.Equal(t, first.State.ProductContext, "No relevant label/category data found.")

	second, err := orch.Run(ctx, "Hi", "thread")
	gt.NoError(t, err)
	gt.Equal(t, second.State.QueryType, model.QueryTypeGeneral)
	gt.Equal(t, second.State.ProductContext, "")
	gt.A(t, second.State.Messages).Length(4)
	gt.Equal(t, second.State.Messages[0].Text, "Show me fabric data")
}

func TestHistoryLimit(t *testing.T) {
	ctx := context.Background()
	var rewritePrompt string
	gemini := &mockGemini{rewriteFunc: func(prompt string) (string, error) {
		rewritePrompt = prompt
		return "rewritten", nil
	}}
	orch := chat.New(gemini, &mockRetriever{}, &mockRetriever{}, &mockMemoryStore{}, checkpoint.NewMemory(), chat.WithHistoryLimit(2))

	for i := 0; i < 3; i++ {
		_, err := orch.Run(ctx, fmt.Sprintf("turn %d", i), "thread")
		gt.NoError(t, err)
	}
	_, err := orch.Run(ctx, "what about this", "thread")
	gt.NoError(t, err)

	gt.S(t, rewritePrompt).Contains("USER: turn 2\nASSISTANT: Hello!")
	gt.S(t, rewritePrompt).NotContains("turn 1")
}

func TestConcurrentTurnsOnThread(t *testing.T) {
	ctx := context.Background()
	cpr := checkpoint.NewMemory()
	orch := chat.New(&mockGemini{}, &mockRetriever{}, &mockRetriever{}, &mockMemoryStore{}, cpr)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := orch.RunChat(ctx, fmt.Sprintf("message %d", i), "shared")
			gt.NoError(t, err)
		}(i)
	}
	wg.Wait()

	cp, err := cpr.Get(ctx, model.ThreadKey{UserID: model.DefaultUserID, ThreadID: "shared"})
	gt.NoError(t, err)
	gt.A(t, cp.State.Messages).Length(2 * n)
	gt.Equal(t, cp.Recent.Len(), model.RecentMessageLimit)
}
