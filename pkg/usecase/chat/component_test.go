package chat_test

import (
	"context"
	"errors"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/tradechat/pkg/model"
	"github.com/m-mizutani/tradechat/pkg/usecase/chat"
)

func historyOf(texts ...string) *model.History {
	h := model.NewHistory(model.RecentMessageLimit)
	for i, text := range texts {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		h.Append(model.Message{Role: role, Text: text})
	}
	return h
}

func TestNeedsRewrite(t *testing.T) {
	testCases := []struct {
		query    string
		expected bool
	}{
		{"What are its total transactions?", false},
		{"Tell me more about it", true},
		{"What are THESE company names?", true},
		{"Show me that.", true},
		{"Who is the top supplier?", false},
		{"Is this the best?", true},
		{"Show me their names", false},
		{"within the italics", false},
	}

	for _, tc := range testCases {
		t.Run(tc.query, func(t *testing.T) {
			gt.Equal(t, chat.NeedsRewrite(tc.query), tc.expected)
		})
	}
}

func TestRewriterIdentity(t *testing.T) {
	ctx := context.Background()
	gemini := &mockGemini{rewriteFunc: func(prompt string) (string, error) {
		t.Error("rewrite must not be called")
		return "", nil
	}}
	r := chat.NewRewriter(gemini)

	// no ambiguous word
	gt.Equal(t, r.Rewrite(ctx, "Show me fabric data", historyOf("hi", "hello")), "Show me fabric data")
	// no history
	gt.Equal(t, r.Rewrite(ctx, "Tell me more about it", model.NewHistory(model.RecentMessageLimit)), "Tell me more about it")
	gt.Equal(t, r.Rewrite(ctx, "Tell me more about it", nil), "Tell me more about it")
	gt.Equal(t, gemini.count("rewrite"), 0)
}

func TestRewriterRewrites(t *testing.T) {
	ctx := context.Background()
	gemini := &mockGemini{rewriteFunc: func(prompt string) (string, error) {
		gt.S(t, prompt).Contains("USER: Who is the top supplier?\nASSISTANT: Northern Thread Industries is the top supplier.")
		gt.S(t, prompt).Contains("What are the total transactions of it?")
		return "  What are the total transactions for Northern Thread Industries?\n", nil
	}}
	r := chat.NewRewriter(gemini)

	got := r.Rewrite(ctx, "What are the total transactions of it?",
		historyOf("Who is the top supplier?", "Northern Thread Industries is the top supplier."))
	gt.Equal(t, got, "What are the total transactions for Northern Thread Industries?")
}

func TestRewriterFallback(t *testing.T) {
	ctx := context.Background()
	h := historyOf("Show me fabric data", "Fabric has 120 transactions.")

	failing := chat.NewRewriter(&mockGemini{rewriteFunc: func(prompt string) (string, error) {
		return "", errors.New("unavailable")
	}})
	gt.Equal(t, failing.Rewrite(ctx, "Tell me more about it", h), "Tell me more about it")

	empty := chat.NewRewriter(&mockGemini{rewriteFunc: func(prompt string) (string, error) {
		return "   ", nil
	}})
	gt.Equal(t, empty.Rewrite(ctx, "Tell me more about it", h), "Tell me more about it")
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name     string
		output   string
		err      error
		expected model.QueryType
	}{
		{"label", "label", nil, model.QueryTypeLabel},
		{"supplier with spaces", "  Supplier\n", nil, model.QueryTypeSupplier},
		{"general", "general", nil, model.QueryTypeGeneral},
		{"sentence", "The answer is supplier", nil, model.QueryTypeGeneral},
		{"error", "", errors.New("quota"), model.QueryTypeGeneral},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gemini := &mockGemini{routeFunc: func(prompt string) (string, error) {
				gt.S(t, prompt).Contains(`Query: "Who is the top supplier?"`)
				return tc.output, tc.err
			}}
			gt.Equal(t, chat.NewRouter(gemini).Route(ctx, "Who is the top supplier?"), tc.expected)
		})
	}
}

func TestParseMemories(t *testing.T) {
	testCases := []struct {
		name     string
		text     string
		expected []*model.Memory
	}{
		{
			name: "two memories",
			text: "MEMORY: User's name is Sarah | CATEGORY: Name\nMEMORY: User works as a teacher | CATEGORY: job",
			expected: []*model.Memory{
				{Text: "User's name is Sarah", Category: "name"},
				{Text: "User works as a teacher", Category: "job"},
			},
		},
		{
			name: "sentinel wins",
			text: "MEMORY: User's name is Sarah | CATEGORY: name\nNO_NEW_MEMORIES",
		},
		{
			name: "malformed lines are skipped",
			text: "Here is what I found:\nMEMORY: no category\nMEMORY: a | CATEGORY: b | CATEGORY: c\nMEMORY:  | CATEGORY: name\n  MEMORY: User lives in Hanoi | CATEGORY: location  ",
			expected: []*model.Memory{
				{Text: "User lives in Hanoi", Category: "location"},
			},
		},
		{
			name: "empty",
			text: "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := chat.ParseMemories(tc.text)
			gt.A(t, got).Length(len(tc.expected))
			for i := range tc.expected {
				gt.Equal(t, *got[i], *tc.expected[i])
			}
		})
	}
}

func TestExtractorFailure(t *testing.T) {
	gemini := &mockGemini{extractFunc: func(prompt string) (string, error) {
		return "", errors.New("unavailable")
	}}
	gt.A(t, chat.NewExtractor(gemini).Extract(context.Background(), "I'm Sarah", "Hi Sarah")).Length(0)
}

func TestResponderGeneral(t *testing.T) {
	ctx := context.Background()
	gemini := &mockGemini{generalFunc: func(system, userInput string) (string, error) {
		gt.S(t, system).Contains("What I remember about this user:\n- User's name is Sarah")
		gt.Equal(t, userInput, "What is my name?")
		return "Your name is Sarah.", nil
	}}

	resp, err := chat.NewResponder(gemini).GenerateGeneral(ctx, "What is my name?", []*model.ScoredMemory{
		{Memory: model.Memory{Text: "User's name is Sarah", Category: "name"}, Score: 0.8},
	})
	gt.NoError(t, err)
	gt.Equal(t, resp, "Your name is Sarah.")
}

func TestResponderData(t *testing.T) {
	ctx := context.Background()
	gemini := &mockGemini{dataFunc: func(prompt string) (string, error) {
		gt.S(t, prompt).Contains("DATA TYPE: SUPPLIER")
		gt.S(t, prompt).Contains("Result 1:\nSupplier data")
		gt.S(t, prompt).Contains("USER QUESTION: What are its totals?")
		gt.S(t, prompt).Contains("this was interpreted as: What are the totals of Northern Thread?")
		return "", nil
	}}

	_, err := chat.NewResponder(gemini).GenerateData(ctx, &model.ConversationState{
		UserInput:      "What are its totals?",
		RewrittenQuery: "What are the totals of Northern Thread?",
		QueryType:      model.QueryTypeSupplier,
		ProductContext: "Result 1:\nSupplier data",
	})
	// empty output is an error
	gt.Error(t, err)
}
