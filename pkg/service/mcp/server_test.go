package mcp_test

import (
	"context"
	"errors"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/tradechat/pkg/model"
	svc "github.com/m-mizutani/tradechat/pkg/service/mcp"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type mockChat struct {
	runChatFunc func(ctx context.Context, userInput string, threadID model.ThreadID) (string, error)
}

func (m *mockChat) RunChat(ctx context.Context, userInput string, threadID model.ThreadID) (string, error) {
	return m.runChatFunc(ctx, userInput, threadID)
}

type mockMemories struct {
	searchFunc func(ctx context.Context, userID model.UserID, query string, limit int) ([]*model.ScoredMemory, error)
}

func (m *mockMemories) Search(ctx context.Context, userID model.UserID, query string, limit int) ([]*model.ScoredMemory, error) {
	return m.searchFunc(ctx, userID, query, limit)
}

func connect(t *testing.T, s *svc.Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := s.Server().Connect(ctx, serverTransport, nil)
	gt.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	gt.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return cs
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	gt.A(t, res.Content).Length(1)
	text, ok := res.Content[0].(*mcp.TextContent)
	gt.True(t, ok)
	return text.Text
}

func TestRunChatTool(t *testing.T) {
	ctx := context.Background()
	var gotThread model.ThreadID
	chat := &mockChat{runChatFunc: func(ctx context.Context, userInput string, threadID model.ThreadID) (string, error) {
		gt.Equal(t, userInput, "Who is the top supplier?")
		gotThread = threadID
		return "Northern Thread Industries", nil
	}}
	cs := connect(t, svc.New(chat, nil, model.DefaultUserID, "test"))

	tools, err := cs.ListTools(ctx, nil)
	gt.NoError(t, err)
	gt.A(t, tools.Tools).Length(1)
	gt.Equal(t, tools.Tools[0].Name, "run_chat")

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "run_chat",
		Arguments: map[string]any{"message": "Who is the top supplier?", "thread_id": "thread-1"},
	})
	gt.NoError(t, err)
	gt.False(t, res.IsError)
	gt.Equal(t, resultText(t, res), "Northern Thread Industries")
	gt.Equal(t, gotThread, model.ThreadID("thread-1"))

	// a thread is generated when omitted
	res, err = cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "run_chat",
		Arguments: map[string]any{"message": "Who is the top supplier?"},
	})
	gt.NoError(t, err)
	gt.False(t, res.IsError)
	gt.NotEqual(t, gotThread, model.ThreadID("thread-1"))
	gt.NotEqual(t, gotThread, model.ThreadID(""))
}

func TestRunChatToolError(t *testing.T) {
	ctx := context.Background()
	chat := &mockChat{runChatFunc: func(ctx context.Context, userInput string, threadID model.ThreadID) (string, error) {
		return "", errors.New("generation failed")
	}}
	cs := connect(t, svc.New(chat, nil, model.DefaultUserID, "test"))

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "run_chat",
		Arguments: map[string]any{"message": "hello", "thread_id": "t"},
	})
	gt.NoError(t, err)
	gt.True(t, res.IsError)

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "run_chat",
		Arguments: map[string]any{"message": "  "},
	})
	gt.NoError(t, err)
	gt.True(t, res.IsError)
}

func TestSearchMemoriesTool(t *testing.T) {
	ctx := context.Background()
	memories := &mockMemories{searchFunc: func(ctx context.Context, userID model.UserID, query string, limit int) ([]*model.ScoredMemory, error) {
		gt.Equal(t, userID, model.UserID("alice"))
		gt.Equal(t, query, "name")
		gt.Equal(t, limit, 5)
		return []*model.ScoredMemory{
			{Memory: model.Memory{Text: "User's name is Alice", Category: "name"}, Score: 0.75},
		}, nil
	}}
	chat := &mockChat{}
	cs := connect(t, svc.New(chat, memories, "alice", "test"))

	tools, err := cs.ListTools(ctx, nil)
	gt.NoError(t, err)
	gt.A(t, tools.Tools).Length(2)

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "search_memories",
		Arguments: map[string]any{"query": "name"},
	})
	gt.NoError(t, err)
	gt.False(t, res.IsError)
	gt.Equal(t, resultText(t, res), "- User's name is Alice (name, score 0.75)")
}
