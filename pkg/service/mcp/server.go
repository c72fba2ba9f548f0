package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/model"
	"github.com/m-mizutani/tradechat/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Chat runs one conversational turn
type Chat interface {
	RunChat(ctx context.Context, userInput string, threadID model.ThreadID) (string, error)
}

// MemorySearcher looks up remembered facts about a user
type MemorySearcher interface {
	Search(ctx context.Context, userID model.UserID, query string, limit int) ([]*model.ScoredMemory, error)
}

const defaultSearchLimit = 5

type runChatParams struct {
	Message  string `json:"message" jsonschema:"User message for this turn"`
	ThreadID string `json:"thread_id,omitempty" jsonschema:"Conversation thread ID. A new thread is started when omitted"`
}

type runChatResult struct {
	Response string `json:"response"`
	ThreadID string `json:"thread_id"`
}

type searchMemoriesParams struct {
	Query string `json:"query" jsonschema:"Text to match against remembered facts"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of memories to return (default 5)"`
}

type searchMemoriesResult struct {
	Memories []*model.ScoredMemory `json:"memories"`
}

// Server exposes the chat orchestrator as MCP tools
type Server struct {
	chat     Chat
	memories MemorySearcher
	userID   model.UserID
	server   *mcp.Server
}

// New registers run_chat, and search_memories when memories is not nil
func New(chat Chat, memories MemorySearcher, userID model.UserID, version string) *Server {
	s := &Server{
		chat:     chat,
		memories: memories,
		userID:   userID,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "tradechat",
			Version: version,
		}, nil),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "run_chat",
		Description: "Ask the trade data assistant a question. Questions about product categories and suppliers are answered from trade reports, other messages are answered with remembered facts about the user.",
	}, s.runChat)

	if memories != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "search_memories",
			Description: "Search facts remembered about the user",
		}, s.searchMemories)
	}

	return s
}

// Server returns the underlying MCP server
func (s *Server) Server() *mcp.Server {
	return s.server
}

// Run serves on transport until the client disconnects or ctx is canceled
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	if err := s.server.Run(ctx, transport); err != nil {
		return goerr.Wrap(err, "MCP server stopped")
	}
	return nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func (s *Server) runChat(ctx context.Context, req *mcp.CallToolRequest, params *runChatParams) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(params.Message) == "" {
		return nil, nil, goerr.New("message is required")
	}

	threadID := model.ThreadID(params.ThreadID)
	if threadID == "" {
		threadID = model.NewThreadID()
	}

	resp, err := s.chat.RunChat(ctx, params.Message, threadID)
	if err != nil {
		logging.From(ctx).Error("run_chat failed", "thread_id", threadID, "error", err)
		return nil, nil, goerr.Wrap(err, "failed to run chat", goerr.V("thread_id", threadID))
	}

	result := textResult(resp)
	result.StructuredContent = runChatResult{Response: resp, ThreadID: string(threadID)}
	return result, nil, nil
}

func (s *Server) searchMemories(ctx context.Context, req *mcp.CallToolRequest, params *searchMemoriesParams) (*mcp.CallToolResult, any, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	results, err := s.memories.Search(ctx, s.userID, params.Query, limit)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to search memories", goerr.V("user_id", s.userID))
	}
	if results == nil {
		results = []*model.ScoredMemory{}
	}

	var b strings.Builder
	for _, m := range results {
		fmt.Fprintf(&b, "- %s (%s, score %.2f)\n", m.Text, m.Category, m.Score)
	}
	if b.Len() == 0 {
		b.WriteString("No memories found.")
	}

	result := textResult(strings.TrimSpace(b.String()))
	result.StructuredContent = searchMemoriesResult{Memories: results}
	return result, nil, nil
}
