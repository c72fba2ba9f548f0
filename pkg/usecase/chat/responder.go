package chat

import (
	"bytes"
	"context"
	_ "embed"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/adapter"
	"github.com/m-mizutani/tradechat/pkg/model"
	"google.golang.org/genai"
)

var (
	//go:embed prompt/data_response.md
	dataResponsePromptRaw string
	//go:embed prompt/general_system.md
	generalSystemPromptRaw string
)

var (
	dataResponsePromptTmpl  = template.Must(template.New("data_response").Parse(dataResponsePromptRaw))
	generalSystemPromptTmpl = template.Must(template.New("general_system").Parse(generalSystemPromptRaw))
)

const generalTemperature = 0.7

// Responder produces the assistant reply, grounded on retrieved data or on
// remembered facts about the user
type Responder struct {
	gemini adapter.Gemini
}

func NewResponder(gemini adapter.Gemini) *Responder {
	return &Responder{gemini: gemini}
}

// GenerateData answers from product context only
func (x *Responder) GenerateData(ctx context.Context, state *model.ConversationState) (string, error) {
	var buf bytes.Buffer
	if err := dataResponsePromptTmpl.Execute(&buf, map[string]any{
		"DataType":       strings.ToUpper(state.QueryType.String()),
		"Context":        state.ProductContext,
		"UserInput":      state.UserInput,
		"RewrittenQuery": state.RewrittenQuery,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute data response prompt template")
	}

	temperature := float32(0)
	return x.generate(ctx,
		[]*genai.Content{genai.NewContentFromText(buf.String(), genai.RoleUser)},
		&genai.GenerateContentConfig{Temperature: &temperature},
	)
}

// GenerateGeneral answers a personal or non-data turn. memories are already
// filtered by relevance.
func (x *Responder) GenerateGeneral(ctx context.Context, userInput string, memories []*model.ScoredMemory) (string, error) {
	var buf bytes.Buffer
	if err := generalSystemPromptTmpl.Execute(&buf, map[string]any{
		"Memories": memories,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute general system prompt template")
	}

	temperature := float32(generalTemperature)
	return x.generate(ctx,
		[]*genai.Content{genai.NewContentFromText(userInput, genai.RoleUser)},
		&genai.GenerateContentConfig{
			Temperature:       &temperature,
			SystemInstruction: genai.NewContentFromText(buf.String(), ""),
		},
	)
}

func (x *Responder) generate(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (string, error) {
	resp, err := x.gemini.GenerateContent(ctx, contents, config)
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate response")
	}

	text := strings.TrimSpace(adapter.ResponseText(resp))
	if text == "" {
		return "", goerr.New("empty response generated")
	}
	return text, nil
}
