package chat

import (
	"bytes"
	"context"
	_ "embed"
	"text/template"

	"github.com/m-mizutani/tradechat/pkg/adapter"
	"github.com/m-mizutani/tradechat/pkg/model"
	"github.com/m-mizutani/tradechat/pkg/utils/logging"
	"google.golang.org/genai"
)

//go:embed prompt/route.md
var routePromptRaw string

var routePromptTmpl = template.Must(template.New("route").Parse(routePromptRaw))

// Router classifies a query into one of the closed set of routes
type Router struct {
	gemini adapter.Gemini
}

func NewRouter(gemini adapter.Gemini) *Router {
	return &Router{gemini: gemini}
}

func routeSchema() *genai.Schema {
	types := model.QueryTypes()
	enum := make([]string, 0, len(types))
	for _, qt := range types {
		enum = append(enum, qt.String())
	}
	return &genai.Schema{Type: genai.TypeString, Enum: enum}
}

// Route never fails. Unknown output and generation errors route to general.
func (x *Router) Route(ctx context.Context, query string) model.QueryType {
	logger := logging.From(ctx)

	var buf bytes.Buffer
	if err := routePromptTmpl.Execute(&buf, map[string]any{"Query": query}); err != nil {
		logger.Warn("failed to execute route prompt template", "error", err)
		return model.QueryTypeGeneral
	}

	temperature := float32(0)
	resp, err := x.gemini.GenerateContent(ctx,
		[]*genai.Content{genai.NewContentFromText(buf.String(), genai.RoleUser)},
		&genai.GenerateContentConfig{
			Temperature:      &temperature,
			ResponseMIMEType: "text/x.enum",
			ResponseSchema:   routeSchema(),
			ThinkingConfig:   adapter.ThinkingOff(),
		},
	)
	if err != nil {
		logger.Warn("routing failed, fall back to general", "error", err)
		return model.QueryTypeGeneral
	}

	text := adapter.ResponseText(resp)
	qt, ok := model.ParseQueryType(text)
	if !ok {
		logger.Warn("unknown route, fall back to general", "output", text)
	}

	logger.Info("query routed", "query_type", qt)
	return qt
}
