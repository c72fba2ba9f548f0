package chat

import (
	"bytes"
	"context"
	_ "embed"
	"regexp"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/adapter"
	"github.com/m-mizutani/tradechat/pkg/model"
	"github.com/m-mizutani/tradechat/pkg/utils/logging"
	"google.golang.org/genai"
)

//go:embed prompt/rewrite.md
var rewritePromptRaw string

var rewritePromptTmpl = template.Must(template.New("rewrite").Parse(rewritePromptRaw))

var ambiguousWord = regexp.MustCompile(`(?i)\b(these|that|those|them|it|they|this)\b`)

// NeedsRewrite reports whether query refers back to earlier turns
func NeedsRewrite(query string) bool {
	return ambiguousWord.MatchString(query)
}

// Rewriter makes follow-up queries self-contained using recent history
type Rewriter struct {
	gemini adapter.Gemini
}

func NewRewriter(gemini adapter.Gemini) *Rewriter {
	return &Rewriter{gemini: gemini}
}

// Rewrite returns userInput unchanged when it has no back reference or there
// is no history. Generation failure also returns userInput.
func (x *Rewriter) Rewrite(ctx context.Context, userInput string, recent *model.History) string {
	logger := logging.From(ctx)

	if recent == nil || recent.Len() == 0 || !NeedsRewrite(userInput) {
		logger.Debug("no rewriting needed", "query", userInput)
		return userInput
	}

	rewritten, err := x.generate(ctx, userInput, recent)
	if err != nil {
		logger.Warn("query rewriting failed, use original query", "error", err)
		return userInput
	}
	if rewritten == "" {
		logger.Warn("empty rewritten query, use original query")
		return userInput
	}

	logger.Info("query rewritten", "original", userInput, "rewritten", rewritten)
	return rewritten
}

func (x *Rewriter) generate(ctx context.Context, userInput string, recent *model.History) (string, error) {
	var buf bytes.Buffer
	if err := rewritePromptTmpl.Execute(&buf, map[string]any{
		"History": recent.Transcript(),
		"Query":   userInput,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute rewrite prompt template")
	}

	temperature := float32(0)
	resp, err := x.gemini.GenerateContent(ctx,
		[]*genai.Content{genai.NewContentFromText(buf.String(), genai.RoleUser)},
		&genai.GenerateContentConfig{
			Temperature:    &temperature,
			ThinkingConfig: adapter.ThinkingOff(),
		},
	)
	if err != nil {
		return "", goerr.Wrap(err, "failed to rewrite query")
	}

	return strings.TrimSpace(adapter.ResponseText(resp)), nil
}
