package chat

import (
	"bytes"
	"context"
	_ "embed"
	"strings"
	"text/template"

	"github.com/m-mizutani/tradechat/pkg/adapter"
	"github.com/m-mizutani/tradechat/pkg/model"
	"github.com/m-mizutani/tradechat/pkg/utils/logging"
	"google.golang.org/genai"
)

//go:embed prompt/extract_memory.md
var extractMemoryPromptRaw string

var extractMemoryPromptTmpl = template.Must(template.New("extract_memory").Parse(extractMemoryPromptRaw))

const (
	noNewMemories     = "NO_NEW_MEMORIES"
	memoryPrefix      = "MEMORY:"
	categorySeparator = "| CATEGORY:"
)

// Extractor finds new personal facts about the user in a finished exchange
type Extractor struct {
	gemini adapter.Gemini
}

func NewExtractor(gemini adapter.Gemini) *Extractor {
	return &Extractor{gemini: gemini}
}

// Extract returns no memories when generation fails
func (x *Extractor) Extract(ctx context.Context, userInput, response string) []*model.Memory {
	logger := logging.From(ctx)

	var buf bytes.Buffer
	if err := extractMemoryPromptTmpl.Execute(&buf, map[string]any{
		"UserInput": userInput,
		"Response":  response,
	}); err != nil {
		logger.Warn("failed to execute memory prompt template", "error", err)
		return nil
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
		logger.Warn("memory extraction failed, skip saving", "error", err)
		return nil
	}

	memories := ParseMemories(adapter.ResponseText(resp))
	logger.Debug("memories extracted", "count", len(memories))
	return memories
}

// ParseMemories reads "MEMORY: <text> | CATEGORY: <category>" lines.
// Malformed lines and lines with empty text are skipped.
func ParseMemories(text string) []*model.Memory {
	if strings.Contains(text, noNewMemories) {
		return nil
	}

	var memories []*model.Memory
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, memoryPrefix) {
			continue
		}

		parts := strings.Split(line, categorySeparator)
		if len(parts) != 2 {
			continue
		}

		m := &model.Memory{
			Text:     strings.TrimSpace(strings.TrimPrefix(parts[0], memoryPrefix)),
			Category: strings.ToLower(strings.TrimSpace(parts[1])),
		}
		if err := m.Validate(); err != nil {
			continue
		}
		memories = append(memories, m)
	}
	return memories
}
