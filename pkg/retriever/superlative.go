package retriever

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"sort"
	"strings"
	"text/template"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/tradechat/pkg/adapter"
	"github.com/m-mizutani/tradechat/pkg/model"
	"github.com/m-mizutani/tradechat/pkg/utils/logging"
	"google.golang.org/genai"
)

//go:embed prompt/superlative.md
var superlativePromptRaw string

var superlativePromptTmpl = template.Must(template.New("superlative").Parse(superlativePromptRaw))

var classificationSchema = func() *genai.Schema {
	metrics := make([]any, 0, len(model.Metrics()))
	for _, m := range model.Metrics() {
		metrics = append(metrics, string(m))
	}
	return mustGenaiSchema(&jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"is_superlative": {Type: "boolean", Description: "true only if a single extremal item is requested"},
			"metric":         {Type: "string", Enum: metrics},
			"direction":      {Type: "string", Enum: []any{string(model.DirectionDesc), string(model.DirectionAsc)}},
		},
		Required: []string{"is_superlative", "metric", "direction"},
	})
}()

// Classification is the superlative reading of a query
type Classification struct {
	Superlative bool
	Metric      model.Metric
	Direction   model.Direction
}

// Verdict is the outcome of classifying a query: either a parsed
// Classification or the conservative default
type Verdict struct {
	parsed bool
	c      Classification
}

func Parsed(c Classification) Verdict { return Verdict{parsed: true, c: c} }
func Default() Verdict                { return Verdict{} }

func (x Verdict) IsParsed() bool { return x.parsed }

// Classification returns the parsed value, or a non-superlative
// classification for Default
func (x Verdict) Classification() Classification {
	if !x.parsed {
		return Classification{Metric: model.DefaultMetric, Direction: model.DirectionDesc}
	}
	return x.c
}

// ParseClassification reads classifier output. is_superlative may be a JSON
// boolean or the string "true"/"false". Unknown metric or direction fall back
// to total_amount / desc. Anything unparseable yields Default.
func ParseClassification(text string) Verdict {
	var raw map[string]any
	if err := json.Unmarshal([]byte(trimCodeFence(text)), &raw); err != nil {
		return Default()
	}

	var superlative bool
	switch v := raw["is_superlative"].(type) {
	case bool:
		superlative = v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			superlative = true
		case "false":
			superlative = false
		default:
			return Default()
		}
	default:
		return Default()
	}

	metricText, _ := raw["metric"].(string)
	directionText, _ := raw["direction"].(string)
	metric, _ := model.ParseMetric(metricText)
	direction, _ := model.ParseDirection(directionText)

	return Parsed(Classification{
		Superlative: superlative,
		Metric:      metric,
		Direction:   direction,
	})
}

// Classifier decides whether a query asks for a single extremal item
type Classifier interface {
	Classify(ctx context.Context, query string) Verdict
}

// LLMClassifier classifies with Gemini structured output
type LLMClassifier struct {
	gemini adapter.Gemini
	domain *Domain
}

func NewClassifier(gemini adapter.Gemini, domain *Domain) *LLMClassifier {
	return &LLMClassifier{gemini: gemini, domain: domain}
}

func (x *LLMClassifier) Classify(ctx context.Context, query string) Verdict {
	logger := logging.From(ctx)

	var buf bytes.Buffer
	if err := superlativePromptTmpl.Execute(&buf, map[string]any{
		"Domain": x.domain,
		"Query":  query,
	}); err != nil {
		logger.Warn("failed to render superlative prompt", "error", err)
		return Default()
	}

	temperature := float32(0)
	resp, err := x.gemini.GenerateContent(ctx,
		[]*genai.Content{genai.NewContentFromText(buf.String(), genai.RoleUser)},
		&genai.GenerateContentConfig{
			Temperature:      &temperature,
			ResponseMIMEType: "application/json",
			ResponseSchema:   classificationSchema,
			ThinkingConfig:   adapter.ThinkingOff(),
		},
	)
	if err != nil {
		logger.Warn("superlative classification failed, treat as non-superlative", "error", err)
		return Default()
	}

	text := adapter.ResponseText(resp)
	verdict := ParseClassification(text)
	if !verdict.IsParsed() {
		logger.Warn("malformed superlative classification, treat as non-superlative", "output", text)
	}
	return verdict
}

// Superlative wraps a retriever and keeps only the extremal document when
// the query asks for one
type Superlative struct {
	base       Retriever
	classifier Classifier
}

var _ Retriever = (*Superlative)(nil)

func NewSuperlative(base Retriever, classifier Classifier) *Superlative {
	return &Superlative{base: base, classifier: classifier}
}

func (x *Superlative) Retrieve(ctx context.Context, query string) ([]*model.Document, error) {
	verdict := x.classifier.Classify(ctx, query)

	docs, err := x.base.Retrieve(ctx, query)
	if err != nil {
		return nil, err
	}

	c := verdict.Classification()
	logging.From(ctx).Debug("superlative post-filter",
		"parsed", verdict.IsParsed(),
		"superlative", c.Superlative,
		"metric", c.Metric,
		"direction", c.Direction,
		"candidates", len(docs),
	)

	return PickSuperlative(docs, c), nil
}

// PickSuperlative returns docs unchanged unless c is superlative, in which
// case it returns the single best document under c.Metric and c.Direction.
// Ties keep retrieval order. A missing metric counts as 0.
func PickSuperlative(docs []*model.Document, c Classification) []*model.Document {
	if !c.Superlative || len(docs) == 0 {
		return docs
	}

	sorted := make([]*model.Document, len(docs))
	copy(sorted, docs)

	value := func(d *model.Document) float64 {
		v, _ := d.Number(string(c.Metric))
		return v
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		if c.Direction == model.DirectionAsc {
			return value(sorted[i]) < value(sorted[j])
		}
		return value(sorted[i]) > value(sorted[j])
	})

	return sorted[:1]
}
