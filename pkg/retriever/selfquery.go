package retriever

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/adapter"
	"github.com/m-mizutani/tradechat/pkg/model"
	"github.com/m-mizutani/tradechat/pkg/utils/logging"
	"google.golang.org/genai"
)

// DefaultTopK is the number of documents returned by a self-query retriever
const DefaultTopK = 5

//go:embed prompt/query_constructor.md
var queryConstructorPromptRaw string

var queryConstructorPromptTmpl = template.Must(template.New("query_constructor").Funcs(template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}).Parse(queryConstructorPromptRaw))

var structuredQuerySchema = mustGenaiSchema(&jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"query": {
			Type:        "string",
			Description: "Text to match semantically against report contents",
		},
		"filter": {
			Type:        "string",
			Description: "Filter expression, or NO_FILTER",
		},
	},
	Required: []string{"query", "filter"},
})

// Retriever is the domain retriever capability
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]*model.Document, error)
}

// StructuredQuery is the output of the query constructor
type StructuredQuery struct {
	Query  string
	Filter Filter
}

// SelfQuery asks the LLM to translate a request into a semantic query plus a
// metadata filter, then searches the document index with both
type SelfQuery struct {
	gemini    adapter.Gemini
	domain    *Domain
	index     *Index
	topK      int
	dimension int
}

var _ Retriever = (*SelfQuery)(nil)

type SelfQueryOption func(*SelfQuery)

func WithTopK(k int) SelfQueryOption {
	return func(x *SelfQuery) {
		x.topK = k
	}
}

func WithDimension(dim int) SelfQueryOption {
	return func(x *SelfQuery) {
		x.dimension = dim
	}
}

// NewSelfQuery validates and embeds docs into a new index
func NewSelfQuery(ctx context.Context, gemini adapter.Gemini, domain *Domain, docs []*model.Document, opts ...SelfQueryOption) (*SelfQuery, error) {
	x := &SelfQuery{
		gemini:    gemini,
		domain:    domain,
		index:     NewIndex(),
		topK:      DefaultTopK,
		dimension: adapter.DefaultEmbeddingDimension,
	}
	for _, opt := range opts {
		opt(x)
	}

	for i, doc := range docs {
		if err := domain.ValidateDocument(doc); err != nil {
			return nil, goerr.Wrap(err, "invalid document", goerr.V("index", i))
		}
		vec, err := gemini.Embedding(ctx, doc.Content, x.dimension)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to embed document", goerr.V("domain", domain.Name), goerr.V("index", i))
		}
		if err := x.index.Add(vec, doc); err != nil {
			return nil, goerr.Wrap(err, "failed to index document", goerr.V("domain", domain.Name), goerr.V("index", i))
		}
	}

	logging.From(ctx).Debug("self-query index built", "domain", domain.Name, "documents", x.index.Len())
	return x, nil
}

// Construct translates a request into a structured query. An unusable
// filter is dropped and the query is kept.
func (x *SelfQuery) Construct(ctx context.Context, query string) (*StructuredQuery, error) {
	var buf bytes.Buffer
	if err := queryConstructorPromptTmpl.Execute(&buf, map[string]any{
		"Domain": x.domain,
		"Query":  query,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to render query constructor prompt")
	}

	temperature := float32(0)
	resp, err := x.gemini.GenerateContent(ctx,
		[]*genai.Content{genai.NewContentFromText(buf.String(), genai.RoleUser)},
		&genai.GenerateContentConfig{
			Temperature:      &temperature,
			ResponseMIMEType: "application/json",
			ResponseSchema:   structuredQuerySchema,
			ThinkingConfig:   adapter.ThinkingOff(),
		},
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to construct query", goerr.V("domain", x.domain.Name))
	}

	var out struct {
		Query  string `json:"query"`
		Filter string `json:"filter"`
	}
	if err := json.Unmarshal([]byte(trimCodeFence(adapter.ResponseText(resp))), &out); err != nil {
		return nil, goerr.Wrap(err, "failed to parse structured query", goerr.V("domain", x.domain.Name))
	}

	sq := &StructuredQuery{Query: strings.TrimSpace(out.Query)}
	if sq.Query == "" {
		sq.Query = query
	}

	filter, err := ParseFilter(out.Filter, x.domain)
	if err != nil {
		logging.From(ctx).Warn("drop invalid filter", "domain", x.domain.Name, "filter", out.Filter, "error", err)
	} else {
		sq.Filter = filter
	}

	return sq, nil
}

// Retrieve returns up to topK documents for query
func (x *SelfQuery) Retrieve(ctx context.Context, query string) ([]*model.Document, error) {
	logger := logging.From(ctx)

	sq, err := x.Construct(ctx, query)
	if err != nil {
		logger.Warn("query construction failed, search without filter", "domain", x.domain.Name, "error", err)
		sq = &StructuredQuery{Query: query}
	}

	vec, err := x.gemini.Embedding(ctx, sq.Query, x.dimension)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query", goerr.V("domain", x.domain.Name))
	}

	// rank the whole collection so the filter is applied before truncation
	hits, err := x.index.Search(vec, x.index.Len())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search index", goerr.V("domain", x.domain.Name))
	}

	var docs []*model.Document
	for _, hit := range hits {
		if sq.Filter != nil && !sq.Filter.Match(hit.Document) {
			continue
		}
		docs = append(docs, hit.Document)
		if len(docs) >= x.topK {
			break
		}
	}

	filter := NoFilter
	if sq.Filter != nil {
		filter = sq.Filter.String()
	}
	logger.Debug("self-query retrieved",
		"domain", x.domain.Name,
		"query", sq.Query,
		"filter", filter,
		"documents", len(docs),
	)

	return docs, nil
}

func trimCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
