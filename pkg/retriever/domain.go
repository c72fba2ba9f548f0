package retriever

import (
	"embed"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/model"
	"gopkg.in/yaml.v3"
)

//go:embed domain/*.yaml
var domainFS embed.FS

type AttributeType string

const (
	AttributeString  AttributeType = "string"
	AttributeInteger AttributeType = "integer"
	AttributeFloat   AttributeType = "float"
)

func (x AttributeType) Numeric() bool {
	return x == AttributeInteger || x == AttributeFloat
}

// Attribute is a typed, described metadata field of a domain
type Attribute struct {
	Name        string        `yaml:"name"`
	Type        AttributeType `yaml:"type"`
	Description string        `yaml:"description"`
}

// Example is a worked self-query example shown to the query constructor
type Example struct {
	Input  string `yaml:"input"`
	Query  string `yaml:"query"`
	Filter string `yaml:"filter"`
}

// SuperlativeExample is a worked classification example
type SuperlativeExample struct {
	Input       string `yaml:"input"`
	Superlative bool   `yaml:"superlative"`
	Metric      string `yaml:"metric"`
	Direction   string `yaml:"direction"`
}

// Domain describes one searchable report collection
type Domain struct {
	Name                string               `yaml:"name"`
	Noun                string               `yaml:"noun"`
	Description         string               `yaml:"description"`
	Attributes          []Attribute          `yaml:"attributes"`
	Examples            []Example            `yaml:"examples"`
	SuperlativeExamples []SuperlativeExample `yaml:"superlative_examples"`

	resolved *jsonschema.Resolved
}

// LoadDomain parses a domain definition and prepares its metadata schema
func LoadDomain(data []byte) (*Domain, error) {
	var d Domain
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, goerr.Wrap(err, "failed to parse domain definition")
	}
	if d.Name == "" {
		return nil, goerr.New("domain name is required")
	}
	if len(d.Attributes) == 0 {
		return nil, goerr.New("domain has no attributes", goerr.V("domain", d.Name))
	}

	for _, attr := range d.Attributes {
		switch attr.Type {
		case AttributeString, AttributeInteger, AttributeFloat:
		default:
			return nil, goerr.New("unsupported attribute type",
				goerr.V("domain", d.Name), goerr.V("attribute", attr.Name), goerr.V("type", attr.Type))
		}
	}

	for _, ex := range d.Examples {
		if _, err := ParseFilter(ex.Filter, &d); err != nil {
			return nil, goerr.Wrap(err, "invalid example filter", goerr.V("domain", d.Name), goerr.V("input", ex.Input))
		}
	}

	resolved, err := d.Schema().Resolve(nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to resolve domain schema", goerr.V("domain", d.Name))
	}
	d.resolved = resolved

	return &d, nil
}

func mustLoadEmbedded(name string) func() *Domain {
	return sync.OnceValue(func() *Domain {
		data, err := domainFS.ReadFile("domain/" + name + ".yaml")
		if err != nil {
			panic(err)
		}
		d, err := LoadDomain(data)
		if err != nil {
			panic(err)
		}
		return d
	})
}

var (
	// LabelDomain is the product category report collection
	LabelDomain = mustLoadEmbedded("label")
	// SupplierDomain is the supplier report collection
	SupplierDomain = mustLoadEmbedded("supplier")
)

// Attribute looks up an attribute by name
func (d *Domain) Attribute(name string) (*Attribute, bool) {
	for i := range d.Attributes {
		if d.Attributes[i].Name == name {
			return &d.Attributes[i], true
		}
	}
	return nil, false
}

// Metrics returns the numeric attributes that are ranking metrics
func (d *Domain) Metrics() []Attribute {
	var out []Attribute
	for _, attr := range d.Attributes {
		if _, ok := model.ParseMetric(attr.Name); ok && attr.Type.Numeric() {
			out = append(out, attr)
		}
	}
	return out
}

// Schema returns the JSON schema of document metadata in this domain
func (d *Domain) Schema() *jsonschema.Schema {
	schema := &jsonschema.Schema{
		Type:        "object",
		Description: d.Description,
		Properties:  make(map[string]*jsonschema.Schema, len(d.Attributes)),
	}
	for _, attr := range d.Attributes {
		typ := "string"
		if attr.Type.Numeric() {
			typ = "number"
		}
		schema.Properties[attr.Name] = &jsonschema.Schema{
			Type:        typ,
			Description: attr.Description,
		}
		schema.Required = append(schema.Required, attr.Name)
	}
	return schema
}

// ValidateDocument checks document metadata against the domain schema
func (d *Domain) ValidateDocument(doc *model.Document) error {
	if d.resolved == nil {
		return goerr.New("domain is not loaded", goerr.V("domain", d.Name))
	}
	if err := d.resolved.Validate(doc.Metadata); err != nil {
		return goerr.Wrap(err, "document metadata does not match domain", goerr.V("domain", d.Name))
	}
	return nil
}
