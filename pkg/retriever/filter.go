package retriever

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/model"
)

// ErrInvalidFilter is returned when a structured filter cannot be parsed or
// does not fit the domain
var ErrInvalidFilter = errors.New("invalid filter")

// NoFilter is the token used by the query constructor when no filter applies
const NoFilter = "NO_FILTER"

type Comparator string

const (
	CompEq   Comparator = "eq"
	CompLt   Comparator = "lt"
	CompLte  Comparator = "lte"
	CompGt   Comparator = "gt"
	CompGte  Comparator = "gte"
	CompLike Comparator = "like"
)

type Operator string

const (
	OpAnd Operator = "and"
	OpOr  Operator = "or"
)

// Filter is a structured predicate over document metadata
type Filter interface {
	Match(doc *model.Document) bool
	String() string
}

// Comparison compares one attribute against a literal. Value is float64 for
// numeric attributes and string otherwise.
type Comparison struct {
	Comparator Comparator
	Attribute  string
	Value      any
}

// Operation combines filters with and/or
type Operation struct {
	Operator Operator
	Args     []Filter
}

func (x *Comparison) Match(doc *model.Document) bool {
	switch v := x.Value.(type) {
	case float64:
		n, ok := doc.Number(x.Attribute)
		if !ok {
			return false
		}
		switch x.Comparator {
		case CompEq:
			return n == v
		case CompLt:
			return n < v
		case CompLte:
			return n <= v
		case CompGt:
			return n > v
		case CompGte:
			return n >= v
		}
	case string:
		s, ok := doc.Text(x.Attribute)
		if !ok {
			return false
		}
		switch x.Comparator {
		case CompEq:
			return strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(v))
		case CompLike:
			return strings.Contains(strings.ToLower(s), strings.ToLower(v))
		}
	}
	return false
}

func (x *Comparison) String() string {
	if s, ok := x.Value.(string); ok {
		return fmt.Sprintf("%s(%q, %q)", x.Comparator, x.Attribute, s)
	}
	if f, ok := x.Value.(float64); ok {
		return fmt.Sprintf("%s(%q, %s)", x.Comparator, x.Attribute, strconv.FormatFloat(f, 'f', -1, 64))
	}
	return fmt.Sprintf("%s(%q, %v)", x.Comparator, x.Attribute, x.Value)
}

func (x *Operation) Match(doc *model.Document) bool {
	switch x.Operator {
	case OpAnd:
		for _, f := range x.Args {
			if !f.Match(doc) {
				return false
			}
		}
		return true
	case OpOr:
		for _, f := range x.Args {
			if f.Match(doc) {
				return true
			}
		}
		return false
	}
	return false
}

func (x *Operation) String() string {
	args := make([]string, len(x.Args))
	for i, f := range x.Args {
		args[i] = f.String()
	}
	return string(x.Operator) + "(" + strings.Join(args, ", ") + ")"
}

// ParseFilter parses an expression such as
// and(eq("label", "fabric"), gt("total_amount", 1000000)) and checks it against
// the domain. An empty expression or NO_FILTER yields a nil Filter.
func ParseFilter(expr string, d *Domain) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || strings.EqualFold(expr, NoFilter) || strings.EqualFold(expr, "null") {
		return nil, nil
	}

	p := &filterParser{src: expr, domain: d}
	f, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected trailing input")
	}
	return f, nil
}

type filterParser struct {
	src    string
	pos    int
	domain *Domain
}

func (p *filterParser) errorf(msg string) error {
	return goerr.Wrap(ErrInvalidFilter, msg, goerr.V("filter", p.src), goerr.V("pos", p.pos))
}

func (p *filterParser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *filterParser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.src) || p.src[p.pos] != c {
		return p.errorf(fmt.Sprintf("expected %q", c))
	}
	p.pos++
	return nil
}

func (p *filterParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *filterParser) ident() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) {
		c := rune(p.src[p.pos])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *filterParser) parseExpr() (Filter, error) {
	name := strings.ToLower(p.ident())
	if name == "" {
		return nil, p.errorf("expected comparator or operator")
	}
	if err := p.expect('('); err != nil {
		return nil, err
	}

	switch op := Operator(name); op {
	case OpAnd, OpOr:
		var args []Filter
		for {
			f, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, f)
			if p.peek() != ',' {
				break
			}
			p.pos++
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return &Operation{Operator: op, Args: args}, nil
	}

	comp := Comparator(name)
	switch comp {
	case CompEq, CompLt, CompLte, CompGt, CompGte, CompLike:
	default:
		return nil, p.errorf("unsupported comparator or operator: " + name)
	}

	attrName, err := p.literal()
	if err != nil {
		return nil, err
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	raw, err := p.literal()
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}

	return p.bind(comp, attrName, raw)
}

// bind checks the comparison against the domain and coerces its value
func (p *filterParser) bind(comp Comparator, attrName, raw string) (Filter, error) {
	attr, ok := p.domain.Attribute(attrName)
	if !ok {
		return nil, p.errorf("unknown attribute: " + attrName)
	}

	if attr.Type.Numeric() {
		if comp == CompLike {
			return nil, p.errorf("like is not allowed on numeric attribute: " + attrName)
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
		if err != nil {
			return nil, p.errorf("numeric attribute requires a number: " + attrName)
		}
		return &Comparison{Comparator: comp, Attribute: attrName, Value: v}, nil
	}

	if comp != CompEq && comp != CompLike {
		return nil, p.errorf(string(comp) + " is not allowed on string attribute: " + attrName)
	}
	return &Comparison{Comparator: comp, Attribute: attrName, Value: raw}, nil
}

// literal reads a quoted string, or an unquoted number/identifier
func (p *filterParser) literal() (string, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return "", p.errorf("unexpected end of filter")
	}

	if q := p.src[p.pos]; q == '"' || q == '\'' {
		p.pos++
		var b strings.Builder
		for p.pos < len(p.src) {
			c := p.src[p.pos]
			if c == '\\' && p.pos+1 < len(p.src) {
				b.WriteByte(p.src[p.pos+1])
				p.pos += 2
				continue
			}
			if c == q {
				p.pos++
				return b.String(), nil
			}
			b.WriteByte(c)
			p.pos++
		}
		return "", p.errorf("unterminated string")
	}

	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == ',' || c == ')' || unicode.IsSpace(rune(c)) {
			break
		}
		p.pos++
	}
	if start == p.pos {
		return "", p.errorf("expected literal")
	}
	return p.src[start:p.pos], nil
}
