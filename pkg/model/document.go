package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Document is a retrieval result: rendered report text plus its metadata
type Document struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// Number returns a numeric metadata field. Missing or non-numeric fields
// yield ok=false.
func (x *Document) Number(field string) (float64, bool) {
	v, ok := x.Metadata[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Text returns a metadata field rendered as text
func (x *Document) Text(field string) (string, bool) {
	v, ok := x.Metadata[field]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// Metric is one of the numeric report fields usable for ranking
type Metric string

const (
	MetricTotalTransactions Metric = "total_transactions"
	MetricTotalWeight       Metric = "total_weight"
	MetricAvgWeight         Metric = "avg_weight"
	MetricTotalQuantity     Metric = "total_quantity"
	MetricAvgQuantity       Metric = "avg_quantity"
	MetricTotalAmount       Metric = "total_amount"
	MetricAvgAmount         Metric = "avg_amount"
)

// DefaultMetric is used when a ranking metric is missing or unknown
const DefaultMetric = MetricTotalAmount

// Metrics returns all ranking metrics
func Metrics() []Metric {
	return []Metric{
		MetricTotalAmount,
		MetricAvgAmount,
		MetricTotalTransactions,
		MetricTotalWeight,
		MetricAvgWeight,
		MetricTotalQuantity,
		MetricAvgQuantity,
	}
}

func ParseMetric(s string) (Metric, bool) {
	m := Metric(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range Metrics() {
		if v == m {
			return m, true
		}
	}
	return DefaultMetric, false
}

// Direction of a superlative ranking
type Direction string

const (
	DirectionAsc  Direction = "asc"
	DirectionDesc Direction = "desc"
)

func ParseDirection(s string) (Direction, bool) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionAsc:
		return DirectionAsc, true
	case DirectionDesc:
		return DirectionDesc, true
	default:
		return DirectionDesc, false
	}
}
