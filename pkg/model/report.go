package model

import (
	"encoding/json"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// Stats holds the aggregated trade figures shared by every report type
type Stats struct {
	TotalTransactions float64 `json:"total_transactions"`
	TotalWeight       float64 `json:"total_weight"`
	AvgWeight         float64 `json:"avg_weight"`
	TotalQuantity     float64 `json:"total_quantity"`
	AvgQuantity       float64 `json:"avg_quantity"`
	TotalAmount       float64 `json:"total_amount"`
	AvgAmount         float64 `json:"avg_amount"`
}

// rawKeyAliases maps aggregation column names to metadata field names
var rawKeyAliases = map[string]string{
	"weight_sum":  string(MetricTotalWeight),
	"weight_mean": string(MetricAvgWeight),
	"qty_sum":     string(MetricTotalQuantity),
	"qty_mean":    string(MetricAvgQuantity),
	"amount_sum":  string(MetricTotalAmount),
	"amount_mean": string(MetricAvgAmount),
}

// NormalizeKeys renames raw aggregation keys (weight_sum, qty_mean, ...) to
// metadata field names. Keys are also lowercased so "Supplier" becomes
// "supplier".
func NormalizeKeys(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		key := strings.ToLower(k)
		if alias, ok := rawKeyAliases[key]; ok {
			key = alias
		}
		out[key] = v
	}
	return out
}

func (x Stats) metadata(m map[string]any) {
	m[string(MetricTotalTransactions)] = x.TotalTransactions
	m[string(MetricTotalWeight)] = x.TotalWeight
	m[string(MetricAvgWeight)] = x.AvgWeight
	m[string(MetricTotalQuantity)] = x.TotalQuantity
	m[string(MetricAvgQuantity)] = x.AvgQuantity
	m[string(MetricTotalAmount)] = x.TotalAmount
	m[string(MetricAvgAmount)] = x.AvgAmount
}

// LabelReport aggregates trades by product label (fabric, clothing, ...)
type LabelReport struct {
	Label string `json:"label"`
	Stats
}

// SupplierReport aggregates trades by supplier company
type SupplierReport struct {
	Supplier string `json:"supplier"`
	Location string `json:"location"`
	Stats
}

const (
	SourceLabelReport    = "trade_report_by_label"
	SourceSupplierReport = "trade_report_by_supplier"
)

func (x *LabelReport) Metadata() map[string]any {
	m := map[string]any{
		"label":  x.Label,
		"source": SourceLabelReport,
	}
	x.Stats.metadata(m)
	return m
}

func (x *SupplierReport) Metadata() map[string]any {
	m := map[string]any{
		"supplier": x.Supplier,
		"location": x.Location,
		"source":   SourceSupplierReport,
	}
	x.Stats.metadata(m)
	return m
}

func decodeNormalized(data []byte, v any) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return goerr.Wrap(err, "failed to unmarshal report")
	}
	normalized, err := json.Marshal(NormalizeKeys(raw))
	if err != nil {
		return goerr.Wrap(err, "failed to marshal normalized report")
	}
	if err := json.Unmarshal(normalized, v); err != nil {
		return goerr.Wrap(err, "failed to decode normalized report")
	}
	return nil
}

// UnmarshalJSON accepts both raw aggregation keys and metadata field names
func (x *LabelReport) UnmarshalJSON(data []byte) error {
	type alias LabelReport
	var v alias
	if err := decodeNormalized(data, &v); err != nil {
		return err
	}
	*x = LabelReport(v)
	return nil
}

// UnmarshalJSON accepts both raw aggregation keys and metadata field names
func (x *SupplierReport) UnmarshalJSON(data []byte) error {
	type alias SupplierReport
	var v alias
	if err := decodeNormalized(data, &v); err != nil {
		return err
	}
	*x = SupplierReport(v)
	return nil
}
