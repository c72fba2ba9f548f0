package report

import (
	"context"
	"fmt"
	"math/big"
	"regexp"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/adapter"
	"github.com/m-mizutani/tradechat/pkg/model"
	"github.com/m-mizutani/tradechat/pkg/utils/logging"
)

var tableIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+\.[A-Za-z0-9_]+\.[A-Za-z0-9_]+$`)

// BigQuerySource aggregates a transactions table into reports. The table
// needs label, supplier, location, weight, qty and amount columns.
type BigQuerySource struct {
	client adapter.BigQuery
	table  string
}

// NewBigQuerySource takes a fully qualified table ID (project.dataset.table)
func NewBigQuerySource(client adapter.BigQuery, table string) (*BigQuerySource, error) {
	if !tableIDPattern.MatchString(table) {
		return nil, goerr.New("invalid table ID, expected project.dataset.table", goerr.V("table", table))
	}
	return &BigQuerySource{client: client, table: table}, nil
}

const statsColumns = `COUNT(*) AS total_transactions,
  SUM(weight) AS weight_sum,
  AVG(weight) AS weight_mean,
  SUM(qty) AS qty_sum,
  AVG(qty) AS qty_mean,
  SUM(amount) AS amount_sum,
  AVG(amount) AS amount_mean`

func (x *BigQuerySource) labelSQL() string {
	return fmt.Sprintf("SELECT label,\n  %s\nFROM `%s`\nWHERE label IS NOT NULL\nGROUP BY label\nORDER BY label", statsColumns, x.table)
}

func (x *BigQuerySource) supplierSQL() string {
	return fmt.Sprintf("SELECT supplier AS Supplier,\n  ANY_VALUE(location) AS location,\n  %s\nFROM `%s`\nWHERE supplier IS NOT NULL\nGROUP BY supplier\nORDER BY supplier", statsColumns, x.table)
}

func (x *BigQuerySource) LabelReports(ctx context.Context) ([]*model.LabelReport, error) {
	rows, err := x.client.Query(ctx, x.labelSQL())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to aggregate label reports", goerr.V("table", x.table))
	}

	reports := make([]*model.LabelReport, 0, len(rows))
	for _, row := range rows {
		row = model.NormalizeKeys(row)
		label, _ := row["label"].(string)
		reports = append(reports, &model.LabelReport{Label: label, Stats: statsFromRow(row)})
	}

	logging.From(ctx).Debug("label reports aggregated", "table", x.table, "reports", len(reports))
	return reports, nil
}

func (x *BigQuerySource) SupplierReports(ctx context.Context) ([]*model.SupplierReport, error) {
	rows, err := x.client.Query(ctx, x.supplierSQL())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to aggregate supplier reports", goerr.V("table", x.table))
	}

	reports := make([]*model.SupplierReport, 0, len(rows))
	for _, row := range rows {
		row = model.NormalizeKeys(row)
		supplier, _ := row["supplier"].(string)
		location, _ := row["location"].(string)
		reports = append(reports, &model.SupplierReport{Supplier: supplier, Location: location, Stats: statsFromRow(row)})
	}

	logging.From(ctx).Debug("supplier reports aggregated", "table", x.table, "reports", len(reports))
	return reports, nil
}

func statsFromRow(row map[string]any) model.Stats {
	return model.Stats{
		TotalTransactions: toFloat(row[string(model.MetricTotalTransactions)]),
		TotalWeight:       toFloat(row[string(model.MetricTotalWeight)]),
		AvgWeight:         toFloat(row[string(model.MetricAvgWeight)]),
		TotalQuantity:     toFloat(row[string(model.MetricTotalQuantity)]),
		AvgQuantity:       toFloat(row[string(model.MetricAvgQuantity)]),
		TotalAmount:       toFloat(row[string(model.MetricTotalAmount)]),
		AvgAmount:         toFloat(row[string(model.MetricAvgAmount)]),
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case *big.Rat:
		f, _ := n.Float64()
		return f
	}
	return 0
}
