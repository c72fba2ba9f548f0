package report

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/model"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// LoadLabelFile reads a JSON array of label reports (report_by_label.json)
func LoadLabelFile(path string) ([]*model.LabelReport, error) {
	var reports []*model.LabelReport
	if err := loadFile(path, &reports); err != nil {
		return nil, err
	}
	return reports, nil
}

// LoadSupplierFile reads a JSON array of supplier reports (report_by_supplier.json)
func LoadSupplierFile(path string) ([]*model.SupplierReport, error) {
	var reports []*model.SupplierReport
	if err := loadFile(path, &reports); err != nil {
		return nil, err
	}
	return reports, nil
}

func loadFile(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return goerr.Wrap(err, "failed to open report file", goerr.V("path", path))
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(v); err != nil {
		return goerr.Wrap(err, "failed to decode report file", goerr.V("path", path))
	}
	return nil
}

var printer = message.NewPrinter(language.English)

func nameOr(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}
	return s
}

func writeStats(b *strings.Builder, s model.Stats) {
	printer.Fprintf(b, "Weight Statistics:\n")
	printer.Fprintf(b, "- Total weight: %.2f kg\n", s.TotalWeight)
	printer.Fprintf(b, "- Average weight per transaction: %.2f kg\n\n", s.AvgWeight)
	printer.Fprintf(b, "Quantity Statistics:\n")
	printer.Fprintf(b, "- Total quantity: %.2f units\n", s.TotalQuantity)
	printer.Fprintf(b, "- Average quantity per transaction: %.2f units\n\n", s.AvgQuantity)
	printer.Fprintf(b, "Financial Statistics:\n")
	printer.Fprintf(b, "- Total trade amount: $%.2f USD\n", s.TotalAmount)
	printer.Fprintf(b, "- Average amount per transaction: $%.2f USD\n\n", s.AvgAmount)
}

// LabelSummary renders the searchable text of a label report
func LabelSummary(r *model.LabelReport) string {
	label := nameOr(r.Label)
	txn := int64(r.TotalTransactions)

	var b strings.Builder
	printer.Fprintf(&b, "Trade Report Summary for %s:\n\n", strings.ToUpper(label))
	printer.Fprintf(&b, "This report covers %d transactions for %s products.\n\n", txn, label)
	writeStats(&b, r.Stats)
	printer.Fprintf(&b, "Product Category: %s\n", label)
	printer.Fprintf(&b, "Transaction Volume: %d shipments", txn)
	return b.String()
}

// SupplierSummary renders the searchable text of a supplier report
func SupplierSummary(r *model.SupplierReport) string {
	supplier := nameOr(r.Supplier)
	txn := int64(r.TotalTransactions)

	var b strings.Builder
	printer.Fprintf(&b, "Trade Report Summary for Supplier: %s\n\n", supplier)
	printer.Fprintf(&b, "This supplier has completed %d transactions.\n\n", txn)
	writeStats(&b, r.Stats)
	printer.Fprintf(&b, "Supplier Name: %s\n", supplier)
	printer.Fprintf(&b, "Location: %s\n", nameOr(r.Location))
	printer.Fprintf(&b, "Transaction Volume: %d shipments", txn)
	return b.String()
}

func LabelDocuments(reports []*model.LabelReport) []*model.Document {
	docs := make([]*model.Document, 0, len(reports))
	for _, r := range reports {
		docs = append(docs, &model.Document{Content: LabelSummary(r), Metadata: r.Metadata()})
	}
	return docs
}

func SupplierDocuments(reports []*model.SupplierReport) []*model.Document {
	docs := make([]*model.Document, 0, len(reports))
	for _, r := range reports {
		docs = append(docs, &model.Document{Content: SupplierSummary(r), Metadata: r.Metadata()})
	}
	return docs
}
