package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/report"
	"github.com/urfave/cli/v3"
)

func reportCommand() *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Inspect trade reports",
		Commands: []*cli.Command{
			reportShowCommand(),
		},
	}
}

func reportShowCommand() *cli.Command {
	var (
		cfg  config
		kind string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "type",
			Usage:       "Report type (label, supplier)",
			Value:       "label",
			Destination: &kind,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, dataFlags(&cfg)...)

	return &cli.Command{
		Name:  "show",
		Usage: "Print the searchable summaries of trade reports",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogger(ctx, os.Stderr)

			labels, suppliers, err := cfg.loadReports(ctx)
			if err != nil {
				return err
			}

			w := c.Root().Writer
			switch kind {
			case "label":
				for _, doc := range report.LabelDocuments(labels) {
					fmt.Fprintf(w, "%s\n\n", doc.Content)
				}
			case "supplier":
				for _, doc := range report.SupplierDocuments(suppliers) {
					fmt.Fprintf(w, "%s\n\n", doc.Content)
				}
			default:
				return goerr.New("unknown report type", goerr.V("type", kind))
			}
			return nil
		},
	}
}
