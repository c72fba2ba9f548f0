package cli

import (
	"context"
	"os"

	"github.com/m-mizutani/tradechat/pkg/model"
	mcpsvc "github.com/m-mizutani/tradechat/pkg/service/mcp"
	"github.com/m-mizutani/tradechat/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var cfg config

	var flags []cli.Flag
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, dataFlags(&cfg)...)
	flags = append(flags, chatFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve run_chat as an MCP tool over stdio",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			// stdout carries the MCP protocol
			ctx = cfg.withLogger(ctx, os.Stderr)

			orch, store, err := cfg.newOrchestrator(ctx)
			if err != nil {
				return err
			}

			server := mcpsvc.New(orch, store, model.UserID(cfg.userID), version)
			logging.From(ctx).Info("MCP server started", "transport", "stdio")
			return server.Run(ctx, &mcp.StdioTransport{})
		},
	}
}
