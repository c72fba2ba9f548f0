package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/model"
	"github.com/urfave/cli/v3"
)

func memoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "memory",
		Usage: "Inspect memories remembered about a user",
		Commands: []*cli.Command{
			memoryListCommand(),
			memorySearchCommand(),
		},
	}
}

func memoryListCommand() *cli.Command {
	var (
		cfg   config
		limit int64
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of memories to list",
			Value:       20,
			Destination: &limit,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, chatFlags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List the most recent memories",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogger(ctx, os.Stderr)

			gemini, err := cfg.newGemini(ctx)
			if err != nil {
				return err
			}
			store, err := cfg.newMemoryStore(gemini)
			if err != nil {
				return err
			}

			records, err := store.List(ctx, model.UserID(cfg.userID), int(limit))
			if err != nil {
				return goerr.Wrap(err, "failed to list memories")
			}

			w := c.Root().Writer
			if len(records) == 0 {
				fmt.Fprintf(w, "No memories found\n")
				return nil
			}
			for _, r := range records {
				fmt.Fprintf(w, "%s  %s  [%s] %s\n", r.CreatedAt.Format("2006-01-02 15:04:05"), r.ID, r.Category, r.Text)
			}
			return nil
		},
	}
}

func memorySearchCommand() *cli.Command {
	var (
		cfg   config
		query string
		limit int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "query",
			Aliases:     []string{"q"},
			Usage:       "Text to match against memories",
			Destination: &query,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of memories to return",
			Value:       5,
			Destination: &limit,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, chatFlags(&cfg)...)

	return &cli.Command{
		Name:  "search",
		Usage: "Search memories by similarity",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogger(ctx, os.Stderr)

			gemini, err := cfg.newGemini(ctx)
			if err != nil {
				return err
			}
			store, err := cfg.newMemoryStore(gemini)
			if err != nil {
				return err
			}

			results, err := store.Search(ctx, model.UserID(cfg.userID), query, int(limit))
			if err != nil {
				return goerr.Wrap(err, "failed to search memories")
			}

			w := c.Root().Writer
			if len(results) == 0 {
				fmt.Fprintf(w, "No memories found\n")
				return nil
			}
			for _, m := range results {
				marker := " "
				if m.Score > cfg.memoryThreshold {
					marker = "*"
				}
				fmt.Fprintf(w, "%s %.4f  [%s] %s\n", marker, m.Score, m.Category, m.Text)
			}
			return nil
		},
	}
}
