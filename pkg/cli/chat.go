package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/model"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var (
		cfg         config
		threadID    string
		historyFile string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "thread",
			Aliases:     []string{"t"},
			Usage:       "Thread ID to continue (default: new thread)",
			Sources:     cli.EnvVars("TRADECHAT_THREAD_ID"),
			Destination: &threadID,
		},
		&cli.StringFlag{
			Name:        "history-file",
			Usage:       "File to keep input line history",
			Sources:     cli.EnvVars("TRADECHAT_HISTORY_FILE"),
			Destination: &historyFile,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, dataFlags(&cfg)...)
	flags = append(flags, chatFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive chat about trade reports",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogger(ctx, os.Stderr)
			w := c.Root().Writer

			orch, _, err := cfg.newOrchestrator(ctx)
			if err != nil {
				return err
			}

			thread := model.ThreadID(threadID)
			if thread == "" {
				thread = model.NewThreadID()
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "> ",
				HistoryFile:     historyFile,
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return goerr.Wrap(err, "failed to initialize readline")
			}
			defer rl.Close()

			fmt.Fprintf(w, "Chat session started (thread: %s). Type 'exit' to quit.\n", thread)

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					if len(line) == 0 {
						break
					}
					continue
				}
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read input")
				}

				message := strings.TrimSpace(line)
				if message == "exit" || message == "quit" {
					break
				}
				if message == "" {
					continue
				}

				sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
				sp.Suffix = " thinking..."
				sp.Start()
				resp, err := orch.RunChat(ctx, message, thread)
				sp.Stop()

				if err != nil {
					fmt.Fprintf(w, "Error: %v\n", err)
					continue
				}
				fmt.Fprintf(w, "\n%s\n\n", resp)
			}

			fmt.Fprintf(w, "\nChat session completed (thread: %s)\n", thread)
			return nil
		},
	}
}

func askCommand() *cli.Command {
	var (
		cfg      config
		threadID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "thread",
			Aliases:     []string{"t"},
			Usage:       "Thread ID to continue (default: new thread)",
			Sources:     cli.EnvVars("TRADECHAT_THREAD_ID"),
			Destination: &threadID,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, dataFlags(&cfg)...)
	flags = append(flags, chatFlags(&cfg)...)

	return &cli.Command{
		Name:      "ask",
		Usage:     "Ask a single question and print the answer",
		ArgsUsage: "<message>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogger(ctx, os.Stderr)

			message := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if message == "" {
				return goerr.New("message is required")
			}

			orch, _, err := cfg.newOrchestrator(ctx)
			if err != nil {
				return err
			}

			thread := model.ThreadID(threadID)
			if thread == "" {
				thread = model.NewThreadID()
			}

			resp, err := orch.RunChat(ctx, message, thread)
			if err != nil {
				return goerr.Wrap(err, "failed to answer", goerr.V("thread_id", thread))
			}

			fmt.Fprintf(c.Root().Writer, "%s\n", resp)
			return nil
		},
	}
}
