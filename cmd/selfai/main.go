package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/selfai-sh/selfai/internal/memory"
)

var (
	flagDebug      bool
	flagMemoryRoot string
	flagWindow     int
)

func main() {
	root := &cobra.Command{
		Use:           "selfai [goal]",
		Short:         "selfai — local multi-agent orchestration runtime",
		Long:          "Runs a goal through the planner → dispatcher → merger pipeline over a prioritized pool of inference backends. Without a goal argument it starts an interactive REPL.",
		Args:          cobra.ArbitraryArgs,
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Flags().BoolVar(&flagDebug, "debug", false, "verbose logging and full error chains")
	root.Flags().StringVar(&flagMemoryRoot, "memory-root", "", "memory root directory (default ~/.selfai)")
	root.Flags().IntVar(&flagWindow, "window", memory.DefaultWindowMinutes, "context window in minutes (1-1440)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, args []string) error {
	_ = godotenv.Load(".env")

	level := slog.LevelWarn
	if flagDebug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(args) > 0 {
		return a.runGoal(ctx, strings.Join(args, " "))
	}
	return a.repl(ctx)
}
