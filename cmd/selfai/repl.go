package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/selfai-sh/selfai/internal/budget"
	"github.com/selfai-sh/selfai/internal/metrics"
)

// repl runs the interactive loop. Slash commands inspect and mutate runtime
// state; anything else is dispatched as a goal.
func (a *app) repl(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "selfai> ",
		HistoryFile:     filepath.Join(a.root, "history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("selfai: init readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("selfai — type a goal, /help for commands, exit to quit")
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		input := strings.TrimSpace(line)
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			return nil
		case strings.HasPrefix(input, "/"):
			a.command(input)
		default:
			// Errors were already rendered; keep the loop alive.
			_ = a.runGoal(ctx, input)
		}
	}
}

// command handles one slash command.
func (a *app) command(input string) {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		fmt.Print(`/backends           list configured backends in priority order
/stats              show process counters
/memory             list memory categories
/memory clear <cat> [keep]   clear a category, optionally keeping the newest N
/window             show the context window
/window <minutes>   set the context window (1-1440)
/window reset       re-anchor the session start to now
/agent              list agents and show the active one
/agent <key>        switch the active agent
/budget             show the token profile
/budget <name>      switch the token profile preset
`)

	case "/backends":
		fmt.Println(strings.Join(a.pool.Names(), " > "))

	case "/stats":
		c := metrics.Snapshot()
		fmt.Printf("runs: %d started, %d completed, %d failed\n", c.RunsStarted, c.RunsCompleted, c.RunsFailed)
		fmt.Printf("subtasks: %d completed, %d failed\n", c.SubtasksCompleted, c.SubtasksFailed)
		fmt.Printf("llm calls: %d (%d prompt + %d completion tokens)\n", c.LLMCalls, c.PromptTokens, c.CompletionTokens)
		fmt.Printf("tool calls: %d\n", c.ToolCalls)
		fmt.Printf("fallbacks: %d plans, %d backends\n", c.FallbackPlans, c.BackendFallbacks)

	case "/memory":
		if len(args) == 0 {
			cats, err := a.mem.ListCategories()
			if err != nil {
				fmt.Println("error:", err)
				return
			}
			if len(cats) == 0 {
				fmt.Println("(no memory yet)")
				return
			}
			fmt.Println(strings.Join(cats, ", "))
			return
		}
		if args[0] != "clear" || len(args) < 2 {
			fmt.Println("usage: /memory clear <category> [keep]")
			return
		}
		keep := 0
		if len(args) > 2 {
			keep, _ = strconv.Atoi(args[2])
		}
		if err := a.mem.Clear(args[1], keep); err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Printf("cleared %s (kept %d)\n", args[1], keep)

	case "/window":
		w := a.mem.Window()
		if len(args) == 0 {
			fmt.Printf("%d minutes\n", w.Minutes())
			return
		}
		if args[0] == "reset" {
			w.Reset()
			fmt.Println("session re-anchored; retrieval history is empty until new records accumulate")
			return
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Println("usage: /window [minutes|reset]")
			return
		}
		if err := w.Set(n); err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Printf("window set to %d minutes\n", n)

	case "/agent":
		if len(args) == 0 {
			cur := a.active.Current()
			for _, key := range a.agents.Keys() {
				marker := "  "
				if key == cur.Key {
					marker = "* "
				}
				fmt.Printf("%s%s — %s\n", marker, key, a.agents.Lookup(key).Blurb)
			}
			return
		}
		if err := a.active.Switch(a.agents, args[0]); err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Printf("active agent: %s\n", args[0])

	case "/budget":
		if len(args) == 0 {
			p := a.budgets.Current()
			fmt.Printf("%s: planner %d, executor %d, merger %d (presets: %s)\n",
				p.Name, p.Planner, p.Executor, p.Merger, strings.Join(budget.Names(), ", "))
			return
		}
		if err := a.budgets.Set(args[0]); err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Printf("token profile: %s\n", args[0])

	default:
		fmt.Printf("unknown command %s (try /help)\n", cmd)
	}
}
