package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/selfai-sh/selfai/internal/toolrun"
)

// BuiltinNames lists every builtin tool in registration order.
var BuiltinNames = []string{"read_file", "write_file", "glob", "shell", "search"}

// ReadOnlyNames lists the builtins that never mutate state; planners use
// this subset for read-only subtasks.
var ReadOnlyNames = []string{"read_file", "glob", "search"}

// RegisterBuiltins registers the builtin tool set into reg. Called once at
// startup before the registry is frozen.
func RegisterBuiltins(reg *toolrun.Registry) error {
	builtins := []*toolrun.Descriptor{
		{
			Name:        "read_file",
			Description: "Read a file and return its contents.",
			Params: map[string]toolrun.Param{
				"path": {Type: "string", Description: "file path, ~ allowed", Required: true},
			},
			Exec: func(_ context.Context, args map[string]any) (string, error) {
				return ReadFile(stringArg(args, "path"))
			},
		},
		{
			Name:        "write_file",
			Description: "Write content to a file, creating it if necessary. Bare filenames land in the workspace.",
			Params: map[string]toolrun.Param{
				"path":    {Type: "string", Description: "destination path", Required: true},
				"content": {Type: "string", Description: "file contents", Required: true},
			},
			Exec: func(_ context.Context, args map[string]any) (string, error) {
				return WriteFile(stringArg(args, "path"), stringArg(args, "content"))
			},
		},
		{
			Name:        "glob",
			Description: "Recursively list files whose name matches a pattern (*.go, *.json).",
			Params: map[string]toolrun.Param{
				"pattern": {Type: "string", Description: "filename pattern, no slashes", Required: true},
				"root":    {Type: "string", Description: "directory to search, default ."},
			},
			Exec: func(_ context.Context, args map[string]any) (string, error) {
				matches, err := GlobFiles(stringArg(args, "root"), stringArg(args, "pattern"))
				if err != nil {
					return "", err
				}
				if len(matches) == 0 {
					return fmt.Sprintf("(no files matched pattern %s)", stringArg(args, "pattern")), nil
				}
				return GlobJoin(matches), nil
			},
		},
		{
			Name:        "shell",
			Description: "Run a bash command and return its output.",
			Params: map[string]toolrun.Param{
				"command": {Type: "string", Description: "bash command line", Required: true},
			},
			Timeout: 30 * time.Second,
			Exec: func(ctx context.Context, args map[string]any) (string, error) {
				return RunShell(ctx, stringArg(args, "command"))
			},
		},
		{
			Name:        "search",
			Description: "Web search; returns titles, snippets, and URLs.",
			Params: map[string]toolrun.Param{
				"query": {Type: "string", Description: "search query", Required: true},
			},
			Timeout: 15 * time.Second,
			Exec: func(ctx context.Context, args map[string]any) (string, error) {
				return Search(ctx, stringArg(args, "query"))
			},
		},
	}
	for _, d := range builtins {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("tools: %w", err)
		}
	}
	return nil
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}
