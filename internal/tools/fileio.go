// Package tools provides the builtin tool executors and their registration
// into the process-wide tool registry.
package tools

import "os"

// ReadFile reads the file at path and returns its contents as a string.
func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes content to the file at path, creating it if necessary.
// Bare filenames are redirected to the workspace directory.
func WriteFile(path, content string) (string, error) {
	resolved, redirected := ResolveOutputPath(ExpandHome(path))
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", err
	}
	if redirected {
		return "wrote " + resolved + " (redirected to workspace)", nil
	}
	return "wrote " + resolved, nil
}
