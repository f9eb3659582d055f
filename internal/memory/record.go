// Package memory implements the categorized, time-windowed conversational
// record store. Each exchange is one plain-text file under
// <root>/<category>/; retrieval scores candidates by tag overlap against a
// hint, bounded below by the session context window.
package memory

import (
	"fmt"
	"strings"
	"time"
)

const (
	headerDelim  = "---"
	timestampFmt = "2006-01-02 15:04:05"

	sectionSystem    = "System Prompt:"
	sectionUser      = "User:"
	sectionAssistant = "SelfAI:"
)

// Record is one user/assistant exchange with its header metadata.
type Record struct {
	AgentName string
	AgentKey  string
	Workspace string
	Timestamp time.Time
	Tags      []string

	SystemPrompt string
	User         string
	Assistant    string
}

// Render serializes the record to its on-disk text form.
//
// Expectations:
//   - Header carries Agent, AgentKey, Workspace, Timestamp, Tags lines
//   - Timestamp renders as "YYYY-MM-DD HH:MM:SS"
//   - Three delimited sections follow: System Prompt, User, SelfAI
//   - Parse(Render(r)) round-trips the turns verbatim
func (r *Record) Render() string {
	var sb strings.Builder
	sb.WriteString(headerDelim + "\n")
	sb.WriteString("Agent: " + r.AgentName + "\n")
	sb.WriteString("AgentKey: " + r.AgentKey + "\n")
	sb.WriteString("Workspace: " + r.Workspace + "\n")
	sb.WriteString("Timestamp: " + r.Timestamp.Format(timestampFmt) + "\n")
	sb.WriteString("Tags: " + strings.Join(r.Tags, ", ") + "\n")
	sb.WriteString(headerDelim + "\n")
	sb.WriteString(sectionSystem + "\n")
	sb.WriteString(r.SystemPrompt + "\n")
	sb.WriteString(headerDelim + "\n")
	sb.WriteString(sectionUser + "\n")
	sb.WriteString(r.User + "\n")
	sb.WriteString(headerDelim + "\n")
	sb.WriteString(sectionAssistant + "\n")
	sb.WriteString(r.Assistant + "\n")
	return sb.String()
}

// Parse reads a rendered record back into its fields.
//
// Expectations:
//   - Recovers every header field including the tag list
//   - Recovers the three sections verbatim, including embedded newlines
//   - Returns an error when the header block is missing
func Parse(data string) (*Record, error) {
	lines := strings.Split(data, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != headerDelim {
		return nil, fmt.Errorf("memory: record missing header delimiter")
	}

	r := &Record{}
	i := 1
	for ; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == headerDelim {
			i++
			break
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "Agent":
			r.AgentName = val
		case "AgentKey":
			r.AgentKey = val
		case "Workspace":
			r.Workspace = val
		case "Timestamp":
			if ts, err := time.Parse(timestampFmt, val); err == nil {
				r.Timestamp = ts
			}
		case "Tags":
			for _, t := range strings.Split(val, ",") {
				if t = strings.TrimSpace(t); t != "" {
					r.Tags = append(r.Tags, t)
				}
			}
		}
	}
	if i >= len(lines) {
		return nil, fmt.Errorf("memory: record header not terminated")
	}

	// Body: three sections, each opened by its label line and closed by a
	// delimiter line (the last runs to end of document).
	type section struct {
		label string
		dst   *string
	}
	sections := []section{
		{sectionSystem, &r.SystemPrompt},
		{sectionUser, &r.User},
		{sectionAssistant, &r.Assistant},
	}
	si := 0
	var cur []string
	flush := func(atEOF bool) {
		if si < len(sections) {
			body := strings.Join(cur, "\n")
			if atEOF {
				// Render terminates the document with one newline of its own;
				// strip exactly that one so trailing newlines in the section
				// content survive the round trip.
				body = strings.TrimSuffix(body, "\n")
			}
			*sections[si].dst = body
			cur = nil
			si++
		}
	}
	started := false
	for ; i < len(lines); i++ {
		line := lines[i]
		if !started {
			if si < len(sections) && strings.TrimSpace(line) == sections[si].label {
				started = true
			}
			continue
		}
		if strings.TrimSpace(line) == headerDelim {
			flush(false)
			started = false
			continue
		}
		cur = append(cur, line)
	}
	if started {
		flush(true)
	}
	if si < len(sections) {
		return nil, fmt.Errorf("memory: record missing %q section", sections[si].label)
	}
	return r, nil
}
