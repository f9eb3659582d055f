package sink

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/selfai-sh/selfai/internal/plan"
)

const defaultWidth = 100

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	ruleStyle    = lipgloss.NewStyle().Faint(true)
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// Console renders panes to a writer. While a wave runs it prints one activity
// line per transition; the pane bodies appear only at Flush, in ascending
// identifier order.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	width int
	panes map[string]*pane
}

// NewConsole creates a console sink writing to w. width caps pane title
// bars; pass 0 for the default.
func NewConsole(w io.Writer, width int) *Console {
	if width <= 0 {
		width = defaultWidth
	}
	return &Console{w: w, width: width, panes: make(map[string]*pane)}
}

func (c *Console) Open(id, title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.panes[id] = &pane{title: title, status: plan.StatusPending}
}

func (c *Console) Chunk(id, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p := c.panes[id]; p != nil {
		p.text = append(p.text, text...)
	}
}

func (c *Console) Void(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p := c.panes[id]; p != nil {
		p.text = p.text[:0]
		p.voids++
		fmt.Fprintln(c.w, ruleStyle.Render("  ["+id+"] backend fallback, restarting output"))
	}
}

func (c *Console) Status(id string, s plan.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.panes[id]
	if p == nil {
		return
	}
	p.status = s
	fmt.Fprintln(c.w, statusLine(id, p.title, s))
}

// Flush prints the finished panes in ascending identifier order and drops
// their state.
func (c *Console) Flush(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ordered := append([]string(nil), ids...)
	sort.Strings(ordered)
	for _, id := range ordered {
		p := c.panes[id]
		if p == nil {
			continue
		}
		fmt.Fprintln(c.w, c.titleBar(id, p))
		body := strings.TrimRight(string(p.text), "\n")
		if body != "" {
			fmt.Fprintln(c.w, body)
		}
		delete(c.panes, id)
	}
}

// titleBar renders "── [id] title ──…──" padded to the console width.
func (c *Console) titleBar(id string, p *pane) string {
	label := " [" + id + "] " + p.title + " "
	pad := c.width - runewidth.StringWidth(label) - 2
	if pad < 2 {
		pad = 2
	}
	return ruleStyle.Render("──") + titleStyle.Render(label) + ruleStyle.Render(strings.Repeat("─", pad))
}

func statusLine(id, title string, s plan.Status) string {
	label := fmt.Sprintf("  [%s] %s", id, title)
	switch s {
	case plan.StatusRunning:
		return runningStyle.Render(label + " ...")
	case plan.StatusCompleted:
		return doneStyle.Render(label + " ✓")
	case plan.StatusFailed:
		return failStyle.Render(label + " ✗")
	}
	return ruleStyle.Render(label)
}
