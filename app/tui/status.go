package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/lexcodex/widgetry/devsession"
	"github.com/lexcodex/widgetry/framework"
	"github.com/lexcodex/widgetry/persistence"
)

// StatusTitle heads the session status table.
const StatusTitle = "Widgetry Development Server"

// RenderStatus draws the Local/Public URL table.
func RenderStatus(status devsession.Status) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("Type", "URL").
		Row("Local", status.LocalURL).
		Row("Public", publicURLStyle.Render(status.PublicURL)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 0:
				return typeCellStyle
			default:
				return urlCellStyle
			}
		})
	return titleStyle.Render(StatusTitle) + "\n" + t.Render()
}

// RenderMCPPanel draws the bordered endpoint panel.
func RenderMCPPanel(mcpURL string) string {
	body := strings.Join([]string{
		lipgloss.NewStyle().Bold(true).Render("MCP Server Endpoint:"),
		successStyle.Render(mcpURL),
		"",
		dimStyle.Render("Use this URL in your MCP client configuration"),
	}, "\n")
	return panelTitleStyle.Render("Model Context Protocol") + "\n" + panelStyle.Render(body)
}

// RenderSessions draws the session history table.
func RenderSessions(records []*persistence.SessionRecord, now time.Time) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("Started", "Status", "Port", "Public URL", "Duration").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return urlCellStyle
		})
	for _, r := range records {
		t.Row(
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			statusLabel(r.Status),
			fmt.Sprint(r.Port),
			r.PublicURL,
			r.Duration(now).Round(time.Second).String(),
		)
	}
	return t.Render()
}

func statusLabel(status persistence.SessionStatus) string {
	switch status {
	case persistence.StatusRunning:
		return warningStyle.Render(string(status))
	case persistence.StatusFailed:
		return errorStyle.Render(string(status))
	default:
		return successStyle.Render(string(status))
	}
}

// Console prints session diagnostics in color and shows the status once the
// session is ready. It satisfies framework.Telemetry.
type Console struct {
	Out io.Writer

	mu      sync.Mutex
	holding bool
	held    []string
}

// NewConsole writes to out.
func NewConsole(out io.Writer) *Console {
	return &Console{Out: out}
}

// Emit prints one event. Tunnel start events are skipped: the session's
// progress line already announces the tunnel.
func (c *Console) Emit(event framework.Event) {
	if event.Type == framework.EventTunnelStarting {
		return
	}
	style := infoStyle
	switch {
	case event.Level == framework.LevelError:
		style = errorStyle
	case event.Level == framework.LevelWarning:
		style = warningStyle
	case event.Type == framework.EventToolLoaded, event.Type == framework.EventTunnelLive, event.Type == framework.EventBuildFinish:
		style = successStyle
	case event.Message == "Server stopped" || strings.HasSuffix(event.Message, "successfully"):
		style = successStyle
	}
	c.println(style.Render(event.Message))
}

// Ready prints the status table, the MCP panel and the stop hint.
func (c *Console) Ready(status devsession.Status) {
	c.println("")
	c.println(RenderStatus(status))
	c.println("")
	c.println(RenderMCPPanel(status.MCPURL))
	c.println("")
	c.println(warningStyle.Render("Press Ctrl+C to stop the server"))
	c.println("")
}

// Progress shows message beside a spinner until stop is called. Lines the
// console prints meanwhile are held back and flushed after the spinner line.
func (c *Console) Progress(message string) (stop func()) {
	c.mu.Lock()
	c.holding = true
	c.mu.Unlock()
	stopSpin := Spin(c.Out, message)
	var once sync.Once
	return func() {
		once.Do(func() {
			stopSpin()
			c.mu.Lock()
			defer c.mu.Unlock()
			for _, line := range c.held {
				fmt.Fprintln(c.Out, line)
			}
			c.held = nil
			c.holding = false
		})
	}
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holding {
		c.held = append(c.held, s)
		return
	}
	fmt.Fprintln(c.Out, s)
}
