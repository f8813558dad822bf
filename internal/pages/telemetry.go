package pages

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/flashloop/internal/app"
	"github.com/buckleypaul/flashloop/internal/pipeline"
	"github.com/buckleypaul/flashloop/internal/scheduler"
	"github.com/buckleypaul/flashloop/internal/ui"
)

// maxTelemetryBytes bounds the scrollback kept across runs.
const maxTelemetryBytes = 256 * 1024

// TelemetryPage shows telemetry as the scheduler reports it.
type TelemetryPage struct {
	viewport viewport.Model
	output   strings.Builder
	follow   bool
	runID    string
	chunks   int

	width, height int
}

func NewTelemetryPage() *TelemetryPage {
	return &TelemetryPage{
		viewport: viewport.New(0, 0),
		follow:   true,
	}
}

func (p *TelemetryPage) Init() tea.Cmd { return nil }

func (p *TelemetryPage) Update(msg tea.Msg) (app.Page, tea.Cmd) {
	switch msg := msg.(type) {
	case app.RunEventMsg:
		switch ev := msg.Event.(type) {
		case scheduler.RunStartedEvent:
			p.runID = ev.RunID
			p.chunks = 0
			p.appendLine(ui.DimStyle.Render(fmt.Sprintf("── run %s  %s  %s ──",
				shortID(ev.RunID), baseName(ev.Image), ev.At.Format("15:04:05"))))
		case scheduler.RunChunkEvent:
			p.chunks++
			p.append(renderLines(ev.Chunk.Text))
		case scheduler.RunFinishedEvent:
			p.appendLine(finishLine(ev))
		}
		return p, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "c":
			p.output.Reset()
			p.viewport.SetContent("")
			return p, nil
		case "f":
			p.follow = !p.follow
			if p.follow {
				p.viewport.GotoBottom()
			}
			return p, nil
		}
	}

	var cmd tea.Cmd
	p.viewport, cmd = p.viewport.Update(msg)
	return p, cmd
}

func finishLine(ev scheduler.RunFinishedEvent) string {
	if ev.Err == nil {
		return ui.SuccessStyle.Render(fmt.Sprintf("── ok in %s, %d successful runs ──",
			ev.Report.Duration.Round(time.Millisecond), ev.Count))
	}
	return ui.ErrorStyle.Render(fmt.Sprintf("── %s: %v ──", pipeline.KindOf(ev.Err), ev.Err))
}

// renderLines styles each line on its own so lipgloss does not pad them to
// a common width.
func renderLines(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = ui.TelemetryStyle.Render(l)
		}
	}
	return strings.Join(lines, "\n")
}

func (p *TelemetryPage) appendLine(s string) {
	if p.output.Len() > 0 && !strings.HasSuffix(p.output.String(), "\n") {
		p.output.WriteString("\n")
	}
	p.append(s + "\n")
}

func (p *TelemetryPage) append(s string) {
	p.output.WriteString(s)
	if p.output.Len() > maxTelemetryBytes {
		keep := p.output.String()[p.output.Len()-maxTelemetryBytes/2:]
		if i := strings.IndexByte(keep, '\n'); i >= 0 {
			keep = keep[i+1:]
		}
		p.output.Reset()
		p.output.WriteString(keep)
	}
	p.viewport.SetContent(p.output.String())
	if p.follow {
		p.viewport.GotoBottom()
	}
}

func (p *TelemetryPage) View() string {
	title := "Telemetry"
	if p.runID != "" {
		title = fmt.Sprintf("Telemetry  run %s  %d chunks", shortID(p.runID), p.chunks)
	}
	body := p.viewport.View()
	if p.output.Len() == 0 {
		body = ui.DimStyle.Render("No telemetry yet. Start a run from the Flash page.")
	}
	return ui.Panel(title, body, p.width, p.height, false)
}

func (p *TelemetryPage) Name() string { return "Telemetry" }

func (p *TelemetryPage) ShortHelp() []key.Binding {
	followHelp := "follow"
	if p.follow {
		followHelp = "unfollow"
	}
	return []key.Binding{
		key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear")),
		key.NewBinding(key.WithKeys("f"), key.WithHelp("f", followHelp)),
		key.NewBinding(key.WithKeys("up", "down"), key.WithHelp("↑/↓", "scroll")),
	}
}

func (p *TelemetryPage) SetSize(w, h int) {
	p.width = w
	p.height = h
	// Panel border and padding.
	p.viewport.Width = max(0, w-4)
	p.viewport.Height = max(0, h-2)
}
