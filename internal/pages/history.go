package pages

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/flashloop/internal/app"
	"github.com/buckleypaul/flashloop/internal/scheduler"
	"github.com/buckleypaul/flashloop/internal/store"
	"github.com/buckleypaul/flashloop/internal/ui"
)

type historyLoadedMsg struct {
	runs []store.RunRecord
	err  error
}

// HistoryPage lists past runs, newest first, and shows their transcripts.
type HistoryPage struct {
	store *store.Store

	runs    []store.RunRecord
	err     error
	cursor  int
	viewing bool
	detail  viewport.Model

	width, height int
}

func NewHistoryPage(s *store.Store) *HistoryPage {
	return &HistoryPage{store: s, detail: viewport.New(0, 0)}
}

func (p *HistoryPage) Init() tea.Cmd { return p.load() }

func (p *HistoryPage) load() tea.Cmd {
	st := p.store
	return func() tea.Msg {
		if st == nil {
			return historyLoadedMsg{}
		}
		runs, err := st.Runs()
		// Newest first.
		for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
			runs[i], runs[j] = runs[j], runs[i]
		}
		return historyLoadedMsg{runs: runs, err: err}
	}
}

func (p *HistoryPage) Update(msg tea.Msg) (app.Page, tea.Cmd) {
	switch msg := msg.(type) {
	case historyLoadedMsg:
		p.runs = msg.runs
		p.err = msg.err
		if p.cursor >= len(p.runs) {
			p.cursor = max(0, len(p.runs)-1)
		}
		return p, nil

	case app.RunEventMsg:
		if _, ok := msg.Event.(scheduler.RunFinishedEvent); ok {
			return p, p.load()
		}
		return p, nil

	case tea.KeyMsg:
		if p.viewing {
			if msg.String() == "esc" || msg.String() == "backspace" {
				p.viewing = false
				return p, nil
			}
			var cmd tea.Cmd
			p.detail, cmd = p.detail.Update(msg)
			return p, cmd
		}
		switch msg.String() {
		case "up":
			if p.cursor > 0 {
				p.cursor--
			}
		case "down":
			if p.cursor < len(p.runs)-1 {
				p.cursor++
			}
		case "enter":
			if len(p.runs) > 0 {
				p.openDetail(p.runs[p.cursor])
			}
		case "r":
			return p, p.load()
		}
	}
	return p, nil
}

func (p *HistoryPage) openDetail(r store.RunRecord) {
	var b strings.Builder
	b.WriteString(ui.KeyValue("Run", r.ID, 10) + "\n")
	b.WriteString(ui.KeyValue("Image", r.Image, 10) + "\n")
	b.WriteString(ui.KeyValue("Target", r.Target, 10) + "\n")
	b.WriteString(ui.KeyValue("Probe", r.Probe, 10) + "\n")
	b.WriteString(ui.KeyValue("Started", r.Timestamp.Format("2006-01-02 15:04:05"), 10) + "\n")
	b.WriteString(ui.KeyValue("Duration", r.Duration, 10) + "\n")
	if r.Error != "" {
		b.WriteString(ui.KeyValue("Error", ui.ErrorStyle.Render(r.Error), 10) + "\n")
	}
	b.WriteString("\n")

	transcript, err := p.store.Transcript(r.ID)
	switch {
	case r.Chunks == 0:
		b.WriteString(ui.DimStyle.Render("(no telemetry captured)"))
	case err != nil:
		b.WriteString(ui.ErrorStyle.Render(fmt.Sprintf("transcript unavailable: %v", err)))
	default:
		b.WriteString(transcript)
	}

	p.detail.SetContent(b.String())
	p.detail.GotoTop()
	p.viewing = true
}

func (p *HistoryPage) View() string {
	if p.viewing {
		return ui.Panel("Run", p.detail.View(), p.width, p.height, true)
	}

	var b strings.Builder
	switch {
	case p.err != nil:
		b.WriteString(ui.ErrorStyle.Render(fmt.Sprintf("Loading history: %v", p.err)))
	case len(p.runs) == 0:
		b.WriteString(ui.DimStyle.Render("No runs recorded yet."))
	default:
		visible := max(1, p.height-4)
		start := 0
		if p.cursor >= visible {
			start = p.cursor - visible + 1
		}
		end := min(len(p.runs), start+visible)
		for i := start; i < end; i++ {
			r := p.runs[i]
			cursor := "  "
			if i == p.cursor {
				cursor = ui.BoldStyle.Render("> ")
			}
			b.WriteString(fmt.Sprintf("%s%s  %s  %-20s %8s  %s\n",
				cursor,
				r.Timestamp.Format("01-02 15:04:05"),
				ui.RunBadge(r.Success, r.ErrorKind),
				filepath.Base(r.Image),
				r.Duration,
				ui.DimStyle.Render(fmt.Sprintf("%d chunks", r.Chunks)),
			))
		}
	}
	return ui.Panel(fmt.Sprintf("History (%d)", len(p.runs)), b.String(), p.width, 0, false)
}

func (p *HistoryPage) Name() string { return "History" }

func (p *HistoryPage) ShortHelp() []key.Binding {
	if p.viewing {
		return []key.Binding{
			key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
			key.NewBinding(key.WithKeys("up", "down"), key.WithHelp("↑/↓", "scroll")),
		}
	}
	return []key.Binding{
		key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "details")),
		key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reload")),
	}
}

// InputCaptured keeps esc inside the page while a run is open.
func (p *HistoryPage) InputCaptured() bool { return p.viewing }

func (p *HistoryPage) SetSize(w, h int) {
	p.width = w
	p.height = h
	p.detail.Width = max(0, w-4)
	p.detail.Height = max(0, h-2)
}
