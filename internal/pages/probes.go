package pages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/flashloop/internal/app"
	"github.com/buckleypaul/flashloop/internal/config"
	"github.com/buckleypaul/flashloop/internal/probe"
	"github.com/buckleypaul/flashloop/internal/store"
	"github.com/buckleypaul/flashloop/internal/ui"
)

type probesLoadedMsg struct {
	probes []probe.Info
	err    error
	at     time.Time
}

// ProbesPage lists attached debug probes and marks the one runs will use.
type ProbesPage struct {
	backend probe.Backend
	store   *store.Store
	cfg     *config.Config

	probes  []probe.Info
	err     error
	loading bool
	at      time.Time

	width, height int
}

func NewProbesPage(backend probe.Backend, s *store.Store, cfg *config.Config) *ProbesPage {
	return &ProbesPage{backend: backend, store: s, cfg: cfg}
}

func (p *ProbesPage) Init() tea.Cmd {
	p.loading = true
	return p.list()
}

func (p *ProbesPage) list() tea.Cmd {
	backend := p.backend
	st := p.store
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		probes, err := backend.List(ctx)
		at := time.Now()
		if st != nil {
			snap := store.ProbeSnapshot{Timestamp: at}
			for _, pi := range probes {
				snap.Probes = append(snap.Probes, pi.String())
			}
			if err != nil {
				snap.Error = err.Error()
			}
			st.AddProbeSnapshot(snap)
		}
		return probesLoadedMsg{probes: probes, err: err, at: at}
	}
}

func (p *ProbesPage) Update(msg tea.Msg) (app.Page, tea.Cmd) {
	switch msg := msg.(type) {
	case probesLoadedMsg:
		p.loading = false
		p.probes = msg.probes
		p.err = msg.err
		p.at = msg.at
	case tea.KeyMsg:
		if msg.String() == "r" && !p.loading {
			p.loading = true
			return p, p.list()
		}
	}
	return p, nil
}

func (p *ProbesPage) View() string {
	var b strings.Builder

	switch {
	case p.loading:
		b.WriteString(ui.DimStyle.Render("Scanning for probes..."))
	case p.err != nil:
		b.WriteString(ui.ErrorStyle.Render(fmt.Sprintf("Enumeration failed: %v", p.err)))
	case len(p.probes) == 0:
		b.WriteString(ui.WarningStyle.Render("No debug probes found. Runs will fail with NoProbeFound."))
	default:
		selected, selErr := probe.Select(p.probes, p.cfg.ProbeSerial, p.cfg.ProbeIndex)
		b.WriteString(ui.DimStyle.Render(fmt.Sprintf("  %-3s %-28s %-20s %-9s %s", "#", "Probe", "Serial", "VID:PID", "Port")))
		b.WriteString("\n")
		for _, pi := range p.probes {
			marker := "  "
			if selErr == nil && pi.Serial == selected.Serial && pi.Index == selected.Index {
				marker = ui.SuccessStyle.Render("▸ ")
			}
			b.WriteString(fmt.Sprintf("%s%-3d %-28s %-20s %-9s %s\n",
				marker, pi.Index, pi.Identifier, pi.Serial, pi.VID+":"+pi.PID, pi.Port))
		}
		if selErr != nil {
			b.WriteString("\n" + ui.ErrorStyle.Render(selErr.Error()))
		}
	}

	if !p.at.IsZero() {
		b.WriteString("\n\n" + ui.DimStyle.Render("Scanned "+p.at.Format("15:04:05")+"  selector: "+probeSelector(p.cfg)))
	}

	return ui.Panel("Probes", b.String(), p.width, 0, false)
}

func (p *ProbesPage) Name() string { return "Probes" }

func (p *ProbesPage) ShortHelp() []key.Binding {
	return []key.Binding{
		key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "rescan")),
	}
}

func (p *ProbesPage) SetSize(w, h int) {
	p.width = w
	p.height = h
}
