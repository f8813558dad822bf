package pages

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/flashloop/internal/app"
	"github.com/buckleypaul/flashloop/internal/config"
	"github.com/buckleypaul/flashloop/internal/firmware"
	"github.com/buckleypaul/flashloop/internal/mailbox"
	"github.com/buckleypaul/flashloop/internal/pipeline"
	"github.com/buckleypaul/flashloop/internal/runstate"
	"github.com/buckleypaul/flashloop/internal/scheduler"
	"github.com/buckleypaul/flashloop/internal/ui"
)

const flashLabelWidth = 12

// FlashPage is the producer side of the mailbox: it submits Start for the
// selected image and shows the run counter.
type FlashPage struct {
	mb    *mailbox.Mailbox
	state *runstate.State
	cfg   *config.Config

	image   *firmware.Image
	lastRun *scheduler.RunFinishedEvent
	message string

	width, height int
}

func NewFlashPage(mb *mailbox.Mailbox, state *runstate.State, cfg *config.Config) *FlashPage {
	return &FlashPage{mb: mb, state: state, cfg: cfg}
}

func (p *FlashPage) Init() tea.Cmd { return nil }

func (p *FlashPage) Update(msg tea.Msg) (app.Page, tea.Cmd) {
	switch msg := msg.(type) {
	case app.ImageSelectedMsg:
		img := msg.Image
		p.image = &img
		p.message = "Selected " + img.Name

	case app.RunEventMsg:
		switch ev := msg.Event.(type) {
		case scheduler.RunStartedEvent:
			p.message = fmt.Sprintf("Run %s started", shortID(ev.RunID))
		case scheduler.RunFinishedEvent:
			p.lastRun = &ev
			if ev.Err == nil {
				p.message = fmt.Sprintf("Run %s succeeded", shortID(ev.Report.RunID))
			} else {
				p.message = fmt.Sprintf("Run %s failed", shortID(ev.Report.RunID))
			}
		case scheduler.StopEvent:
			p.message = "Stop acknowledged"
		}

	case tea.KeyMsg:
		switch msg.String() {
		case "s", "enter":
			p.start()
		case "x":
			p.submit(mailbox.Stop{})
		}
	}
	return p, nil
}

// start submits a Start for the selected image. Without a selection
// nothing is submitted.
func (p *FlashPage) start() {
	if p.image == nil {
		p.message = "Select a firmware image first (i)"
		return
	}
	p.submit(mailbox.Start{Image: p.image.Path})
}

func (p *FlashPage) submit(cmd mailbox.Command) {
	replaced := p.mb.Pending()
	p.mb.Submit(cmd)
	if replaced {
		p.message = fmt.Sprintf("Queued %s (replaced pending command)", cmd)
	} else {
		p.message = fmt.Sprintf("Queued %s", cmd)
	}
}

func (p *FlashPage) View() string {
	snap := p.state.Snapshot()
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(ui.KeyValue(label, value, flashLabelWidth))
		b.WriteString("\n")
	}

	if p.image == nil {
		row("Image", ui.DimStyle.Render("(none, press i)"))
	} else {
		row("Image", ui.BoldStyle.Render(p.image.Name))
		row("Path", p.image.Path)
		row("SHA-256", p.image.Digest)
		row("Size", fmt.Sprintf("%d bytes", p.image.Size))
	}
	b.WriteString("\n")

	pc := p.cfg.Pipeline()
	row("Target", pc.Target)
	row("Probe", probeSelector(p.cfg))
	row("Window", fmt.Sprintf("%d × %s (%s)", pc.Iterations, pc.Interval, pc.Window()))
	b.WriteString("\n")

	b.WriteString(ui.DimStyle.Render("Successful runs") + "\n")
	b.WriteString(ui.Counter(snap.Succeeded) + "\n")
	row("Failed", fmt.Sprintf("%d", snap.Failed))
	row("Stopped", fmt.Sprintf("%d", snap.Stopped))

	switch {
	case snap.Running != "":
		row("Status", ui.AccentStyle.Render("running "+baseName(snap.Running)))
	case p.mb.Pending():
		row("Status", ui.WarningStyle.Render("queued"))
	default:
		row("Status", "idle")
	}
	if d := p.mb.Dropped(); d > 0 {
		row("Replaced", fmt.Sprintf("%d commands", d))
	}

	if p.lastRun != nil {
		kind := ""
		if p.lastRun.Err != nil {
			kind = pipeline.KindOf(p.lastRun.Err).String()
		}
		row("Last run", ui.RunBadge(p.lastRun.Err == nil, kind)+" "+p.lastRun.Report.Duration.Round(time.Millisecond).String())
		if p.lastRun.Err != nil {
			row("", ui.ErrorStyle.Render(p.lastRun.Err.Error()))
		}
	}

	if p.message != "" {
		b.WriteString("\n" + p.message)
	}

	return ui.Panel("Flash", b.String(), p.width, 0, false)
}

func (p *FlashPage) Name() string { return "Flash" }

func (p *FlashPage) ShortHelp() []key.Binding {
	start := key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "start"))
	start.SetEnabled(p.image != nil)
	return []key.Binding{
		start,
		key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "stop")),
	}
}

func (p *FlashPage) SetSize(w, h int) {
	p.width = w
	p.height = h
}
