package pages

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/flashloop/internal/app"
	"github.com/buckleypaul/flashloop/internal/config"
	"github.com/buckleypaul/flashloop/internal/ui"
)

type settingField struct {
	label string
	key   string
}

var settingFields = []settingField{
	{"Target", "target"},
	{"Probe Serial", "probe_serial"},
	{"Probe Index", "probe_index"},
	{"Telemetry", "telemetry_transport"},
	{"UART Baud Rate", "uart_baud_rate"},
	{"Iterations", "capture_iterations"},
	{"Interval", "capture_interval"},
	{"Halt Timeout", "halt_timeout"},
}

type SettingsPage struct {
	cfg           *config.Config
	workspaceRoot string
	cursor        int
	editing       bool
	input         textinput.Model
	width, height int
	message       string
	// edited holds the keys changed on this page. Only they are saved, so
	// flag and env overrides in cfg stay out of the workspace file.
	edited map[string]bool
}

func NewSettingsPage(cfg *config.Config, workspaceRoot string) *SettingsPage {
	ti := textinput.New()
	ti.CharLimit = 128
	return &SettingsPage{
		cfg:           cfg,
		workspaceRoot: workspaceRoot,
		input:         ti,
		edited:        make(map[string]bool),
	}
}

func (p *SettingsPage) Init() tea.Cmd { return nil }

func (p *SettingsPage) Update(msg tea.Msg) (app.Page, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if p.editing {
			switch msg.String() {
			case "enter":
				p.applyValue(p.input.Value())
				p.editing = false
				p.input.Blur()
				return p, nil
			case "esc":
				p.editing = false
				p.input.Blur()
				return p, nil
			}
			var cmd tea.Cmd
			p.input, cmd = p.input.Update(msg)
			return p, cmd
		}

		switch msg.String() {
		case "down":
			if p.cursor < len(settingFields)-1 {
				p.cursor++
			}
		case "up":
			if p.cursor > 0 {
				p.cursor--
			}
		case "enter", "e":
			p.editing = true
			p.input.SetValue(p.getValue(p.cursor))
			p.input.Focus()
			return p, p.input.Focus()
		case "s":
			p.save()
		}
	}
	return p, nil
}

func (p *SettingsPage) View() string {
	var inner strings.Builder

	for i, f := range settingFields {
		cursor := "  "
		if i == p.cursor {
			cursor = ui.BoldStyle.Render("> ")
		}

		val := p.getValue(i)
		if val == "" {
			val = ui.DimStyle.Render("(not set)")
		}

		line := fmt.Sprintf("%s%-20s %s", cursor, f.label, val)
		inner.WriteString(line)
		inner.WriteString("\n")
	}

	if p.editing {
		inner.WriteString("\n")
		inner.WriteString(fmt.Sprintf("  Edit %s:\n", settingFields[p.cursor].label))
		inner.WriteString("  " + p.input.View())
		inner.WriteString("\n")
	}

	if p.message != "" {
		inner.WriteString("\n  " + p.message)
	}

	return ui.Panel("Settings", inner.String(), p.width, 0, false)
}

func (p *SettingsPage) Name() string { return "Settings" }

func (p *SettingsPage) ShortHelp() []key.Binding {
	if p.editing {
		return []key.Binding{
			key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "save")),
			key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel")),
		}
	}
	return []key.Binding{
		key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "edit")),
		key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "save to disk")),
	}
}

func (p *SettingsPage) InputCaptured() bool {
	return p.editing
}

func (p *SettingsPage) SetSize(w, h int) {
	p.width = w
	p.height = h
}

func (p *SettingsPage) getValue(idx int) string {
	switch settingFields[idx].key {
	case "target":
		return p.cfg.Target
	case "probe_serial":
		return p.cfg.ProbeSerial
	case "probe_index":
		return strconv.Itoa(p.cfg.ProbeIndex)
	case "telemetry_transport":
		return p.cfg.TelemetryTransport
	case "uart_baud_rate":
		return strconv.Itoa(p.cfg.UARTBaudRate)
	case "capture_iterations":
		return strconv.Itoa(p.cfg.CaptureIterations)
	case "capture_interval":
		return time.Duration(p.cfg.CaptureInterval).String()
	case "halt_timeout":
		return time.Duration(p.cfg.HaltTimeout).String()
	}
	return ""
}

func (p *SettingsPage) applyValue(val string) {
	label := settingFields[p.cursor].label
	invalid := func() { p.message = fmt.Sprintf("Invalid %s: %q", label, val) }
	positive := func(dst *int) bool {
		n, err := strconv.Atoi(val)
		if err != nil || n <= 0 {
			invalid()
			return false
		}
		*dst = n
		return true
	}
	duration := func(dst *config.Duration) bool {
		d, err := time.ParseDuration(val)
		if err != nil || d <= 0 {
			invalid()
			return false
		}
		*dst = config.Duration(d)
		return true
	}

	ok := true
	switch settingFields[p.cursor].key {
	case "target":
		if val == "" {
			invalid()
			return
		}
		p.cfg.Target = val
	case "probe_serial":
		p.cfg.ProbeSerial = val
	case "probe_index":
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			invalid()
			return
		}
		p.cfg.ProbeIndex = n
	case "telemetry_transport":
		if val != config.TransportRTT && val != config.TransportUART {
			invalid()
			return
		}
		p.cfg.TelemetryTransport = val
	case "uart_baud_rate":
		ok = positive(&p.cfg.UARTBaudRate)
	case "capture_iterations":
		ok = positive(&p.cfg.CaptureIterations)
	case "capture_interval":
		ok = duration(&p.cfg.CaptureInterval)
	case "halt_timeout":
		ok = duration(&p.cfg.HaltTimeout)
	}
	if ok {
		p.edited[settingFields[p.cursor].key] = true
		p.message = fmt.Sprintf("%s updated", label)
	}
}

func (p *SettingsPage) save() {
	if len(p.edited) == 0 {
		p.message = "No changes to save"
		return
	}
	err := config.Update(p.workspaceRoot, func(c *config.Config) {
		for k := range p.edited {
			p.copyField(k, c)
		}
	})
	if err != nil {
		p.message = fmt.Sprintf("Error saving: %v", err)
		return
	}
	clear(p.edited)
	p.message = "Settings saved to workspace; they apply from the next launch"
}

func (p *SettingsPage) copyField(key string, dst *config.Config) {
	switch key {
	case "target":
		dst.Target = p.cfg.Target
	case "probe_serial":
		dst.ProbeSerial = p.cfg.ProbeSerial
	case "probe_index":
		dst.ProbeIndex = p.cfg.ProbeIndex
	case "telemetry_transport":
		dst.TelemetryTransport = p.cfg.TelemetryTransport
	case "uart_baud_rate":
		dst.UARTBaudRate = p.cfg.UARTBaudRate
	case "capture_iterations":
		dst.CaptureIterations = p.cfg.CaptureIterations
	case "capture_interval":
		dst.CaptureInterval = p.cfg.CaptureInterval
	case "halt_timeout":
		dst.HaltTimeout = p.cfg.HaltTimeout
	}
}
