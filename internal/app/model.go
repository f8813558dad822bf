package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/buckleypaul/flashloop/internal/config"
	"github.com/buckleypaul/flashloop/internal/firmware"
	"github.com/buckleypaul/flashloop/internal/runstate"
	"github.com/buckleypaul/flashloop/internal/ui"
)

type FocusArea int

const (
	FocusSidebar FocusArea = iota
	FocusContent
)

type imageLoadedMsg struct {
	image firmware.Image
	err   error
}

func loadImage(path string) tea.Cmd {
	return func() tea.Msg {
		img, err := firmware.Load(path)
		return imageLoadedMsg{image: img, err: err}
	}
}

type Model struct {
	pages      map[PageID]Page
	activePage PageID
	focus      FocusArea
	width      int
	height     int
	showHelp   bool
	image      *firmware.Image
	picker     *Picker
	cfg        *config.Config
	wsRoot     string
	state      *runstate.State
	status     string
}

func New(pages map[PageID]Page, cfg *config.Config, wsRoot string, state *runstate.State) Model {
	return Model{
		pages:  pages,
		cfg:    cfg,
		wsRoot: wsRoot,
		state:  state,
	}
}

func (m Model) Init() tea.Cmd {
	var cmds []tea.Cmd
	for _, p := range m.pages {
		if cmd := p.Init(); cmd != nil {
			cmds = append(cmds, cmd)
		}
	}
	// Restore the previous selection if the file still exists.
	if m.cfg.LastImage != "" {
		if _, err := os.Stat(m.cfg.LastImage); err == nil {
			cmds = append(cmds, loadImage(m.cfg.LastImage))
		}
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		contentWidth, contentHeight := m.contentSize()
		for _, p := range m.pages {
			p.SetSize(contentWidth, contentHeight)
		}
		return m, nil

	case ImagesLoadedMsg:
		if m.picker == nil {
			return m, nil
		}
		if msg.Err != nil {
			m.status = fmt.Sprintf("Scanning for images: %v", msg.Err)
			return m, nil
		}
		var items []PickerItem
		for _, p := range msg.Paths {
			label := p
			if rel, err := filepath.Rel(m.wsRoot, p); err == nil {
				label = rel
			}
			item := PickerItem{Label: label, Value: p}
			if fi, err := os.Stat(p); err == nil {
				item.Desc = humanSize(fi.Size())
			}
			items = append(items, item)
		}
		m.picker.SetItems(items)
		return m, nil

	case PickerSelectedMsg:
		m.picker = nil
		path := msg.Value
		if !filepath.IsAbs(path) {
			path = filepath.Join(m.wsRoot, path)
		}
		return m, loadImage(path)

	case PickerClosedMsg:
		m.picker = nil
		return m, nil

	case imageLoadedMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("Cannot use image: %v", msg.err)
			return m, nil
		}
		img := msg.image
		m.image = &img
		m.status = ""
		m.cfg.LastImage = img.Path
		if err := config.Update(m.wsRoot, func(c *config.Config) { c.LastImage = img.Path }); err != nil {
			m.status = fmt.Sprintf("Cannot remember image: %v", err)
		}
		return m.broadcast(ImageSelectedMsg{Image: img})

	case tea.KeyMsg:
		// When picker is open, forward all keys to picker
		if m.picker != nil {
			var cmd tea.Cmd
			m.picker, cmd = m.picker.Update(msg)
			return m, cmd
		}

		// When a page has an active text input, forward all keys
		// directly to the page; only ctrl+c still quits.
		if m.focus == FocusContent {
			if ic, ok := m.pages[m.activePage].(InputCapturer); ok && ic.InputCaptured() {
				if msg.String() == "ctrl+c" {
					return m, tea.Quit
				}
				page := m.pages[m.activePage]
				newPage, cmd := page.Update(msg)
				m.pages[m.activePage] = newPage
				return m, cmd
			}
		}

		// Global key handling
		switch {
		case key.Matches(msg, GlobalKeys.Quit):
			return m, tea.Quit
		case key.Matches(msg, GlobalKeys.Help):
			m.showHelp = !m.showHelp
			return m, nil
		case key.Matches(msg, GlobalKeys.ImagePicker):
			m.picker = NewPicker("Select Firmware Image")
			m.picker.SetSize(m.contentSize())
			return m, DiscoverImages(m.wsRoot)
		case key.Matches(msg, GlobalKeys.ToggleFocus):
			if m.focus == FocusSidebar {
				m.focus = FocusContent
				return m, nil
			}
			// When content focused, fall through to page handler
		}

		// Handle arrow keys based on focus
		if m.focus == FocusSidebar {
			switch msg.String() {
			case "up":
				m.prevPage()
				return m, nil
			case "down":
				m.nextPage()
				return m, nil
			case "enter", "right":
				m.focus = FocusContent
				return m, nil
			}
		} else if m.focus == FocusContent {
			if msg.String() == "left" || msg.String() == "esc" {
				m.focus = FocusSidebar
				return m, nil
			}
		}
	}

	// Key messages: only forward to active page when content is focused
	if _, isKey := msg.(tea.KeyMsg); isKey {
		if m.focus != FocusContent {
			return m, nil
		}
		page := m.pages[m.activePage]
		newPage, cmd := page.Update(msg)
		m.pages[m.activePage] = newPage
		return m, cmd
	}

	// Non-key messages (command results, scheduler events): forward to all
	// pages so responses reach the page that initiated the command.
	return m.broadcast(msg)
}

func (m Model) broadcast(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	for id, page := range m.pages {
		newPage, cmd := page.Update(msg)
		m.pages[id] = newPage
		if cmd != nil {
			cmds = append(cmds, cmd)
		}
	}
	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	contentWidth, contentHeight := m.contentSize()
	page := m.pages[m.activePage]

	imageBar := renderImageBar(m.image, m.state.Snapshot(), m.status, m.width, m.focus == FocusSidebar)
	sidebar := renderSidebar(PageOrder, m.activePage, m.pages, contentHeight, m.focus == FocusSidebar)
	content := ui.ContentStyle.
		Width(contentWidth).
		Height(contentHeight).
		Render(page.View())

	// Overlays replace the content area while open.
	switch {
	case m.picker != nil:
		m.picker.SetSize(contentWidth, contentHeight)
		content = lipgloss.Place(contentWidth, contentHeight, lipgloss.Center, lipgloss.Center, m.picker.View())
	case m.showHelp:
		content = lipgloss.Place(contentWidth, contentHeight, lipgloss.Center, lipgloss.Center,
			renderHelp(page.ShortHelp()))
	}

	statusBar := renderStatusBar(page.ShortHelp(), m.width, m.focus)

	return renderLayout(imageBar, sidebar, content, statusBar)
}

// Image returns the selected image, or nil.
func (m Model) Image() *firmware.Image { return m.image }

// ActivePage returns the page shown in the content area.
func (m Model) ActivePage() PageID { return m.activePage }

func (m Model) contentSize() (int, int) {
	return m.width - sidebarWidth, m.height - 2 - 1 // status bar + image bar
}

func (m *Model) nextPage() {
	for i, id := range PageOrder {
		if id == m.activePage {
			m.activePage = PageOrder[(i+1)%len(PageOrder)]
			return
		}
	}
}

func (m *Model) prevPage() {
	for i, id := range PageOrder {
		if id == m.activePage {
			m.activePage = PageOrder[(i-1+len(PageOrder))%len(PageOrder)]
			return
		}
	}
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
