package app

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/flashloop/internal/firmware"
	"github.com/buckleypaul/flashloop/internal/scheduler"
)

// PageID identifies each page in the application.
type PageID int

const (
	FlashPage PageID = iota
	TelemetryPage
	ProbesPage
	HistoryPage
	SettingsPage
)

var PageOrder = []PageID{
	FlashPage,
	TelemetryPage,
	ProbesPage,
	HistoryPage,
	SettingsPage,
}

// Page is the interface every page in the application implements.
type Page interface {
	Init() tea.Cmd
	Update(msg tea.Msg) (Page, tea.Cmd)
	View() string
	Name() string
	ShortHelp() []key.Binding
	SetSize(width, height int)
}

// InputCapturer is an optional interface for pages with text inputs.
// When InputCaptured returns true, the app forwards all keys directly
// to the page instead of processing shortcuts like q, ?, left, etc.
type InputCapturer interface {
	InputCaptured() bool
}

// ImageSelectedMsg is broadcast to all pages when a firmware image is chosen.
type ImageSelectedMsg struct {
	Image firmware.Image
}

// RunEventMsg carries a scheduler event into the program.
type RunEventMsg struct {
	Event scheduler.Event
}

// ImagesLoadedMsg is the result of scanning the workspace for ELF files.
type ImagesLoadedMsg struct {
	Paths []string
	Err   error
}

// DiscoverImages scans root for firmware images in the background.
func DiscoverImages(root string) tea.Cmd {
	return func() tea.Msg {
		paths, err := firmware.Discover(root)
		return ImagesLoadedMsg{Paths: paths, Err: err}
	}
}
