package app

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"

	"github.com/buckleypaul/flashloop/internal/firmware"
	"github.com/buckleypaul/flashloop/internal/runstate"
	"github.com/buckleypaul/flashloop/internal/ui"
)

const sidebarWidth = 22 // 20 content + 2 border/padding

func renderImageBar(img *firmware.Image, snap runstate.Snapshot, status string, width int, sidebarFocused bool) string {
	imageDisplay := "(none)"
	digest := ""
	if img != nil {
		imageDisplay = img.Name
		digest = "  sha256: " + img.ShortDigest()
	}
	content := fmt.Sprintf("Image: %s%s  Runs: %d", imageDisplay, digest, snap.Succeeded)
	if snap.Running != "" {
		content += "  " + ui.AccentStyle.Render("● running")
	}
	if status != "" {
		content += "  " + ui.ErrorStyle.Render(status)
	}
	hint := ""
	if sidebarFocused {
		hint = ui.DimStyle.Render("  [i] change")
	}
	return ui.StatusBarStyle.Width(width).Render(content + hint)
}

func renderSidebar(pages []PageID, active PageID, pageMap map[PageID]Page, height int, focused bool) string {
	var b strings.Builder
	var title string
	if focused {
		title = ui.BoldStyle.Render("flashloop [FOCUSED]")
	} else {
		title = ui.TitleStyle.Render("flashloop")
	}
	b.WriteString(title)
	b.WriteString("\n\n")

	for _, id := range pages {
		p := pageMap[id]
		if p == nil {
			continue
		}
		if id == active {
			b.WriteString(ui.SidebarActiveStyle.Render("▸ " + p.Name()))
		} else {
			b.WriteString(ui.SidebarItemStyle.Render("  " + p.Name()))
		}
		b.WriteString("\n")
	}

	style := ui.SidebarStyle.Height(height)
	if focused {
		style = style.BorderForeground(ui.Primary)
	}
	return style.Render(b.String())
}

func renderStatusBar(pageHelp []key.Binding, width int, focus FocusArea) string {
	var parts []string

	if focus == FocusSidebar {
		parts = append(parts,
			ui.StatusKey("↑/↓", "navigate"),
			ui.StatusKey("enter", "select"),
		)
	} else {
		for _, kb := range pageHelp {
			if kb.Enabled() {
				parts = append(parts, ui.StatusKey(kb.Help().Key, kb.Help().Desc))
			}
		}
	}

	parts = append(parts,
		ui.StatusKey("i", "image"),
		ui.StatusKey("tab", "focus"),
		ui.StatusKey("?", "help"),
		ui.StatusKey("q", "quit"),
	)

	line := strings.Join(parts, "  ")
	return ui.StatusBarStyle.Width(width).Render(line)
}

func renderHelp(pageHelp []key.Binding) string {
	var b strings.Builder
	row := func(k, desc string) {
		b.WriteString(fmt.Sprintf("  %-8s %s\n", ui.BoldStyle.Render(k), desc))
	}
	for _, kb := range []key.Binding{GlobalKeys.ImagePicker, GlobalKeys.ToggleFocus, GlobalKeys.Help, GlobalKeys.Quit} {
		row(kb.Help().Key, kb.Help().Desc)
	}
	if len(pageHelp) > 0 {
		b.WriteString("\n")
		for _, kb := range pageHelp {
			row(kb.Help().Key, kb.Help().Desc)
		}
	}
	return ui.Panel("Keys", b.String(), 40, 0, true)
}

func renderLayout(imageBar, sidebar, content, statusBar string) string {
	main := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, content)
	return lipgloss.JoinVertical(lipgloss.Left, imageBar, main, statusBar)
}
