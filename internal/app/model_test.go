package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/flashloop/internal/config"
	"github.com/buckleypaul/flashloop/internal/runstate"
	"github.com/buckleypaul/flashloop/internal/scheduler"
)

type stubPage struct {
	name     string
	msgs     []tea.Msg
	captured bool
}

func (p *stubPage) Init() tea.Cmd { return nil }
func (p *stubPage) Update(msg tea.Msg) (Page, tea.Cmd) {
	p.msgs = append(p.msgs, msg)
	return p, nil
}
func (p *stubPage) View() string             { return p.name + " body" }
func (p *stubPage) Name() string             { return p.name }
func (p *stubPage) ShortHelp() []key.Binding { return nil }
func (p *stubPage) SetSize(w, h int)         {}
func (p *stubPage) InputCaptured() bool      { return p.captured }

// keys counts the key messages the page received and returns the last one.
func (p *stubPage) keys() (int, tea.Msg) {
	var n int
	var last tea.Msg
	for _, m := range p.msgs {
		if _, ok := m.(tea.KeyMsg); ok {
			n++
			last = m
		}
	}
	return n, last
}

func newTestModel(t *testing.T) (Model, map[PageID]*stubPage, *config.Config, string) {
	t.Helper()
	ws := t.TempDir()
	cfg := config.Defaults()
	stubs := make(map[PageID]*stubPage)
	pages := make(map[PageID]Page)
	for _, id := range PageOrder {
		s := &stubPage{name: fmt.Sprintf("page%d", id)}
		stubs[id] = s
		pages[id] = s
	}
	m := New(pages, &cfg, ws, runstate.New())
	m = step(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	return m, stubs, &cfg, ws
}

// step applies msg and returns the updated model.
func step(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

// run applies msg and then feeds the resulting command's message back in.
func run(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, cmd := m.Update(msg)
	m = next.(Model)
	if cmd != nil {
		if out := cmd(); out != nil {
			m = step(t, m, out)
		}
	}
	return m
}

func keyRune(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestPickerSelectionLoadsAndBroadcastsImage(t *testing.T) {
	m, stubs, cfg, ws := newTestModel(t)
	path := filepath.Join(ws, "build", "zephyr.elf")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	// "i" opens the picker and scans the workspace.
	m = run(t, m, keyRune('i'))
	if m.picker == nil {
		t.Fatal("expected picker to be open")
	}
	if len(m.picker.items) != 1 || m.picker.items[0].Label != filepath.Join("build", "zephyr.elf") {
		t.Fatalf("unexpected picker items: %+v", m.picker.items)
	}

	// enter selects, which loads the image, which is broadcast.
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	m = run(t, m, cmd())

	if m.picker != nil {
		t.Fatal("expected picker closed after selection")
	}
	img := m.Image()
	if img == nil || img.Name != "zephyr.elf" {
		t.Fatalf("expected zephyr.elf selected, got %+v", img)
	}
	const helloDigest = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if img.Digest != helloDigest {
		t.Fatalf("unexpected digest %s", img.Digest)
	}
	if cfg.LastImage != img.Path {
		t.Fatalf("expected last image %q to be remembered, got %q", img.Path, cfg.LastImage)
	}
	if loaded := config.Load(ws); loaded.LastImage != img.Path {
		t.Fatalf("expected last image persisted, got %q", loaded.LastImage)
	}

	for id, s := range stubs {
		var got bool
		for _, msg := range s.msgs {
			if sel, ok := msg.(ImageSelectedMsg); ok && sel.Image.Path == img.Path {
				got = true
			}
		}
		if !got {
			t.Fatalf("page %d did not receive ImageSelectedMsg", id)
		}
	}
}

func writeImage(t *testing.T, ws string) string {
	t.Helper()
	path := filepath.Join(ws, "build", "zephyr.elf")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestImageSelectionPersistsOnlyLastImage(t *testing.T) {
	m, _, cfg, ws := newTestModel(t)
	path := writeImage(t, ws)

	// Effective config as built from --simulate --target stm32f4x.
	cfg.Backend = config.BackendSim
	cfg.Target = "stm32f4x"

	m = run(t, m, PickerSelectedMsg{Value: path})
	if m.Image() == nil {
		t.Fatalf("expected image selected, status %q", m.status)
	}

	loaded := config.Load(ws)
	if loaded.Backend != config.DefaultBackend || loaded.Target != config.DefaultTarget {
		t.Fatalf("overrides leaked into workspace config: backend=%q target=%q", loaded.Backend, loaded.Target)
	}
	if loaded.LastImage != path {
		t.Fatalf("expected last image %q persisted, got %q", path, loaded.LastImage)
	}
	data, err := os.ReadFile(filepath.Join(ws, config.DirName, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "capture_interval") {
		t.Fatalf("defaults written to workspace config:\n%s", data)
	}
}

func TestImageSelectionReportsSaveError(t *testing.T) {
	m, _, _, ws := newTestModel(t)
	path := writeImage(t, ws)
	// A file where the state directory should be makes the save fail.
	if err := os.WriteFile(filepath.Join(ws, config.DirName), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	m = run(t, m, PickerSelectedMsg{Value: path})

	if m.Image() == nil {
		t.Fatal("expected image selected despite the save error")
	}
	if !strings.Contains(m.status, "Cannot remember image") {
		t.Fatalf("unexpected status %q", m.status)
	}
}

func TestTypedPathThatDoesNotExistSetsStatus(t *testing.T) {
	m, _, _, _ := newTestModel(t)

	m = run(t, m, PickerSelectedMsg{Value: "missing.elf"})

	if m.Image() != nil {
		t.Fatal("expected no image")
	}
	if !strings.Contains(m.status, "Cannot use image") {
		t.Fatalf("unexpected status %q", m.status)
	}
}

func TestSidebarNavigationAndFocus(t *testing.T) {
	m, stubs, _, _ := newTestModel(t)

	m = step(t, m, tea.KeyMsg{Type: tea.KeyDown})
	if m.ActivePage() != PageOrder[1] {
		t.Fatalf("expected page %d, got %d", PageOrder[1], m.ActivePage())
	}
	m = step(t, m, tea.KeyMsg{Type: tea.KeyUp})
	m = step(t, m, tea.KeyMsg{Type: tea.KeyUp})
	if m.ActivePage() != PageOrder[len(PageOrder)-1] {
		t.Fatalf("expected wrap to page %d, got %d", PageOrder[len(PageOrder)-1], m.ActivePage())
	}

	// Keys reach the page only once the content has focus.
	last := stubs[m.ActivePage()]
	m = step(t, m, keyRune('s'))
	if n, _ := last.keys(); n != 0 {
		t.Fatalf("expected no keys forwarded from sidebar, got %d", n)
	}
	m = step(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m = step(t, m, keyRune('s'))
	if n, msg := last.keys(); n != 1 || msg.(tea.KeyMsg).String() != "s" {
		t.Fatalf("expected s forwarded, got %d keys", n)
	}

	m = step(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.focus != FocusSidebar {
		t.Fatal("expected esc to return focus to the sidebar")
	}
}

func TestInputCapturingPageKeepsEsc(t *testing.T) {
	m, stubs, _, _ := newTestModel(t)
	page := stubs[m.ActivePage()]
	page.captured = true

	m = step(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m = step(t, m, tea.KeyMsg{Type: tea.KeyEsc})

	if m.focus != FocusContent {
		t.Fatal("expected focus to stay on the capturing page")
	}
	if n, _ := page.keys(); n != 1 {
		t.Fatalf("expected esc forwarded to page, got %d keys", n)
	}
}

func TestRunEventsReachEveryPage(t *testing.T) {
	m, stubs, _, _ := newTestModel(t)

	m = step(t, m, RunEventMsg{Event: scheduler.RunChunkEvent{}})

	for id, s := range stubs {
		if len(s.msgs) == 0 {
			t.Fatalf("page %d got no messages", id)
		}
		if _, ok := s.msgs[len(s.msgs)-1].(RunEventMsg); !ok {
			t.Fatalf("page %d did not receive the run event", id)
		}
	}
}

func TestViewRendersChrome(t *testing.T) {
	m, _, _, _ := newTestModel(t)

	view := m.View()
	for _, want := range []string{"flashloop", "(none)", "page0 body"} {
		if !strings.Contains(view, want) {
			t.Fatalf("expected %q in view:\n%s", want, view)
		}
	}
}
