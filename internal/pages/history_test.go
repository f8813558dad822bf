package pages

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/flashloop/internal/pipeline"
	"github.com/buckleypaul/flashloop/internal/scheduler"
	"github.com/buckleypaul/flashloop/internal/store"
)

func seedHistory(t *testing.T, st *store.Store) {
	t.Helper()
	ok := pipeline.Report{
		RunID:    "run-ok",
		Image:    "/fw/blinky.elf",
		Target:   "rp2040",
		Started:  time.Now().Add(-time.Minute),
		Duration: 50 * time.Second,
		Chunks:   []pipeline.Chunk{{Text: "hello from target\n"}},
	}
	if err := st.RecordRun(ok, nil); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	failed := pipeline.Report{RunID: "run-bad", Image: "/fw/broken.elf", Started: time.Now()}
	runErr := &pipeline.Error{Kind: pipeline.Flash, Step: "download", Err: errors.New("verify failed")}
	if err := st.RecordRun(failed, runErr); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
}

func TestHistoryPageListsNewestFirst(t *testing.T) {
	st := store.New(t.TempDir())
	seedHistory(t, st)

	p := NewHistoryPage(st)
	p.SetSize(120, 30)
	p.Update(p.Init()())

	if len(p.runs) != 2 || p.runs[0].ID != "run-bad" {
		t.Fatalf("expected newest first, got %+v", p.runs)
	}
	view := p.View()
	for _, want := range []string{"broken.elf", "FlashError", "blinky.elf", "OK"} {
		if !strings.Contains(view, want) {
			t.Fatalf("expected %q in view:\n%s", want, view)
		}
	}
}

func TestHistoryPageShowsTranscript(t *testing.T) {
	st := store.New(t.TempDir())
	seedHistory(t, st)

	p := NewHistoryPage(st)
	p.SetSize(120, 30)
	p.Update(p.Init()())

	p.Update(tea.KeyMsg{Type: tea.KeyDown})
	p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if !p.viewing || !p.InputCaptured() {
		t.Fatal("expected detail view")
	}
	if !strings.Contains(p.View(), "hello from target") {
		t.Fatalf("expected transcript in detail:\n%s", p.View())
	}

	p.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if p.viewing {
		t.Fatal("expected esc to close detail")
	}
}

func TestHistoryPageReloadsAfterRun(t *testing.T) {
	st := store.New(t.TempDir())
	p := NewHistoryPage(st)
	p.Update(p.Init()())
	if len(p.runs) != 0 {
		t.Fatalf("expected empty history, got %d", len(p.runs))
	}

	seedHistory(t, st)
	_, cmd := p.Update(runEvent(scheduler.RunFinishedEvent{}))
	if cmd == nil {
		t.Fatal("expected reload command")
	}
	p.Update(cmd())
	if len(p.runs) != 2 {
		t.Fatalf("expected 2 runs after reload, got %d", len(p.runs))
	}
}
