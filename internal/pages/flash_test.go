package pages

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/flashloop/internal/app"
	"github.com/buckleypaul/flashloop/internal/config"
	"github.com/buckleypaul/flashloop/internal/firmware"
	"github.com/buckleypaul/flashloop/internal/mailbox"
	"github.com/buckleypaul/flashloop/internal/pipeline"
	"github.com/buckleypaul/flashloop/internal/runstate"
	"github.com/buckleypaul/flashloop/internal/scheduler"
)

func keyRune(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func testImage() firmware.Image {
	return firmware.Image{
		Name:   "blinky.elf",
		Path:   "/work/build/blinky.elf",
		Digest: "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		Size:   5,
	}
}

func newFlashPage(t *testing.T) (*FlashPage, *mailbox.Mailbox, *runstate.State) {
	t.Helper()
	cfg := config.Defaults()
	mb := mailbox.New()
	st := runstate.New()
	p := NewFlashPage(mb, st, &cfg)
	p.SetSize(100, 40)
	return p, mb, st
}

func TestFlashPageStartWithoutImageSubmitsNothing(t *testing.T) {
	p, mb, _ := newFlashPage(t)

	p.Update(keyRune('s'))

	if mb.Pending() {
		t.Fatal("expected no command without a selected image")
	}
	if !strings.Contains(p.message, "Select a firmware image") {
		t.Fatalf("unexpected message: %q", p.message)
	}
	if p.ShortHelp()[0].Enabled() {
		t.Fatal("start binding should be disabled without an image")
	}
}

func TestFlashPageStartSubmitsSelectedImage(t *testing.T) {
	p, mb, _ := newFlashPage(t)

	p.Update(app.ImageSelectedMsg{Image: testImage()})
	p.Update(keyRune('s'))

	cmd, ok := mb.Take()
	if !ok {
		t.Fatal("expected a pending command")
	}
	start, ok := cmd.(mailbox.Start)
	if !ok || start.Image != "/work/build/blinky.elf" {
		t.Fatalf("expected Start(/work/build/blinky.elf), got %v", cmd)
	}
}

func TestFlashPageRepeatedStartReplacesPending(t *testing.T) {
	p, mb, _ := newFlashPage(t)
	p.Update(app.ImageSelectedMsg{Image: testImage()})

	p.Update(keyRune('s'))
	p.Update(keyRune('s'))

	if !strings.Contains(p.message, "replaced") {
		t.Fatalf("expected replacement notice, got %q", p.message)
	}
	if mb.Dropped() != 1 {
		t.Fatalf("expected 1 dropped command, got %d", mb.Dropped())
	}
}

func TestFlashPageStopSubmitsStop(t *testing.T) {
	p, mb, _ := newFlashPage(t)

	p.Update(keyRune('x'))

	cmd, ok := mb.Take()
	if !ok {
		t.Fatal("expected a pending command")
	}
	if _, ok := cmd.(mailbox.Stop); !ok {
		t.Fatalf("expected Stop, got %v", cmd)
	}
}

func TestFlashPageViewShowsCounterAndDigest(t *testing.T) {
	p, _, st := newFlashPage(t)
	p.Update(app.ImageSelectedMsg{Image: testImage()})

	st.MarkRunning("/work/build/blinky.elf", time.Now())
	st.RecordSuccess(time.Now())
	st.MarkRunning("/work/build/blinky.elf", time.Now())
	st.RecordSuccess(time.Now())

	view := p.View()
	for _, want := range []string{"blinky.elf", testImage().Digest, "2", "idle"} {
		if !strings.Contains(view, want) {
			t.Fatalf("expected %q in view:\n%s", want, view)
		}
	}
}

func TestFlashPageShowsLastFailure(t *testing.T) {
	p, _, _ := newFlashPage(t)

	runErr := &pipeline.Error{Kind: pipeline.Attach, Step: "attach rp2040", Err: errors.New("no target")}
	p.Update(app.RunEventMsg{Event: scheduler.RunFinishedEvent{
		Report: pipeline.Report{RunID: "0123456789", Duration: time.Second},
		Err:    runErr,
	}})

	if !strings.Contains(p.message, "01234567 failed") {
		t.Fatalf("unexpected message: %q", p.message)
	}
	view := p.View()
	if !strings.Contains(view, "AttachError") {
		t.Fatalf("expected failure kind in view:\n%s", view)
	}
}
