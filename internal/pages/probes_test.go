package pages

import (
	"errors"
	"strings"
	"testing"

	"github.com/buckleypaul/flashloop/internal/config"
	"github.com/buckleypaul/flashloop/internal/probe"
	"github.com/buckleypaul/flashloop/internal/probe/sim"
	"github.com/buckleypaul/flashloop/internal/store"
)

func TestProbesPageListsAndMarksSelection(t *testing.T) {
	b := sim.New(sim.Script{Probes: []probe.Info{
		{Index: 0, Identifier: "Debug Probe", Serial: "AAA", VID: "2e8a", PID: "000c"},
		{Index: 1, Identifier: "STLINK-V3", Serial: "BBB", VID: "0483", PID: "374e"},
	}})
	st := store.New(t.TempDir())
	cfg := config.Defaults()
	cfg.ProbeSerial = "BBB"

	p := NewProbesPage(b, st, &cfg)
	p.SetSize(120, 30)
	cmd := p.Init()
	if !strings.Contains(p.View(), "Scanning") {
		t.Fatal("expected scanning state before results")
	}
	p.Update(cmd())

	view := p.View()
	for _, want := range []string{"AAA", "BBB", "STLINK-V3", "serial BBB"} {
		if !strings.Contains(view, want) {
			t.Fatalf("expected %q in view:\n%s", want, view)
		}
	}
	var marked string
	for _, line := range strings.Split(view, "\n") {
		if strings.Contains(line, "▸") {
			marked = line
		}
	}
	if !strings.Contains(marked, "BBB") {
		t.Fatalf("expected BBB to be marked, got %q", marked)
	}

	snaps, err := st.ProbeSnapshots()
	if err != nil {
		t.Fatalf("ProbeSnapshots: %v", err)
	}
	if len(snaps) != 1 || len(snaps[0].Probes) != 2 {
		t.Fatalf("expected one snapshot of two probes, got %+v", snaps)
	}
}

func TestProbesPageNoProbes(t *testing.T) {
	cfg := config.Defaults()
	p := NewProbesPage(sim.New(sim.Script{Probes: []probe.Info{}}), nil, &cfg)
	p.SetSize(120, 30)
	p.Update(p.Init()())

	if !strings.Contains(p.View(), "No debug probes found") {
		t.Fatalf("unexpected view:\n%s", p.View())
	}
}

func TestProbesPageEnumerationError(t *testing.T) {
	cfg := config.Defaults()
	p := NewProbesPage(sim.New(sim.Script{ListErr: errors.New("usb busy")}), nil, &cfg)
	p.SetSize(120, 30)
	p.Update(p.Init()())

	if !strings.Contains(p.View(), "usb busy") {
		t.Fatalf("unexpected view:\n%s", p.View())
	}
}

func TestProbesPageRescan(t *testing.T) {
	b := sim.New(sim.Script{})
	cfg := config.Defaults()
	p := NewProbesPage(b, nil, &cfg)
	p.Update(p.Init()())

	_, cmd := p.Update(keyRune('r'))
	if cmd == nil {
		t.Fatal("expected rescan command")
	}
	p.Update(cmd())

	lists := 0
	for _, c := range b.Calls() {
		if c == "list" {
			lists++
		}
	}
	if lists != 2 {
		t.Fatalf("expected 2 list calls, got %d", lists)
	}
}
