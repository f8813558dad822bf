package commands

import (
	"context"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/buckleypaul/flashloop/internal/app"
	"github.com/buckleypaul/flashloop/internal/mailbox"
	"github.com/buckleypaul/flashloop/internal/pages"
	"github.com/buckleypaul/flashloop/internal/printer"
	"github.com/buckleypaul/flashloop/internal/runstate"
	"github.com/buckleypaul/flashloop/internal/scheduler"
)

// eventBuffer bounds scheduler events waiting for the UI. Telemetry chunks
// beyond it are dropped from the live view; they are still in the run
// report and history.
const eventBuffer = 512

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Start the interactive terminal UI (default)",
	Args:  cobra.NoArgs,
	RunE:  runUI,
}

func runUI(cmd *cobra.Command, args []string) error {
	e, err := setup(logToFile)
	if err != nil {
		return err
	}
	defer e.close()

	pl, err := e.newPipeline()
	if err != nil {
		return err
	}

	mb := mailbox.New()
	state := runstate.New()

	events := make(chan scheduler.Event, eventBuffer)
	notify := func(ev scheduler.Event) {
		if _, ok := ev.(scheduler.RunChunkEvent); ok {
			select {
			case events <- ev:
			default:
				e.log.Debugw("telemetry view behind, dropping chunk event")
			}
			return
		}
		events <- ev
	}

	sched := scheduler.New(mb, pl, state, append(e.schedulerOptions(),
		scheduler.WithWakeOnSubmit(),
		scheduler.WithNotifier(notify),
	)...)

	pageMap := map[app.PageID]app.Page{
		app.FlashPage:     pages.NewFlashPage(mb, state, &e.cfg),
		app.TelemetryPage: pages.NewTelemetryPage(),
		app.ProbesPage:    pages.NewProbesPage(e.backend, e.store, &e.cfg),
		app.HistoryPage:   pages.NewHistoryPage(e.store),
		app.SettingsPage:  pages.NewSettingsPage(&e.cfg, e.ws.Root),
	}
	model := app.New(pageMap, &e.cfg, e.ws.Root, state)
	prog := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())

	ctx, cancel := context.WithCancel(cmd.Context())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
		close(events)
	}()

	// Send returns immediately once the program has exited, so the
	// forwarder never holds up the scheduler during shutdown.
	go func() {
		for ev := range events {
			prog.Send(app.RunEventMsg{Event: ev})
		}
	}()

	_, runErr := prog.Run()

	cancel()
	wg.Wait()

	if runErr != nil {
		return printer.Error("Terminal UI failed", runErr.Error(), nil)
	}
	return nil
}
