package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/buckleypaul/flashloop/internal/firmware"
	"github.com/buckleypaul/flashloop/internal/mailbox"
	"github.com/buckleypaul/flashloop/internal/pipeline"
	"github.com/buckleypaul/flashloop/internal/printer"
	"github.com/buckleypaul/flashloop/internal/runstate"
	"github.com/buckleypaul/flashloop/internal/scheduler"
)

var (
	runRepeat  int
	runVerbose bool
)

var runCmd = &cobra.Command{
	Use:   "run <image>",
	Short: "Flash an image and capture its telemetry without the UI",
	Long: `Submit a Start for the image and execute it on the scheduler: attach,
flash, reset, run, capture telemetry and halt. The exit status is non-zero
if any run failed.

With --repeat N the run is repeated N times; --repeat 0 repeats until
interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVarP(&runRepeat, "repeat", "n", 1, "number of runs, 0 to repeat until interrupted")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "log to stderr instead of the log file")
}

func runRun(cmd *cobra.Command, args []string) error {
	if runRepeat < 0 {
		return printer.Error("Invalid --repeat", "--repeat must be zero or positive", nil)
	}

	dest := logToFile
	if runVerbose {
		dest = logToStderr
	}
	e, err := setup(dest)
	if err != nil {
		return err
	}
	defer e.close()

	img, err := firmware.Load(args[0])
	if err != nil {
		return printer.Error("Cannot read firmware image", err.Error(), nil)
	}

	pl, err := e.newPipeline()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			printer.Warning("interrupted, halting target\n")
			cancel()
		case <-ctx.Done():
		}
	}()

	mb := mailbox.New()
	state := runstate.New()
	sched := scheduler.New(mb, pl, state, append(e.schedulerOptions(),
		scheduler.WithNotifier(printEvent),
	)...)

	printer.Info("Image   %s\n", img.Path)
	printer.Info("SHA-256 %s\n", img.Digest)
	printer.Info("Target  %s via %s\n\n", e.cfg.Target, e.cfg.Backend)

	for i := 0; runRepeat == 0 || i < runRepeat; i++ {
		if ctx.Err() != nil {
			break
		}
		mb.Submit(mailbox.Start{Image: img.Path})
		sched.Tick(ctx)
	}

	return summarize(state.Snapshot(), ctx.Err() != nil)
}

// printEvent renders scheduler events on the terminal. It runs on the
// goroutine calling Tick.
func printEvent(ev scheduler.Event) {
	switch ev := ev.(type) {
	case scheduler.RunStartedEvent:
		printer.Step("run %s  %s\n", shortID(ev.RunID), ev.At.Format(time.TimeOnly))
	case scheduler.RunChunkEvent:
		printer.Telemetry(ev.Chunk.Text)
	case scheduler.RunFinishedEvent:
		if ev.Err == nil {
			printer.Success("ok in %s, %d chunks, %d successful runs\n",
				ev.Report.Duration.Round(time.Millisecond), len(ev.Report.Chunks), ev.Count)
			return
		}
		if errors.Is(ev.Err, pipeline.ErrCanceled) {
			printer.Warning("run canceled\n")
			return
		}
		printer.ErrorWithContext(fmt.Sprintf("Run %s failed", shortID(ev.Report.RunID)), ev.Err.Error(),
			[][2]string{{"Kind", pipeline.KindOf(ev.Err).String()}}, hints(ev.Err))
	}
}

func summarize(snap runstate.Snapshot, interrupted bool) error {
	total := snap.Succeeded + snap.Failed
	printer.Info("\n")
	switch {
	case total == 0 && interrupted:
		return printer.Error("Interrupted", "no run completed", nil)
	case snap.Failed == 0:
		printer.Success("%d/%d runs succeeded\n", snap.Succeeded, total)
		return nil
	default:
		return printer.Error(fmt.Sprintf("%d/%d runs failed", snap.Failed, total),
			fmt.Sprintf("last error: %v", snap.LastError), nil)
	}
}

// hints suggests fixes for common failure kinds.
func hints(err error) []string {
	switch pipeline.KindOf(err) {
	case pipeline.NoProbeFound:
		return []string{"Connect a debug probe and check `flashloop probes`", "Use --simulate to try without hardware"}
	case pipeline.ProbeOpen:
		return []string{"Check that openocd is installed and no other debugger holds the probe"}
	case pipeline.Attach:
		return []string{"Check --target and the SWD wiring to the board"}
	case pipeline.TelemetryAttach:
		return []string{"Make sure the firmware enables SEGGER RTT, or use --transport uart"}
	case pipeline.HaltTimeout:
		return []string{"Increase --halt-timeout"}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
