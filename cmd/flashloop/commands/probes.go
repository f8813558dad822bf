package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/buckleypaul/flashloop/internal/config"
	"github.com/buckleypaul/flashloop/internal/printer"
	"github.com/buckleypaul/flashloop/internal/probe"
	"github.com/buckleypaul/flashloop/internal/serial"
	"github.com/buckleypaul/flashloop/internal/store"
	"github.com/buckleypaul/flashloop/internal/workspace"
)

var probesPorts bool

var probesCmd = &cobra.Command{
	Use:   "probes",
	Short: "List attached debug probes and show which one runs will use",
	Long: `List attached debug probes and mark the one selected by probe_serial or
probe_index. With --ports, or when the uart transport is configured, all
serial ports are listed too.`,
	Args: cobra.NoArgs,
	RunE: runProbes,
}

func init() {
	probesCmd.Flags().BoolVar(&probesPorts, "ports", false, "also list serial ports")
}

func runProbes(cmd *cobra.Command, args []string) error {
	e, err := setup(logToFile)
	if err != nil {
		return err
	}
	defer e.close()

	if e.cfg.Backend != config.BackendSim {
		h := workspace.CheckHealth(e.cfg.OpenOCDPath)
		if h.OpenOCDFound {
			printer.Info("openocd: %s\n", h.OpenOCDPath)
		} else {
			printer.Warning("%s not found on PATH; probes can be listed but not opened\n", e.cfg.OpenOCDPath)
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	probes, listErr := e.backend.List(ctx)

	if e.store != nil {
		snap := store.ProbeSnapshot{Timestamp: time.Now()}
		for _, p := range probes {
			snap.Probes = append(snap.Probes, p.String())
		}
		if listErr != nil {
			snap.Error = listErr.Error()
		}
		if err := e.store.AddProbeSnapshot(snap); err != nil {
			e.log.Warnw("recording probe snapshot failed", "err", err)
		}
	}

	if listErr != nil {
		return printer.Error("Probe enumeration failed", listErr.Error(), nil)
	}
	if len(probes) == 0 {
		return printer.Error("No debug probes found", "",
			[]string{"Connect a CMSIS-DAP, ST-LINK or J-Link probe", "Use --simulate to try without hardware"})
	}

	selected, selErr := probe.Select(probes, e.cfg.ProbeSerial, e.cfg.ProbeIndex)
	for _, p := range probes {
		line := p.String()
		if p.VID != "" {
			line += "  " + p.VID + ":" + p.PID
		}
		if p.Port != "" {
			line += "  " + p.Port
		}
		if selErr == nil && p.Index == selected.Index && p.Serial == selected.Serial {
			printer.Success("%s\n", line)
		} else {
			printer.Info("  %s\n", line)
		}
	}
	if selErr != nil {
		printer.Warning("%v\n", selErr)
	}

	if probesPorts || e.cfg.TelemetryTransport == config.TransportUART {
		printPorts()
	}
	return nil
}

func printPorts() {
	ports, err := serial.ListPorts()
	if err != nil {
		printer.Warning("listing serial ports: %v\n", err)
		return
	}
	printer.Info("\nSerial ports:\n")
	if len(ports) == 0 {
		printer.Info("  (none)\n")
	}
	for _, p := range ports {
		line := p.Name
		if p.IsUSB {
			line += fmt.Sprintf("  %s:%s", p.VID, p.PID)
			if p.Product != "" {
				line += "  " + p.Product
			}
			if p.SerialNumber != "" {
				line += "  (" + p.SerialNumber + ")"
			}
		}
		printer.Info("  %s\n", line)
	}
}
