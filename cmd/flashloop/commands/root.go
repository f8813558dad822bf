package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// v holds flag and environment overrides. Keys are the config file's JSON
// field names, so FLASHLOOP_PROBE_SERIAL and --probe-serial both land on
// probe_serial.
var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "flashloop",
	Short: "Flash firmware to a debug probe and watch its telemetry",
	Long: `flashloop flashes a firmware image to a target through a debug probe,
resets and runs it, and captures the target's RTT (or UART) telemetry for a
bounded window before halting it again.

Without a subcommand the interactive terminal UI is started.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUI(cmd, args)
	},
}

// Execute runs the root command. Errors are printed by the printer package.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI.
func SetVersionInfo(ver, c, d string) {
	version = ver
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", ver, c, d)
}

// overrideFlags maps persistent flags onto config keys.
var overrideFlags = map[string]string{
	"target":       "target",
	"probe-serial": "probe_serial",
	"probe-index":  "probe_index",
	"backend":      "backend",
	"transport":    "telemetry_transport",
	"baud":         "uart_baud_rate",
	"iterations":   "capture_iterations",
	"interval":     "capture_interval",
	"halt-timeout": "halt_timeout",
	"log-level":    "log_level",
	"log-file":     "log_file",
	"no-history":   "disable_history",
	"simulate":     "simulate",
	"workspace":    "workspace",
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String("target", "", "target chip identifier, e.g. rp2040")
	f.String("probe-serial", "", "select the probe with this serial number")
	f.Int("probe-index", 0, "select the probe at this enumeration index")
	f.String("backend", "", "probe backend: openocd or sim")
	f.String("transport", "", "telemetry transport: rtt or uart")
	f.Int("baud", 0, "UART baud rate for the uart transport")
	f.Int("iterations", 0, "telemetry polls per run")
	f.Duration("interval", 0, "wait between telemetry polls")
	f.Duration("halt-timeout", 0, "how long to wait for the core to halt")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("log-file", "", "log file (default .flashloop/flashloop.log)")
	f.Bool("no-history", false, "do not record runs under .flashloop/history")
	f.Bool("simulate", false, "use the simulated probe and target")
	f.String("workspace", "", "project directory (default: detected from the current directory)")

	for flag, key := range overrideFlags {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	v.SetEnvPrefix("FLASHLOOP")
	v.AutomaticEnv()

	rootCmd.AddCommand(uiCmd, runCmd, probesCmd, versionCmd)
}
