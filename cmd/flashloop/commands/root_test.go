package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buckleypaul/flashloop/internal/printer"
	"github.com/buckleypaul/flashloop/internal/store"
)

// execute runs the CLI with args and returns what the printer wrote.
// Flags are reset first because the command tree is package state.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	reset := func(fs *pflag.FlagSet) {
		fs.VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}
	reset(rootCmd.PersistentFlags())
	reset(runCmd.Flags())
	reset(probesCmd.Flags())

	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	prevOut, prevErr := printer.Out, printer.Err
	printer.Out, printer.Err = out, errOut
	t.Cleanup(func() { printer.Out, printer.Err = prevOut, prevErr })

	rootCmd.SetArgs(args)
	err := Execute()
	return out.String(), errOut.String(), err
}

func simWorkspace(t *testing.T) string {
	t.Helper()
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".flashloop"), 0o755))
	return ws
}

// elfImage returns a path to an ELF executable the simulator accepts.
func elfImage(t *testing.T) string {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("needs an ELF test binary")
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

func TestRunSimulatedRecordsHistory(t *testing.T) {
	ws := simWorkspace(t)
	image := elfImage(t)

	out, _, err := execute(t, "run", image,
		"--simulate", "--workspace", ws,
		"--iterations", "4", "--interval", "1ms", "--repeat", "2")
	require.NoError(t, err)

	assert.Contains(t, out, "heartbeat 1")
	assert.Contains(t, out, "2/2 runs succeeded")

	runs, err := store.New(filepath.Join(ws, ".flashloop")).Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].Success)
	assert.Equal(t, image, runs[0].Image)
}

func TestRunRejectsNonELFImage(t *testing.T) {
	ws := simWorkspace(t)
	image := filepath.Join(ws, "firmware.bin")
	require.NoError(t, os.WriteFile(image, []byte{0xde, 0xad, 0xbe, 0xef}, 0o644))

	_, errOut, err := execute(t, "run", image,
		"--simulate", "--workspace", ws, "--no-history",
		"--iterations", "1", "--interval", "1ms")
	require.Error(t, err)

	assert.Contains(t, err.Error(), "1/1 runs failed")
	assert.Contains(t, errOut, "FlashError")
	_, statErr := os.Stat(filepath.Join(ws, ".flashloop", "history"))
	assert.True(t, os.IsNotExist(statErr), "history must not be written with --no-history")
}

func TestRunMissingImage(t *testing.T) {
	ws := simWorkspace(t)

	_, _, err := execute(t, "run", filepath.Join(ws, "missing.elf"), "--simulate", "--workspace", ws)
	require.EqualError(t, err, "Cannot read firmware image")
}

func TestRunUnknownBackend(t *testing.T) {
	ws := simWorkspace(t)

	_, errOut, err := execute(t, "run", "x.elf", "--backend", "jtagulator", "--workspace", ws)
	require.EqualError(t, err, "Invalid configuration")
	assert.Contains(t, errOut, "jtagulator")
}

func TestProbesSimulated(t *testing.T) {
	ws := simWorkspace(t)

	out, _, err := execute(t, "probes", "--simulate", "--workspace", ws)
	require.NoError(t, err)
	assert.Contains(t, out, "Simulated CMSIS-DAP")
	assert.Contains(t, out, "✓")

	snaps, err := store.New(filepath.Join(ws, ".flashloop")).ProbeSnapshots()
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestProbesWarnsOnUnmatchedSerial(t *testing.T) {
	ws := simWorkspace(t)

	out, _, err := execute(t, "probes", "--simulate", "--workspace", ws, "--probe-serial", "NOPE")
	require.NoError(t, err)
	assert.Contains(t, out, `no probe with serial "NOPE"`)
}

func TestVersion(t *testing.T) {
	SetVersionInfo("1.2.3", "abc", "today")

	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "flashloop 1.2.3 (commit: abc, built: today)\n", out)
}

func TestRootRejectsUnknownFlags(t *testing.T) {
	_, _, err := execute(t, "--unknown-flag", "value")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}
