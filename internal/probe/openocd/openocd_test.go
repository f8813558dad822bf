package openocd

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"

	"github.com/buckleypaul/flashloop/internal/probe"
)

// fakeOpenOCD answers TCL-RPC requests. Commands are unwrapped from the
// catch wrapper and passed to handle, which returns (result, error message).
type fakeOpenOCD struct {
	ln     net.Listener
	handle func(cmd string) (string, string)

	mu   sync.Mutex
	cmds []string
}

func newFakeOpenOCD(t *testing.T, handle func(cmd string) (string, string)) *fakeOpenOCD {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeOpenOCD{ln: ln, handle: handle}
	t.Cleanup(func() { ln.Close() })
	go f.serve()
	return f
}

func (f *fakeOpenOCD) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			r := bufio.NewReader(conn)
			for {
				req, err := r.ReadString(terminator)
				if err != nil {
					return
				}
				req = strings.TrimSuffix(req, string(terminator))
				cmd := unwrapCatch(req)
				f.mu.Lock()
				f.cmds = append(f.cmds, cmd)
				f.mu.Unlock()

				res, msg := f.handle(cmd)
				reply := "0 " + res
				if msg != "" {
					reply = "1 " + msg
				}
				if cmd == req {
					reply = res
				}
				conn.Write(append([]byte(reply), terminator))
			}
		}()
	}
}

func (f *fakeOpenOCD) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

func unwrapCatch(req string) string {
	const prefix = "set _flrc [catch {"
	if !strings.HasPrefix(req, prefix) {
		return req
	}
	rest := strings.TrimPrefix(req, prefix)
	end := strings.LastIndex(rest, "} _flres]")
	return rest[:end]
}

func dial(t *testing.T, f *fakeOpenOCD) *TCL {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tcl, err := DialTCL(ctx, f.ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { tcl.Close() })
	return tcl
}

func TestParseCatch(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    string
		wantErr string
	}{
		{name: "ok", reply: "0 rp2040.core0 rp2040.core1", want: "rp2040.core0 rp2040.core1"},
		{name: "ok empty", reply: "0 ", want: ""},
		{name: "command error", reply: "1 Target not examined yet", wantErr: "Target not examined yet"},
		{name: "garbage", reply: "hello", wantErr: "unexpected reply"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCatch("cmd", tt.reply)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "{/tmp/fw.elf}", quote("/tmp/fw.elf"))
	assert.Equal(t, `{a\{b\}c}`, quote("a{b}c"))
}

func TestEnumerate(t *testing.T) {
	lister := func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyACM1", IsUSB: true, VID: "2E8A", PID: "000C", SerialNumber: "E6614C"},
			{Name: "/dev/ttyACM0", IsUSB: true, VID: "0483", PID: "374E", SerialNumber: "0017"},
			// Second interface of the same probe.
			{Name: "/dev/ttyACM2", IsUSB: true, VID: "2e8a", PID: "000c", SerialNumber: "E6614C"},
			{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10c4", PID: "ea60", SerialNumber: "X"},
			{Name: "/dev/ttyS0"},
			{Name: "/dev/ttyACM3", IsUSB: true, VID: "1366", PID: "1015", SerialNumber: "26"},
		}, nil
	}

	probes, err := enumerate(lister)
	require.NoError(t, err)
	require.Len(t, probes, 3)

	assert.Equal(t, "0017", probes[0].Serial)
	assert.Equal(t, "STLINK-V3", probes[0].Identifier)
	assert.Equal(t, "26", probes[1].Serial)
	assert.Equal(t, "SEGGER J-Link", probes[1].Identifier)
	assert.Equal(t, "E6614C", probes[2].Serial)
	assert.Equal(t, "/dev/ttyACM1", probes[2].Port)
	assert.Equal(t, "2e8a", probes[2].VID)
	for i, p := range probes {
		assert.Equal(t, i, p.Index)
	}

	assert.Equal(t, "stlink", adapterFor(probes[0], "cmsis-dap"))
	assert.Equal(t, "jlink", adapterFor(probes[1], "cmsis-dap"))
	assert.Equal(t, "ftdi", adapterFor(probe.Info{VID: "0403", PID: "6010"}, "ftdi"))
}

func TestEnumerateError(t *testing.T) {
	b := New(Options{}, nil).WithPortLister(func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("no sysfs")
	})
	_, err := b.List(context.Background())
	assert.ErrorContains(t, err, "no sysfs")
}

func TestArgs(t *testing.T) {
	p := &Probe{
		opts: Options{TCLPort: 7777}.withDefaults(),
		info: probe.Info{Serial: "E6614C", VID: "2e8a", PID: "000c"},
	}
	got := strings.Join(p.Args("rp2040"), " ")
	assert.Equal(t,
		"-f interface/cmsis-dap.cfg -c adapter serial E6614C -f target/rp2040.cfg "+
			"-c tcl_port 7777 -c gdb_port disabled -c telnet_port disabled",
		got)
}

func TestAttachRejectsEraseAll(t *testing.T) {
	p := &Probe{opts: Options{}.withDefaults()}
	_, err := p.Attach(context.Background(), "rp2040", probe.PermissionsEraseAll)
	assert.ErrorContains(t, err, "erase-all")
}

func TestSessionCommands(t *testing.T) {
	f := newFakeOpenOCD(t, func(cmd string) (string, string) {
		switch {
		case cmd == "target names":
			return "rp2040.core0 rp2040.core1", ""
		case strings.HasSuffix(cmd, "curstate"):
			return "halted", ""
		}
		return "", ""
	})
	s := NewSession(dial(t, f), "rp2040", Options{})
	ctx := context.Background()

	assert.Equal(t, "rp2040", s.Target())
	require.NoError(t, s.Download(ctx, "/tmp/fw.elf", probe.FormatELF))
	assert.Error(t, s.Download(ctx, "/tmp/fw.bin", probe.FormatBin))

	core, err := s.Core(1)
	require.NoError(t, err)
	require.NoError(t, core.Reset(ctx))
	require.NoError(t, core.Run(ctx))
	require.NoError(t, core.Halt(ctx, 500*time.Millisecond))

	_, err = s.Core(2)
	assert.ErrorContains(t, err, "core 2")

	assert.Equal(t, []string{
		"program {/tmp/fw.elf} verify",
		"target names",
		"targets rp2040.core1",
		"reset halt",
		"resume",
		"halt 500",
		"rp2040.core1 curstate",
		"target names",
	}, f.commands())
}

func TestDownloadFailure(t *testing.T) {
	f := newFakeOpenOCD(t, func(cmd string) (string, string) {
		return "", "** Programming Failed **"
	})
	s := NewSession(dial(t, f), "rp2040", Options{})

	err := s.Download(context.Background(), "/tmp/fw.elf", probe.FormatELF)
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "** Programming Failed **", ce.Msg)
}

func TestHaltTimeout(t *testing.T) {
	tests := []struct {
		name   string
		handle func(cmd string) (string, string)
	}{
		{
			name: "halt reports timeout",
			handle: func(cmd string) (string, string) {
				if strings.HasPrefix(cmd, "halt") {
					return "", "timed out while waiting for target halted"
				}
				return "rp2040.core0", ""
			},
		},
		{
			name: "core still running",
			handle: func(cmd string) (string, string) {
				if strings.HasSuffix(cmd, "curstate") {
					return "running", ""
				}
				return "rp2040.core0", ""
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeOpenOCD(t, tt.handle)
			s := NewSession(dial(t, f), "rp2040", Options{})
			core, err := s.Core(0)
			require.NoError(t, err)

			err = core.Halt(context.Background(), 100*time.Millisecond)
			assert.ErrorIs(t, err, probe.ErrTimeout)
		})
	}
}

func TestHaltStalledBackendTimesOut(t *testing.T) {
	grace := haltReplyGrace
	haltReplyGrace = 50 * time.Millisecond
	t.Cleanup(func() { haltReplyGrace = grace })

	stall := make(chan struct{})
	t.Cleanup(func() { close(stall) })
	f := newFakeOpenOCD(t, func(cmd string) (string, string) {
		if strings.HasPrefix(cmd, "halt") {
			<-stall
			return "", ""
		}
		return "rp2040.core0", ""
	})
	s := NewSession(dial(t, f), "rp2040", Options{})
	core, err := s.Core(0)
	require.NoError(t, err)

	start := time.Now()
	err = core.Halt(context.Background(), 100*time.Millisecond)
	assert.ErrorIs(t, err, probe.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// The late halt reply must never be read as the answer to a later command.
	err = core.Reset(context.Background())
	assert.ErrorContains(t, err, "connection lost")
	require.NoError(t, s.Close())
}

func TestRTTChannel(t *testing.T) {
	rtt, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer rtt.Close()
	go func() {
		conn, err := rtt.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("hello from rtt\n"))
		time.Sleep(time.Second)
	}()
	rttPort := rtt.Addr().(*net.TCPAddr).Port

	var startCalls int
	f := newFakeOpenOCD(t, func(cmd string) (string, string) {
		switch cmd {
		case "target names":
			return "rp2040.core0", ""
		case "rtt start":
			startCalls++
			if startCalls == 1 {
				return "", "rtt: control block not found"
			}
		}
		return "", ""
	})
	s := NewSession(dial(t, f), "rp2040", Options{RTTPort: rttPort})
	core, err := s.Core(0)
	require.NoError(t, err)

	ctx := context.Background()
	tel, err := core.AttachTelemetry(ctx)
	require.NoError(t, err)

	_, ok := tel.UpChannel(1)
	assert.False(t, ok)
	ch, ok := tel.UpChannel(0)
	require.True(t, ok)

	buf := make([]byte, 1024)
	// Control block not yet found.
	n, err := ch.Read(ctx, buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Eventually(t, func() bool {
		n, err = ch.Read(ctx, buf)
		return err == nil && n > 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "hello from rtt\n", string(buf[:n]))

	cmds := f.commands()
	assert.Contains(t, cmds, "rtt setup 0x20000000 0x42000 {SEGGER RTT}")
	assert.Contains(t, cmds, "rtt server start "+strconv.Itoa(rttPort)+" 0")
}

func TestSessionCloseSendsShutdown(t *testing.T) {
	f := newFakeOpenOCD(t, func(cmd string) (string, string) { return "", "" })
	s := NewSession(dial(t, f), "rp2040", Options{})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, []string{"shutdown"}, f.commands())
}
