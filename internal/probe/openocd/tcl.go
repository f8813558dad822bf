package openocd

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// terminator ends every TCL-RPC request and response.
const terminator = '\x1a'

// TCL is a client for OpenOCD's TCL-RPC server.
type TCL struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
	// broken is set once a request fails mid-flight. The connection is
	// closed then, since a late reply would answer the next request.
	broken error
	closed bool
}

// DialTCL connects to the TCL-RPC server at addr, retrying until ctx is done.
// OpenOCD needs a moment after launch before the port accepts connections.
func DialTCL(ctx context.Context, addr string) (*TCL, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return &TCL{conn: conn, r: bufio.NewReader(conn)}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connecting to openocd at %s: %w", addr, err)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Raw sends one script and returns OpenOCD's reply verbatim.
func (t *TCL) Raw(ctx context.Context, script string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken != nil {
		return "", t.broken
	}

	if dl, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(dl)
	} else {
		t.conn.SetDeadline(time.Time{})
	}

	if _, err := t.conn.Write(append([]byte(script), terminator)); err != nil {
		return "", t.fail(fmt.Errorf("tcl write: %w", err))
	}
	reply, err := t.r.ReadString(terminator)
	if err != nil {
		return "", t.fail(fmt.Errorf("tcl read: %w", err))
	}
	return strings.TrimSuffix(reply, string(terminator)), nil
}

// fail marks the connection unusable and closes it. t.mu must be held.
func (t *TCL) fail(err error) error {
	t.broken = fmt.Errorf("openocd connection lost: %w", err)
	if !t.closed {
		t.closed = true
		t.conn.Close()
	}
	return err
}

// Exec runs cmd inside catch so that OpenOCD errors come back as Go errors.
func (t *TCL) Exec(ctx context.Context, cmd string) (string, error) {
	reply, err := t.Raw(ctx, wrapCatch(cmd))
	if err != nil {
		return "", err
	}
	return parseCatch(cmd, reply)
}

// Close closes the connection. It is safe to call more than once.
func (t *TCL) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func wrapCatch(cmd string) string {
	return fmt.Sprintf("set _flrc [catch {%s} _flres]; format {%%d %%s} $_flrc $_flres", cmd)
}

func parseCatch(cmd, reply string) (string, error) {
	code, rest, _ := strings.Cut(reply, " ")
	rc, err := strconv.Atoi(code)
	if err != nil {
		return "", fmt.Errorf("openocd %q: unexpected reply %q", cmd, reply)
	}
	if rc != 0 {
		return "", &CommandError{Cmd: cmd, Msg: strings.TrimSpace(rest)}
	}
	return strings.TrimSpace(rest), nil
}

// CommandError is an error raised by OpenOCD while executing a command.
type CommandError struct {
	Cmd string
	Msg string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("openocd %q: %s", e.Cmd, e.Msg)
}

// quote brace-quotes a value for a TCL command line.
func quote(s string) string {
	return "{" + strings.NewReplacer("{", `\{`, "}", `\}`).Replace(s) + "}"
}
