// Package serial carries target telemetry over the probe's UART bridge for
// boards that do not expose an RTT control block.
package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/buckleypaul/flashloop/internal/probe"
)

// Port is the part of serial.Port the monitor uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// OpenFunc opens a port by name.
type OpenFunc func(name string, mode *serial.Mode) (Port, error)

func openPort(name string, mode *serial.Mode) (Port, error) {
	return serial.Open(name, mode)
}

const (
	readTimeout = 100 * time.Millisecond
	// bufferLimit caps unread bytes between two capture iterations.
	bufferLimit = 64 * 1024
)

// Monitor manages a serial port connection and buffers what it receives
// until the pipeline reads it.
type Monitor struct {
	port     Port
	portName string
	baudRate int

	mu      sync.Mutex
	buf     bytes.Buffer
	dropped int
	readErr error
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// Connect opens portName at baudRate, 8N1, and starts the read loop.
func Connect(open OpenFunc, portName string, baudRate int) (*Monitor, error) {
	if open == nil {
		open = openPort
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := open(portName, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, err
	}

	m := &Monitor{
		port:     port,
		portName: portName,
		baudRate: baudRate,
		running:  true,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go m.readLoop()
	return m, nil
}

// Read drains buffered bytes into p. It never waits for new data. A read
// loop failure is reported once the buffer is empty.
func (m *Monitor) Read(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buf.Len() > 0 {
		return m.buf.Read(p)
	}
	if m.readErr != nil {
		return 0, m.readErr
	}
	return 0, nil
}

// Dropped reports how many bytes were discarded because the buffer was full.
func (m *Monitor) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Connected returns whether the monitor is connected.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Close stops the read loop and closes the port.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.done)
	m.mu.Unlock()

	err := m.port.Close()
	<-m.stopped
	return err
}

func (m *Monitor) readLoop() {
	defer close(m.stopped)
	buf := make([]byte, 1024)
	for {
		select {
		case <-m.done:
			return
		default:
		}

		n, err := m.port.Read(buf)
		m.mu.Lock()
		if n > 0 {
			room := bufferLimit - m.buf.Len()
			if n > room {
				m.dropped += n - room
				n = room
			}
			m.buf.Write(buf[:n])
		}
		if err != nil {
			select {
			case <-m.done:
			default:
				m.readErr = fmt.Errorf("%s: %w", m.portName, err)
			}
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
	}
}

// Telemetry exposes a Monitor as up-channel 0.
type Telemetry struct {
	mon *Monitor
}

func (t *Telemetry) UpChannel(n int) (probe.UpChannel, bool) {
	if n != 0 {
		return nil, false
	}
	return t.mon, true
}

// Close releases the port.
func (t *Telemetry) Close() error {
	return t.mon.Close()
}

// Opener returns a telemetry opener that reads the probe's UART bridge
// instead of RTT. The core is not used.
func Opener(open OpenFunc, baudRate int) func(ctx context.Context, info probe.Info, core probe.Core) (probe.Telemetry, error) {
	return func(ctx context.Context, info probe.Info, _ probe.Core) (probe.Telemetry, error) {
		if info.Port == "" {
			return nil, errors.New("probe has no UART port")
		}
		mon, err := Connect(open, info.Port, baudRate)
		if err != nil {
			return nil, err
		}
		return &Telemetry{mon: mon}, nil
	}
}
