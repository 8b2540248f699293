package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

// ErrPortClosed is returned by ScriptedPort once it has been closed.
var ErrPortClosed = errors.New("serial port closed")

// Responder produces the lines a device would answer to a command. The
// command has its trailing newline removed. Returned lines are written
// back to the reader with a CRLF terminator.
type Responder func(command string) []string

// ScriptedPort implements SerialPorter for tests. Reads block until data
// is fed or the port is closed; writes are recorded and optionally
// answered by a Responder.
type ScriptedPort struct {
	mu       sync.Mutex
	cond     *sync.Cond
	readBuf  bytes.Buffer
	commands []string
	respond  Responder
	writeErr error
	closed   bool
	closeErr error
}

// NewScriptedPort creates a ScriptedPort that answers writes with respond.
// respond may be nil for a port that only records writes.
func NewScriptedPort(respond Responder) *ScriptedPort {
	p := &ScriptedPort{respond: respond}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// NewMockSerialMux creates a SerialMux backed by a ScriptedPort.
func NewMockSerialMux(respond Responder) (*SerialMux[*ScriptedPort], *ScriptedPort) {
	port := NewScriptedPort(respond)
	return NewSerialMux(port), port
}

func (p *ScriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readBuf.Len() == 0 {
		p.cond.Wait()
	}
	if p.closed {
		return 0, ErrPortClosed
	}
	return p.readBuf.Read(b)
}

func (p *ScriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.writeErr = nil
		p.mu.Unlock()
		return 0, err
	}
	respond := p.respond
	cmds := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	p.commands = append(p.commands, cmds...)
	p.mu.Unlock()

	if respond != nil {
		for _, cmd := range cmds {
			for _, line := range respond(cmd) {
				p.Feed(line + "\r\n")
			}
		}
	}
	return len(b), nil
}

func (p *ScriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return p.closeErr
}

// Feed queues raw data for subsequent reads.
func (p *ScriptedPort) Feed(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.WriteString(data)
	p.cond.Broadcast()
}

// FailNextWrite makes the next Write return err.
func (p *ScriptedPort) FailNextWrite(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Commands returns every command written so far, without newlines.
func (p *ScriptedPort) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

// Closed reports whether Close has been called.
func (p *ScriptedPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
