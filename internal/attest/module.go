// Package attest provides a scripted fake AT module for tests. The module
// reads command lines written by the device under test and answers them
// using handlers selected by command prefix.
package attest

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// Handler answers a command line (without CRLF).
type Handler func(m *Module, cmd string)

type rule struct {
	prefix string
	fn     Handler
}

// Module is a fake AT module connected to a device by two pipes.
type Module struct {
	toDev   *io.PipeReader
	out     *io.PipeWriter
	fromDev *io.PipeWriter
	in      *io.PipeReader

	mu       sync.Mutex
	rules    []rule
	cmds     []string
	payloads [][]byte
	pending  int
	payload  func(m *Module, data []byte)
	done     chan struct{}
}

// New starts a fake module. Commands without a handler are answered with
// OK.
func New() *Module {
	m := &Module{done: make(chan struct{})}
	m.toDev, m.out = io.Pipe()
	m.in, m.fromDev = io.Pipe()
	go m.loop()
	return m
}

// Reader returns the module output, to be read by the device.
func (m *Module) Reader() io.Reader { return m.toDev }

// Writer returns the module input, to be written by the device.
func (m *Module) Writer() io.Writer { return m.fromDev }

// On registers fn for commands that start with prefix. Handlers are tested
// in registration order.
func (m *Module) On(prefix string, fn Handler) {
	m.mu.Lock()
	m.rules = append(m.rules, rule{prefix, fn})
	m.mu.Unlock()
}

// OnPayload sets the function called with every raw payload.
func (m *Module) OnPayload(fn func(m *Module, data []byte)) {
	m.mu.Lock()
	m.payload = fn
	m.mu.Unlock()
}

// ExpectPayload tells the module that the current command is followed by n
// raw bytes. It may be called only by a Handler.
func (m *Module) ExpectPayload(n int) {
	m.mu.Lock()
	m.pending = n
	m.mu.Unlock()
}

// Send writes s to the device.
func (m *Module) Send(s string) {
	m.out.Write([]byte(s))
}

// Reply sends every line followed by CRLF.
func (m *Module) Reply(lines ...string) {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteString("\r\n")
	}
	m.Send(sb.String())
}

// Commands returns the received command lines.
func (m *Module) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cmds...)
}

// Count returns the number of received commands that start with prefix.
func (m *Module) Count(prefix string) int {
	n := 0
	for _, c := range m.Commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Payloads returns the received raw payloads.
func (m *Module) Payloads() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.payloads...)
}

// Close disconnects the module. Pending device reads return io.EOF.
func (m *Module) Close() {
	m.out.Close()
	m.in.Close()
	<-m.done
}

func (m *Module) handler(cmd string) Handler {
	for _, r := range m.rules {
		if strings.HasPrefix(cmd, r.prefix) {
			return r.fn
		}
	}
	return func(m *Module, _ string) { m.Reply("OK") }
}

func (m *Module) loop() {
	defer close(m.done)
	r := bufio.NewReader(m.in)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		m.mu.Lock()
		m.cmds = append(m.cmds, cmd)
		fn := m.handler(cmd)
		m.mu.Unlock()

		fn(m, cmd)

		m.mu.Lock()
		n := m.pending
		m.pending = 0
		m.mu.Unlock()
		if n <= 0 {
			continue
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		m.mu.Lock()
		m.payloads = append(m.payloads, buf)
		pf := m.payload
		m.mu.Unlock()
		if pf != nil {
			pf(m, buf)
		}
	}
}
