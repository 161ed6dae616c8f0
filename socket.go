package atsock

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// SocketType is the transport protocol of a socket.
type SocketType int

const (
	TCP SocketType = iota + 1
	UDP
)

func (t SocketType) String() string {
	switch t {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	}
	return "SocketType(" + strconv.Itoa(int(t)) + ")"
}

// AckPolicy describes how a module confirms a sent frame.
type AckPolicy int

const (
	// OnePhase modules report only send completion (EvSendOK/EvSendFail).
	OnePhase AckPolicy = iota
	// TwoPhase modules first report that the frame was accepted
	// (EvSendAccepted) and then its completion.
	TwoPhase
)

// SocketClass is implemented by module classes that support sockets. The
// returned commands are executed by the socket layer which also waits for
// the events set by the class URC handlers.
type SocketClass interface {
	Class
	NumSockets() int
	// MaxFrame is the largest payload accepted by a single send command.
	MaxFrame() int
	Ack() AckPolicy
	ConnectCmd(id int, typ SocketType, host string, port int) (Command, error)
	CloseCmd(id int) Command
	// SendCmd returns the command that declares a frame of n bytes. Its
	// response must complete when the module is ready for the payload.
	SendCmd(id, n int) Command
	ResolveCmd(host string) Command
	// ResolveKw is the keyword of the response line that holds the
	// resolved address.
	ResolveKw() string
}

// SocketHandler receives asynchronous socket events. Methods are called on
// the receiver goroutine so they must not execute commands. The data slice
// passed to Recv is owned by the handler.
type SocketHandler interface {
	Recv(s *Socket, data []byte)
	Closed(s *Socket)
}

// SocketState is the lifecycle state of a socket.
type SocketState string

const (
	StateClosed        SocketState = "closed"
	StateConnecting    SocketState = "connecting"
	StateOpen          SocketState = "open"
	StateClosing       SocketState = "closing"
	StateConnectFailed SocketState = "connect_failed"
)

func newSocketFSM(log *zap.Logger) *fsm.FSM {
	closed, connecting := string(StateClosed), string(StateConnecting)
	open, closing := string(StateOpen), string(StateClosing)
	failed := string(StateConnectFailed)
	return fsm.NewFSM(closed,
		fsm.Events{
			{Name: "connect", Src: []string{closed}, Dst: connecting},
			{Name: "established", Src: []string{connecting}, Dst: open},
			{Name: "fail", Src: []string{connecting}, Dst: failed},
			{Name: "reset", Src: []string{failed}, Dst: closed},
			{Name: "close", Src: []string{open}, Dst: closing},
			{Name: "reopen", Src: []string{closing}, Dst: open},
			{Name: "closed", Src: []string{open, closing}, Dst: closed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug("socket state", zap.String("event", e.Event),
					zap.String("from", e.Src), zap.String("to", e.Dst))
			},
		},
	)
}

// Socket is a slot of the device socket table. Its identity is reused
// across connect/close cycles.
type Socket struct {
	id  int
	d   *Device
	cls SocketClass
	log *zap.Logger

	mu      sync.Mutex
	fsm     *fsm.FSM
	handler SocketHandler
	typ     SocketType
	remote  string
}

// ID returns the module socket id.
func (s *Socket) ID() int { return s.id }

// Device returns the device that owns the socket.
func (s *Socket) Device() *Device { return s.d }

// State returns the current lifecycle state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SocketState(s.fsm.Current())
}

// Type returns the protocol of the last successful connect.
func (s *Socket) Type() SocketType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typ
}

// RemoteAddr returns "host:port" of the last successful connect.
func (s *Socket) RemoteAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// SetHandler sets the receiver of inbound data and remote close events.
func (s *Socket) SetHandler(h SocketHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// event must be called with s.mu held.
func (s *Socket) event(name string) error {
	return s.fsm.Event(context.Background(), name)
}

func (s *Socket) errorf(op string, err error) error {
	return &Error{s.d.name, op + " " + strconv.Itoa(s.id), err}
}

// Connect connects the socket to host:port. Only client connections are
// supported. If the first attempt fails the slot may still be open on the
// module side after an unclean session, so Connect closes it and retries
// exactly once.
func (s *Socket) Connect(typ SocketType, host string, port int) error {
	if host == "" || port < 0 || port > 65535 || (typ != TCP && typ != UDP) {
		return s.errorf("connect", ErrInvalidArg)
	}
	s.mu.Lock()
	err := s.event("connect")
	s.mu.Unlock()
	if err != nil {
		return s.errorf("connect", ErrSocketBusy)
	}
	d := s.d
	d.events.Clear(s.id, ^uint32(0))
	c, err := s.cls.ConnectCmd(s.id, typ, host, port)
	if err == nil {
		if c.Timeout == 0 {
			c.Timeout = d.cfg.ConnectTimeout
		}
		for retried := false; ; retried = true {
			if _, err = d.Run(c); err == nil || retried || errors.Is(err, ErrTransport) {
				break
			}
			s.log.Debug("connect failed, closing stale socket and retrying", zap.Error(err))
			if _, cerr := d.Run(s.closeCmd()); cerr != nil {
				s.log.Debug("close before retry failed", zap.Error(cerr))
				break
			}
		}
	} else {
		err = s.errorf("connect", err)
	}
	s.mu.Lock()
	if err != nil {
		s.event("fail")
		s.event("reset")
	} else {
		s.event("established")
		s.typ = typ
		s.remote = net.JoinHostPort(host, strconv.Itoa(port))
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("connect failed", zap.String("host", host), zap.Int("port", port), zap.Error(err))
	}
	return err
}

func (s *Socket) closeCmd() Command {
	c := s.cls.CloseCmd(s.id)
	if c.Timeout == 0 {
		c.Timeout = s.d.cfg.CloseTimeout
	}
	return c
}

// Send sends p splitting it into frames of at most MaxFrame bytes. Every
// frame is confirmed by the module before the next one is sent. Send
// returns the number of confirmed bytes. A failed frame aborts the
// remaining ones.
func (s *Socket) Send(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.State() != StateOpen {
		return 0, s.errorf("send", ErrNotConnected)
	}
	d := s.d
	d.sendx.Lock()
	defer d.sendx.Unlock()
	d.sending.Store(int32(s.id))
	defer d.sending.Store(-1)

	const mask = EvSendAccepted | EvSendOK | EvSendFail
	sent := 0
	for sent < len(p) {
		m := min(len(p)-sent, s.cls.MaxFrame())
		d.events.Clear(s.id, mask)
		d.cmdx.Lock()
		_, err := d.unsafeRun(s.cls.SendCmd(s.id, m))
		if err == nil {
			_, err = d.UnsafeWrite(p[sent : sent+m])
		}
		d.cmdx.Unlock()
		if err != nil {
			return sent, err
		}
		if s.cls.Ack() == TwoPhase {
			if _, err := d.events.Wait(s.id, EvSendAccepted, d.cfg.AcceptTimeout); err != nil {
				s.log.Error("send failed, wait accept timeout", zap.Int("size", m))
				return sent, s.errorf("send", err)
			}
		}
		ev, err := d.events.Wait(s.id, EvSendOK|EvSendFail, d.cfg.SendTimeout)
		if err != nil {
			s.log.Error("send failed, wait OK|FAIL timeout", zap.Int("size", m))
			return sent, s.errorf("send", err)
		}
		if ev&EvSendFail != 0 {
			s.log.Error("send failed", zap.Int("size", m))
			return sent, s.errorf("send", ErrSendFail)
		}
		sent += m
	}
	return sent, nil
}

// Close closes the socket and releases its slot. Closing a socket that is
// already closed (by a previous Close or by the remote side) issues no
// command and returns nil. Only the holder of the socket returned by
// SocketTable.Alloc may call Close. A remote close does not release the
// slot, so the holder must still call it.
func (s *Socket) Close() error {
	s.mu.Lock()
	switch SocketState(s.fsm.Current()) {
	case StateClosed:
		s.mu.Unlock()
		s.d.socks.release(s.id)
		return nil
	case StateOpen:
		s.event("close")
	default:
		s.mu.Unlock()
		return s.errorf("close", ErrSocketBusy)
	}
	s.mu.Unlock()
	_, err := s.d.Run(s.closeCmd())
	s.mu.Lock()
	if err != nil {
		s.event("reopen")
	} else {
		s.event("closed")
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.d.events.Clear(s.id, ^uint32(0))
	s.d.socks.release(s.id)
	return nil
}

// remoteClosed handles a close notification. It is ignored unless the
// socket is open: during Close and Connect the notification is the echo
// of our own close command.
func (s *Socket) remoteClosed() {
	s.mu.Lock()
	if SocketState(s.fsm.Current()) != StateOpen {
		s.mu.Unlock()
		return
	}
	s.event("closed")
	h := s.handler
	s.mu.Unlock()
	s.d.events.Set(s.id, EvCloseOK)
	s.log.Info("socket closed by remote")
	if h != nil {
		h.Closed(s)
	}
}

func (s *Socket) deliver(data []byte) {
	s.mu.Lock()
	h := s.handler
	open := SocketState(s.fsm.Current()) == StateOpen
	s.mu.Unlock()
	if !open || h == nil {
		s.log.Debug("inbound data dropped", zap.Int("size", len(data)), zap.Bool("open", open))
		return
	}
	s.d.events.Set(s.id, EvRecvOK)
	h.Recv(s, data)
}

// SocketTable is the fixed size socket table of a device.
type SocketTable struct {
	mu    sync.Mutex
	socks []*Socket
	used  []bool
}

func newSocketTable(d *Device, cls SocketClass) *SocketTable {
	n := cls.NumSockets()
	t := &SocketTable{socks: make([]*Socket, n), used: make([]bool, n)}
	for i := range t.socks {
		log := d.log.With(zap.Int("socket", i))
		t.socks[i] = &Socket{id: i, d: d, cls: cls, log: log, fsm: newSocketFSM(log)}
	}
	return t
}

// Len returns the table size.
func (t *SocketTable) Len() int { return len(t.socks) }

// Get returns the socket with the given id or nil if id is out of range.
// The returned socket may be inspected but not closed unless the caller
// obtained it from Alloc.
func (t *SocketTable) Get(id int) *Socket {
	if uint(id) >= uint(len(t.socks)) {
		return nil
	}
	return t.socks[id]
}

// Alloc reserves a free socket. The socket is released by its Close method.
func (t *SocketTable) Alloc() (*Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, used := range t.used {
		if !used && t.socks[i].State() == StateClosed {
			t.used[i] = true
			return t.socks[i], nil
		}
	}
	return nil, ErrResourceExhausted
}

func (t *SocketTable) release(id int) {
	t.mu.Lock()
	t.used[id] = false
	t.mu.Unlock()
}

// SendingSocket returns the id of the socket that is sending data or -1.
// Module classes use it to route send completion URCs that carry no socket
// id.
func (d *Device) SendingSocket() int {
	return int(d.sending.Load())
}

// ReceivePayload reads an n byte payload announced by an inbound data URC
// and delivers it to the handler of socket id. If the payload can not be
// delivered it is still drained so the stream stays in sync. It must be
// called only from a URC handler.
func (d *Device) ReceivePayload(id, n int) error {
	if n <= 0 {
		return &Error{d.name, "recv", ErrParse}
	}
	timeout := d.cfg.RecvTimeout
	var s *Socket
	if d.socks != nil {
		s = d.socks.Get(id)
	}
	if s == nil || n > d.cfg.MaxRecvSize {
		err := ErrUnkConn
		if s != nil {
			err = ErrResourceExhausted
		}
		d.log.Warn("inbound data discarded", zap.Int("socket", id), zap.Int("size", n), zap.Error(err))
		if _, derr := d.in.discard(n, timeout); derr != nil {
			return &Error{d.name, "recv", derr}
		}
		return &Error{d.name, "recv", err}
	}
	buf := make([]byte, n)
	if k, err := d.in.readFull(buf, timeout); err != nil {
		s.log.Error("inbound data read failed", zap.Int("size", n), zap.Int("read", k), zap.Error(err))
		return &Error{d.name, "recv", err}
	}
	s.deliver(buf)
	return nil
}

// RemoteClosed reports that the module closed socket id.
func (d *Device) RemoteClosed(id int) {
	if d.socks == nil {
		return
	}
	if s := d.socks.Get(id); s != nil {
		s.remoteClosed()
	}
}
