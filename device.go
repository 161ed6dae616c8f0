package atsock

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Class describes a family of modules. URCs returns the rules registered on
// every device of the class. A class that implements also SocketClass
// enables the socket layer.
type Class interface {
	Name() string
	URCs() []URC
}

// Device is an AT command client bound to a single serial line. Commands are
// serialized: at most one command is in flight at any time and only its
// response lines are collected. All other data is matched against the URC
// rules by a dedicated receiver goroutine.
type Device struct {
	name  string
	class Class
	cfg   Config
	log   *zap.Logger
	net   NetStatus

	w    io.Writer
	in   *stream
	urcs urcTable

	cmdx   sync.Mutex // command lock
	sendx  sync.Mutex // send lock, taken before cmdx
	cmdbuf []byte

	rmu    sync.Mutex
	active *Response

	async   chan string
	events  *Events
	socks   *SocketTable
	sending atomic.Int32
	ready   atomic.Bool
	link    atomic.Bool

	tmu   sync.Mutex
	tasks map[*Task]struct{}

	done      chan struct{}
	closeOnce sync.Once
	rxdone    chan struct{}
	rxerr     error // valid after rxdone is closed
}

// Option configures a Device.
type Option func(d *Device)

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l *zap.Logger) Option {
	return func(d *Device) { d.log = l }
}

// WithConfig sets the device configuration.
func WithConfig(c Config) Option {
	return func(d *Device) { d.cfg = c }
}

// WithNetStatus sets the receiver of link and address updates.
func WithNetStatus(ns NetStatus) Option {
	return func(d *Device) { d.net = ns }
}

// NewDevice returns a driver for the module of the given class available via
// r and w. It also starts the receiver goroutines. Close the device to stop
// them.
func NewDevice(name string, r io.Reader, w io.Writer, class Class, opts ...Option) (*Device, error) {
	d := &Device{
		name:   name,
		class:  class,
		w:      w,
		cmdbuf: make([]byte, 0, maxCmdLen),
		events: newEvents(),
		tasks:  make(map[*Task]struct{}),
		done:   make(chan struct{}),
		rxdone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.cfg.setDefaults()
	if err := d.cfg.validate(); err != nil {
		return nil, &Error{name, "config", err}
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	d.log = d.log.With(zap.String("dev", name), zap.String("class", class.Name()))
	d.async = make(chan string, d.cfg.AsyncQueue)
	if sc, ok := class.(SocketClass); ok {
		d.socks = newSocketTable(d, sc)
	}
	d.sending.Store(-1)
	d.urcs.add(class.URCs()...)
	d.in = newStream(r, d.cfg.LineBufSize, d.done)
	go receiverLoop(d)
	return d, nil
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Class returns the device class.
func (d *Device) Class() Class { return d.class }

// Config returns the device configuration with defaults applied.
func (d *Device) Config() Config { return d.cfg }

// Logger returns the device logger.
func (d *Device) Logger() *zap.Logger { return d.log }

// Events returns the socket event flags of the device.
func (d *Device) Events() *Events { return d.events }

// Sockets returns the socket table or nil if the device class does not
// support sockets.
func (d *Device) Sockets() *SocketTable { return d.socks }

// AddURCs appends rules to the URC table. Rules are tested in the order of
// registration and the first matching one wins, so more specific rules must
// be added before catch-all ones.
func (d *Device) AddURCs(rules ...URC) {
	d.urcs.add(rules...)
}

// Ready reports whether the device has been initialized.
func (d *Device) Ready() bool { return d.ready.Load() }

// SetReady sets the initialized state of the device.
func (d *Device) SetReady(ready bool) { d.ready.Store(ready) }

// Link reports the last known link state.
func (d *Device) Link() bool { return d.link.Load() }

// SetLink records the link state and passes it to the NetStatus bridge.
func (d *Device) SetLink(up bool) {
	d.link.Store(up)
	if d.net != nil {
		d.net.SetLink(d, up)
	}
}

// SetNetInfo passes info to the NetStatus bridge.
func (d *Device) SetNetInfo(info NetInfo) {
	if d.net != nil {
		d.net.SetNetInfo(d, info)
	}
}

// Async returns a channel that can be used to wait for data received while
// no command was in flight that matched no URC rule (module boot messages,
// late responses). If the async channel is full up two oldest messages are
// removed and an empty message is sent before a new one to inform about the
// channel overrun.
func (d *Device) Async() <-chan string {
	return d.async
}

// Lock locks the device. Device should be locked before use UnsafeExec,
// UnsafeWrite methods.
func (d *Device) Lock() {
	d.cmdx.Lock()
}

// Unlock unlocks the device.
func (d *Device) Unlock() {
	d.cmdx.Unlock()
}

// Exec executes an AT command and collects its response in r. Name should be
// a command name without the AT prefix (e.g. "+GMR" instead of "AT+GMR").
// Args may be of type nil (empty argument), string (quoted), Raw, int, uint
// or bool. If r is nil a response of Config.RespSize bytes and
// Config.CmdTimeout is used.
//
// Exec blocks while another command is in flight.
func (d *Device) Exec(r *Response, name string, args ...any) error {
	d.cmdx.Lock()
	defer d.cmdx.Unlock()
	return d.exec(r, name, args)
}

// UnsafeExec is like Exec but intended to be used with a locked device.
func (d *Device) UnsafeExec(r *Response, name string, args ...any) error {
	return d.exec(r, name, args)
}

// ExecLine executes a raw command line (e.g. "AT+GMR").
func (d *Device) ExecLine(r *Response, line string) error {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return &Error{d.name, line, ErrInvalidArg}
	}
	d.cmdx.Lock()
	defer d.cmdx.Unlock()
	cmd := append(append(d.cmdbuf[:0], line...), '\r', '\n')
	return d.roundTrip(r, line, cmd)
}

// Run executes c and returns its response.
func (d *Device) Run(c Command) (*Response, error) {
	d.cmdx.Lock()
	defer d.cmdx.Unlock()
	return d.unsafeRun(c)
}

func (d *Device) unsafeRun(c Command) (*Response, error) {
	size, timeout := c.Size, c.Timeout
	if size <= 0 {
		size = d.cfg.RespSize
	}
	if timeout <= 0 {
		timeout = d.cfg.CmdTimeout
	}
	r := NewResponse(size, c.Lines, timeout)
	r.EndSign = c.EndSign
	if err := d.exec(r, c.Name, c.Args); err != nil {
		return r, err
	}
	return r, nil
}

func (d *Device) exec(r *Response, name string, args []any) error {
	cmd, err := appendCmd(d.cmdbuf[:0], name, args)
	if err != nil {
		return &Error{d.name, name, err}
	}
	return d.roundTrip(r, name, cmd)
}

func (d *Device) roundTrip(r *Response, name string, cmd []byte) error {
	if r == nil {
		r = NewResponse(d.cfg.RespSize, 0, d.cfg.CmdTimeout)
	}
	if r.timeout <= 0 {
		return &Error{d.name, name, ErrInvalidArg}
	}
	select {
	case <-d.done:
		return &Error{d.name, name, ErrClosed}
	case <-d.rxdone:
		return &Error{d.name, name, d.rxerr}
	default:
	}
	r.reset()
	if r.EndSign != 0 {
		d.in.setEndSign(r.EndSign)
		defer d.in.setEndSign(0)
	}
	d.rmu.Lock()
	d.active = r
	d.rmu.Unlock()
	defer func() {
		d.rmu.Lock()
		if d.active == r {
			d.active = nil
		}
		d.rmu.Unlock()
	}()

	d.log.Debug("tx", zap.ByteString("cmd", bytes.TrimSpace(cmd)))
	if _, err := d.w.Write(cmd); err != nil {
		return &Error{d.name, name, transportErr(err)}
	}
	tim := time.NewTimer(r.timeout)
	defer tim.Stop()
	select {
	case err := <-r.done:
		if err != nil {
			d.log.Debug("command failed", zap.String("cmd", name), zap.Error(err))
			return &Error{d.name, name, err}
		}
		return nil
	case <-tim.C:
		// Detach r first: the receiver may still be appending to it.
		d.rmu.Lock()
		if d.active == r {
			d.active = nil
		}
		lines := r.Len()
		d.rmu.Unlock()
		d.log.Warn("command timeout", zap.String("cmd", name),
			zap.Duration("timeout", r.timeout), zap.Int("lines", lines))
		return &Error{d.name, name, ErrTimeout}
	case <-d.rxdone:
		return &Error{d.name, name, d.rxerr}
	case <-d.done:
		return &Error{d.name, name, ErrClosed}
	}
}

// UnsafeWrite writes raw data to the module. Device must be locked and
// the module ready for at least len(p) bytes of data.
func (d *Device) UnsafeWrite(p []byte) (int, error) {
	n, err := d.w.Write(p)
	if err != nil {
		err = &Error{d.name, "write", transportErr(err)}
	}
	return n, err
}

// UnsafeRead reads exactly len(p) raw bytes from the module. It may be
// called only from a URC handler.
func (d *Device) UnsafeRead(p []byte, timeout time.Duration) (int, error) {
	n, err := d.in.readFull(p, timeout)
	if err != nil {
		err = &Error{d.name, "read", err}
	}
	return n, err
}

// WaitConnect sends AT commands until the module answers OK or the timeout
// expires.
func (d *Device) WaitConnect(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	r := NewResponse(32, 0, 300*time.Millisecond)
	for {
		err := d.Exec(r, "")
		if err == nil {
			return nil
		}
		if !time.Now().Before(deadline) {
			return &Error{d.name, "wait connect", ErrTimeout}
		}
		select {
		case <-d.done:
			return &Error{d.name, "wait connect", ErrClosed}
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Close stops the receiver and cancels scheduled tasks. The reader passed to
// NewDevice is not closed, the pump goroutine returns after its next Read.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		d.tmu.Lock()
		for t := range d.tasks {
			t.timer.Stop()
		}
		clear(d.tasks)
		d.tmu.Unlock()
	})
	return nil
}

// Task is a function scheduled by Device.After.
type Task struct {
	d     *Device
	timer *time.Timer
}

// After schedules fn to run on its own goroutine after delay unless the
// task is stopped or the device closed before.
func (d *Device) After(delay time.Duration, fn func()) *Task {
	t := &Task{d: d}
	d.tmu.Lock()
	defer d.tmu.Unlock()
	select {
	case <-d.done:
		t.timer = time.NewTimer(0)
		t.timer.Stop()
		return t
	default:
	}
	d.tasks[t] = struct{}{}
	t.timer = time.AfterFunc(delay, func() {
		if d.forget(t) {
			fn()
		}
	})
	return t
}

func (d *Device) forget(t *Task) bool {
	d.tmu.Lock()
	_, ok := d.tasks[t]
	delete(d.tasks, t)
	d.tmu.Unlock()
	return ok
}

// Stop cancels the task. It reports whether the task was cancelled before
// it started.
func (t *Task) Stop() bool {
	if !t.d.forget(t) {
		return false
	}
	t.timer.Stop()
	return true
}
