// Package atnet provides net.Conn connections over the sockets of an
// atsock.Device.
package atnet

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/embeddedgo/atsock"
)

// RecvQueue is the number of received packets buffered by a connection.
// If the queue is full the device receiver waits for Read.
var RecvQueue = 8

// Conn is an implementation of the net.Conn interface for TCP and UDP network
// connections.
type Conn struct {
	s     *atsock.Socket
	laddr net.Addr
	raddr net.Addr
	ch    chan []byte
	eof   chan struct{}
	done  chan struct{}
	eofx  sync.Once
	clox  sync.Once
	rtim  *time.Timer
	wmu   sync.Mutex
	wdl   time.Time
	adata []byte
}

// Dial works like net.Dial. The host part of address is resolved by the
// module.
func Dial(d *atsock.Device, network, address string) (*Conn, error) {
	var typ atsock.SocketType
	switch network {
	case "tcp", "tcp4":
		typ = atsock.TCP
	case "udp", "udp4":
		typ = atsock.UDP
	default:
		return nil, net.UnknownNetworkError(network)
	}
	if len(address) == 0 {
		return nil, &net.AddrError{Err: "empty address"}
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	pn, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil, &net.AddrError{Err: "unknown port", Addr: port}
	}
	socks := d.Sockets()
	if socks == nil {
		return nil, &atsock.Error{Dev: d.Name(), Cmd: "dial", Err: atsock.ErrUnsupported}
	}
	ip, err := d.Resolve(host)
	if err != nil {
		return nil, err
	}
	s, err := socks.Alloc()
	if err != nil {
		return nil, &atsock.Error{Dev: d.Name(), Cmd: "dial", Err: err}
	}
	c := newConn(s, sockAddr(network, nil, 0), sockAddr(network, ip, int(pn)))
	s.SetHandler(c)
	if err = s.Connect(typ, ip.String(), int(pn)); err != nil {
		s.SetHandler(nil)
		s.Close() // releases the slot
		return nil, err
	}
	return c, nil
}

func newConn(s *atsock.Socket, laddr, raddr net.Addr) *Conn {
	c := &Conn{
		s:     s,
		laddr: laddr,
		raddr: raddr,
		ch:    make(chan []byte, RecvQueue),
		eof:   make(chan struct{}),
		done:  make(chan struct{}),
		rtim:  time.NewTimer(0),
	}
	<-c.rtim.C // unfortunately this is the only way to get a stopped timer
	return c
}

// Socket returns the underlying socket.
func (c *Conn) Socket() *atsock.Socket { return c.s }

// Recv implements atsock.SocketHandler.
func (c *Conn) Recv(_ *atsock.Socket, data []byte) {
	select {
	case c.ch <- data:
	case <-c.done:
	}
}

// Closed implements atsock.SocketHandler.
func (c *Conn) Closed(_ *atsock.Socket) {
	c.eofx.Do(func() { close(c.eof) })
}

// Read implements the net.Conn Read method.
func (c *Conn) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return
	}
	if len(c.adata) != 0 {
		n = copy(p, c.adata)
		if n == len(c.adata) {
			c.adata = nil // ensure GC, help debugging
		} else {
			c.adata = c.adata[n:]
		}
		return
	}
	var data []byte
	select {
	case data = <-c.ch:
	default:
		select {
		case data = <-c.ch:
		case <-c.eof:
			select {
			case data = <-c.ch: // data received before the close notification
			default:
				return 0, io.EOF
			}
		case <-c.done:
			return 0, c.opError("read", net.ErrClosed)
		case <-c.rtim.C: // timeout
			return 0, c.opError("read", atsock.ErrTimeout)
		}
	}
	n = copy(p, data)
	if n != len(data) {
		c.adata = data[n:]
	}
	return
}

// Write implements the net.Conn Write method.
func (c *Conn) Write(p []byte) (n int, err error) {
	c.wmu.Lock()
	wdl := c.wdl
	c.wmu.Unlock()
	if !wdl.IsZero() && !time.Now().Before(wdl) {
		return 0, c.opError("write", atsock.ErrTimeout)
	}
	select {
	case <-c.done:
		return 0, c.opError("write", net.ErrClosed)
	case <-c.eof:
		return 0, c.opError("write", io.ErrClosedPipe)
	default:
	}
	n, err = c.s.Send(p)
	if err != nil {
		err = c.opError("write", err)
	}
	return
}

// WriteString implements io.StringWriter interface.
func (c *Conn) WriteString(s string) (int, error) {
	return c.Write([]byte(s))
}

// Close implements the net.Conn Close method.
func (c *Conn) Close() error {
	var err error
	c.clox.Do(func() {
		close(c.done)
		if err = c.s.Close(); err != nil {
			err = c.opError("close", err)
		}
		c.s.SetHandler(nil)
	})
	return err
}

// SetReadDeadline implements the net.Conn SetReadDeadline method.
// BUG: it must not be called concurrently with Read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	tim := c.rtim
	if !tim.Stop() {
		select {
		case <-tim.C:
		default:
		}
	}
	if !t.IsZero() {
		tim.Reset(time.Until(t))
	}
	return nil
}

// SetWriteDeadline implements the net.Conn SetWriteDeadline method. The
// deadline is checked before a write starts. A started write is bounded by
// the device send timeouts.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.wmu.Lock()
	c.wdl = t
	c.wmu.Unlock()
	return nil
}

// SetDeadline implements the net.Conn SetDeadline method.
func (c *Conn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	c.SetWriteDeadline(t)
	return nil
}

// LocalAddr implements the net.Conn LocalAddr method. The module does not
// report the local address so it is unspecified.
func (c *Conn) LocalAddr() net.Addr {
	return c.laddr
}

// RemoteAddr implements the net.Conn RemoteAddr method.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raddr
}
