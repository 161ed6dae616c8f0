package atnet

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/embeddedgo/atsock"
)

// opError wraps err in *net.OpError. A socket that is no longer connected
// is also reported as net.ErrClosed.
func (c *Conn) opError(op string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	if errors.Is(err, atsock.ErrNotConnected) {
		err = fmt.Errorf("%w: %w", net.ErrClosed, err)
	}
	return &net.OpError{
		Op:     op,
		Net:    c.laddr.Network(),
		Source: c.laddr,
		Addr:   c.raddr,
		Err:    err,
	}
}
