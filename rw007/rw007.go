// Package rw007 implements the RW007 WiFi module class. The module supports
// up to five client sockets multiplexed over its AT interface.
package rw007

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/embeddedgo/atsock"
	"go.uber.org/zap"
)

const (
	// DefaultSockets is the number of sockets supported by the firmware.
	DefaultSockets = 5
	// MaxFrame is the largest payload accepted by one AT+CIPSEND.
	MaxFrame = 2048
	// keepAlive is the TCP keep alive period in seconds.
	keepAlive = 60
)

// Class is the RW007 module class. The zero value is ready to use.
type Class struct {
	// Sockets overrides DefaultSockets if not zero.
	Sockets int
}

func (c *Class) Name() string { return "rw007" }

// URCs returns the RW007 rule set. The order matters: the suffix only
// ",CLOSED" rule must not be tested before the more specific ones.
func (c *Class) URCs() []atsock.URC {
	return []atsock.URC{
		{Prefix: "SEND OK", Suffix: "\r\n", Handler: atsock.URCFunc(sendResult)},
		{Prefix: "SEND FAIL", Suffix: "\r\n", Handler: atsock.URCFunc(sendResult)},
		{Prefix: "Recv", Suffix: "bytes\r\n", Handler: atsock.URCFunc(sendAccepted)},
		{Suffix: ",CLOSED\r\n", Handler: atsock.URCFunc(closed)},
		{Prefix: "+IPD", Suffix: ":", Handler: atsock.URCFunc(recv)},
	}
}

func (c *Class) NumSockets() int {
	if c.Sockets > 0 {
		return c.Sockets
	}
	return DefaultSockets
}

func (c *Class) MaxFrame() int { return MaxFrame }

// Ack returns atsock.TwoPhase: the module confirms the payload receipt with
// "Recv N bytes" before it reports SEND OK or SEND FAIL.
func (c *Class) Ack() atsock.AckPolicy { return atsock.TwoPhase }

func (c *Class) ConnectCmd(id int, typ atsock.SocketType, host string, port int) (atsock.Command, error) {
	switch typ {
	case atsock.TCP:
		return atsock.Command{
			Name: "+CIPSTART=",
			Args: []any{id, "TCP", host, port, keepAlive},
			Size: 128,
		}, nil
	case atsock.UDP:
		return atsock.Command{
			Name: "+CIPSTART=",
			Args: []any{id, "UDP", host, port},
			Size: 128,
		}, nil
	}
	return atsock.Command{}, atsock.ErrUnsupported
}

func (c *Class) CloseCmd(id int) atsock.Command {
	return atsock.Command{Name: "+CIPCLOSE=", Args: []any{id}, Size: 64}
}

// SendCmd returns AT+CIPSEND. Its response is "OK" followed by the '>'
// prompt.
func (c *Class) SendCmd(id, n int) atsock.Command {
	return atsock.Command{
		Name:    "+CIPSEND=",
		Args:    []any{id, n},
		Size:    128,
		Lines:   2,
		EndSign: '>',
	}
}

func (c *Class) ResolveCmd(host string) atsock.Command {
	return atsock.Command{Name: "+CIPDOMAIN=", Args: []any{host}, Size: 128}
}

func (c *Class) ResolveKw() string { return "+CIPDOMAIN:" }

// SEND OK and SEND FAIL carry no socket id. They refer to the socket that
// holds the send lock.
func sendResult(d *atsock.Device, data []byte) {
	id := d.SendingSocket()
	if id < 0 {
		d.Logger().Debug("send result without sender", zap.ByteString("urc", bytes.TrimSpace(data)))
		return
	}
	if bytes.HasPrefix(data, []byte("SEND OK")) {
		d.Events().Set(id, atsock.EvSendOK)
	} else {
		d.Events().Set(id, atsock.EvSendFail)
	}
}

func sendAccepted(d *atsock.Device, data []byte) {
	id := d.SendingSocket()
	if id < 0 {
		return
	}
	d.Events().Set(id, atsock.EvSendAccepted)
}

func closed(d *atsock.Device, data []byte) {
	s := strings.TrimSpace(string(data))
	id, err := strconv.Atoi(strings.TrimSuffix(s, ",CLOSED"))
	if err != nil {
		d.Logger().Warn("bad close notification", zap.String("urc", s))
		return
	}
	d.RemoteClosed(id)
}

func recv(d *atsock.Device, data []byte) {
	id, n, err := parseIPD(data)
	if err != nil {
		d.Logger().Warn("bad +IPD header", zap.ByteString("urc", data))
		return
	}
	if err := d.ReceivePayload(id, n); err != nil {
		d.Logger().Warn("+IPD", zap.Error(err))
	}
}

// parseIPD parses "+IPD,<id>,<len>:" or "+IPD,<len>:" (single connection
// mode, socket 0).
func parseIPD(data []byte) (id, n int, err error) {
	s, ok := strings.CutPrefix(string(data), "+IPD,")
	if !ok {
		return 0, 0, atsock.ErrParse
	}
	s = strings.TrimSuffix(s, ":")
	if ids, ns, found := strings.Cut(s, ","); found {
		if id, err = strconv.Atoi(ids); err != nil {
			return 0, 0, atsock.ErrParse
		}
		s = ns
	}
	if n, err = strconv.Atoi(s); err != nil || id < 0 || n <= 0 {
		return 0, 0, atsock.ErrParse
	}
	return id, n, nil
}
