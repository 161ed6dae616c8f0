package atsock

import (
	"net"
	"strings"

	"go.uber.org/zap"
)

// Resolve asks the module to resolve host. If host is already an IP address
// it is returned without any command. The module may answer with a blank or
// truncated address so the lookup is repeated according to Config.Resolve.
// A failed command is not retried.
func (d *Device) Resolve(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	sc, ok := d.class.(SocketClass)
	if !ok {
		return nil, &Error{d.name, "resolve", ErrUnsupported}
	}
	if host == "" {
		return nil, &Error{d.name, "resolve", ErrInvalidArg}
	}
	c := sc.ResolveCmd(host)
	if c.Timeout == 0 {
		c.Timeout = d.cfg.ResolveTimeout
	}
	kw := sc.ResolveKw()
	var ip net.IP
	ok, err := d.cfg.Resolve.Do(func(attempt int) (bool, error) {
		r, err := d.Run(c)
		if err != nil {
			return false, err
		}
		if line, found := r.LineByKw(kw); found {
			ip = net.ParseIP(unquote(strings.TrimSpace(line[len(kw):])))
		}
		if ip == nil {
			d.log.Debug("resolve: no address", zap.String("host", host),
				zap.Int("attempt", attempt+1), zap.Strings("resp", r.Lines()))
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		d.log.Warn("resolve failed", zap.String("host", host), zap.Int("attempts", d.cfg.Resolve.Attempts))
		return nil, &Error{d.name, "resolve " + host, ErrResolve}
	}
	return ip, nil
}
