package mw31

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/embeddedgo/atsock"
)

const (
	shortTimeout = 300 * time.Millisecond
	stationMode  = 1
)

func parseErr(d *atsock.Device, cmd string) error {
	return &atsock.Error{Dev: d.Name(), Cmd: cmd, Err: atsock.ErrParse}
}

// FetchNetInfo queries the MAC address, the station address configuration
// and the DHCP state.
func FetchNetInfo(d *atsock.Device) (atsock.NetInfo, error) {
	var info atsock.NetInfo
	r := atsock.NewResponse(512, 0, shortTimeout)

	if err := d.Exec(r, "+WMAC?"); err != nil {
		return info, err
	}
	var mac string
	if err := r.Scan("+WMAC:", &mac); err != nil {
		return info, parseErr(d, "+WMAC?")
	}
	hw, err := atsock.HexFields(mac, 6, 2)
	if err != nil {
		return info, parseErr(d, "+WMAC?")
	}
	info.MAC = net.HardwareAddr(hw)

	if err := d.Exec(r, "+WJAPIP?"); err != nil {
		return info, err
	}
	f, err := r.Fields("+WJAPIP?:", 4)
	if err != nil {
		return info, parseErr(d, "+WJAPIP?")
	}
	info.IP = net.ParseIP(strings.TrimSpace(f[0]))
	if mask := net.ParseIP(strings.TrimSpace(f[1])).To4(); mask != nil {
		info.Netmask = net.IPMask(mask)
	}
	info.Gateway = net.ParseIP(strings.TrimSpace(f[2]))
	for _, s := range strings.SplitN(f[3], ",", 2) {
		if ip := net.ParseIP(strings.TrimSpace(s)); ip != nil {
			info.DNS = append(info.DNS, ip)
		}
	}
	if info.IP == nil {
		return info, parseErr(d, "+WJAPIP?")
	}

	if err := d.Exec(r, "+WDHCP?"); err != nil {
		return info, err
	}
	line, ok := r.LineByKw("+WDHCP:")
	if !ok {
		return info, parseErr(d, "+WDHCP?")
	}
	info.DHCP = strings.Contains(line, "ON")
	return info, nil
}

// SetAddr sets the station address, gateway and netmask.
func SetAddr(d *atsock.Device, ip, gw net.IP, mask net.IPMask) error {
	if ip.To4() == nil || gw.To4() == nil || len(mask) != net.IPv4len {
		return &atsock.Error{Dev: d.Name(), Cmd: "+CIPSTA_CUR=", Err: atsock.ErrInvalidArg}
	}
	r := atsock.NewResponse(128, 0, shortTimeout)
	return d.Exec(r, "+CIPSTA_CUR=", ip.String(), gw.String(), net.IP(mask).String())
}

// SetDNS sets the DNS server.
func SetDNS(d *atsock.Device, dns net.IP) error {
	if dns.To4() == nil {
		return &atsock.Error{Dev: d.Name(), Cmd: "+CIPDNS_CUR=", Err: atsock.ErrInvalidArg}
	}
	r := atsock.NewResponse(64, 0, shortTimeout)
	return d.Exec(r, "+CIPDNS_CUR=", 1, dns.String())
}

// SetDHCP enables or disables the station DHCP client.
func SetDHCP(d *atsock.Device, enable bool) error {
	r := atsock.NewResponse(64, 0, shortTimeout)
	return d.Exec(r, "+CWDHCP_CUR=", stationMode, enable)
}

// PingResult is the result of a successful Ping.
type PingResult struct {
	IP   net.IP
	Time time.Duration
}

// Ping resolves host and sends it an ICMP echo request.
func Ping(d *atsock.Device, host string, timeout time.Duration) (PingResult, error) {
	var res PingResult
	if host == "" {
		return res, &atsock.Error{Dev: d.Name(), Cmd: "ping", Err: atsock.ErrInvalidArg}
	}
	r := atsock.NewResponse(64, 0, timeout)
	if err := d.Exec(r, "+CIPDOMAIN=", host); err != nil {
		return res, err
	}
	var ip string
	if err := r.Scan("+CIPDOMAIN:", &ip); err != nil {
		return res, parseErr(d, "+CIPDOMAIN=")
	}
	if res.IP = net.ParseIP(ip); res.IP == nil {
		return res, parseErr(d, "+CIPDOMAIN=")
	}
	if err := d.Exec(r, "+PING=", host); err != nil {
		return res, err
	}
	var ms int
	if err := r.Scan("+", &ms); err != nil {
		return res, parseErr(d, "+PING=")
	}
	if ms == 0 {
		return res, &atsock.Error{Dev: d.Name(), Cmd: "+PING=", Err: atsock.ErrTimeout}
	}
	res.Time = time.Duration(ms) * time.Millisecond
	return res, nil
}

// ConnStat describes an open module connection.
type ConnStat struct {
	ID        int
	Type      string
	Remote    string
	LocalPort int
}

func (c ConnStat) String() string {
	return c.Type + ": :" + strconv.Itoa(c.LocalPort) + " ==> " + c.Remote
}

// Netstat lists the open connections of the module.
func Netstat(d *atsock.Device) ([]ConnStat, error) {
	r := atsock.NewResponse(320, 0, 5*time.Second)
	if err := d.Exec(r, "+CIPSTATUS"); err != nil {
		return nil, err
	}
	const kw = "+CIPSTATUS:"
	var conns []ConnStat
	for _, line := range r.Lines() {
		if !strings.HasPrefix(line, kw) {
			continue
		}
		var (
			c     ConnStat
			ip    string
			rport int
		)
		if err := atsock.ScanFields(line[len(kw):], &c.ID, &c.Type, &ip, &rport, &c.LocalPort); err != nil {
			return conns, parseErr(d, "+CIPSTATUS")
		}
		c.Remote = net.JoinHostPort(ip, strconv.Itoa(rport))
		conns = append(conns, c)
	}
	return conns, nil
}
