package atsock

import "net"

// NetInfo holds the address configuration reported by a module.
type NetInfo struct {
	IP      net.IP
	Netmask net.IPMask
	Gateway net.IP
	DNS     []net.IP
	MAC     net.HardwareAddr
	DHCP    bool
}

// NetStatus receives link and address updates derived from URCs and
// responses. Methods may be called from the receiver goroutine so they must
// not execute commands on d.
type NetStatus interface {
	SetLink(d *Device, up bool)
	SetNetInfo(d *Device, info NetInfo)
}
