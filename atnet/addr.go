package atnet

import "net"

// sockAddr returns the address of ip:port in the form used by the standard
// library for network.
func sockAddr(network string, ip net.IP, port int) net.Addr {
	switch network {
	case "udp", "udp4":
		return &net.UDPAddr{IP: ip, Port: port}
	}
	return &net.TCPAddr{IP: ip, Port: port}
}
