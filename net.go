package ice

import (
	"net"

	"github.com/pkg/errors"
)

// The conditions of invalidation written below are defined in
// https://tools.ietf.org/html/rfc8445#section-5.1.1.1
func isSupportedIPv6(ip net.IP) bool {
	if len(ip) != net.IPv6len ||
		isZeros(ip[0:12]) || // !(IPv4-compatible IPv6)
		ip[0] == 0xfe && ip[1]&0xc0 == 0xc0 || // !(IPv6 site-local unicast)
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

func isZeros(ip net.IP) bool {
	for i := 0; i < len(ip); i++ {
		if ip[i] != 0 {
			return false
		}
	}
	return true
}

func parseAddr(in net.Addr) *net.UDPAddr {
	if udp, ok := in.(*net.UDPAddr); ok {
		return udp
	}
	return nil
}

func addrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// localAddresses enumerates usable local interface addresses for host
// candidates.
func localAddresses(interfaceFilter func(string) bool, includeLoopback bool) ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(ErrNoUsableInterfaces, err.Error())
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 && !includeLoopback {
			continue
		}
		if interfaceFilter != nil && !interfaceFilter(iface.Name) {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil {
				continue
			}
			if ip.IsLoopback() && !includeLoopback {
				continue
			}
			if ip.To4() == nil && !isSupportedIPv6(ip) {
				continue
			}
			ips = append(ips, ip)
		}
	}

	if len(ips) == 0 {
		return nil, ErrNoUsableInterfaces
	}
	return ips, nil
}

// listenUDPInPortRange binds the agent socket, walking the configured
// port range when one is set.
func listenUDPInPortRange(bindIP net.IP, portMin, portMax uint16) (net.PacketConn, error) {
	if portMax < portMin {
		return nil, ErrPort
	}
	laddr := &net.UDPAddr{IP: bindIP}

	if portMin == 0 && portMax == 0 {
		conn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return nil, errors.Wrap(ErrNoUsableInterfaces, err.Error())
		}
		return conn, nil
	}

	for port := int(portMin); port <= int(portMax); port++ {
		laddr.Port = port
		conn, err := net.ListenUDP("udp", laddr)
		if err == nil {
			return conn, nil
		}
	}
	return nil, errors.Wrapf(ErrNoUsableInterfaces, "no free port in range %d-%d", portMin, portMax)
}
