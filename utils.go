package go_pathtrace

import (
	"fmt"
	"net"
)

func IsIpv4(ip string) bool {
	for i := 0; i < len(ip); i++ {
		switch ip[i] {
		case '.':
			return true
		case ':':
			return false
		}
	}
	return false
}

// GetOutboundIP returns the local address the kernel would route dst from.
// No packet is sent.
func GetOutboundIP(dst net.IP) (net.IP, error) {
	conn, err := net.Dial("udp4", net.JoinHostPort(dst.String(), "33434"))
	if err != nil {
		return nil, fmt.Errorf("no route to (%v): %w", dst, err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected local addr (%v)", conn.LocalAddr())
	}
	return addr.IP.To4(), nil
}

// sequenceBlock returns the first sequence of a round that sends up to span
// probes, so every probe of the round gets a distinct number. next is the
// sequence following the previous round; after passing 0xffff it starts
// over at initial, or as high as a whole round still fits.
func sequenceBlock(next, initial uint16, span int) uint16 {
	if next < initial {
		next = initial
	}
	if int(next)+span <= 0x10000 {
		return next
	}
	if int(initial)+span <= 0x10000 {
		return initial
	}
	return uint16(0x10000 - span)
}
