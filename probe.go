package go_pathtrace

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

type Detector interface {
	Probe(req SendProbe) error
	Close()
}

type SendProbe struct {
	Dst net.IP
	Msg []byte
}

// probeIpv4 sends prebuilt IPv4 packets over one raw socket.
type probeIpv4 struct {
	mu sync.Mutex
	fd int
}

func newProbeIpv4(src net.IP) (Detector, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("open raw socket: %w", err)
	}
	err = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if src4 := src.To4(); src4 != nil {
		sa := &unix.SockaddrInet4{}
		copy(sa.Addr[:], src4)
		if err = unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("bind (%v): %w", src, err)
		}
	}
	return &probeIpv4{fd: fd}, nil
}

func (p *probeIpv4) Probe(req SendProbe) error {
	dst := req.Dst.To4()
	if dst == nil {
		return fmt.Errorf("invalid dst addr (%v)", req.Dst)
	}
	sa := &unix.SockaddrInet4{}
	copy(sa.Addr[:], dst)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 {
		return fmt.Errorf("probe socket closed")
	}
	return unix.Sendto(p.fd, req.Msg, 0, sa)
}

func (p *probeIpv4) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd >= 0 {
		unix.Close(p.fd)
		p.fd = -1
	}
}
