package go_pathtrace

import (
	"fmt"
	"net"
	"runtime"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	ipv4HeaderLen = 20
	icmpHeaderLen = 8
	udpHeaderLen  = 8
	tcpHeaderLen  = 20

	// DefaultTCPDestPort is where TCP SYN probes are aimed.
	DefaultTCPDestPort = 80
)

// MinProbeSize is the smallest packet that holds the IPv4 header and the
// protocol header of p.
func MinProbeSize(p TraceProtocol) int {
	switch p {
	case ProtocolIcmp:
		return ipv4HeaderLen + icmpHeaderLen
	case ProtocolUdp:
		return ipv4HeaderLen + udpHeaderLen
	case ProtocolTcp:
		return ipv4HeaderLen + tcpHeaderLen
	}
	return ipv4HeaderLen
}

type Constructor interface {
	Packet(req ConstructPacket) ([]byte, error)
}

// ConstructPacket describes a single probe. For ICMP the sequence goes in
// the echo header; for UDP it is the destination port and for TCP the
// source port.
type ConstructPacket struct {
	Src     net.IP
	Dst     net.IP
	TTL     uint8
	Id      uint16
	Seq     uint16
	SrcPort uint16
}

type constructIpv4 struct {
	protocol   TraceProtocol
	packetSize uint16
	pattern    uint8
}

func newConstructIpv4(conf Config) Constructor {
	return &constructIpv4{
		protocol:   conf.Protocol,
		packetSize: conf.PacketSize,
		pattern:    conf.PayloadPattern,
	}
}

func (c *constructIpv4) Packet(req ConstructPacket) ([]byte, error) {
	src := req.Src.To4()
	if src == nil {
		return nil, fmt.Errorf("invalid source addr (%v)", req.Src)
	}
	dst := req.Dst.To4()
	if dst == nil {
		return nil, fmt.Errorf("invalid dest addr (%v)", req.Dst)
	}
	ip := &layers.IPv4{
		Version: 4,
		IHL:     5,
		Id:      req.Seq,
		TTL:     req.TTL,
		SrcIP:   src,
		DstIP:   dst,
	}
	var transport gopacket.SerializableLayer
	var headerLen int
	switch c.protocol {
	case ProtocolIcmp:
		ip.Protocol = layers.IPProtocolICMPv4
		transport = &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
			Id:       req.Id,
			Seq:      req.Seq,
		}
		headerLen = icmpHeaderLen
	case ProtocolUdp:
		ip.Protocol = layers.IPProtocolUDP
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(req.SrcPort),
			DstPort: layers.UDPPort(req.Seq),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		transport = udp
		headerLen = udpHeaderLen
	case ProtocolTcp:
		ip.Protocol = layers.IPProtocolTCP
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(req.Seq),
			DstPort: layers.TCPPort(DefaultTCPDestPort),
			Seq:     uint32(req.Id)<<16 | uint32(req.Seq),
			SYN:     true,
			Window:  0xffff,
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		transport = tcp
		headerLen = tcpHeaderLen
	default:
		return nil, fmt.Errorf("no define packet type (%v)", c.protocol)
	}
	payloadLen := int(c.packetSize) - ipv4HeaderLen - headerLen
	if payloadLen < 0 {
		return nil, fmt.Errorf("packet size (%d) too small for %v probe (min %d)", c.packetSize, c.protocol, MinProbeSize(c.protocol))
	}
	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = c.pattern
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, transport, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	if runtime.GOOS == "darwin" {
		// BSD raw sockets expect ip_len in host byte order.
		bts[2], bts[3] = bts[3], bts[2]
	}
	return bts, nil
}
