package go_pathtrace

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	ICMPEcho        = "ICMPEcho"
	ICMPTimeExceed  = "ICMPTimeExceed"
	ICMPUnreachable = "ICMPUnreachable"
)

type DeConstructor interface {
	DeConstruct(pkg []byte) (*ICMPRcv, error)
}

// ICMPRcv is a decoded ICMP reply. For errors, Proto, Id, Seq and the ports
// come from the datagram quoted in the ICMP payload.
type ICMPRcv struct {
	RcvType string
	RcvAt   time.Time
	// From is the host that sent the ICMP message.
	From net.IP
	// OrigDst is the destination of the probe that caused the reply.
	OrigDst   net.IP
	Proto     layers.IPProtocol
	Id        uint16
	Seq       uint16
	SrcPort   uint16
	DstPort   uint16
	Reachable bool
}

type deConstructIpv4 struct {
	now func() time.Time
}

func newDeconstructIpv4() DeConstructor {
	return &deConstructIpv4{now: time.Now}
}

// DeConstruct expects the packet as read from a raw ICMP socket, IPv4
// header included.
func (dc *deConstructIpv4) DeConstruct(pkg []byte) (*ICMPRcv, error) {
	if len(pkg) < ipv4HeaderLen+icmpHeaderLen {
		return nil, fmt.Errorf("uncomplete ICMP msg (%d bytes)", len(pkg))
	}
	// ip_len is not trustworthy on every platform, only IHL is used.
	ihl := int(pkg[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || len(pkg) < ihl+icmpHeaderLen {
		return nil, fmt.Errorf("invalid ipv4 header length (%d)", ihl)
	}
	icmp := &layers.ICMPv4{}
	if err := icmp.DecodeFromBytes(pkg[ihl:], gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("decode icmp: %w", err)
	}
	rcv := &ICMPRcv{
		RcvAt: dc.now(),
		From:  net.IP(append([]byte(nil), pkg[12:16]...)),
	}
	switch icmp.TypeCode.Type() {
	case layers.ICMPv4TypeEchoReply:
		rcv.RcvType = ICMPEcho
		rcv.Proto = layers.IPProtocolICMPv4
		rcv.Id = icmp.Id
		rcv.Seq = icmp.Seq
		rcv.OrigDst = rcv.From
		rcv.Reachable = true
		return rcv, nil
	case layers.ICMPv4TypeTimeExceeded:
		rcv.RcvType = ICMPTimeExceed
	case layers.ICMPv4TypeDestinationUnreachable:
		rcv.RcvType = ICMPUnreachable
		rcv.Reachable = true
	default:
		return nil, fmt.Errorf("unknown icmp control msg type (%v)", icmp.TypeCode)
	}
	if err := dc.quoted(rcv, icmp.Payload); err != nil {
		return nil, err
	}
	if rcv.RcvType == ICMPUnreachable && !rcv.From.Equal(rcv.OrigDst) {
		// unreachable from a router on the path, not the target
		rcv.Reachable = false
	}
	return rcv, nil
}

// quoted decodes the original datagram carried by an ICMP error. Only the
// first 8 bytes after the IP header are guaranteed to be present.
func (dc *deConstructIpv4) quoted(rcv *ICMPRcv, data []byte) error {
	inner := &layers.IPv4{}
	if err := inner.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("decode quoted ipv4: %w", err)
	}
	rest := data[int(inner.IHL)*4:]
	if len(rest) < 8 {
		return fmt.Errorf("quoted datagram too short (%d bytes)", len(rest))
	}
	rcv.OrigDst = inner.DstIP
	rcv.Proto = inner.Protocol
	switch inner.Protocol {
	case layers.IPProtocolICMPv4:
		rcv.Id = binary.BigEndian.Uint16(rest[4:6])
		rcv.Seq = binary.BigEndian.Uint16(rest[6:8])
	case layers.IPProtocolUDP:
		rcv.SrcPort = binary.BigEndian.Uint16(rest[0:2])
		rcv.DstPort = binary.BigEndian.Uint16(rest[2:4])
		rcv.Seq = rcv.DstPort
	case layers.IPProtocolTCP:
		rcv.SrcPort = binary.BigEndian.Uint16(rest[0:2])
		rcv.DstPort = binary.BigEndian.Uint16(rest[2:4])
		rcv.Seq = rcv.SrcPort
	default:
		return fmt.Errorf("unknown quoted protocol (%v)", inner.Protocol)
	}
	return nil
}
