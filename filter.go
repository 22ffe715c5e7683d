package go_pathtrace

import "github.com/google/gopacket/layers"

// accept reports whether msg answers a probe sent by this tracer.
func (t *Tracer) accept(msg *ICMPRcv) bool {
	if !msg.OrigDst.Equal(t.target) {
		return false
	}
	switch t.conf.Protocol {
	case ProtocolIcmp:
		return msg.Proto == layers.IPProtocolICMPv4 && msg.Id == t.id
	case ProtocolUdp:
		return msg.Proto == layers.IPProtocolUDP && msg.SrcPort == t.srcPort
	case ProtocolTcp:
		return msg.Proto == layers.IPProtocolTCP && msg.DstPort == DefaultTCPDestPort
	}
	return false
}
