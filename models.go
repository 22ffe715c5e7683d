package go_pathtrace

import (
	"net"
	"time"
)

type ProbeStatus int

const (
	ProbeAwaited ProbeStatus = iota
	ProbeComplete
)

// Probe is one packet sent during a round.
type Probe struct {
	Sequence   uint16
	TTL        uint8
	Round      int
	SentAt     time.Time
	ReceivedAt time.Time
	Host       net.IP
	Status     ProbeStatus
	// Reached is set when the reply came from the target itself.
	Reached bool
}

// Latency is zero for probes still awaited.
func (p Probe) Latency() time.Duration {
	if p.Status != ProbeComplete {
		return 0
	}
	return p.ReceivedAt.Sub(p.SentAt)
}

// RoundResult is every probe of one round ordered by ttl.
type RoundResult struct {
	Round   int
	StartAt time.Time
	Probes  []Probe
	// Reached is true if the target answered this round.
	Reached bool
	// LargestTTL is the highest ttl kept in Probes.
	LargestTTL uint8
}
