package go_pathtrace

import (
	"math"
	"net"
	"sync"
	"time"
)

// Hop accumulates statistics for one ttl across rounds.
type Hop struct {
	TTL   uint8
	Addrs []net.IP
	Sent  int
	Recv  int
	Last  time.Duration
	Best  time.Duration
	Worst time.Duration
	// Samples holds the most recent latencies, newest last; lost probes
	// are recorded as zero.
	Samples []time.Duration

	total time.Duration
	m2    float64
	mean  float64
}

func (h *Hop) LossPct() float64 {
	if h.Sent == 0 {
		return 0
	}
	return float64(h.Sent-h.Recv) / float64(h.Sent) * 100
}

func (h *Hop) Avg() time.Duration {
	if h.Recv == 0 {
		return 0
	}
	return h.total / time.Duration(h.Recv)
}

func (h *Hop) StdDev() time.Duration {
	if h.Recv < 2 {
		return 0
	}
	return time.Duration(math.Sqrt(h.m2 / float64(h.Recv)))
}

func (h *Hop) addAddr(ip net.IP) {
	for _, a := range h.Addrs {
		if a.Equal(ip) {
			return
		}
	}
	h.Addrs = append(h.Addrs, ip)
}

func (h *Hop) add(p Probe, maxSamples int) {
	h.Sent++
	var rtt time.Duration
	if p.Status == ProbeComplete {
		rtt = p.Latency()
		h.Recv++
		h.Last = rtt
		if h.Recv == 1 || rtt < h.Best {
			h.Best = rtt
		}
		if rtt > h.Worst {
			h.Worst = rtt
		}
		h.total += rtt
		// Welford's online variance
		delta := float64(rtt) - h.mean
		h.mean += delta / float64(h.Recv)
		h.m2 += delta * (float64(rtt) - h.mean)
		if p.Host != nil {
			h.addAddr(p.Host)
		}
	}
	h.Samples = append(h.Samples, rtt)
	if maxSamples > 0 && len(h.Samples) > maxSamples {
		h.Samples = h.Samples[len(h.Samples)-maxSamples:]
	}
}

// TraceState is the running view of one target. It is written by the
// tracer goroutine and read by renderers.
type TraceState struct {
	mu         sync.RWMutex
	target     string
	maxSamples int
	hops       map[uint8]*Hop
	rounds     int
	largestTTL uint8
	reached    bool
}

func NewTraceState(target string, maxSamples int) *TraceState {
	return &TraceState{
		target:     target,
		maxSamples: maxSamples,
		hops:       make(map[uint8]*Hop),
	}
}

func (s *TraceState) Target() string { return s.target }

// Update folds a finished round into the hop statistics.
func (s *TraceState) Update(r RoundResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range r.Probes {
		h, ok := s.hops[p.TTL]
		if !ok {
			h = &Hop{TTL: p.TTL}
			s.hops[p.TTL] = h
		}
		h.add(p, s.maxSamples)
	}
	s.rounds++
	s.largestTTL = r.LargestTTL
	s.reached = r.Reached
}

func (s *TraceState) Rounds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rounds
}

// Hops returns copies of the hops up to the largest ttl of the latest round.
func (s *TraceState) Hops() []Hop {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Hop, 0, len(s.hops))
	for ttl := 1; ttl <= int(s.largestTTL); ttl++ {
		h, ok := s.hops[uint8(ttl)]
		if !ok {
			continue
		}
		c := *h
		c.Addrs = append([]net.IP(nil), h.Addrs...)
		c.Samples = append([]time.Duration(nil), h.Samples...)
		out = append(out, c)
	}
	return out
}
