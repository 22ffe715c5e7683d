package go_pathtrace

import (
	"context"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
)

// fakeNet answers probes like a path of hops-1 routers in front of the
// target. It is both the Detector and the Receiver of a Tracer.
type fakeNet struct {
	t        *testing.T
	protocol TraceProtocol
	hops     uint8
	drop     map[uint8]bool

	mu     sync.Mutex
	ch     chan []byte
	closed bool
	sent   []uint8
}

func newFakeNet(t *testing.T, protocol TraceProtocol, hops uint8) *fakeNet {
	return &fakeNet{t: t, protocol: protocol, hops: hops, drop: map[uint8]bool{}, ch: make(chan []byte, 1024)}
}

func routerIP(ttl uint8) net.IP {
	return net.IPv4(10, 0, 0, ttl).To4()
}

func (f *fakeNet) Probe(req SendProbe) error {
	probe := wire(req.Msg)
	ttl := probe[8]
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ttl)
	if f.closed || f.drop[ttl] {
		return nil
	}
	var reply []byte
	switch {
	case ttl < f.hops:
		reply = icmpPacket(f.t, routerIP(ttl), localIP, layers.ICMPv4TypeTimeExceeded, 0, 0, quote(req.Msg))
	case f.protocol == ProtocolIcmp:
		id := binary.BigEndian.Uint16(probe[24:26])
		seq := binary.BigEndian.Uint16(probe[26:28])
		reply = icmpPacket(f.t, targetIP, localIP, layers.ICMPv4TypeEchoReply, id, seq, probe[28:])
	default:
		reply = icmpPacket(f.t, targetIP, localIP, layers.ICMPv4TypeDestinationUnreachable, 0, 0, quote(req.Msg))
	}
	f.ch <- reply
	return nil
}

func (f *fakeNet) Receive() (chan []byte, error) {
	return f.ch, nil
}

func (f *fakeNet) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

func (f *fakeNet) sentTTLs() []uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint8(nil), f.sent...)
}

func traceConf(protocol TraceProtocol) Config {
	c := DefaultConfig()
	c.Targets = []string{targetIP.String()}
	c.Protocol = protocol
	c.MaxTTL = 10
	c.MinRoundDuration = 0
	c.MaxRoundDuration = 500 * time.Millisecond
	c.GraceDuration = 10 * time.Millisecond
	return c
}

func newTestTracer(t *testing.T, c Config, fn *fakeNet) *Tracer {
	t.Helper()
	vc, err := c.Validate()
	if err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	tr, err := NewTracer(vc, targetIP,
		WithSource(localIP),
		WithIdentifier(77),
		WithDetector(fn),
		WithReceiver(fn),
		WithLogger(NewDiscardLogger()))
	if err != nil {
		t.Fatalf("NewTracer returned error: %v", err)
	}
	return tr
}

func runRounds(t *testing.T, tr *Tracer, rounds int) []RoundResult {
	t.Helper()
	var results []RoundResult
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tr.Run(ctx, rounds, func(r RoundResult) { results = append(results, r) }); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(results) != rounds {
		t.Fatalf("expected %d rounds, got %d", rounds, len(results))
	}
	return results
}

func TestTraceICMPReachesTarget(t *testing.T) {
	fn := newFakeNet(t, ProtocolIcmp, 4)
	tr := newTestTracer(t, traceConf(ProtocolIcmp), fn)
	res := runRounds(t, tr, 1)[0]

	if !res.Reached || res.LargestTTL != 4 {
		t.Fatalf("expected target reached at ttl 4, got reached=%v largest=%d", res.Reached, res.LargestTTL)
	}
	if len(res.Probes) != 4 {
		t.Fatalf("expected 4 probes kept, got %d", len(res.Probes))
	}
	for i, p := range res.Probes {
		ttl := uint8(i + 1)
		if p.TTL != ttl || p.Status != ProbeComplete {
			t.Fatalf("probe %d: ttl=%d status=%v", i, p.TTL, p.Status)
		}
		want := routerIP(ttl)
		if ttl == 4 {
			want = targetIP
		}
		if !p.Host.Equal(want) {
			t.Fatalf("ttl %d: expected host %v, got %v", ttl, want, p.Host)
		}
		if p.Reached != (ttl == 4) {
			t.Fatalf("ttl %d: unexpected reached=%v", ttl, p.Reached)
		}
		if p.Sequence != 33000+uint16(i) {
			t.Fatalf("ttl %d: expected seq %d, got %d", ttl, 33000+i, p.Sequence)
		}
		if p.Latency() < 0 {
			t.Fatalf("ttl %d: negative latency", ttl)
		}
	}
}

func TestTraceMaxInflightOne(t *testing.T) {
	fn := newFakeNet(t, ProtocolIcmp, 3)
	c := traceConf(ProtocolIcmp)
	c.MaxInflight = 1
	tr := newTestTracer(t, c, fn)
	res := runRounds(t, tr, 1)[0]

	sent := fn.sentTTLs()
	if len(sent) != 3 {
		t.Fatalf("expected probing to stop at the target after 3 probes, sent %v", sent)
	}
	for i, ttl := range sent {
		if ttl != uint8(i+1) {
			t.Fatalf("expected ttls sent in order, got %v", sent)
		}
	}
	if !res.Reached || res.LargestTTL != 3 {
		t.Fatalf("expected target at ttl 3, got reached=%v largest=%d", res.Reached, res.LargestTTL)
	}
}

func TestTraceLostProbeStaysAwaited(t *testing.T) {
	fn := newFakeNet(t, ProtocolIcmp, 4)
	fn.drop[2] = true
	tr := newTestTracer(t, traceConf(ProtocolIcmp), fn)
	res := runRounds(t, tr, 1)[0]

	if len(res.Probes) != 4 {
		t.Fatalf("expected 4 probes, got %d", len(res.Probes))
	}
	if res.Probes[1].Status != ProbeAwaited || res.Probes[1].Host != nil {
		t.Fatalf("expected ttl 2 to be lost, got %+v", res.Probes[1])
	}
	if res.Probes[1].Latency() != 0 {
		t.Fatalf("expected zero latency for lost probe")
	}
}

func TestTraceUnreachableTargetEndsAtMaxTTL(t *testing.T) {
	fn := newFakeNet(t, ProtocolIcmp, 200)
	c := traceConf(ProtocolIcmp)
	c.FirstTTL = 2
	c.MaxTTL = 5
	tr := newTestTracer(t, c, fn)
	res := runRounds(t, tr, 1)[0]

	if res.Reached {
		t.Fatalf("expected target not reached")
	}
	if len(res.Probes) != 4 || res.Probes[0].TTL != 2 || res.LargestTTL != 5 {
		t.Fatalf("expected ttls 2..5, got %d probes largest %d", len(res.Probes), res.LargestTTL)
	}
}

func TestTraceSequenceContinuesAcrossRounds(t *testing.T) {
	fn := newFakeNet(t, ProtocolIcmp, 2)
	tr := newTestTracer(t, traceConf(ProtocolIcmp), fn)
	results := runRounds(t, tr, 3)

	for i, r := range results {
		if r.Round != i {
			t.Fatalf("expected round %d, got %d", i, r.Round)
		}
		if !r.Reached || len(r.Probes) != 2 {
			t.Fatalf("round %d: reached=%v probes=%d", i, r.Reached, len(r.Probes))
		}
	}
	if results[1].Probes[0].Sequence <= results[0].Probes[1].Sequence {
		t.Fatalf("expected sequence to keep increasing, got %d then %d",
			results[0].Probes[1].Sequence, results[1].Probes[0].Sequence)
	}
}

func TestTraceUDP(t *testing.T) {
	fn := newFakeNet(t, ProtocolUdp, 3)
	c := traceConf(ProtocolUdp)
	port := uint16(40000)
	c.SourcePort = &port
	tr := newTestTracer(t, c, fn)
	res := runRounds(t, tr, 1)[0]

	if !res.Reached || res.LargestTTL != 3 {
		t.Fatalf("expected udp trace to reach target at ttl 3, got reached=%v largest=%d", res.Reached, res.LargestTTL)
	}
	if !res.Probes[2].Host.Equal(targetIP) {
		t.Fatalf("expected target host, got %v", res.Probes[2].Host)
	}
}

func TestTraceIgnoresForeignReplies(t *testing.T) {
	fn := newFakeNet(t, ProtocolIcmp, 3)
	tr := newTestTracer(t, traceConf(ProtocolIcmp), fn)
	// an echo reply for another tracer's identifier
	fn.ch <- icmpPacket(t, targetIP, localIP, layers.ICMPv4TypeEchoReply, 78, 33000, nil)
	res := runRounds(t, tr, 1)[0]
	if len(res.Probes) != 3 || !res.Reached {
		t.Fatalf("expected foreign reply ignored, got %d probes reached=%v", len(res.Probes), res.Reached)
	}
}

func TestTraceCancel(t *testing.T) {
	fn := newFakeNet(t, ProtocolIcmp, 200)
	c := traceConf(ProtocolIcmp)
	c.MaxRoundDuration = time.Minute
	c.MinRoundDuration = time.Minute
	tr := newTestTracer(t, c, fn)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, 0, func(RoundResult) {}) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on cancel, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestNewTracerRejectsIPv6(t *testing.T) {
	vc, err := traceConf(ProtocolIcmp).Validate()
	if err != nil {
		t.Fatalf("invalid config: %v", err)
	}
	fn := newFakeNet(t, ProtocolIcmp, 1)
	if _, err := NewTracer(vc, net.ParseIP("2001:db8::1"), WithDetector(fn), WithReceiver(fn)); err == nil {
		t.Fatalf("expected error for ipv6 target")
	}
}

func TestTraceSequenceNearLimit(t *testing.T) {
	fn := newFakeNet(t, ProtocolIcmp, 4)
	c := traceConf(ProtocolIcmp)
	c.InitialSequence = 65534
	tr := newTestTracer(t, c, fn)
	results := runRounds(t, tr, 3)

	for _, r := range results {
		if !r.Reached || r.LargestTTL != 4 {
			t.Fatalf("round %d: expected target at ttl 4, got reached=%v largest=%d", r.Round, r.Reached, r.LargestTTL)
		}
		seen := map[uint16]bool{}
		for i, p := range r.Probes {
			if seen[p.Sequence] {
				t.Fatalf("round %d: sequence %d used twice", r.Round, p.Sequence)
			}
			seen[p.Sequence] = true
			want := routerIP(uint8(i + 1))
			if i == 3 {
				want = targetIP
			}
			if !p.Host.Equal(want) {
				t.Fatalf("round %d ttl %d: expected host %v, got %v", r.Round, p.TTL, want, p.Host)
			}
		}
	}
}

func TestSequenceBlock(t *testing.T) {
	cases := []struct {
		next, initial uint16
		span          int
		want          uint16
	}{
		{33000, 33000, 64, 33000},
		{33064, 33000, 64, 33064},
		{65500, 33000, 64, 33000},
		{0, 33000, 64, 33000},
		{65535, 65535, 1, 65535},
		{65534, 65534, 10, 65526},
		{0, 65534, 10, 65526},
		{65530, 65534, 10, 65526},
		{0, 0, 255, 0},
	}
	for _, tc := range cases {
		got := sequenceBlock(tc.next, tc.initial, tc.span)
		if got != tc.want {
			t.Errorf("sequenceBlock(%d, %d, %d) = %d, want %d", tc.next, tc.initial, tc.span, got, tc.want)
		}
		if int(got)+tc.span > 0x10000 {
			t.Errorf("sequenceBlock(%d, %d, %d) = %d leaves no room for the round", tc.next, tc.initial, tc.span, got)
		}
	}
}

func TestNewTracerRejectsShortPacket(t *testing.T) {
	for _, tc := range []struct {
		protocol TraceProtocol
		size     uint16
		ok       bool
	}{
		{ProtocolTcp, 28, false},
		{ProtocolTcp, 39, false},
		{ProtocolTcp, 40, true},
		{ProtocolUdp, 28, true},
		{ProtocolIcmp, 28, true},
	} {
		c := traceConf(tc.protocol)
		c.PacketSize = tc.size
		vc, err := c.Validate()
		if err != nil {
			t.Fatalf("%v/%d: expected valid config, got %v", tc.protocol, tc.size, err)
		}
		fn := newFakeNet(t, tc.protocol, 1)
		_, err = NewTracer(vc, targetIP, WithSource(localIP), WithDetector(fn), WithReceiver(fn))
		if tc.ok && err != nil {
			t.Errorf("%v/%d: unexpected error %v", tc.protocol, tc.size, err)
		}
		if !tc.ok && (err == nil || !strings.Contains(err.Error(), "(min 40)")) {
			t.Errorf("%v/%d: expected packet size error, got %v", tc.protocol, tc.size, err)
		}
	}
}

func TestTracerClose(t *testing.T) {
	fn := newFakeNet(t, ProtocolIcmp, 1)
	tr := newTestTracer(t, traceConf(ProtocolIcmp), fn)
	tr.Close()
	if _, ok := <-fn.ch; ok {
		t.Fatalf("expected receiver closed")
	}
}
