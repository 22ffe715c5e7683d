package go_pathtrace

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

// Tracer probes the path to one IPv4 target in rounds.
type Tracer struct {
	conf    Config
	target  net.IP
	source  net.IP
	id      uint16
	srcPort uint16
	seq     uint16

	constructor   Constructor
	deConstructor DeConstructor
	detector      Detector
	receiver      Receiver
	logger        *slog.Logger
	now           func() time.Time
}

type TracerOption func(t *Tracer)

func WithSource(ip net.IP) TracerOption {
	return func(t *Tracer) { t.source = ip }
}

// WithIdentifier sets the ICMP echo identifier, by default derived from the pid.
func WithIdentifier(id uint16) TracerOption {
	return func(t *Tracer) { t.id = id }
}

func WithDetector(d Detector) TracerOption {
	return func(t *Tracer) { t.detector = d }
}

func WithReceiver(r Receiver) TracerOption {
	return func(t *Tracer) { t.receiver = r }
}

func WithLogger(l *slog.Logger) TracerOption {
	return func(t *Tracer) { t.logger = l }
}

// NewTracer opens the raw sockets unless a Detector and Receiver are given.
func NewTracer(vc *ValidConfig, target net.IP, opts ...TracerOption) (*Tracer, error) {
	if target.To4() == nil {
		return nil, fmt.Errorf("only ipv4 targets are supported (%v)", target)
	}
	conf := vc.Config()
	if least := MinProbeSize(conf.Protocol); int(conf.PacketSize) < least {
		return nil, fmt.Errorf("packet size (%d) too small for %v probe (min %d)", conf.PacketSize, conf.Protocol, least)
	}
	t := &Tracer{
		conf:          conf,
		target:        target.To4(),
		id:            uint16(os.Getpid()),
		seq:           conf.InitialSequence,
		constructor:   newConstructIpv4(conf),
		deConstructor: newDeconstructIpv4(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = orDiscard(t.logger).With("target", t.target.String())
	if conf.SourcePort != nil {
		t.srcPort = *conf.SourcePort
	} else {
		t.srcPort = MinSourcePort + t.id%(0xffff-MinSourcePort)
	}
	var err error
	if t.source == nil {
		t.source, err = GetOutboundIP(t.target)
		if err != nil {
			return nil, err
		}
	}
	if t.detector == nil {
		t.detector, err = newProbeIpv4(t.source)
		if err != nil {
			return nil, err
		}
	}
	if t.receiver == nil {
		t.receiver, err = newRcvIpv4(conf.ReadTimeout, t.logger)
		if err != nil {
			t.detector.Close()
			return nil, err
		}
	}
	return t, nil
}

func (t *Tracer) Target() net.IP { return t.target }

// Close releases the sockets of a tracer that will not be run.
func (t *Tracer) Close() {
	t.detector.Close()
	t.receiver.Close()
}

// Run traces rounds times, or until ctx is done when rounds is 0, handing
// each finished round to sink. Sockets are closed on return.
func (t *Tracer) Run(ctx context.Context, rounds int, sink func(RoundResult)) error {
	defer t.Close()
	raw, err := t.receiver.Receive()
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	done := make(chan struct{})
	defer close(done)
	replies := make(chan *ICMPRcv, 256)
	go t.listen(raw, replies, done)

	for r := 0; rounds == 0 || r < rounds; r++ {
		res, err := t.round(ctx, r, replies)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		sink(res)
	}
	return nil
}

func (t *Tracer) listen(raw <-chan []byte, replies chan<- *ICMPRcv, done <-chan struct{}) {
	defer close(replies)
	for bts := range raw {
		rcv, err := t.deConstructor.DeConstruct(bts)
		if err != nil {
			continue
		}
		if !t.accept(rcv) {
			continue
		}
		select {
		case replies <- rcv:
		case <-done:
			return
		}
	}
}

func (t *Tracer) round(ctx context.Context, round int, replies <-chan *ICMPRcv) (RoundResult, error) {
	conf := t.conf
	span := int(conf.MaxTTL) - int(conf.FirstTTL) + 1
	t.seq = sequenceBlock(t.seq, conf.InitialSequence, span)
	start := t.now()
	probes := make([]Probe, 0, span)
	bySeq := make(map[uint16]int)
	nextTTL := int(conf.FirstTTL)
	inflight := 0
	var targetTTL uint8
	var reachedAt time.Time

	poll := time.NewTicker(conf.ReadTimeout)
	defer poll.Stop()
	for {
		for targetTTL == 0 && inflight < int(conf.MaxInflight) && nextTTL <= int(conf.MaxTTL) {
			p := t.send(round, uint8(nextTTL))
			bySeq[p.Sequence] = len(probes)
			probes = append(probes, p)
			inflight++
			nextTTL++
		}

		now := t.now()
		elapsed := now.Sub(start)
		if elapsed >= conf.MaxRoundDuration {
			break
		}
		if elapsed >= conf.MinRoundDuration {
			if targetTTL != 0 && now.Sub(reachedAt) >= conf.GraceDuration {
				break
			}
			if targetTTL == 0 && inflight == 0 && nextTTL > int(conf.MaxTTL) {
				break
			}
		}

		select {
		case <-ctx.Done():
			return RoundResult{}, ctx.Err()
		case rcv, ok := <-replies:
			if !ok {
				return RoundResult{}, fmt.Errorf("receiver closed")
			}
			idx, found := bySeq[rcv.Seq]
			if !found || probes[idx].Status == ProbeComplete {
				continue
			}
			p := &probes[idx]
			p.Status = ProbeComplete
			p.ReceivedAt = rcv.RcvAt
			p.Host = rcv.From
			inflight--
			if rcv.Reachable && rcv.From.Equal(t.target) {
				p.Reached = true
				if targetTTL == 0 {
					reachedAt = t.now()
				}
				if targetTTL == 0 || p.TTL < targetTTL {
					targetTTL = p.TTL
				}
			}
		case <-poll.C:
		}
	}

	res := RoundResult{Round: round, StartAt: start, Reached: targetTTL != 0}
	for _, p := range probes {
		if targetTTL != 0 && p.TTL > targetTTL {
			continue
		}
		res.Probes = append(res.Probes, p)
		res.LargestTTL = p.TTL
	}
	return res, nil
}

// send never fails the round; a probe that could not be sent stays awaited
// and shows as lost.
func (t *Tracer) send(round int, ttl uint8) Probe {
	seq := t.seq
	t.seq++
	p := Probe{Sequence: seq, TTL: ttl, Round: round, SentAt: t.now(), Status: ProbeAwaited}
	bts, err := t.constructor.Packet(ConstructPacket{
		Src:     t.source,
		Dst:     t.target,
		TTL:     ttl,
		Id:      t.id,
		Seq:     seq,
		SrcPort: t.srcPort,
	})
	if err != nil {
		t.logger.Warn("build probe failed", "ttl", ttl, "seq", seq, "error", err)
		return p
	}
	if err = t.detector.Probe(SendProbe{Dst: t.target, Msg: bts}); err != nil {
		t.logger.Warn("send probe failed", "ttl", ttl, "seq", seq, "error", err)
	}
	return p
}
