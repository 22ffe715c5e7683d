package go_pathtrace

import (
	"fmt"
	"strings"
	"time"
)

// MaxHops is the largest hop count we trace. The IP ttl is a uint8 and a ttl
// of zero is useless, so 255 distinct hops are possible.
const MaxHops = 255

const (
	MinTUIRefreshRate = 50 * time.Millisecond
	MaxTUIRefreshRate = 1000 * time.Millisecond

	MinReadTimeout = 10 * time.Millisecond
	MaxReadTimeout = 100 * time.Millisecond

	MinGraceDuration = 10 * time.Millisecond
	MaxGraceDuration = 1000 * time.Millisecond
)

const (
	MinPacketSize uint16 = 28
	MaxPacketSize uint16 = 1024

	// MinSourcePort keeps probes off the privileged port range.
	MinSourcePort uint16 = 1024
)

// Mode selects how results are presented.
type Mode int

const (
	ModeTui Mode = iota
	ModeStream
	ModePretty
	ModeMarkdown
	ModeCsv
	ModeJson
)

var modeNames = [...]string{"tui", "stream", "pretty", "markdown", "csv", "json"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode parses the lower case mode name.
func ParseMode(s string) (Mode, error) {
	idx, err := parseEnum(s, modeNames[:])
	if err != nil {
		return 0, fmt.Errorf("invalid mode (%v), expected one of %v", s, strings.Join(modeNames[:], ", "))
	}
	return Mode(idx), nil
}

func (m *Mode) Set(s string) error {
	v, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m *Mode) Type() string { return "mode" }

// IsReport reports whether the mode renders a table after a fixed number of cycles.
func (m Mode) IsReport() bool {
	switch m {
	case ModePretty, ModeMarkdown, ModeCsv, ModeJson:
		return true
	case ModeTui, ModeStream:
		return false
	}
	return false
}

// TraceProtocol is the wire protocol used for probes.
type TraceProtocol int

const (
	ProtocolIcmp TraceProtocol = iota
	ProtocolUdp
	ProtocolTcp
)

var protocolNames = [...]string{"icmp", "udp", "tcp"}

func (p TraceProtocol) String() string {
	if p < 0 || int(p) >= len(protocolNames) {
		return fmt.Sprintf("TraceProtocol(%d)", int(p))
	}
	return protocolNames[p]
}

func ParseTraceProtocol(s string) (TraceProtocol, error) {
	idx, err := parseEnum(s, protocolNames[:])
	if err != nil {
		return 0, fmt.Errorf("invalid protocol (%v), expected one of %v", s, strings.Join(protocolNames[:], ", "))
	}
	return TraceProtocol(idx), nil
}

func (p *TraceProtocol) Set(s string) error {
	v, err := ParseTraceProtocol(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p *TraceProtocol) Type() string { return "protocol" }

// AddressMode controls how hop addresses are rendered.
type AddressMode int

const (
	AddressModeIP AddressMode = iota
	AddressModeHost
	AddressModeBoth
)

var addressModeNames = [...]string{"ip", "host", "both"}

func (a AddressMode) String() string {
	if a < 0 || int(a) >= len(addressModeNames) {
		return fmt.Sprintf("AddressMode(%d)", int(a))
	}
	return addressModeNames[a]
}

func ParseAddressMode(s string) (AddressMode, error) {
	idx, err := parseEnum(s, addressModeNames[:])
	if err != nil {
		return 0, fmt.Errorf("invalid address mode (%v), expected one of %v", s, strings.Join(addressModeNames[:], ", "))
	}
	return AddressMode(idx), nil
}

func (a *AddressMode) Set(s string) error {
	v, err := ParseAddressMode(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (a *AddressMode) Type() string { return "address-mode" }

// DnsResolveMethod selects the resolver backend.
type DnsResolveMethod int

const (
	// DnsResolveSystem uses the OS resolver.
	DnsResolveSystem DnsResolveMethod = iota
	// DnsResolveResolv uses the servers listed in /etc/resolv.conf.
	DnsResolveResolv
	// DnsResolveGoogle uses 8.8.8.8.
	DnsResolveGoogle
	// DnsResolveCloudflare uses 1.1.1.1.
	DnsResolveCloudflare
)

var dnsResolveMethodNames = [...]string{"system", "resolv", "google", "cloudflare"}

func (d DnsResolveMethod) String() string {
	if d < 0 || int(d) >= len(dnsResolveMethodNames) {
		return fmt.Sprintf("DnsResolveMethod(%d)", int(d))
	}
	return dnsResolveMethodNames[d]
}

func ParseDnsResolveMethod(s string) (DnsResolveMethod, error) {
	idx, err := parseEnum(s, dnsResolveMethodNames[:])
	if err != nil {
		return 0, fmt.Errorf("invalid dns resolve method (%v), expected one of %v", s, strings.Join(dnsResolveMethodNames[:], ", "))
	}
	return DnsResolveMethod(idx), nil
}

func (d *DnsResolveMethod) Set(s string) error {
	v, err := ParseDnsResolveMethod(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d *DnsResolveMethod) Type() string { return "resolve-method" }

// SupportsASLookup reports whether the resolver can answer AS queries.
func (d DnsResolveMethod) SupportsASLookup() bool {
	switch d {
	case DnsResolveSystem:
		return false
	case DnsResolveResolv, DnsResolveGoogle, DnsResolveCloudflare:
		return true
	}
	return false
}

func parseEnum(s string, names []string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range names {
		if n == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown value (%v)", s)
}

// Config is every parameter of a run. It is built once from defaults, an
// optional config file and the command line, then validated.
type Config struct {
	Targets  []string
	Protocol TraceProtocol

	FirstTTL uint8
	MaxTTL   uint8

	MinRoundDuration time.Duration
	MaxRoundDuration time.Duration
	// GraceDuration is how long to wait for late hop responses once the
	// target has answered.
	GraceDuration time.Duration

	MaxInflight     uint8
	InitialSequence uint16
	ReadTimeout     time.Duration
	// PacketSize is the whole IP packet: IP header, protocol header and payload.
	PacketSize     uint16
	PayloadPattern uint8
	// SourcePort is only used for TCP and UDP; nil lets the tracer pick one.
	SourcePort *uint16

	DNSTimeout       time.Duration
	DNSResolveMethod DnsResolveMethod
	DNSLookupASInfo  bool

	TUIMaxSamples         int
	TUIPreserveScreen     bool
	TUIRefreshRate        time.Duration
	TUIAddressMode        AddressMode
	TUIMaxAddressesPerHop *uint8

	Mode         Mode
	ReportCycles int
}

// DefaultConfig returns a Config with every documented default and no targets.
func DefaultConfig() Config {
	return Config{
		Protocol:         ProtocolIcmp,
		FirstTTL:         1,
		MaxTTL:           64,
		MinRoundDuration: time.Second,
		MaxRoundDuration: time.Second,
		GraceDuration:    100 * time.Millisecond,
		MaxInflight:      24,
		InitialSequence:  33000,
		ReadTimeout:      10 * time.Millisecond,
		PacketSize:       84,
		PayloadPattern:   0,
		DNSTimeout:       5 * time.Second,
		DNSResolveMethod: DnsResolveSystem,
		TUIMaxSamples:    256,
		TUIRefreshRate:   100 * time.Millisecond,
		TUIAddressMode:   AddressModeHost,
		Mode:             ModeTui,
		ReportCycles:     10,
	}
}

func (c Config) clone() Config {
	out := c
	out.Targets = append([]string(nil), c.Targets...)
	if c.SourcePort != nil {
		p := *c.SourcePort
		out.SourcePort = &p
	}
	if c.TUIMaxAddressesPerHop != nil {
		n := *c.TUIMaxAddressesPerHop
		out.TUIMaxAddressesPerHop = &n
	}
	return out
}
