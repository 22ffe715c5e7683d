package go_pathtrace

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ViolationKind classifies a configuration error.
type ViolationKind int

const (
	// TargetCountViolation is more than one target with a mode or protocol
	// that can only trace one.
	TargetCountViolation ViolationKind = iota
	// RangeViolation is a value outside its inclusive bounds.
	RangeViolation
	// OrderViolation is a lower bound above its upper bound, or a ttl outside 1..255.
	OrderViolation
	// CapabilityViolation is a feature the selected resolver can't provide.
	CapabilityViolation
	// ZeroViolation is a count that must be positive.
	ZeroViolation
)

var violationKindNames = [...]string{"target-count", "range", "order", "capability", "zero"}

func (k ViolationKind) String() string {
	if k < 0 || int(k) >= len(violationKindNames) {
		return fmt.Sprintf("ViolationKind(%d)", int(k))
	}
	return violationKindNames[k]
}

// Violation is one broken configuration rule.
type Violation struct {
	Kind    ViolationKind
	Field   string
	Message string
}

func (v *Violation) Error() string {
	return v.Message
}

// ValidationErrors holds every violation found, in check order.
type ValidationErrors []*Violation

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, v := range e {
		msgs = append(msgs, v.Message)
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) Unwrap() []error {
	errs := make([]error, 0, len(e))
	for _, v := range e {
		errs = append(errs, v)
	}
	return errs
}

// First returns the violation reported by the earliest check.
func (e ValidationErrors) First() *Violation {
	if len(e) == 0 {
		return nil
	}
	return e[0]
}

// Has reports whether any violation of kind k was found.
func (e ValidationErrors) Has(k ViolationKind) bool {
	for _, v := range e {
		if v.Kind == k {
			return true
		}
	}
	return false
}

// AsValidationErrors extracts ValidationErrors from err.
func AsValidationErrors(err error) (ValidationErrors, bool) {
	var ve ValidationErrors
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// ValidConfig is a Config that passed every check. It can only be obtained
// from Config.Validate and never changes afterwards.
type ValidConfig struct {
	cfg Config
}

// Config returns a copy of the validated configuration.
func (v *ValidConfig) Config() Config {
	return v.cfg.clone()
}

type check func(c *Config) *Violation

// checks run in this order so diagnostics are reproducible.
var checks = []check{
	func(c *Config) *Violation { return validateMultiTargetMode(c.Mode, c.Targets) },
	func(c *Config) *Violation { return validateMultiTargetProtocol(c.Protocol, c.Targets) },
	func(c *Config) *Violation { return validateReportCycles(c.ReportCycles) },
	func(c *Config) *Violation { return validateTUIRefreshRate(c.TUIRefreshRate) },
	func(c *Config) *Violation { return validateGraceDuration(c.GraceDuration) },
	func(c *Config) *Violation { return validatePacketSize(c.PacketSize) },
	func(c *Config) *Violation { return validateSourcePort(c.SourcePort) },
	func(c *Config) *Violation { return validateRoundDuration(c.MinRoundDuration, c.MaxRoundDuration) },
	func(c *Config) *Violation { return validateReadTimeout(c.ReadTimeout) },
	func(c *Config) *Violation { return validateMaxInflight(c.MaxInflight) },
	func(c *Config) *Violation { return validateTTL(c.FirstTTL, c.MaxTTL) },
	func(c *Config) *Violation { return validateDNS(c.DNSResolveMethod, c.DNSLookupASInfo) },
}

// Validate runs every check and returns all violations as ValidationErrors.
// The receiver is not modified.
func (c Config) Validate() (*ValidConfig, error) {
	var errs ValidationErrors
	for _, ck := range checks {
		if v := ck(&c); v != nil {
			errs = append(errs, v)
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return &ValidConfig{cfg: c.clone()}, nil
}

func violation(kind ViolationKind, field, format string, args ...interface{}) *Violation {
	return &Violation{Kind: kind, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Only the TUI can show more than one target.
func validateMultiTargetMode(mode Mode, targets []string) *Violation {
	if len(targets) <= 1 {
		return nil
	}
	switch mode {
	case ModeTui:
		return nil
	case ModeStream, ModePretty, ModeMarkdown, ModeCsv, ModeJson:
		return violation(TargetCountViolation, "targets", "only a single target may be specified for this mode (%v)", mode)
	}
	return violation(TargetCountViolation, "targets", "only a single target may be specified for this mode (%v)", mode)
}

// TCP and UDP tracing can't tell concurrent targets apart.
func validateMultiTargetProtocol(protocol TraceProtocol, targets []string) *Violation {
	if len(targets) <= 1 {
		return nil
	}
	switch protocol {
	case ProtocolIcmp:
		return nil
	case ProtocolTcp, ProtocolUdp:
		return violation(TargetCountViolation, "targets", "only a single target may be specified for TCP and UDP tracing")
	}
	return violation(TargetCountViolation, "targets", "only a single target may be specified for %v tracing", protocol)
}

func validateReportCycles(reportCycles int) *Violation {
	if reportCycles < 1 {
		return violation(ZeroViolation, "report_cycles", "report_cycles (%d) must be greater than zero", reportCycles)
	}
	return nil
}

func validateTUIRefreshRate(rate time.Duration) *Violation {
	if rate < MinTUIRefreshRate || rate > MaxTUIRefreshRate {
		return violation(RangeViolation, "tui_refresh_rate", "tui_refresh_rate (%v) must be between %v and %v inclusive",
			rate, MinTUIRefreshRate, MaxTUIRefreshRate)
	}
	return nil
}

func validateGraceDuration(grace time.Duration) *Violation {
	if grace < MinGraceDuration || grace > MaxGraceDuration {
		return violation(RangeViolation, "grace_duration", "grace_duration (%v) must be between %v and %v inclusive",
			grace, MinGraceDuration, MaxGraceDuration)
	}
	return nil
}

func validatePacketSize(size uint16) *Violation {
	if size < MinPacketSize || size > MaxPacketSize {
		return violation(RangeViolation, "packet_size", "packet_size (%d) must be between %d and %d inclusive",
			size, MinPacketSize, MaxPacketSize)
	}
	return nil
}

// An unset source port is left to the tracer.
func validateSourcePort(port *uint16) *Violation {
	if port == nil {
		return nil
	}
	if *port < MinSourcePort {
		return violation(RangeViolation, "source_port", "source_port (%d) must be >= %d", *port, MinSourcePort)
	}
	return nil
}

func validateRoundDuration(minRound, maxRound time.Duration) *Violation {
	if minRound > maxRound {
		return violation(OrderViolation, "min_round_duration,max_round_duration",
			"max_round_duration (%v) must not be less than min_round_duration (%v)", maxRound, minRound)
	}
	return nil
}

func validateReadTimeout(timeout time.Duration) *Violation {
	if timeout < MinReadTimeout || timeout > MaxReadTimeout {
		return violation(RangeViolation, "read_timeout", "read_timeout (%v) must be between %v and %v inclusive",
			timeout, MinReadTimeout, MaxReadTimeout)
	}
	return nil
}

func validateMaxInflight(maxInflight uint8) *Violation {
	if maxInflight == 0 {
		return violation(ZeroViolation, "max_inflight", "max_inflight (%d) must be greater than zero", maxInflight)
	}
	return nil
}

func validateTTL(firstTTL, maxTTL uint8) *Violation {
	if firstTTL < 1 || int(firstTTL) > MaxHops {
		return violation(OrderViolation, "first_ttl", "first_ttl (%d) must be in the range 1..%d", firstTTL, MaxHops)
	}
	if maxTTL < 1 || int(maxTTL) > MaxHops {
		return violation(OrderViolation, "max_ttl", "max_ttl (%d) must be in the range 1..%d", maxTTL, MaxHops)
	}
	if firstTTL > maxTTL {
		return violation(OrderViolation, "first_ttl,max_ttl", "first_ttl (%d) must be less than or equal to max_ttl (%d)", firstTTL, maxTTL)
	}
	return nil
}

func validateDNS(method DnsResolveMethod, lookupASInfo bool) *Violation {
	if lookupASInfo && !method.SupportsASLookup() {
		return violation(CapabilityViolation, "dns_resolve_method,dns_lookup_as_info",
			"AS lookup not supported by resolver %v (use --dns-resolve-method to choose another resolver)", method)
	}
	return nil
}
