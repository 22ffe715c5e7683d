package go_pathtrace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "100ms" style strings or integer seconds in YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		return nil
	}
	if value.Tag == "!!int" {
		seconds, err := strconv.Atoi(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration integer %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// FileConfig mirrors Config for YAML files. Only keys present in the file
// are applied.
type FileConfig struct {
	Targets               []string  `yaml:"targets"`
	Protocol              *string   `yaml:"protocol"`
	FirstTTL              *uint8    `yaml:"first_ttl"`
	MaxTTL                *uint8    `yaml:"max_ttl"`
	MinRoundDuration      *Duration `yaml:"min_round_duration"`
	MaxRoundDuration      *Duration `yaml:"max_round_duration"`
	GraceDuration         *Duration `yaml:"grace_duration"`
	MaxInflight           *uint8    `yaml:"max_inflight"`
	InitialSequence       *uint16   `yaml:"initial_sequence"`
	ReadTimeout           *Duration `yaml:"read_timeout"`
	PacketSize            *uint16   `yaml:"packet_size"`
	PayloadPattern        *uint8    `yaml:"payload_pattern"`
	SourcePort            *uint16   `yaml:"source_port"`
	DNSTimeout            *Duration `yaml:"dns_timeout"`
	DNSResolveMethod      *string   `yaml:"dns_resolve_method"`
	DNSLookupASInfo       *bool     `yaml:"dns_lookup_as_info"`
	TUIMaxSamples         *int      `yaml:"tui_max_samples"`
	TUIPreserveScreen     *bool     `yaml:"tui_preserve_screen"`
	TUIRefreshRate        *Duration `yaml:"tui_refresh_rate"`
	TUIAddressMode        *string   `yaml:"tui_address_mode"`
	TUIMaxAddressesPerHop *uint8    `yaml:"tui_max_addresses_per_hop"`
	Mode                  *string   `yaml:"mode"`
	ReportCycles          *int      `yaml:"report_cycles"`
}

// LoadFile reads path and applies it on top of base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config (%v): %w", path, err)
	}
	return ParseFile(data, base)
}

// ParseFile decodes YAML data and applies it on top of base.
func ParseFile(data []byte, base Config) (Config, error) {
	var fc FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return base, fmt.Errorf("parse config: %w", err)
	}
	return fc.Apply(base)
}

// Apply overlays the values set in fc onto c.
func (fc *FileConfig) Apply(c Config) (Config, error) {
	out := c.clone()
	if len(fc.Targets) > 0 {
		out.Targets = append([]string(nil), fc.Targets...)
	}
	if fc.Protocol != nil {
		p, err := ParseTraceProtocol(*fc.Protocol)
		if err != nil {
			return c, err
		}
		out.Protocol = p
	}
	if fc.FirstTTL != nil {
		out.FirstTTL = *fc.FirstTTL
	}
	if fc.MaxTTL != nil {
		out.MaxTTL = *fc.MaxTTL
	}
	if fc.MinRoundDuration != nil {
		out.MinRoundDuration = fc.MinRoundDuration.Duration
	}
	if fc.MaxRoundDuration != nil {
		out.MaxRoundDuration = fc.MaxRoundDuration.Duration
	}
	if fc.GraceDuration != nil {
		out.GraceDuration = fc.GraceDuration.Duration
	}
	if fc.MaxInflight != nil {
		out.MaxInflight = *fc.MaxInflight
	}
	if fc.InitialSequence != nil {
		out.InitialSequence = *fc.InitialSequence
	}
	if fc.ReadTimeout != nil {
		out.ReadTimeout = fc.ReadTimeout.Duration
	}
	if fc.PacketSize != nil {
		out.PacketSize = *fc.PacketSize
	}
	if fc.PayloadPattern != nil {
		out.PayloadPattern = *fc.PayloadPattern
	}
	if fc.SourcePort != nil {
		p := *fc.SourcePort
		out.SourcePort = &p
	}
	if fc.DNSTimeout != nil {
		out.DNSTimeout = fc.DNSTimeout.Duration
	}
	if fc.DNSResolveMethod != nil {
		m, err := ParseDnsResolveMethod(*fc.DNSResolveMethod)
		if err != nil {
			return c, err
		}
		out.DNSResolveMethod = m
	}
	if fc.DNSLookupASInfo != nil {
		out.DNSLookupASInfo = *fc.DNSLookupASInfo
	}
	if fc.TUIMaxSamples != nil {
		out.TUIMaxSamples = *fc.TUIMaxSamples
	}
	if fc.TUIPreserveScreen != nil {
		out.TUIPreserveScreen = *fc.TUIPreserveScreen
	}
	if fc.TUIRefreshRate != nil {
		out.TUIRefreshRate = fc.TUIRefreshRate.Duration
	}
	if fc.TUIAddressMode != nil {
		a, err := ParseAddressMode(*fc.TUIAddressMode)
		if err != nil {
			return c, err
		}
		out.TUIAddressMode = a
	}
	if fc.TUIMaxAddressesPerHop != nil {
		n := *fc.TUIMaxAddressesPerHop
		out.TUIMaxAddressesPerHop = &n
	}
	if fc.Mode != nil {
		m, err := ParseMode(*fc.Mode)
		if err != nil {
			return c, err
		}
		out.Mode = m
	}
	if fc.ReportCycles != nil {
		out.ReportCycles = *fc.ReportCycles
	}
	return out, nil
}
