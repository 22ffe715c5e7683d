package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	pathtrace "github.com/wisdomatom/go-pathtrace"
)

func parse(t *testing.T, args ...string) (pathtrace.Config, error) {
	t.Helper()
	root, o := newRootCmd()
	if err := root.ParseFlags(args); err != nil {
		t.Fatalf("parse flags %v: %v", args, err)
	}
	return buildConfig(root.Flags(), o, root.Flags().Args())
}

func TestBuildConfigDefaults(t *testing.T) {
	c, err := parse(t, "example.com")
	if err != nil {
		t.Fatalf("buildConfig returned error: %v", err)
	}
	d := pathtrace.DefaultConfig()
	if c.MaxTTL != d.MaxTTL || c.Mode != d.Mode || c.Protocol != d.Protocol || c.PacketSize != d.PacketSize {
		t.Fatalf("expected defaults, got %+v", c)
	}
	if c.SourcePort != nil || c.TUIMaxAddressesPerHop != nil {
		t.Fatalf("expected unset optional fields when flags are absent")
	}
	if len(c.Targets) != 1 || c.Targets[0] != "example.com" {
		t.Fatalf("unexpected targets %v", c.Targets)
	}
}

func TestBuildConfigFlags(t *testing.T) {
	c, err := parse(t, "-p", "udp", "-t", "30", "-m", "json", "-c", "3", "--source-port", "5000",
		"--tui-max-addresses-per-hop", "2", "-z", "-r", "google", "-g", "50ms", "a.com")
	if err != nil {
		t.Fatalf("buildConfig returned error: %v", err)
	}
	if c.Protocol != pathtrace.ProtocolUdp || c.MaxTTL != 30 || c.Mode != pathtrace.ModeJson || c.ReportCycles != 3 {
		t.Fatalf("flags not applied: %+v", c)
	}
	if c.SourcePort == nil || *c.SourcePort != 5000 {
		t.Fatalf("expected source port 5000, got %v", c.SourcePort)
	}
	if c.TUIMaxAddressesPerHop == nil || *c.TUIMaxAddressesPerHop != 2 {
		t.Fatalf("expected 2 addresses per hop")
	}
	if !c.DNSLookupASInfo || c.DNSResolveMethod != pathtrace.DnsResolveGoogle || c.GraceDuration != 50*time.Millisecond {
		t.Fatalf("unexpected dns/grace settings %+v", c)
	}
}

func TestBuildConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pathtrace.yaml")
	data := "targets: [from-file.example]\nmax_ttl: 20\nmode: csv\nreport_cycles: 7\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c, err := parse(t, "--config", path, "-c", "2")
	if err != nil {
		t.Fatalf("buildConfig returned error: %v", err)
	}
	if c.MaxTTL != 20 || c.Mode != pathtrace.ModeCsv {
		t.Fatalf("expected file values, got max ttl %d mode %v", c.MaxTTL, c.Mode)
	}
	if c.ReportCycles != 2 {
		t.Fatalf("expected flag to override file, got %d cycles", c.ReportCycles)
	}
	if len(c.Targets) != 1 || c.Targets[0] != "from-file.example" {
		t.Fatalf("expected file targets, got %v", c.Targets)
	}

	c, err = parse(t, "--config", path, "cli.example")
	if err != nil {
		t.Fatalf("buildConfig returned error: %v", err)
	}
	if len(c.Targets) != 1 || c.Targets[0] != "cli.example" {
		t.Fatalf("expected command line targets to win, got %v", c.Targets)
	}
}

func TestBuildConfigBadFile(t *testing.T) {
	if _, err := parse(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestBadEnumFlag(t *testing.T) {
	root, _ := newRootCmd()
	if err := root.ParseFlags([]string{"--mode", "gui"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func execute(args ...string) (string, string, error) {
	root, o := newRootCmd()
	var stdout, stderr bytes.Buffer
	o.stdout, o.stderr = &stdout, &stderr
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCheckValidConfig(t *testing.T) {
	if _, _, err := execute("--check", "-m", "pretty", "example.com"); err != nil {
		t.Fatalf("expected valid configuration, got %v", err)
	}
}

func TestCheckReportsFirstViolation(t *testing.T) {
	_, stderr, err := execute("--check", "-m", "pretty", "-p", "tcp", "a.com", "b.com")
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	if !strings.Contains(err.Error(), "only a single target may be specified for this mode") {
		t.Fatalf("expected mode violation first, got %q", err.Error())
	}
	if strings.Contains(err.Error(), "\n") {
		t.Fatalf("expected a single line error, got %q", err.Error())
	}
	if stderr != "" {
		t.Fatalf("expected further violations to stay below the log level, got %q", stderr)
	}
}

func TestCheckLogsFurtherViolations(t *testing.T) {
	_, stderr, err := execute("--check", "--log-level", "debug", "-m", "pretty", "-p", "tcp", "a.com", "b.com")
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	if !strings.Contains(stderr, "TCP and UDP tracing") {
		t.Fatalf("expected second violation in debug log, got %q", stderr)
	}
}

func TestCheckSourcePort(t *testing.T) {
	_, _, err := execute("--check", "-p", "tcp", "--source-port", "80", "a.com")
	if err == nil || err.Error() != "source_port (80) must be >= 1024" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestRequiresTarget(t *testing.T) {
	_, _, err := execute("--check")
	if err == nil || !strings.HasPrefix(err.Error(), "no target specified") {
		t.Fatalf("expected missing target error, got %v", err)
	}
}

func TestCheckTargetsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pathtrace.yaml")
	if err := os.WriteFile(path, []byte("targets: [example.com]\nmode: pretty\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, err := execute("--check", "--config", path); err != nil {
		t.Fatalf("expected targets from the config file to be used, got %v", err)
	}

	if err := os.WriteFile(path, []byte("targets: [a.com, b.com]\nmode: pretty\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, _, err := execute("--check", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "only a single target may be specified for this mode") {
		t.Fatalf("expected file targets to be validated, got %v", err)
	}
}

// sockets stands in for the raw sockets of every tracer it is given to.
type sockets struct {
	mu     sync.Mutex
	closed int
}

func (s *sockets) Probe(pathtrace.SendProbe) error { return nil }

func (s *sockets) Receive() (chan []byte, error) { return make(chan []byte), nil }

func (s *sockets) Close() {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
}

func TestOpenTracersClosesOnFailure(t *testing.T) {
	conf := pathtrace.DefaultConfig()
	conf.Targets = []string{"192.0.2.1", "192.0.2.2", "2001:db8::1"}
	vc, err := conf.Validate()
	if err != nil {
		t.Fatalf("invalid config: %v", err)
	}
	socks := &sockets{}
	_, err = openTracers(context.Background(), vc, nil, pathtrace.NewDiscardLogger(),
		pathtrace.WithSource(net.ParseIP("192.0.2.100")),
		pathtrace.WithDetector(socks),
		pathtrace.WithReceiver(socks))
	if err == nil {
		t.Fatalf("expected error for ipv6 target")
	}
	// two tracers, each closing its detector and receiver
	if socks.closed != 4 {
		t.Fatalf("expected opened tracers to be closed, got %d closes", socks.closed)
	}

	conf.Targets = conf.Targets[:2]
	vc, err = conf.Validate()
	if err != nil {
		t.Fatalf("invalid config: %v", err)
	}
	socks = &sockets{}
	tracers, err := openTracers(context.Background(), vc, nil, pathtrace.NewDiscardLogger(),
		pathtrace.WithSource(net.ParseIP("192.0.2.100")),
		pathtrace.WithDetector(socks),
		pathtrace.WithReceiver(socks))
	if err != nil || len(tracers) != 2 {
		t.Fatalf("expected two tracers, got %d, %v", len(tracers), err)
	}
	if socks.closed != 0 {
		t.Fatalf("expected sockets left open, got %d closes", socks.closed)
	}
}
