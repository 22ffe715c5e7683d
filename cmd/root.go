package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	pathtrace "github.com/wisdomatom/go-pathtrace"
)

// options holds raw flag values; only flags the user changed are applied
// over the defaults and the config file.
type options struct {
	conf         pathtrace.Config
	sourcePort   uint16
	maxAddrsHop  uint8
	configPath   string
	logFormat    string
	logLevel     string
	stdout       io.Writer
	stderr       io.Writer
	validateOnly bool
}

func newRootCmd() (*cobra.Command, *options) {
	o := &options{conf: pathtrace.DefaultConfig(), stdout: os.Stdout, stderr: os.Stderr}
	root := &cobra.Command{
		Use:           "pathtrace [flags] [TARGET...]",
		Short:         "Trace a route to a host and record statistics",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o, args)
		},
	}
	f := root.Flags()
	c := &o.conf
	f.VarP(&c.Protocol, "protocol", "p", "tracing protocol (icmp, udp, tcp)")
	f.Uint8Var(&c.FirstTTL, "first-ttl", c.FirstTTL, "the TTL to start from")
	f.Uint8VarP(&c.MaxTTL, "max-ttl", "t", c.MaxTTL, "the maximum number of hops")
	f.DurationVarP(&c.MinRoundDuration, "min-round-duration", "i", c.MinRoundDuration, "the minimum duration of every round")
	f.DurationVarP(&c.MaxRoundDuration, "max-round-duration", "I", c.MaxRoundDuration, "the maximum duration of every round")
	f.DurationVarP(&c.GraceDuration, "grace-duration", "g", c.GraceDuration, "how long to wait for hop responses after the target has responded")
	f.Uint8VarP(&c.MaxInflight, "max-inflight", "U", c.MaxInflight, "the maximum number of in-flight probes")
	f.Uint16Var(&c.InitialSequence, "initial-sequence", c.InitialSequence, "the initial sequence number")
	f.DurationVar(&c.ReadTimeout, "read-timeout", c.ReadTimeout, "the socket read timeout")
	f.Uint16Var(&c.PacketSize, "packet-size", c.PacketSize, "the size of IP packet to send (IP header + protocol header + payload)")
	f.Uint8Var(&c.PayloadPattern, "payload-pattern", c.PayloadPattern, "the repeating byte of the probe payload")
	f.Uint16Var(&o.sourcePort, "source-port", 0, "the source port (TCP & UDP only)")
	f.DurationVar(&c.DNSTimeout, "dns-timeout", c.DNSTimeout, "the maximum time to wait to perform DNS queries")
	f.VarP(&c.DNSResolveMethod, "dns-resolve-method", "r", "how to perform DNS queries (system, resolv, google, cloudflare)")
	f.BoolVarP(&c.DNSLookupASInfo, "dns-lookup-as-info", "z", c.DNSLookupASInfo, "lookup autonomous system (AS) information during DNS queries")
	f.IntVarP(&c.TUIMaxSamples, "tui-max-samples", "s", c.TUIMaxSamples, "the maximum number of samples to record per hop")
	f.BoolVar(&c.TUIPreserveScreen, "tui-preserve-screen", c.TUIPreserveScreen, "preserve the screen on exit")
	f.DurationVar(&c.TUIRefreshRate, "tui-refresh-rate", c.TUIRefreshRate, "the TUI refresh rate")
	f.VarP(&c.TUIAddressMode, "tui-address-mode", "a", "how to render addresses (ip, host, both)")
	f.Uint8Var(&o.maxAddrsHop, "tui-max-addresses-per-hop", 0, "the maximum number of addresses to show per hop")
	f.VarP(&c.Mode, "mode", "m", "output mode (tui, stream, pretty, markdown, csv, json)")
	f.IntVarP(&c.ReportCycles, "report-cycles", "c", c.ReportCycles, "the number of report cycles to run")
	f.StringVar(&o.configPath, "config", "", "YAML config file, flags override its values")
	f.StringVar(&o.logFormat, "log-format", "text", "log format (text, json)")
	f.StringVar(&o.logLevel, "log-level", "warning", "log level (debug, info, warning, error)")
	f.BoolVar(&o.validateOnly, "check", false, "validate the configuration and exit")
	return root, o
}

// buildConfig layers defaults, the config file and changed flags.
func buildConfig(fs *pflag.FlagSet, o *options, args []string) (pathtrace.Config, error) {
	conf := pathtrace.DefaultConfig()
	if o.configPath != "" {
		var err error
		conf, err = pathtrace.LoadFile(o.configPath, conf)
		if err != nil {
			return conf, err
		}
	}
	fv := o.conf
	apply := map[string]func(){
		"protocol":                  func() { conf.Protocol = fv.Protocol },
		"first-ttl":                 func() { conf.FirstTTL = fv.FirstTTL },
		"max-ttl":                   func() { conf.MaxTTL = fv.MaxTTL },
		"min-round-duration":        func() { conf.MinRoundDuration = fv.MinRoundDuration },
		"max-round-duration":        func() { conf.MaxRoundDuration = fv.MaxRoundDuration },
		"grace-duration":            func() { conf.GraceDuration = fv.GraceDuration },
		"max-inflight":              func() { conf.MaxInflight = fv.MaxInflight },
		"initial-sequence":          func() { conf.InitialSequence = fv.InitialSequence },
		"read-timeout":              func() { conf.ReadTimeout = fv.ReadTimeout },
		"packet-size":               func() { conf.PacketSize = fv.PacketSize },
		"payload-pattern":           func() { conf.PayloadPattern = fv.PayloadPattern },
		"source-port":               func() { p := o.sourcePort; conf.SourcePort = &p },
		"dns-timeout":               func() { conf.DNSTimeout = fv.DNSTimeout },
		"dns-resolve-method":        func() { conf.DNSResolveMethod = fv.DNSResolveMethod },
		"dns-lookup-as-info":        func() { conf.DNSLookupASInfo = fv.DNSLookupASInfo },
		"tui-max-samples":           func() { conf.TUIMaxSamples = fv.TUIMaxSamples },
		"tui-preserve-screen":       func() { conf.TUIPreserveScreen = fv.TUIPreserveScreen },
		"tui-refresh-rate":          func() { conf.TUIRefreshRate = fv.TUIRefreshRate },
		"tui-address-mode":          func() { conf.TUIAddressMode = fv.TUIAddressMode },
		"tui-max-addresses-per-hop": func() { n := o.maxAddrsHop; conf.TUIMaxAddressesPerHop = &n },
		"mode":                      func() { conf.Mode = fv.Mode },
		"report-cycles":             func() { conf.ReportCycles = fv.ReportCycles },
	}
	fs.Visit(func(f *pflag.Flag) {
		if fn, ok := apply[f.Name]; ok {
			fn()
		}
	})
	if len(args) > 0 {
		conf.Targets = append([]string(nil), args...)
	}
	return conf, nil
}

func run(cmd *cobra.Command, o *options, args []string) error {
	logger := pathtrace.NewLogger(o.stderr, pathtrace.LogConfig{Format: o.logFormat, Level: o.logLevel})
	conf, err := buildConfig(cmd.Flags(), o, args)
	if err != nil {
		return err
	}
	if len(conf.Targets) == 0 {
		return errors.New("no target specified (pass TARGET arguments or set targets in --config)")
	}
	vc, err := conf.Validate()
	if err != nil {
		if ve, ok := pathtrace.AsValidationErrors(err); ok {
			for _, v := range ve[1:] {
				logger.Debug("further config violation", "kind", v.Kind.String(), "field", v.Field, "error", v.Message)
			}
			return ve.First()
		}
		return err
	}
	if o.validateOnly {
		return nil
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return trace(ctx, vc, logger, o.stdout)
}

func trace(ctx context.Context, vc *pathtrace.ValidConfig, logger *slog.Logger, out io.Writer) error {
	conf := vc.Config()
	resolver, err := pathtrace.NewResolver(conf.DNSResolveMethod, conf.DNSTimeout, conf.DNSLookupASInfo, logger)
	if err != nil {
		return err
	}
	tracers, err := openTracers(ctx, vc, resolver, logger)
	if err != nil {
		return err
	}
	states := make([]*pathtrace.TraceState, 0, len(tracers))
	for _, target := range conf.Targets {
		states = append(states, pathtrace.NewTraceState(target, conf.TUIMaxSamples))
	}

	switch conf.Mode {
	case pathtrace.ModeTui:
		g, gctx := errgroup.WithContext(ctx)
		for i := range tracers {
			tr, st := tracers[i], states[i]
			g.Go(func() error { return tr.Run(gctx, 0, st.Update) })
		}
		g.Go(func() error {
			return pathtrace.NewTUI(out, states, resolver, conf).Run(gctx)
		})
		return g.Wait()
	case pathtrace.ModeStream:
		return tracers[0].Run(ctx, 0, pathtrace.StreamSink(out))
	case pathtrace.ModePretty, pathtrace.ModeMarkdown, pathtrace.ModeCsv, pathtrace.ModeJson:
		reporter, err := pathtrace.NewReporter(conf.Mode)
		if err != nil {
			return err
		}
		if err := tracers[0].Run(ctx, conf.ReportCycles, states[0].Update); err != nil {
			return err
		}
		views := pathtrace.BuildHopViews(ctx, states[0].Hops(), resolver, pathtrace.ViewOptionsFromConfig(conf))
		return reporter.Report(out, conf.Targets[0], views)
	}
	return fmt.Errorf("unknown mode (%v)", conf.Mode)
}

// openTracers builds one tracer per target. On failure the tracers already
// opened are closed.
func openTracers(ctx context.Context, vc *pathtrace.ValidConfig, resolver pathtrace.Resolver, logger *slog.Logger,
	opts ...pathtrace.TracerOption) ([]*pathtrace.Tracer, error) {
	conf := vc.Config()
	baseID := uint16(os.Getpid())
	tracers := make([]*pathtrace.Tracer, 0, len(conf.Targets))
	fail := func(err error) ([]*pathtrace.Tracer, error) {
		for _, tr := range tracers {
			tr.Close()
		}
		return nil, err
	}
	for i, target := range conf.Targets {
		ip, err := pathtrace.ResolveTarget(ctx, resolver, target)
		if err != nil {
			return fail(err)
		}
		trOpts := append([]pathtrace.TracerOption{
			pathtrace.WithIdentifier(baseID + uint16(i)),
			pathtrace.WithLogger(logger),
		}, opts...)
		tr, err := pathtrace.NewTracer(vc, ip, trOpts...)
		if err != nil {
			return fail(fmt.Errorf("init trace error (%v): %w", target, err))
		}
		logger.Info("tracing", "target", target, "addr", ip.String(), "protocol", conf.Protocol.String())
		tracers = append(tracers, tr)
	}
	return tracers, nil
}

func main() {
	root, o := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(o.stderr, err)
		os.Exit(1)
	}
}
