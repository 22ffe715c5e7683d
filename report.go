package go_pathtrace

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

// HopView is a hop with its addresses already rendered.
type HopView struct {
	TTL     uint8    `json:"ttl"`
	Hosts   []string `json:"hosts"`
	LossPct float64  `json:"loss_pct"`
	Sent    int      `json:"sent"`
	Recv    int      `json:"recv"`
	Last    float64  `json:"last"`
	Avg     float64  `json:"avg"`
	Best    float64  `json:"best"`
	Worst   float64  `json:"worst"`
	StdDev  float64  `json:"stddev"`
}

// ViewOptions controls address rendering.
type ViewOptions struct {
	AddressMode AddressMode
	// MaxAddrs caps addresses per hop; zero shows all.
	MaxAddrs int
	LookupAS bool
}

func ViewOptionsFromConfig(c Config) ViewOptions {
	v := ViewOptions{AddressMode: c.TUIAddressMode, LookupAS: c.DNSLookupASInfo}
	if c.TUIMaxAddressesPerHop != nil {
		v.MaxAddrs = int(*c.TUIMaxAddressesPerHop)
	}
	return v
}

// BuildHopViews renders hops, doing reverse lookups when the address mode
// or AS lookup needs them. resolver may be nil in IP mode.
func BuildHopViews(ctx context.Context, hops []Hop, resolver Resolver, opts ViewOptions) []HopView {
	views := make([]HopView, 0, len(hops))
	for _, h := range hops {
		v := HopView{
			TTL:     h.TTL,
			LossPct: h.LossPct(),
			Sent:    h.Sent,
			Recv:    h.Recv,
			Last:    millis(h.Last),
			Avg:     millis(h.Avg()),
			Best:    millis(h.Best),
			Worst:   millis(h.Worst),
			StdDev:  millis(h.StdDev()),
		}
		addrs := h.Addrs
		if opts.MaxAddrs > 0 && len(addrs) > opts.MaxAddrs {
			addrs = addrs[:opts.MaxAddrs]
		}
		for _, a := range addrs {
			var info HostInfo
			if resolver != nil && (opts.AddressMode != AddressModeIP || opts.LookupAS) {
				info = resolver.Reverse(ctx, a)
			}
			v.Hosts = append(v.Hosts, renderAddr(a.String(), info, opts))
		}
		views = append(views, v)
	}
	return views
}

func renderAddr(ip string, info HostInfo, opts ViewOptions) string {
	var s string
	switch opts.AddressMode {
	case AddressModeIP:
		s = ip
	case AddressModeHost:
		if len(info.Hostnames) > 0 {
			s = info.Hostnames[0]
		} else {
			s = ip
		}
	case AddressModeBoth:
		if len(info.Hostnames) > 0 {
			s = fmt.Sprintf("%s (%s)", info.Hostnames[0], ip)
		} else {
			s = ip
		}
	default:
		s = ip
	}
	if opts.LookupAS {
		if info.AS != nil {
			s = fmt.Sprintf("AS%s %s", info.AS.Number, s)
		} else {
			s = "AS??? " + s
		}
	}
	return s
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// Reporter renders the final table of a report mode.
type Reporter interface {
	Report(w io.Writer, target string, hops []HopView) error
}

// NewReporter returns the reporter for a report mode.
func NewReporter(mode Mode) (Reporter, error) {
	switch mode {
	case ModePretty:
		return prettyReporter{}, nil
	case ModeMarkdown:
		return markdownReporter{}, nil
	case ModeCsv:
		return csvReporter{}, nil
	case ModeJson:
		return jsonReporter{}, nil
	case ModeTui, ModeStream:
		return nil, fmt.Errorf("mode (%v) is not a report mode", mode)
	}
	return nil, fmt.Errorf("unknown mode (%v)", mode)
}

var reportColumns = []string{"Hop", "Host", "Loss%", "Snt", "Recv", "Last", "Avg", "Best", "Wrst", "StDev"}

func hostCell(h HopView) string {
	if len(h.Hosts) == 0 {
		return "???"
	}
	return strings.Join(h.Hosts, " ")
}

func rowCells(h HopView) []string {
	return []string{
		strconv.Itoa(int(h.TTL)),
		hostCell(h),
		fmt.Sprintf("%.1f%%", h.LossPct),
		strconv.Itoa(h.Sent),
		strconv.Itoa(h.Recv),
		fmt.Sprintf("%.1f", h.Last),
		fmt.Sprintf("%.1f", h.Avg),
		fmt.Sprintf("%.1f", h.Best),
		fmt.Sprintf("%.1f", h.Worst),
		fmt.Sprintf("%.1f", h.StdDev),
	}
}

type prettyReporter struct{}

func (prettyReporter) Report(w io.Writer, target string, hops []HopView) error {
	if _, err := fmt.Fprintf(w, "Target: %s\n", target); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(reportColumns, "\t"))
	for _, h := range hops {
		fmt.Fprintln(tw, strings.Join(rowCells(h), "\t"))
	}
	return tw.Flush()
}

type markdownReporter struct{}

func (markdownReporter) Report(w io.Writer, target string, hops []HopView) error {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s\n\n", target)
	fmt.Fprintf(&b, "| %s |\n", strings.Join(reportColumns, " | "))
	seps := make([]string, len(reportColumns))
	for i := range seps {
		seps[i] = "---"
	}
	fmt.Fprintf(&b, "| %s |\n", strings.Join(seps, " | "))
	for _, h := range hops {
		cells := rowCells(h)
		for i, c := range cells {
			cells[i] = strings.ReplaceAll(c, "|", "\\|")
		}
		fmt.Fprintf(&b, "| %s |\n", strings.Join(cells, " | "))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

type csvReporter struct{}

func (csvReporter) Report(w io.Writer, target string, hops []HopView) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"Target"}, reportColumns...)); err != nil {
		return err
	}
	for _, h := range hops {
		if err := cw.Write(append([]string{target}, rowCells(h)...)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type jsonReporter struct{}

type jsonReport struct {
	Target string    `json:"target"`
	Hops   []HopView `json:"hops"`
}

func (jsonReporter) Report(w io.Writer, target string, hops []HopView) error {
	if hops == nil {
		hops = []HopView{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonReport{Target: target, Hops: hops})
}
