package go_pathtrace

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const (
	ansiAltScreenOn  = "\x1b[?1049h"
	ansiAltScreenOff = "\x1b[?1049l"
	ansiHideCursor   = "\x1b[?25l"
	ansiShowCursor   = "\x1b[?25h"
	ansiHomeClear    = "\x1b[H\x1b[2J"

	sparkWidth = 24
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle = lipgloss.NewStyle().Bold(true)
	lossStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	sparkLevels = []rune("▁▂▃▄▅▆▇█")
)

// TUI redraws a table per target every refresh interval until ctx is done.
type TUI struct {
	w        io.Writer
	states   []*TraceState
	resolver Resolver
	opts     ViewOptions
	refresh  time.Duration
	preserve bool
}

// NewTUI draws states to w. Reverse lookups run in the background and a
// redraw shows whatever has been resolved so far.
func NewTUI(w io.Writer, states []*TraceState, resolver Resolver, conf Config) *TUI {
	if resolver != nil {
		resolver = NewBackgroundResolver(resolver)
	}
	return &TUI{
		w:        w,
		states:   states,
		resolver: resolver,
		opts:     ViewOptionsFromConfig(conf),
		refresh:  conf.TUIRefreshRate,
		preserve: conf.TUIPreserveScreen,
	}
}

func (t *TUI) Run(ctx context.Context) error {
	if !t.preserve {
		fmt.Fprint(t.w, ansiAltScreenOn)
	}
	fmt.Fprint(t.w, ansiHideCursor)
	defer func() {
		fmt.Fprint(t.w, ansiShowCursor)
		if !t.preserve {
			fmt.Fprint(t.w, ansiAltScreenOff)
		}
	}()
	ticker := time.NewTicker(t.refresh)
	defer ticker.Stop()
	for {
		if _, err := io.WriteString(t.w, ansiHomeClear+t.Render(ctx)); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Render draws every target once.
func (t *TUI) Render(ctx context.Context) string {
	var b strings.Builder
	for i, s := range t.states {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(titleStyle.Render(fmt.Sprintf("%s (round %d)", s.Target(), s.Rounds())))
		b.WriteString("\n")
		hops := s.Hops()
		views := BuildHopViews(ctx, hops, t.resolver, t.opts)
		var table strings.Builder
		tw := tabwriter.NewWriter(&table, 0, 0, 2, ' ', 0)
		header := append(append([]string(nil), reportColumns...), "Samples")
		fmt.Fprintln(tw, strings.Join(header, "\t"))
		for idx, v := range views {
			cells := append(rowCells(v), sparkline(hops[idx].Samples, sparkWidth))
			fmt.Fprintln(tw, strings.Join(cells, "\t"))
		}
		tw.Flush()
		// style whole lines after alignment, escape codes would skew the columns
		lines := strings.Split(strings.TrimSuffix(table.String(), "\n"), "\n")
		for n, line := range lines {
			switch {
			case n == 0:
				line = headerStyle.Render(line)
			case views[n-1].LossPct > 0:
				line = lossStyle.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// sparkline draws the newest width samples; lost probes are blank.
func sparkline(samples []time.Duration, width int) string {
	if len(samples) > width {
		samples = samples[len(samples)-width:]
	}
	var worst time.Duration
	for _, s := range samples {
		if s > worst {
			worst = s
		}
	}
	out := make([]rune, 0, len(samples))
	for _, s := range samples {
		if s == 0 || worst == 0 {
			out = append(out, ' ')
			continue
		}
		lvl := int(int64(s) * int64(len(sparkLevels)-1) / int64(worst))
		out = append(out, sparkLevels[lvl])
	}
	return string(out)
}
