package go_pathtrace

import (
	"fmt"
	"io"
)

// StreamSink prints every probe of a round as one line.
func StreamSink(w io.Writer) func(RoundResult) {
	return func(r RoundResult) {
		for _, p := range r.Probes {
			if p.Status != ProbeComplete {
				fmt.Fprintf(w, "round=%d ttl=%d seq=%d host=* rtt=*\n", r.Round, p.TTL, p.Sequence)
				continue
			}
			fmt.Fprintf(w, "round=%d ttl=%d seq=%d host=%v rtt=%.1fms reached=%t\n",
				r.Round, p.TTL, p.Sequence, p.Host, millis(p.Latency()), p.Reached)
		}
	}
}
