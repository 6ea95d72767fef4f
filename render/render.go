// Package render turns raw application bytes read from an intercepted
// flow into human-readable diagnostic text. Rendering is a pure
// byte-span transform with no I/O so it can be tested without a live
// capture stack.
package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/buger/goreplay/byteutils"
	"github.com/vearne/tcptap/model"
)

// PrintThreshold is the minimum length of a consecutive printable run
// for it to be emitted as text. Shorter runs are treated as noise and
// folded into the skipped counter.
const PrintThreshold = 10

const (
	heavyRule = "========================================================================================"
	lightRule = "----------------------------------------------------------------------------------------"
)

func printable(b byte) bool {
	return (b >= 0x20 && b <= 0x7e) || b == '\n' || b == '\r' || b == '\t'
}

// Span renders a byte span, emitting printable runs of at least
// PrintThreshold bytes verbatim and collapsing everything else into
// <N> skip markers. Run state is reset per invocation; no cross-read
// state is retained. The transform is intentionally lossy: skipped
// spans are reported only as a count, never as content.
func Span(span []byte) string {
	var (
		out     []byte
		run     int // length of the current printable run
		skipped int // bytes suppressed since the last emitted run
	)

	for i := 0; i < len(span); i++ {
		if printable(span[i]) {
			run++
			continue
		}

		// Emit on printable-to-unprintable transition if enough
		// consecutive printable bytes were seen.
		if run >= PrintThreshold {
			if skipped > 0 {
				out = appendMarker(out, skipped)
				skipped = 0
			}
			out = append(out, span[i-run:i]...)
		} else {
			skipped += run
		}
		run = 0
		skipped++
	}

	// End of span always flushes: pending marker first, then whatever
	// printable run remains, even below the threshold.
	if skipped > 0 {
		out = appendMarker(out, skipped)
	}
	out = append(out, span[len(span)-run:]...)

	return byteutils.SliceToString(out)
}

func appendMarker(out []byte, skipped int) []byte {
	out = append(out, '<')
	out = strconv.AppendUint(out, uint64(skipped), 10)
	return append(out, '>')
}

// Frame wraps an already rendered data record with separators, its
// connection label and the running total, matching the on-wire dump
// layout:
//
//	====...
//	To SERVER (1.2.3.4:80 <- 5.6.7.8:1234) (n bytes, m total):
//	----...
//	<body>
//	====...
func Frame(r *model.Record) string {
	var b strings.Builder
	if r.Kind == model.KindTelemetry {
		b.WriteString(heavyRule)
		b.WriteByte('\n')
		b.WriteString(r.Body)
		if !strings.HasSuffix(r.Body, "\n") {
			b.WriteByte('\n')
		}
		b.WriteString(heavyRule)
		b.WriteByte('\n')
		return b.String()
	}

	b.WriteString(heavyRule)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "To %s (%d bytes, %d total):\n", r.Label, r.Size, r.Total)
	b.WriteString(lightRule)
	b.WriteByte('\n')
	b.WriteString(r.Body)
	b.WriteByte('\n')
	b.WriteString(heavyRule)
	b.WriteByte('\n')
	return b.String()
}
