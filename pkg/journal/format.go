package journal

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Count formats n with thousands separators.
func Count(n int) string {
	return humanize.Comma(int64(n))
}

// FormatRecord renders one journal line for the CLI.
func FormatRecord(r Record, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %s", r.Kind, humanize.RelTime(r.Started, now, "ago", "from now"))
	if r.Subject != "" {
		fmt.Fprintf(&b, "  %s", r.Subject)
	}
	fmt.Fprintf(&b, "  processed=%s skipped=%s", Count(r.Processed), Count(r.Skipped))
	switch r.Kind {
	case KindScan:
		fmt.Fprintf(&b, " matches=%s", Count(r.Matches))
	default:
		fmt.Fprintf(&b, " deleted=%s", Count(r.Deleted))
	}
	if d := r.Duration(); d > 0 {
		fmt.Fprintf(&b, "  took %s", d.Round(time.Second))
	}
	return b.String()
}

func FormatAggregate(agg Aggregate) string {
	return fmt.Sprintf("%s runs, %s deleted, %s matches, %s conversations skipped",
		Count(agg.Runs), Count(agg.Deleted), Count(agg.Matches), Count(agg.Skipped))
}
