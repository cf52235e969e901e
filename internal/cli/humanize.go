package cli

import (
	"time"

	"github.com/dustin/go-humanize"
)

// Bytes formats a size for humans, e.g. "1.2 MB".
func Bytes(n int64) string {
	if n < 0 {
		return "-"
	}
	return humanize.Bytes(uint64(n))
}

// Count formats an integer with thousands separators.
func Count(n int64) string {
	return humanize.Comma(n)
}

// Ago formats t relative to now, or "-" for the zero time.
func Ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// YesNo renders a boolean column.
func YesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
