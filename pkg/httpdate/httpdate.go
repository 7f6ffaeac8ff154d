// Package httpdate implements the RFC 9110 HTTP-date format:
// "EEE, dd MMM yyyy HH:mm:ss GMT", always rendered and parsed against GMT
// with en_US_POSIX month/weekday names.
package httpdate

import (
	"fmt"
	"strings"
	"time"
)

const layout = "Mon, 02 Jan 2006 15:04:05 GMT"

// Format renders t as an RFC 9110 HTTP-date, converting to GMT first.
func Format(t time.Time) string {
	return t.UTC().Format(layout)
}

// Parse decodes an RFC 9110 HTTP-date string into a UTC time.Time,
// truncated to second resolution.
func Parse(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	t, err := time.Parse(layout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("httpdate: %w", err)
	}
	return t.UTC(), nil
}

// EqualToSecond reports whether a and b are the same instant at second
// resolution, the precision HTTP-date can carry.
func EqualToSecond(a, b time.Time) bool {
	return a.UTC().Truncate(time.Second).Equal(b.UTC().Truncate(time.Second))
}
