// Package partition handles the daily partition keys of partitioned resources.
package partition

import (
	"errors"
	"fmt"
	"time"
)

// Layout is the partition key format.
const Layout = "2006-01-02"

// DefaultStart is the first daily partition.
var DefaultStart = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// ErrInvalid is returned for keys that are not YYYY-MM-DD dates.
var ErrInvalid = errors.New("invalid partition")

// Parse parses a YYYY-MM-DD key into a UTC midnight.
func Parse(key string) (time.Time, error) {
	t, err := time.ParseInLocation(Layout, key, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: want YYYY-MM-DD", ErrInvalid, key)
	}
	return t, nil
}

// Format renders the day of t (in UTC) as a key.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Latest returns the most recent complete daily partition at now: yesterday in UTC.
func Latest(now time.Time) string {
	return Format(now.UTC().AddDate(0, 0, -1))
}

// Partitions lists the keys from "from" to "to", both inclusive, in date order.
func Partitions(from, to string) ([]string, error) {
	start, err := Parse(from)
	if err != nil {
		return nil, err
	}
	end, err := Parse(to)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: range %s..%s is reversed", ErrInvalid, from, to)
	}

	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, Format(d))
	}
	return out, nil
}
