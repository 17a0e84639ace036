package reconcile

import (
	"fmt"
	"time"
)

// ParseSince parses an RFC3339 time or a look-back duration relative to
// now. An empty value looks back by def.
func ParseSince(value string, now time.Time, def time.Duration) (time.Time, error) {
	if value == "" {
		return now.Add(-def), nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("since must be an RFC3339 time or a positive duration, got %q", value)
	}
	return now.Add(-d), nil
}
