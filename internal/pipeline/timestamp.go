package pipeline

import (
	"fmt"
	"time"
)

// tagTimestampLayouts are tried in order when reconstructing a
// message's timestamp from its tag bag. The sensor always writes the
// millisecond-precision UTC form, but reconstruction accepts a bare
// RFC3339 timestamp too, normalising either to UTC.
var tagTimestampLayouts = []string{
	"2006-01-02T15:04:05.000Z",
	time.RFC3339Nano,
	time.RFC3339,
}

// parseTagTimestamp parses an ISO-8601 timestamp accepting a trailing
// Z or an explicit offset, returning it normalised to UTC.
func parseTagTimestamp(raw string) (time.Time, error) {
	for _, layout := range tagTimestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("no matching ISO timestamp layout for %q", raw)
}
