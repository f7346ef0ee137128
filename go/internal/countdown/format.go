package countdown

import (
	"fmt"
	"strings"
	"time"
)

// Seconds rounds d up to whole seconds; negative durations are zero.
// Rounding up keeps a running countdown from displaying 00:00:00.
func Seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// FormatHMS renders d as HH:MM:SS
func FormatHMS(d time.Duration) string {
	total := Seconds(d)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

var endTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseEndTime parses a server-declared end time. Values without a zone are
// taken as UTC.
func ParseEndTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range endTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
