package prompt

import (
	"fmt"
	"time"
)

// TimeSince phrases an elapsed duration the way a person would say it in
// conversation: seconds under a minute, minutes while the gap is still under
// two hours, then hours, then days. The unit is singular when its value is 1.
func TimeSince(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	secs := int64(d.Seconds())
	mins := int64(d.Minutes())
	hours := int64(d.Hours())
	days := hours / 24

	switch {
	case secs < 60:
		return plural(secs, "second")
	case mins < 120:
		return plural(mins, "minute")
	case hours < 24:
		return plural(hours, "hour")
	default:
		return plural(days, "day")
	}
}

func plural(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
