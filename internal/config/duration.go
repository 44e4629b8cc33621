package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// isoDurationPattern matches the restricted subset of ISO-8601 durations
// this daemon accepts: PT(nH)?(nM)?(nS)?, whole seconds only. This is the
// exact pattern the original bmc-data-sync daemon validates against.
var isoDurationPattern = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// ParseISODuration parses an ISO-8601 duration of the form PTnHnMnS. It
// returns an error if the string doesn't match the accepted subset;
// callers apply their own documented default on error, per spec.
func ParseISODuration(s string) (time.Duration, error) {
	m := isoDurationPattern.FindStringSubmatch(s)
	if m == nil || (m[1] == "" && m[2] == "" && m[3] == "") {
		return 0, fmt.Errorf("config: %q is not a valid ISO-8601 duration [PTnHnMnS]", s)
	}

	var total int64
	for i, unit := range []int64{3600, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("config: %q is not a valid ISO-8601 duration: %w", s, err)
		}
		total += n * unit
	}

	return time.Duration(total) * time.Second, nil
}

// FormatISODuration renders a duration back into canonical PTnHnMnS form,
// truncating to whole seconds. Re-parsing the result with
// ParseISODuration always yields the same number of seconds.
func FormatISODuration(d time.Duration) string {
	totalSeconds := int64(d / time.Second)
	if totalSeconds < 0 {
		totalSeconds = 0
	}

	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours == 0 && minutes == 0 && seconds == 0 {
		return "PT0S"
	}

	out := "PT"
	if hours > 0 {
		out += fmt.Sprintf("%dH", hours)
	}
	if minutes > 0 {
		out += fmt.Sprintf("%dM", minutes)
	}
	if seconds > 0 {
		out += fmt.Sprintf("%dS", seconds)
	}
	return out
}
