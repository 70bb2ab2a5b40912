package supervisor

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// The host encodes the process creation time, in unix milliseconds, into the
// id as proc_<millis>_<suffix>. This is an external wire format.
var processIDPattern = regexp.MustCompile(`proc_(\d+)_`)

// ProcessTimestamp extracts the creation timestamp embedded in a process id.
// Ids without a parseable timestamp return 0 and therefore sort as oldest.
func ProcessTimestamp(id string) int64 {
	m := processIDPattern.FindStringSubmatch(id)
	if m == nil {
		return 0
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// ProcessCreatedAt is ProcessTimestamp as a time.
func ProcessCreatedAt(id string) time.Time {
	return time.UnixMilli(ProcessTimestamp(id))
}

// FormatProcessID builds an id in the host's format.
func FormatProcessID(created time.Time, suffix string) string {
	return fmt.Sprintf("proc_%d_%s", created.UnixMilli(), suffix)
}
