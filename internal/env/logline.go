package env

import (
	"strings"
	"time"
)

// ParseLogLine splits the RFC3339 timestamp prefix that docker and kubernetes add when
// timestamps are requested. Lines without one are stamped with the current time.
func ParseLogLine(stream Stream, line string) LogEntry {
	line = strings.TrimSuffix(line, "\r")
	if ts, rest, ok := strings.Cut(line, " "); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return LogEntry{Stream: stream, Time: t, Content: rest}
		}
	}
	return LogEntry{Stream: stream, Time: time.Now(), Content: line}
}
