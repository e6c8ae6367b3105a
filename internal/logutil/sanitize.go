package logutil

import (
	"strconv"
	"strings"
)

// maxLogFieldLen bounds how much of a client-supplied value ends up in a log line.
const maxLogFieldLen = 256

// SanitizeForLog removes newlines and control characters from user-provided
// strings so a client cannot forge log entries, and truncates long values.
func SanitizeForLog(s string) string {
	s = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(s)

	var result strings.Builder
	result.Grow(len(s))
	n := 0
	for _, r := range s {
		if r < 32 || r == 127 {
			continue
		}
		if n == maxLogFieldLen {
			result.WriteString("...")
			break
		}
		result.WriteRune(r)
		n++
	}
	return result.String()
}

// Target formats user@host:port for log lines.
func Target(username, host string, port int) string {
	var b strings.Builder
	b.WriteString(SanitizeForLog(username))
	b.WriteByte('@')
	b.WriteString(SanitizeForLog(host))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(port))
	return b.String()
}
