package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// ParseQueryTime parses a range bound given in a query string.
// Layouts without a zone are read as UTC.
func ParseQueryTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	formats := []string{
		time.RFC3339Nano,      // 2025-12-29T10:30:45.123Z
		time.RFC3339,          // 2025-12-29T10:30:45Z
		"2006-01-02 15:04:05", // YYYY-MM-DD HH:mm:ss
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
		"2006-01-02",          // YYYY-MM-DD
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", s, lastErr)
}
