package utils

import (
	"fmt"
	"time"
)

const NotAvailable = "N/A"

// FormatDuration renders "1h 2m 3s", or "2m 3s" under an hour. Non-positive durations are N/A.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return NotAvailable
	}
	d = d.Truncate(time.Second)
	h := int64(d / time.Hour)
	m := int64(d%time.Hour) / int64(time.Minute)
	s := int64(d%time.Minute) / int64(time.Second)
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	return fmt.Sprintf("%dm %ds", m, s)
}
