package helper

import (
	"fmt"
	"time"
)

// FormatTTL renders a remaining lifetime for log and CLI output.
func FormatTTL(d time.Duration) string {
	if d.Hours() >= 1 {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	if d.Minutes() >= 1 {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
