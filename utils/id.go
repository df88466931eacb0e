package utils

import (
	"time"
)

// GenerateID returns a timestamp-based ID for temp file names.
func GenerateID() int64 {
	return time.Now().UnixNano()
}
