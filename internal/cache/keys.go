package cache

import "fmt"

func JobProgressKey(jobID string) string {
	return fmt.Sprintf("job:%s:progress", jobID)
}

// RateLimitKey names the counter for one API key, request class and window.
func RateLimitKey(keyPrefix, class string, windowStart int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", keyPrefix, class, windowStart)
}
