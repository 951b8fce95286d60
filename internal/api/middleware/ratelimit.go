package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/promptbatch/internal/api/response"
	"github.com/kiranshivaraju/promptbatch/internal/cache"
)

const (
	defaultRequestsPerMinute = 60
	defaultSubmitsPerMinute  = 10
	rateWindow               = time.Minute
)

// Request classes with separate budgets.
const (
	classAPI    = "api"
	classSubmit = "submit"
)

// RateLimit provides fixed-window rate limiting per API key via Redis. Job
// submissions (create and import) draw on their own, smaller budget because
// each one fans out into many generation calls.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
	submitsPerMin  int
	now            func() time.Time
}

// NewRateLimit creates a new RateLimit middleware. Non-positive limits fall
// back to the defaults.
func NewRateLimit(c cache.Cache, requestsPerMin, submitsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	if submitsPerMin <= 0 {
		submitsPerMin = defaultSubmitsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin, submitsPerMin: submitsPerMin, now: time.Now}
}

// Limit applies rate limiting based on the key_prefix set by auth middleware.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, ok := getKeyPrefix(r)
		if !ok {
			// No key prefix means auth middleware didn't run; pass through
			next.ServeHTTP(w, r)
			return
		}

		class, limit := classAPI, rl.requestsPerMin
		if isSubmit(r) {
			class, limit = classSubmit, rl.submitsPerMin
		}

		window := rl.now().Truncate(rateWindow)
		reset := window.Add(rateWindow)
		key := cache.RateLimitKey(prefix, class, window.Unix())
		// The counter outlives its window slightly so clock skew between
		// replicas cannot revive it.
		count, err := rl.cache.IncrWithExpiry(r.Context(), key, 2*rateWindow)
		if err != nil {
			// On Redis error, allow the request (fail open)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(limit-int(count), 0)))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > int64(limit) {
			retryAfter := max(int(reset.Sub(rl.now()).Seconds()+0.5), 1)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			msg := "Too many requests"
			if class == classSubmit {
				msg = "Too many batch submissions"
			}
			response.Error(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", msg,
				map[string]string{"class": class})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// isSubmit reports whether r creates or imports a job.
func isSubmit(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	p := strings.TrimSuffix(r.URL.Path, "/")
	return strings.HasSuffix(p, "/batches") || strings.HasSuffix(p, "/batches/import")
}
