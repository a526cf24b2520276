package broadcast

import (
	"time"

	"golang.org/x/time/rate"
)

// throttle caps per-connection update frequency using a token bucket with
// a burst of one, so a throttled observer sees at most one update per
// interval.
type throttle struct {
	limiter *rate.Limiter
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (t *throttle) allow() bool {
	return t.limiter.Allow()
}
