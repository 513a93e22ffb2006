package channel

import "time"

// State is the lifecycle position of one channel.
type State string

const (
	StateUnsubscribed    State = "UNSUBSCRIBED"
	StateConnecting      State = "CONNECTING"
	StateSubscribed      State = "SUBSCRIBED"
	StateReconnecting    State = "RECONNECTING"
	StateFallbackPolling State = "FALLBACK_POLLING_ONLY"
)

// metricLabel is the lowercase state name used on the channels gauge.
func (s State) metricLabel() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	case StateFallbackPolling:
		return "polling_only"
	}
	return "unsubscribed"
}

// Backoff returns the delay before reconnect attempt n (zero based):
// min(max, 2^n * base).
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
