package wsclient

import (
	"math/rand/v2"
	"time"

	"larkstream/internal/domain"
)

// reconnectDelay returns how long to wait before reconnect attempt n
// (1-based). The first attempt of an outage is jittered across the nonce
// window. Later attempts use the fixed interval, or fresh jitter when no
// interval is configured.
func reconnectDelay(s domain.ConnectionSettings, attempt int) time.Duration {
	if attempt <= 1 || s.ReconnectInterval <= 0 {
		return jitter(s.ReconnectNonce)
	}
	return s.ReconnectInterval
}

func jitter(window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	return rand.N(window)
}

// attemptsLeft reports whether another reconnect attempt is allowed after
// `made` attempts in the current outage.
func attemptsLeft(s domain.ConnectionSettings, made int) bool {
	return s.ReconnectCount < 0 || made < s.ReconnectCount
}
