// Package backoff computes reconnect delays.
//
// The policy is linear in the attempt number and capped: attempt n waits
// 2n+0.5 seconds, never more than 15 seconds. There is no jitter and no
// attempt ceiling; callers keep retrying for as long as the account is
// wanted online.
package backoff

import "time"

const (
	// Base is the delay before the first retry after a successful session.
	Base = 500 * time.Millisecond
	// Step is added for every consecutive failed attempt.
	Step = 2 * time.Second
	// Max caps the delay.
	Max = 15 * time.Second
)

// Policy maps a retry count to a delay.
type Policy interface {
	Delay(retry int) time.Duration
}

// Linear is the reconnect policy used for client sessions.
type Linear struct {
	Base time.Duration
	Step time.Duration
	Max  time.Duration
}

// Default returns the standard session reconnect policy.
func Default() Linear {
	return Linear{Base: Base, Step: Step, Max: Max}
}

// Delay returns min(Max, Step*retry + Base). Negative retries count as zero.
func (l Linear) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := l.Step*time.Duration(retry) + l.Base
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}
