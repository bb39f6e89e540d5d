package conn

import "time"

// Backoff yields the delay before reconnect attempt n (0-based, reset after
// every successful open).
type Backoff interface {
	Next(attempt int) time.Duration
}

// Fixed retries after the same delay every time. Battle sockets use 3s.
type Fixed struct {
	Delay time.Duration
}

func (f Fixed) Next(int) time.Duration { return f.Delay }

// Exponential doubles from Base up to Max.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func (e Exponential) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return e.Max
	}
	d := e.Base << attempt
	if d <= 0 || d > e.Max {
		return e.Max
	}
	return d
}
