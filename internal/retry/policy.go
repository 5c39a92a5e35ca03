package retry

import (
	"errors"
	"math"
	"time"
)

// Policy defaults.
const (
	DefaultBaseDelay   = 30 * time.Second
	DefaultMaxDelay    = 30 * time.Minute
	DefaultMaxAttempts = 5
	DefaultJitter      = 0.2
)

// Policy is exponential backoff with symmetric jitter.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter is the fraction in [0, 1) the delay may deviate either way.
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
		Jitter:      DefaultJitter,
	}
}

func (p Policy) Validate() error {
	var errs []error
	if p.BaseDelay <= 0 {
		errs = append(errs, errors.New("base delay must be positive"))
	}
	if p.MaxDelay < p.BaseDelay {
		errs = append(errs, errors.New("max delay must be at least the base delay"))
	}
	if p.MaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		errs = append(errs, errors.New("jitter must be in [0, 1)"))
	}
	return errors.Join(errs...)
}

// Delay returns the wait before the retry that follows failed attempt n
// (1-based). r is a uniform sample in [0, 1) and picks the point inside
// the jitter band:
//
//	base * 2^(n-1) * (1 + (2r-1) * jitter), capped at MaxDelay
func (p Policy) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}

	nominal := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	d := nominal * (1 + (2*r-1)*p.Jitter)
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether a run that has made attempts attempts may not
// be retried again.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
