// Package cron evaluates recurrence rules in a schedule's timezone.
//
// Rules are matched against the local wall clock, then mapped back to an
// absolute instant. Daylight-saving transitions are resolved explicitly:
// a repeated local time fires once at its earlier instant, and a skipped
// local time fires at the first valid local time after the gap.
package cron

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidRule       = errors.New("invalid recurrence rule")
	ErrNoMoreOccurrences = errors.New("no more occurrences")
)

// MaxPreview caps NextN.
const MaxPreview = 20

// maxWallSteps bounds how many wall-clock matches NextFireAfter skips while
// walking out of a repeated hour. A minutely rule needs at most 120.
const maxWallSteps = 1500

type compiled struct {
	sched cron.Schedule
	loc   *time.Location
}

// Evaluator is safe for concurrent use. Parsed rules are memoized by
// (rule, timezone); results never depend on the memo.
type Evaluator struct {
	parser cron.Parser

	mu    sync.RWMutex
	cache map[string]compiled
}

func NewEvaluator() *Evaluator {
	return &Evaluator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		cache:  make(map[string]compiled),
	}
}

// Validate reports whether rule and timezone can be evaluated.
func (e *Evaluator) Validate(rule, timezone string) error {
	_, err := e.compile(rule, timezone)
	return err
}

// NextFireAfter returns the first fire instant strictly after after.
func (e *Evaluator) NextFireAfter(rule, timezone string, after time.Time) (time.Time, error) {
	c, err := e.compile(rule, timezone)
	if err != nil {
		return time.Time{}, err
	}

	cursor := wallClock(after, c.loc)
	for i := 0; i < maxWallSteps; i++ {
		w := c.sched.Next(cursor)
		if w.IsZero() {
			return time.Time{}, ErrNoMoreOccurrences
		}
		if inst, ok := resolve(w, c.loc, after); ok {
			return inst, nil
		}
		cursor = w
	}
	return time.Time{}, ErrNoMoreOccurrences
}

// NextN returns up to n successive fire instants after after. n is capped
// at MaxPreview.
func (e *Evaluator) NextN(rule, timezone string, after time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > MaxPreview {
		n = MaxPreview
	}

	out := make([]time.Time, 0, n)
	t := after
	for len(out) < n {
		next, err := e.NextFireAfter(rule, timezone, t)
		if errors.Is(err, ErrNoMoreOccurrences) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, next)
		t = next
	}
	return out, nil
}

func (e *Evaluator) compile(rule, timezone string) (compiled, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	key := timezone + "\x00" + rule

	e.mu.RLock()
	c, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return c, nil
	}

	trimmed := strings.TrimSpace(rule)
	if trimmed == "" {
		return compiled{}, fmt.Errorf("%w: empty expression", ErrInvalidRule)
	}
	if strings.HasPrefix(trimmed, "TZ=") || strings.HasPrefix(trimmed, "CRON_TZ=") {
		return compiled{}, fmt.Errorf("%w: timezone must not be embedded in the expression", ErrInvalidRule)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return compiled{}, fmt.Errorf("%w: load timezone %q: %v", ErrInvalidRule, timezone, err)
	}

	// The rule runs against a floating wall clock carried in UTC; resolve
	// maps matches back into loc.
	sched, err := e.parser.Parse("CRON_TZ=UTC " + trimmed)
	if err != nil {
		return compiled{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	c = compiled{sched: sched, loc: loc}
	e.mu.Lock()
	e.cache[key] = c
	e.mu.Unlock()
	return c, nil
}

// wallClock expresses t's local time in loc as a UTC value.
func wallClock(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), l.Minute(), l.Second(), l.Nanosecond(), time.UTC)
}

// resolve maps wall clock w to the instant it denotes in loc. ok is false
// when the only instant for w is not after after, which happens on the
// second pass through a repeated hour.
func resolve(w time.Time, loc *time.Location, after time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, off := range offsetsAround(w, loc) {
		inst := w.Add(-time.Duration(off) * time.Second)
		if !sameWall(inst.In(loc), w) {
			continue
		}
		if !found || inst.Before(best) {
			best = inst
			found = true
		}
	}

	if !found {
		best = gapEnd(w, loc)
	}
	if !best.After(after) {
		return time.Time{}, false
	}
	return best, true
}

// offsetsAround collects the distinct UTC offsets loc uses near w.
func offsetsAround(w time.Time, loc *time.Location) []int {
	var offs []int
	for _, d := range []time.Duration{-36 * time.Hour, -12 * time.Hour, 0, 12 * time.Hour, 36 * time.Hour} {
		_, off := w.Add(d).In(loc).Zone()
		seen := false
		for _, o := range offs {
			if o == off {
				seen = true
				break
			}
		}
		if !seen {
			offs = append(offs, off)
		}
	}
	return offs
}

// gapEnd returns the instant a forward transition starts, which is the
// first valid local time after a nonexistent wall clock w.
func gapEnd(w time.Time, loc *time.Location) time.Time {
	_, offBefore := w.Add(-36 * time.Hour).In(loc).Zone()
	inst := w.Add(-time.Duration(offBefore) * time.Second)
	start, _ := inst.In(loc).ZoneBounds()
	if start.IsZero() || start.After(inst) {
		return inst
	}
	return start
}

func sameWall(local, w time.Time) bool {
	return local.Year() == w.Year() &&
		local.Month() == w.Month() &&
		local.Day() == w.Day() &&
		local.Hour() == w.Hour() &&
		local.Minute() == w.Minute()
}
