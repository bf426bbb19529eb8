package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// allowFixed admits via per-period bucket counters. Each configured period
// (minute, hour, day) is keyed by its bucket label; a new label resets the
// count to zero.
func (e *entry) allowFixed(now time.Time, rpm, rph, rpd int) Decision {
	e.rollWindows(now)

	if rpm > 0 && e.minuteCount >= rpm {
		return Decision{RetryAfter: windowReset(now, time.Minute)}
	}
	if rph > 0 && e.hourCount >= rph {
		return Decision{RetryAfter: windowReset(now, time.Hour)}
	}
	if rpd > 0 && e.dayCount >= rpd {
		return Decision{RetryAfter: windowReset(now, 24*time.Hour)}
	}

	e.minuteCount++
	e.hourCount++
	e.dayCount++

	return Decision{Allowed: true, Remaining: e.remaining(rpm, rph, rpd)}
}

// allowSliding admits via an ordered timestamp list over the trailing
// minute. Hour and day caps, when configured, are enforced with the
// fixed-window counters on top.
func (e *entry) allowSliding(now time.Time, rpm, rph, rpd int) Decision {
	e.rollWindows(now)

	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(e.stamps) && e.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		e.stamps = e.stamps[i:]
	}

	if len(e.stamps) >= rpm {
		return Decision{RetryAfter: e.stamps[0].Add(time.Minute).Sub(now)}
	}
	if rph > 0 && e.hourCount >= rph {
		return Decision{RetryAfter: windowReset(now, time.Hour)}
	}
	if rpd > 0 && e.dayCount >= rpd {
		return Decision{RetryAfter: windowReset(now, 24*time.Hour)}
	}

	e.stamps = append(e.stamps, now)
	e.hourCount++
	e.dayCount++

	remaining := rpm - len(e.stamps)
	if r := e.remaining(0, rph, rpd); r >= 0 && r < remaining {
		remaining = r
	}
	return Decision{Allowed: true, Remaining: remaining}
}

// allowBucket admits via a token bucket with capacity burst and a refill
// rate of rpm/60 tokens per second. Token arithmetic is handled lazily by
// x/time/rate at the explicit timestamps we pass in.
func (e *entry) allowBucket(now time.Time, rpm, burst int) Decision {
	limit := rate.Limit(float64(rpm) / 60)
	if e.bucket == nil {
		e.bucket = rate.NewLimiter(limit, burst)
		e.bucketRPM = rpm
	} else if e.bucketRPM != rpm {
		// Effective limit changed (multiplier or adaptive scaling).
		e.bucket.SetLimitAt(now, limit)
		e.bucketRPM = rpm
	}

	if e.bucket.AllowN(now, 1) {
		return Decision{Allowed: true, Remaining: int(e.bucket.TokensAt(now))}
	}

	rsv := e.bucket.ReserveN(now, 1)
	retry := rsv.DelayFrom(now)
	rsv.CancelAt(now)
	return Decision{RetryAfter: retry}
}

// rollWindows resets fixed-window counters whose bucket label has changed.
func (e *entry) rollWindows(now time.Time) {
	if label := now.Format(minuteLayout); label != e.minuteLabel {
		e.minuteLabel = label
		e.minuteCount = 0
	}
	if label := now.Format(hourLayout); label != e.hourLabel {
		e.hourLabel = label
		e.hourCount = 0
	}
	if label := now.Format(dayLayout); label != e.dayLabel {
		e.dayLabel = label
		e.dayCount = 0
	}
}

// remaining returns the tightest quota left across the enabled periods, or
// -1 when no period is enabled.
func (e *entry) remaining(rpm, rph, rpd int) int {
	min := -1
	consider := func(limit, count int) {
		if limit <= 0 {
			return
		}
		left := limit - count
		if left < 0 {
			left = 0
		}
		if min < 0 || left < min {
			min = left
		}
	}
	consider(rpm, e.minuteCount)
	consider(rph, e.hourCount)
	consider(rpd, e.dayCount)
	return min
}
