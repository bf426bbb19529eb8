package ratelimit

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dskow/resilience-core/metrics"
)

func init() {
	// Register metrics once for all tests in this package.
	metrics.Init()
}

// fakeClock is a manually advanced clock. All Allow calls in a test see the
// same instant until Advance is called.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, cfgs ...Config) (*Limiter, *fakeClock) {
	t.Helper()
	l, err := New(cfgs, Options{}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Stop)
	clock := newFakeClock()
	l.now = clock.Now
	return l, clock
}

func TestAllow_UnknownLimiterAdmits(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Name: "api", RequestsPerMinute: 1})

	d := l.Allow("not-configured", "client-1", TierFree, RegionNA)
	if !d.Allowed || d.Remaining != -1 {
		t.Fatalf("expected unlimited admission for unknown limiter, got %+v", d)
	}
}

func TestAllow_FixedWindow(t *testing.T) {
	l, clock := newTestLimiter(t, Config{Name: "booking", RequestsPerMinute: 3})

	for i := 0; i < 3; i++ {
		d := l.Allow("booking", "client-1", TierUnknown, RegionOther)
		if !d.Allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
		if want := 2 - i; d.Remaining != want {
			t.Fatalf("request %d: remaining = %d, want %d", i, d.Remaining, want)
		}
	}

	d := l.Allow("booking", "client-1", TierUnknown, RegionOther)
	if d.Allowed {
		t.Fatal("4th request in the same minute must be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("retry_after = %v, want (0, 1m]", d.RetryAfter)
	}

	// Counter resets at the minute boundary.
	clock.Advance(time.Minute)
	if d := l.Allow("booking", "client-1", TierUnknown, RegionOther); !d.Allowed {
		t.Fatal("expected admission in the next minute window")
	}
}

func TestAllow_FixedWindowHourCap(t *testing.T) {
	l, clock := newTestLimiter(t, Config{
		Name:              "reports",
		RequestsPerMinute: 10,
		RequestsPerHour:   2,
	})

	l.Allow("reports", "c", TierUnknown, RegionOther)
	l.Allow("reports", "c", TierUnknown, RegionOther)

	d := l.Allow("reports", "c", TierUnknown, RegionOther)
	if d.Allowed {
		t.Fatal("expected hour cap rejection")
	}
	if d.RetryAfter > time.Hour {
		t.Fatalf("retry_after = %v, want <= 1h", d.RetryAfter)
	}

	// Minute rollover does not clear the hour counter.
	clock.Advance(time.Minute)
	if d := l.Allow("reports", "c", TierUnknown, RegionOther); d.Allowed {
		t.Fatal("hour cap must survive minute rollover")
	}
}

func TestAllow_SlidingWindow(t *testing.T) {
	l, clock := newTestLimiter(t, Config{
		Name:              "search",
		RequestsPerMinute: 3,
		Strategy:          SlidingWindow,
	})

	for i := 0; i < 3; i++ {
		if d := l.Allow("search", "c", TierUnknown, RegionOther); !d.Allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
		clock.Advance(10 * time.Second)
	}

	// 30s in: all three stamps are inside the trailing minute.
	d := l.Allow("search", "c", TierUnknown, RegionOther)
	if d.Allowed {
		t.Fatal("expected sliding-window rejection")
	}
	// The oldest stamp ages out 60s after it was recorded, 30s from now.
	if d.RetryAfter != 30*time.Second {
		t.Fatalf("retry_after = %v, want 30s", d.RetryAfter)
	}

	clock.Advance(31 * time.Second)
	if d := l.Allow("search", "c", TierUnknown, RegionOther); !d.Allowed {
		t.Fatal("expected admission after oldest stamp aged out")
	}
}

func TestAllow_TokenBucket(t *testing.T) {
	l, clock := newTestLimiter(t, Config{
		Name:              "webhooks",
		RequestsPerMinute: 60,
		BurstAllowance:    2,
		Strategy:          TokenBucket,
	})

	// The bucket starts full at burst capacity.
	if d := l.Allow("webhooks", "c", TierUnknown, RegionOther); !d.Allowed {
		t.Fatal("expected first burst token")
	}
	if d := l.Allow("webhooks", "c", TierUnknown, RegionOther); !d.Allowed {
		t.Fatal("expected second burst token")
	}

	d := l.Allow("webhooks", "c", TierUnknown, RegionOther)
	if d.Allowed {
		t.Fatal("expected empty bucket rejection")
	}
	// 60 rpm refills one token per second.
	if d.RetryAfter != time.Second {
		t.Fatalf("retry_after = %v, want 1s", d.RetryAfter)
	}

	clock.Advance(time.Second)
	if d := l.Allow("webhooks", "c", TierUnknown, RegionOther); !d.Allowed {
		t.Fatal("expected admission after refill")
	}
}

func TestAllow_BlacklistWinsOverWhitelist(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		Name:              "api",
		RequestsPerMinute: 100,
		Whitelist:         []string{"partner-1", "abuser-7"},
		Blacklist:         []string{"abuser-7"},
	})

	if d := l.Allow("api", "abuser-7", TierEnterprise, RegionNA); d.Allowed {
		t.Fatal("blacklisted client must always be rejected")
	}

	// Whitelisted clients bypass the counters entirely.
	for i := 0; i < 500; i++ {
		d := l.Allow("api", "partner-1", TierFree, RegionOther)
		if !d.Allowed || d.Remaining != -1 {
			t.Fatalf("request %d: expected unlimited whitelist admission, got %+v", i, d)
		}
	}
}

func TestAllow_TierAndRegionMultipliers(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		Name:              "api",
		RequestsPerMinute: 10,
		Tiers:             TierMultipliers{Premium: 2.0, Free: 0.5},
		Regions:           RegionMultipliers{EU: 0.5, Default: 1.0},
	})

	// Premium in a default region: 10 * 2.0 = 20.
	for i := 0; i < 20; i++ {
		if d := l.Allow("api", "premium-na", TierPremium, RegionNA); !d.Allowed {
			t.Fatalf("premium request %d: expected allowed", i)
		}
	}
	if d := l.Allow("api", "premium-na", TierPremium, RegionNA); d.Allowed {
		t.Fatal("premium request 21 must be rejected")
	}

	// Free in EU: 10 * 0.5 * 0.5 = 2 (floor at the integer product).
	for i := 0; i < 2; i++ {
		if d := l.Allow("api", "free-eu", TierFree, RegionEU); !d.Allowed {
			t.Fatalf("free request %d: expected allowed", i)
		}
	}
	if d := l.Allow("api", "free-eu", TierFree, RegionEU); d.Allowed {
		t.Fatal("free request 3 must be rejected")
	}
}

func TestAllow_ClientIsolation(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Name: "api", RequestsPerMinute: 1})

	if d := l.Allow("api", "a", TierUnknown, RegionOther); !d.Allowed {
		t.Fatal("client a: expected allowed")
	}
	if d := l.Allow("api", "a", TierUnknown, RegionOther); d.Allowed {
		t.Fatal("client a: expected rejection")
	}
	// Client b has its own counters.
	if d := l.Allow("api", "b", TierUnknown, RegionOther); !d.Allowed {
		t.Fatal("client b: expected allowed")
	}
}

func TestAllow_AdaptiveScalesDown(t *testing.T) {
	l, clock := newTestLimiter(t, Config{
		Name:               "notify",
		RequestsPerMinute:  10,
		Strategy:           Adaptive,
		AdaptiveMinSamples: 2,
	})

	// Two quiet minutes: one request each, far below the 30% low water.
	l.Allow("notify", "c", TierUnknown, RegionOther)
	clock.Advance(150 * time.Second)
	l.Allow("notify", "c", TierUnknown, RegionOther)
	clock.Advance(150 * time.Second)

	// History mean is 1 rpm, so the limit scales down to 10 * 0.7 = 7.
	for i := 0; i < 7; i++ {
		if d := l.Allow("notify", "c", TierUnknown, RegionOther); !d.Allowed {
			t.Fatalf("request %d: expected allowed under scaled-down limit", i)
		}
	}
	if d := l.Allow("notify", "c", TierUnknown, RegionOther); d.Allowed {
		t.Fatal("request 8 must be rejected at the scaled-down limit")
	}
}

func TestAllow_AdaptiveScalesUp(t *testing.T) {
	l, clock := newTestLimiter(t, Config{
		Name:               "notify",
		RequestsPerMinute:  10,
		Strategy:           Adaptive,
		AdaptiveMinSamples: 2,
	})

	// Two busy minutes: nine requests each, above the 80% high water.
	for i := 0; i < 9; i++ {
		l.Allow("notify", "c", TierUnknown, RegionOther)
	}
	clock.Advance(150 * time.Second)
	for i := 0; i < 9; i++ {
		l.Allow("notify", "c", TierUnknown, RegionOther)
	}
	clock.Advance(150 * time.Second)

	// History mean is 9 rpm, so the limit scales up to 10 * 1.5 = 15.
	for i := 0; i < 15; i++ {
		if d := l.Allow("notify", "c", TierUnknown, RegionOther); !d.Allowed {
			t.Fatalf("request %d: expected allowed under scaled-up limit", i)
		}
	}
	if d := l.Allow("notify", "c", TierUnknown, RegionOther); d.Allowed {
		t.Fatal("request 16 must be rejected at the scaled-up limit")
	}
}

func TestAllow_BelowMinSamplesUsesBaseLimit(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		Name:              "notify",
		RequestsPerMinute: 3,
		Strategy:          Adaptive,
	})

	// No completed samples yet: behaves exactly like the base limit.
	for i := 0; i < 3; i++ {
		if d := l.Allow("notify", "c", TierUnknown, RegionOther); !d.Allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
	}
	if d := l.Allow("notify", "c", TierUnknown, RegionOther); d.Allowed {
		t.Fatal("expected base-limit rejection without history")
	}
}

func TestUpdateConfig_ClearsState(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Name: "api", RequestsPerMinute: 1})

	l.Allow("api", "c", TierUnknown, RegionOther)
	if d := l.Allow("api", "c", TierUnknown, RegionOther); d.Allowed {
		t.Fatal("expected rejection before reload")
	}

	if err := l.UpdateConfig([]Config{{Name: "api", RequestsPerMinute: 5}}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	// Fresh state under the new limit.
	if d := l.Allow("api", "c", TierUnknown, RegionOther); !d.Allowed {
		t.Fatal("expected admission after reload")
	}
}

func TestUpdateConfig_RejectsInvalid(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Name: "api", RequestsPerMinute: 1})

	if err := l.UpdateConfig([]Config{{Name: ""}}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestCleanup_EvictsIdleEntries(t *testing.T) {
	l, clock := newTestLimiter(t, Config{Name: "api", RequestsPerMinute: 5})

	l.Allow("api", "c", TierUnknown, RegionOther)
	l.mu.Lock()
	if len(l.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(l.entries))
	}
	l.mu.Unlock()

	clock.Advance(2 * time.Hour)
	l.cleanup()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) != 0 {
		t.Fatalf("expected idle entry evicted, got %d entries", len(l.entries))
	}
}

func TestRejectionCounts(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Name: "api", RequestsPerMinute: 1})

	l.Allow("api", "c", TierUnknown, RegionOther)
	l.Allow("api", "c", TierUnknown, RegionOther)
	l.Allow("api", "c", TierUnknown, RegionOther)

	counts := l.RejectionCounts()
	if counts["api"] != 2 {
		t.Fatalf("expected 2 rejections, got %d", counts["api"])
	}
}

func TestScaleLimit(t *testing.T) {
	tests := []struct {
		base int
		mult float64
		want int
	}{
		{10, 2.0, 20},
		{10, 0.5, 5},
		{10, 0.01, 1}, // enabled limits never scale to zero
		{0, 2.0, 0},   // disabled limits stay disabled
	}
	for _, tt := range tests {
		if got := scaleLimit(tt.base, tt.mult); got != tt.want {
			t.Errorf("scaleLimit(%d, %v) = %d, want %d", tt.base, tt.mult, got, tt.want)
		}
	}
}
