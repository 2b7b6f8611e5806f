package clock_test

import (
	"testing"
	"time"

	"github.com/octoreflex/moon-watchd/internal/clock"
)

func TestResidentialDay(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}
	// 2026-01-01T04:30:00Z is still 2025-12-31 in New York.
	ts := time.Date(2026, 1, 1, 4, 30, 0, 0, time.UTC)
	got := clock.ResidentialDay(ts, loc)
	if got != "2025-12-31" {
		t.Errorf("ResidentialDay() = %q, want %q", got, "2025-12-31")
	}
}

func TestLoadLocation_UnknownFallsBackToUTC(t *testing.T) {
	loc := clock.LoadLocation("Not/A_Zone")
	if loc != time.UTC {
		t.Errorf("LoadLocation(unknown) = %v, want UTC", loc)
	}
}

func TestLoadLocation_EmptyIsUTC(t *testing.T) {
	if clock.LoadLocation("") != time.UTC {
		t.Error("LoadLocation(\"\") should be UTC")
	}
}

func TestFixedClock(t *testing.T) {
	at := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	c := clock.Fixed{At: at}
	if !c.Now().Equal(at) {
		t.Errorf("Now() = %v, want %v", c.Now(), at)
	}
	if c.UnixSeconds() != at.Unix() {
		t.Errorf("UnixSeconds() = %d, want %d", c.UnixSeconds(), at.Unix())
	}
}
