// Package clock provides the monotonic epoch-second time source and the
// residential-day (local calendar day) computation the watcher cycle uses
// to schedule cooldowns and L2 synthesis rollover.
//
// Every stage that needs "now" takes a Clock instead of calling time.Now()
// directly, so tests can inject a fixed or stepped clock without sleeping.
package clock

import "time"

// Clock is the time source the pipeline depends on.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// UnixSeconds returns the current time as epoch seconds.
	UnixSeconds() int64
}

// System is the production Clock, backed by time.Now().
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// UnixSeconds returns time.Now().Unix().
func (System) UnixSeconds() int64 { return time.Now().Unix() }

// Fixed is a Clock that always returns the same instant. Used in tests.
type Fixed struct {
	At time.Time
}

// Now returns the fixed instant.
func (f Fixed) Now() time.Time { return f.At }

// UnixSeconds returns the fixed instant as epoch seconds.
func (f Fixed) UnixSeconds() int64 { return f.At.Unix() }

// ResidentialDay returns the ISO-8601 date (YYYY-MM-DD) of t in loc — the
// calendar day used for L1 daily-file naming and L2 rollover detection.
func ResidentialDay(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// LoadLocation resolves a timezone name, falling back to UTC if the name
// is empty or unknown rather than failing the cycle outright — a bad
// timezone string in the configuration record should degrade scheduling
// precision, not halt the daemon.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
