// Package retention implements the retention reaper (C13): age-bucketing
// archives and deleting cold ones, but only once they carry an L1-distill
// marker so nothing is reclaimed before its content survives in the
// daily memory log.
//
// Grounded on the teacher's escalation/severity.go age/threshold bucketing
// (again, as in internal/compaction) combined with its actuator's
// ordered-teardown discipline (release resources in a fixed sequence so
// a crash mid-teardown leaves a recoverable partial state).
package retention

import (
	"fmt"
	"os"
	"time"

	"github.com/octoreflex/moon-watchd/internal/ledger"
)

// Bucket is the age classification of one archive.
type Bucket string

const (
	BucketActive       Bucket = "active"
	BucketWarm         Bucket = "warm"
	BucketColdCandidate Bucket = "cold_candidate"
)

// Policy is the configured age thresholds, in days.
type Policy struct {
	ActiveDays int
	WarmDays   int
	ColdDays   int
}

// Classify buckets an archive by age in days since createdAt.
func Classify(p Policy, createdAt, now time.Time) Bucket {
	ageDays := int(now.Sub(createdAt).Hours() / 24)
	switch {
	case ageDays <= p.ActiveDays:
		return BucketActive
	case ageDays <= p.WarmDays:
		return BucketWarm
	case ageDays >= p.ColdDays:
		return BucketColdCandidate
	default:
		return BucketWarm
	}
}

// Eligible reports whether a cold-candidate archive may actually be
// deleted: it must be l1_distilled, i.e. its ledger record carries a
// non-zero DistilledAt.
func Eligible(p Policy, rec ledger.Record, now time.Time) bool {
	createdAt := time.Unix(rec.TimestampUnix, 0)
	if Classify(p, createdAt, now) != BucketColdCandidate {
		return false
	}
	return rec.DistilledAt != 0
}

// DeleteResult reports what Delete actually removed.
type DeleteResult struct {
	ProjectionDeleted bool
	RawDeleted        bool
}

// Delete removes the projection file, then the raw file, in that fixed
// order — spec.md §4.10's deletion order. The ledger entry is never
// removed; it becomes a tombstone, which is why Delete takes no ledger
// reference and does not touch the ledger at all.
//
// If either removal fails, Delete returns immediately with an error and
// DeleteResult reflects exactly what succeeded before the failure, so
// the caller can emit RETENTION_DELETE_FAILED and leave the ledger
// record un-advanced. A failure on the raw file leaves the projection
// already removed.
func Delete(rec ledger.Record) (DeleteResult, error) {
	var res DeleteResult

	if err := removeIfExists(rec.ProjectionPath); err != nil {
		return res, fmt.Errorf("retention: delete projection %s: %w", rec.ProjectionPath, err)
	}
	res.ProjectionDeleted = true

	if err := removeIfExists(rec.RawPath); err != nil {
		return res, fmt.Errorf("retention: delete raw %s: %w", rec.RawPath, err)
	}
	res.RawDeleted = true

	return res, nil
}

func removeIfExists(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SelectColdCandidates filters the eligible, not-yet-deleted records out
// of the full record set as of now, keeping their input order; it does
// not sort them by age.
func SelectColdCandidates(p Policy, records []ledger.Record, now time.Time) []ledger.Record {
	var out []ledger.Record
	for _, r := range records {
		if r.Stage == ledger.StageDeleted {
			continue
		}
		if Eligible(p, r, now) {
			out = append(out, r)
		}
	}
	return out
}
