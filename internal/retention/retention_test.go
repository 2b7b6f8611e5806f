package retention_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/octoreflex/moon-watchd/internal/ledger"
	"github.com/octoreflex/moon-watchd/internal/retention"
)

func policy() retention.Policy {
	return retention.Policy{ActiveDays: 7, WarmDays: 30, ColdDays: 90}
}

func TestClassify(t *testing.T) {
	now := time.Unix(1_000_000_000, 0)
	cases := []struct {
		ageDays int
		want    retention.Bucket
	}{
		{1, retention.BucketActive},
		{7, retention.BucketActive},
		{20, retention.BucketWarm},
		{90, retention.BucketColdCandidate},
		{200, retention.BucketColdCandidate},
	}
	for _, c := range cases {
		createdAt := now.Add(-time.Duration(c.ageDays) * 24 * time.Hour)
		got := retention.Classify(policy(), createdAt, now)
		if got != c.want {
			t.Errorf("Classify(age=%d) = %q, want %q", c.ageDays, got, c.want)
		}
	}
}

func TestEligible_RequiresL1Distilled(t *testing.T) {
	now := time.Unix(1_000_000_000, 0)
	old := now.Add(-200 * 24 * time.Hour)
	rec := ledger.Record{TimestampUnix: old.Unix()}
	if retention.Eligible(policy(), rec, now) {
		t.Error("Eligible() = true without l1_distilled marker")
	}
	rec.DistilledAt = 1
	if !retention.Eligible(policy(), rec, now) {
		t.Error("Eligible() = false for cold + distilled archive")
	}
}

func TestEligible_ExcludesActiveAndWarm(t *testing.T) {
	now := time.Unix(1_000_000_000, 0)
	recent := ledger.Record{TimestampUnix: now.Add(-1 * 24 * time.Hour).Unix(), DistilledAt: 1}
	if retention.Eligible(policy(), recent, now) {
		t.Error("Eligible() = true for a recent archive")
	}
}

func TestDelete_RemovesProjectionThenRaw(t *testing.T) {
	dir := t.TempDir()
	projPath := filepath.Join(dir, "x.md")
	rawPath := filepath.Join(dir, "x.jsonl")
	os.WriteFile(projPath, []byte("proj"), 0o644)
	os.WriteFile(rawPath, []byte("raw"), 0o644)

	res, err := retention.Delete(ledger.Record{ProjectionPath: projPath, RawPath: rawPath})
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !res.ProjectionDeleted || !res.RawDeleted {
		t.Errorf("Delete() result = %+v, want both deleted", res)
	}
	if _, err := os.Stat(projPath); !os.IsNotExist(err) {
		t.Error("projection file still exists")
	}
	if _, err := os.Stat(rawPath); !os.IsNotExist(err) {
		t.Error("raw file still exists")
	}
}

func TestDelete_MissingFilesAreNotErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := retention.Delete(ledger.Record{
		ProjectionPath: filepath.Join(dir, "gone.md"),
		RawPath:        filepath.Join(dir, "gone.jsonl"),
	})
	if err != nil {
		t.Errorf("Delete() on already-missing files error = %v, want nil", err)
	}
}

func TestSelectColdCandidates(t *testing.T) {
	now := time.Unix(1_000_000_000, 0)
	records := []ledger.Record{
		{Basename: "cold-done", TimestampUnix: now.Add(-200 * 24 * time.Hour).Unix(), DistilledAt: 1},
		{Basename: "cold-not-distilled", TimestampUnix: now.Add(-200 * 24 * time.Hour).Unix()},
		{Basename: "active", TimestampUnix: now.Add(-1 * 24 * time.Hour).Unix(), DistilledAt: 1},
	}
	got := retention.SelectColdCandidates(policy(), records, now)
	if len(got) != 1 || got[0].Basename != "cold-done" {
		t.Errorf("SelectColdCandidates() = %+v, want only cold-done", got)
	}
}
