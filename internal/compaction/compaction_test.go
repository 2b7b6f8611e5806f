package compaction_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/octoreflex/moon-watchd/internal/compaction"
)

func TestEvaluate_BelowStartRatio(t *testing.T) {
	p := compaction.Policy{StartRatio: 0.5, EmergencyRatio: 0.9, Cooldown: time.Hour}
	d := compaction.Evaluate(p, 0.3, time.Unix(1000, 0), time.Unix(0, 0))
	if d.ShouldTrigger {
		t.Error("Evaluate() triggered below start ratio")
	}
}

func TestEvaluate_AboveStartRespectsCooldown(t *testing.T) {
	p := compaction.Policy{StartRatio: 0.5, EmergencyRatio: 0.9, Cooldown: time.Hour}
	now := time.Unix(10000, 0)
	d := compaction.Evaluate(p, 0.6, now, now.Add(-10*time.Minute))
	if d.ShouldTrigger {
		t.Error("Evaluate() triggered within cooldown")
	}
	d = compaction.Evaluate(p, 0.6, now, now.Add(-2*time.Hour))
	if !d.ShouldTrigger {
		t.Error("Evaluate() did not trigger after cooldown elapsed")
	}
}

func TestEvaluate_EmergencyBypassesCooldown(t *testing.T) {
	p := compaction.Policy{StartRatio: 0.5, EmergencyRatio: 0.9, Cooldown: time.Hour}
	now := time.Unix(10000, 0)
	d := compaction.Evaluate(p, 0.95, now, now)
	if !d.ShouldTrigger || !d.BypassedCooldown {
		t.Errorf("Evaluate() at emergency ratio = %+v, want triggered+bypassed", d)
	}
}

type fakeWriter struct {
	err error
}

func (f *fakeWriter) WriteBreadcrumb(ctx context.Context, sessionID, line string) error {
	return f.err
}

func TestTrigger_Fire_MoonAuthority(t *testing.T) {
	trig := &compaction.Trigger{Writer: &fakeWriter{}}
	req := trig.Fire(context.Background(), compaction.Policy{Authority: compaction.AuthorityMoon}, "S1", "archives/raw/x.jsonl")
	if !req.CompactionRequested || !req.BreadcrumbWritten {
		t.Errorf("Fire() = %+v, want requested+written", req)
	}
}

func TestTrigger_Fire_RequestsEvenWhenBreadcrumbFails(t *testing.T) {
	trig := &compaction.Trigger{Writer: &fakeWriter{err: errors.New("host unreachable")}}
	req := trig.Fire(context.Background(), compaction.Policy{Authority: compaction.AuthorityMoon}, "S1", "archives/raw/x.jsonl")
	if !req.CompactionRequested {
		t.Error("Fire() did not request compaction despite breadcrumb failure")
	}
	if req.BreadcrumbWritten {
		t.Error("Fire() reported breadcrumb written despite writer error")
	}
}

func TestTrigger_Fire_OpenclawAuthorityNeverRequests(t *testing.T) {
	trig := &compaction.Trigger{Writer: &fakeWriter{}}
	req := trig.Fire(context.Background(), compaction.Policy{Authority: compaction.AuthorityOpenclaw}, "S1", "x")
	if req.CompactionRequested {
		t.Error("Fire() requested compaction under openclaw authority")
	}
}

type fakeObservingWriter struct {
	fakeWriter
	mode string
	err  error
}

func (f *fakeObservingWriter) ObserveMode(ctx context.Context) (string, error) {
	return f.mode, f.err
}

func TestTrigger_Fire_RunsDriftCheckWhenWriterObserves(t *testing.T) {
	trig := &compaction.Trigger{Writer: &fakeObservingWriter{mode: "host-driven"}}
	req := trig.Fire(context.Background(), compaction.Policy{Authority: compaction.AuthorityMoon}, "S1", "x")
	if !req.DriftChecked {
		t.Fatal("Fire() DriftChecked = false, want true when writer implements ObserveMode")
	}
	if req.DriftOK {
		t.Error("Fire() DriftOK = true, want false (moon authority expects daemon-driven, observed host-driven)")
	}
	if req.DriftDetail == "" {
		t.Error("Fire() DriftDetail is empty on mismatch")
	}
}

func TestTrigger_Fire_NoDriftCheckWhenWriterCannotObserve(t *testing.T) {
	trig := &compaction.Trigger{Writer: &fakeWriter{}}
	req := trig.Fire(context.Background(), compaction.Policy{Authority: compaction.AuthorityMoon}, "S1", "x")
	if req.DriftChecked {
		t.Error("Fire() DriftChecked = true, want false for a writer with no ObserveMode")
	}
}

func TestDriftCheck(t *testing.T) {
	ok, _ := compaction.DriftCheck(compaction.AuthorityMoon, "daemon-driven")
	if !ok {
		t.Error("DriftCheck() = false for matching authority")
	}
	ok, detail := compaction.DriftCheck(compaction.AuthorityMoon, "host-driven")
	if ok {
		t.Error("DriftCheck() = true for mismatched authority")
	}
	if detail == "" {
		t.Error("DriftCheck() returned empty detail on mismatch")
	}
}
