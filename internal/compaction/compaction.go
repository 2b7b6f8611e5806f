// Package compaction implements the compaction trigger (C10): comparing
// the probed usage ratio against configured thresholds, writing the
// deterministic breadcrumb into the host's live session, and requesting
// compaction from the host.
//
// Grounded on the teacher's escalation/severity.go threshold-bucketing
// logic (ratio → severity tier → action), re-homed from "CPU/memory
// pressure → kill/throttle" onto "token usage ratio → breadcrumb +
// compaction request", and on escalation/state_machine.go's cooldown gate.
package compaction

import (
	"context"
	"fmt"
	"time"

	"github.com/octoreflex/moon-watchd/internal/hostwrite"
)

// WindowMode selects how the compaction window size is derived.
type WindowMode string

const (
	WindowFixed   WindowMode = "fixed"
	WindowInherit WindowMode = "inherit"
)

// Authority selects who drives compaction.
type Authority string

const (
	AuthorityMoon     Authority = "moon"
	AuthorityOpenclaw Authority = "openclaw"
)

// Policy is the configured compaction policy.
type Policy struct {
	WindowMode         WindowMode
	WindowTokens       int64
	StartRatio         float64
	EmergencyRatio     float64
	Cooldown           time.Duration
	Authority          Authority
}

// EffectiveWindow returns the window size given the policy and the
// probed max-tokens value (used when WindowMode is WindowInherit).
func (p Policy) EffectiveWindow(probedMaxTokens int64) int64 {
	if p.WindowMode == WindowInherit {
		return probedMaxTokens
	}
	return p.WindowTokens
}

// Decision is the outcome of evaluating Policy against one usage ratio.
type Decision struct {
	ShouldTrigger   bool
	BypassedCooldown bool // true when the emergency ratio forced a trigger
}

// Evaluate decides whether compaction should trigger this cycle.
func Evaluate(p Policy, usageRatio float64, now, lastCompaction time.Time) Decision {
	if usageRatio >= p.EmergencyRatio {
		return Decision{ShouldTrigger: true, BypassedCooldown: true}
	}
	if usageRatio >= p.StartRatio && now.Sub(lastCompaction) >= p.Cooldown {
		return Decision{ShouldTrigger: true}
	}
	return Decision{}
}

// Trigger carries out a triggered decision: write the breadcrumb (best
// effort) then request compaction regardless of whether the breadcrumb
// write succeeded, matching spec.md §4.7's graceful-degradation rule.
type Trigger struct {
	Writer hostwrite.SessionWriter
}

// HostModeObserver is satisfied by a Writer that can additionally report
// the host's observed compaction-authority mode. It is declared locally
// (rather than imported from hostwrite) so compaction stays decoupled
// from hostwrite's exec-specific type; *hostwrite.ExecWriter satisfies
// it structurally.
type HostModeObserver interface {
	ObserveMode(ctx context.Context) (string, error)
}

// Request is the outcome of Trigger.Fire: whether compaction was
// requested, whether the breadcrumb write needs retrying next cycle,
// and the policy-drift diagnostic when the writer can observe host mode.
type Request struct {
	CompactionRequested bool
	BreadcrumbWritten   bool
	BreadcrumbErr       error

	DriftChecked bool
	DriftOK      bool
	DriftDetail  string
}

// Fire writes the breadcrumb and always requests compaction when
// authority is moon-owned. When authority is openclaw-owned, the daemon
// never requests compaction itself — it only observes and records the
// policy-drift diagnostic via DriftCheck. The drift check itself runs
// regardless of authority whenever Writer can observe host mode, since
// drift is a standing diagnostic, not something gated on triggering.
func (t *Trigger) Fire(ctx context.Context, policy Policy, sessionID, archivePath string) Request {
	req := Request{}
	if observer, ok := t.Writer.(HostModeObserver); ok {
		mode, err := observer.ObserveMode(ctx)
		if err == nil {
			req.DriftChecked = true
			req.DriftOK, req.DriftDetail = DriftCheck(policy.Authority, mode)
		}
	}

	if policy.Authority != AuthorityMoon {
		return req
	}

	line := hostwrite.BreadcrumbLine(archivePath)
	err := t.Writer.WriteBreadcrumb(ctx, sessionID, line)
	req.CompactionRequested = true
	req.BreadcrumbWritten = err == nil
	req.BreadcrumbErr = err
	return req
}

// DriftCheck compares the configured authority against the host's
// observed mode. A mismatch never blocks a cycle — it only surfaces as
// ok=false for operator diagnostics.
func DriftCheck(configured Authority, observedHostMode string) (ok bool, detail string) {
	var expectedHostMode string
	switch configured {
	case AuthorityMoon:
		expectedHostMode = "daemon-driven"
	case AuthorityOpenclaw:
		expectedHostMode = "host-driven"
	}
	if observedHostMode == expectedHostMode {
		return true, ""
	}
	return false, fmt.Sprintf("configured authority %q expects host mode %q, observed %q", configured, expectedHostMode, observedHostMode)
}
