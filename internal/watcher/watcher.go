// Package watcher implements the cycle orchestrator (C14): the fixed-
// order composition of every other stage into one watcher cycle, the
// panic guard that halts the daemon after three consecutive panics, and
// the one-shot/daemon/dry-run mode distinction.
//
// Grounded on the teacher's cmd/octoreflex/main.go top-level composition
// (root context, sequential stage execution, structured per-stage
// outcome reporting) and on internal/governance/constitutional.go's
// strict-vs-degrading recover() boundary, re-homed here as the cycle's
// panic guard instead of a constitutional-violation guard.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/moon-watchd/internal/archive"
	"github.com/octoreflex/moon-watchd/internal/audit"
	"github.com/octoreflex/moon-watchd/internal/clock"
	"github.com/octoreflex/moon-watchd/internal/compaction"
	"github.com/octoreflex/moon-watchd/internal/distill"
	"github.com/octoreflex/moon-watchd/internal/embed"
	"github.com/octoreflex/moon-watchd/internal/index"
	"github.com/octoreflex/moon-watchd/internal/ledger"
	"github.com/octoreflex/moon-watchd/internal/lockmgr"
	"github.com/octoreflex/moon-watchd/internal/paths"
	"github.com/octoreflex/moon-watchd/internal/retention"
	"github.com/octoreflex/moon-watchd/internal/state"
	"github.com/octoreflex/moon-watchd/internal/usageprobe"
)

// Mode selects how RunOnce behaves.
type Mode int

const (
	// ModeOneShot and ModeDaemon run a normal, fully-effecting cycle; the
	// distinction between them is the caller's loop structure (run once
	// and exit, vs. sleep-and-repeat), not anything RunOnce does
	// differently.
	ModeOneShot Mode = iota
	ModeDaemon
	// ModeDryRun plans every stage's work but performs no write.
	ModeDryRun
)

const defaultMaxConsecutivePanics = 3

// StageOutcome is one stage's result for a cycle report.
type StageOutcome string

const (
	OutcomeOK      StageOutcome = "ok"
	OutcomeSkipped StageOutcome = "skipped"
	OutcomeFailed  StageOutcome = "failed"
	OutcomePlanned StageOutcome = "planned"
)

// Report summarises one completed (non-panicking) cycle.
type Report struct {
	OK                bool
	Stages            map[string]StageOutcome
	ConsecutivePanics int
	Halted            bool

	// CompactionDriftChecked/OK/Detail surface compaction.DriftCheck's
	// policy-drift diagnostic, when the compaction trigger's writer can
	// observe the host's mode. They are left zero when no check ran.
	CompactionDriftChecked bool
	CompactionDriftOK      bool
	CompactionDriftDetail  string
}

func newReport() Report {
	return Report{OK: true, Stages: make(map[string]StageOutcome)}
}

func (r *Report) set(stage string, outcome StageOutcome) {
	r.Stages[stage] = outcome
	if outcome == OutcomeFailed {
		r.OK = false
	}
}

// Cycle wires every pipeline stage together. All fields except those
// documented as optional must be set before calling RunOnce.
type Cycle struct {
	Paths  paths.Registry
	Clock  clock.Clock
	TZ     *time.Location
	Log    *zap.Logger

	State  *state.Store
	Ledger *ledger.Store
	Audit  *audit.Channel

	UsageProbe  usageprobe.Probe
	BytesSource usageprobe.BytesSource

	Archive *archive.Stage

	Index           index.Backend
	IndexCollection string
	IndexMask       string

	Embed *embed.Driver

	CompactionPolicy  compaction.Policy
	CompactionTrigger *compaction.Trigger

	L1                    *distill.Normaliser
	L1MaxPerCycle         int
	TopicDiscoveryEnabled bool

	L2 *distill.Synthesiser

	RetentionPolicy retention.Policy

	MaxConsecutivePanics int

	// BuildUUID and WorkspaceRoot are daemon provenance, carried into the
	// daemon lock payload and the persisted state document (spec.md §3).
	BuildUUID     string
	WorkspaceRoot string
}

// RunOnce executes exactly one cycle. It acquires the daemon lock for
// the cycle's duration; lock contention at the start is one of the two
// conditions (the other being an internal panic) that abort the cycle
// outright rather than degrading a single stage — per §7's propagation
// policy.
func (c *Cycle) RunOnce(ctx context.Context, mode Mode) (report Report, err error) {
	now := c.Clock.Now()

	lockPayload := lockmgr.NewDaemonPayload(now.Unix(), c.BuildUUID, c.WorkspaceRoot)
	handle, lockErr := lockmgr.Acquire(c.Paths.DaemonLockFile(), lockPayload)
	if lockErr != nil {
		return Report{}, fmt.Errorf("watcher: acquire daemon lock: %w", lockErr)
	}
	defer handle.Release()

	doc, stateErr := c.State.Load()
	if stateErr != nil {
		var qerr *state.QuarantinedError
		if !errors.As(stateErr, &qerr) {
			return Report{}, fmt.Errorf("watcher: load state: %w", stateErr)
		}
		if c.Log != nil {
			c.Log.Warn("watcher: quarantined unreadable state file, proceeding with fresh state", zap.Error(stateErr))
		}
	}

	pid := os.Getpid()
	if doc.PID != pid {
		doc.PID = pid
		doc.StartedAtUnix = now.Unix()
	}
	doc.BuildUUID = c.BuildUUID
	doc.WorkspaceRoot = c.WorkspaceRoot

	maxPanics := c.MaxConsecutivePanics
	if maxPanics <= 0 {
		maxPanics = defaultMaxConsecutivePanics
	}

	defer func() {
		if r := recover(); r != nil {
			doc.ConsecutivePanics++
			halted := doc.ConsecutivePanics >= maxPanics
			if saveErr := c.State.Save(doc); saveErr != nil && c.Log != nil {
				c.Log.Error("watcher: save state after panic", zap.Error(saveErr))
			}
			if c.Audit != nil {
				c.Audit.Emit(audit.WarnEvent{
					Code:   audit.CodeDaemonPanicHalt,
					Stage:  "cycle",
					Action: "recover",
					Retry:  !halted,
					Reason: fmt.Sprintf("recovered panic: %v", r),
					At:     c.Clock.UnixSeconds(),
				})
			}
			report = Report{OK: false, Stages: map[string]StageOutcome{}, ConsecutivePanics: doc.ConsecutivePanics, Halted: halted}
			err = fmt.Errorf("watcher: cycle panicked: %v", r)
		}
	}()

	report = c.runStages(ctx, mode, now, &doc)

	doc.ConsecutivePanics = 0
	doc.LastCycleUnix = c.Clock.UnixSeconds()
	if mode != ModeDryRun {
		if saveErr := c.State.Save(doc); saveErr != nil {
			return report, fmt.Errorf("watcher: save state: %w", saveErr)
		}
	}
	report.ConsecutivePanics = 0
	return report, nil
}

func (c *Cycle) runStages(ctx context.Context, mode Mode, now time.Time, doc *state.Document) Report {
	report := newReport()
	dryRun := mode == ModeDryRun
	today := clock.ResidentialDay(now, c.TZ)

	snap, archiveResult, haveSnapshot := c.runUsageProbeAndArchive(ctx, &report, dryRun, now, today)

	c.runIndex(ctx, &report, dryRun, doc)
	c.runEmbed(ctx, &report, dryRun, doc, now)
	c.runCompaction(ctx, &report, dryRun, doc, now, snap, archiveResult, haveSnapshot)
	c.runL1(ctx, &report, dryRun, today)
	c.runL2(ctx, &report, dryRun, doc, now, today)
	c.runRetention(ctx, &report, dryRun, now)

	return report
}

// runUsageProbeAndArchive runs the first two fixed-order stages. A
// usage-probe failure skips archiving for this cycle but never aborts
// the rest — compaction and the distill/retention stages all operate on
// whatever backlog already exists in the ledger.
func (c *Cycle) runUsageProbeAndArchive(ctx context.Context, report *Report, dryRun bool, now time.Time, today string) (usageprobe.Snapshot, archive.Result, bool) {
	snap, err := c.UsageProbe.Capture(ctx)
	if err != nil {
		c.warn(audit.CodeUsageProbeFailed, "usage_probe", "capture", "", "", "", true, err)
		report.set("usage_probe", OutcomeFailed)
		report.set("archive", OutcomeSkipped)
		return usageprobe.Snapshot{}, archive.Result{}, false
	}
	report.set("usage_probe", OutcomeOK)

	if c.BytesSource == nil {
		report.set("archive", OutcomeSkipped)
		return snap, archive.Result{}, true
	}

	raw, err := c.BytesSource.ReadSessionBytes(ctx, snap.SessionID)
	if err != nil {
		c.warn(audit.CodeProjectionWriteFailed, "archive", "read_session_bytes", snap.SessionID, "", "", true, err)
		report.set("archive", OutcomeFailed)
		return snap, archive.Result{}, true
	}

	if dryRun {
		report.set("archive", OutcomePlanned)
		return snap, archive.Result{}, true
	}

	res, err := c.Archive.Archive(raw, snap.SessionID, snap.CapturedAt, today)
	if err != nil {
		c.warn(audit.CodeProjectionWriteFailed, "archive", "archive", snap.SessionID, "", "", true, err)
		report.set("archive", OutcomeFailed)
		return snap, archive.Result{}, true
	}
	report.set("archive", OutcomeOK)
	return snap, res, true
}

func (c *Cycle) runIndex(ctx context.Context, report *Report, dryRun bool, doc *state.Document) {
	if c.Index == nil {
		report.set("index", OutcomeSkipped)
		return
	}
	if dryRun {
		report.set("index", OutcomePlanned)
		return
	}

	_, err := c.Index.Sync(ctx, c.IndexCollection, c.Paths.ArchivesMlibDir(), c.IndexMask)
	if err != nil {
		c.warn(audit.CodeIndexFailed, "index", "sync", "", "", "", true, err)
		report.set("index", OutcomeFailed)
		return
	}

	pending, err := ledger.ListPendingForStage(c.Ledger, ledger.StageIndexed, ledger.StageRank)
	if err != nil {
		c.warn(audit.CodeLedgerReadFailed, "index", "list_pending", "", "", "", true, err)
		report.set("index", OutcomeFailed)
		return
	}
	nowUnix := c.Clock.UnixSeconds()
	for _, rec := range pending {
		rec.Stage = ledger.StageIndexed
		rec.IndexedAt = nowUnix
		if err := c.Ledger.Append(rec); err != nil {
			c.warn(audit.CodeIndexNoteFailed, "index", "ledger_advance", rec.SessionID, rec.Basename, "", true, err)
		}
	}
	doc.LastIndexUnix = nowUnix
	report.set("index", OutcomeOK)
}

func (c *Cycle) runEmbed(ctx context.Context, report *Report, dryRun bool, doc *state.Document, now time.Time) {
	if c.Embed == nil {
		report.set("embed", OutcomeSkipped)
		return
	}

	pending, err := ledger.ListPendingForStage(c.Ledger, ledger.StageEmbedded, ledger.StageRank)
	if err != nil {
		c.warn(audit.CodeLedgerReadFailed, "embed", "list_pending", "", "", "", true, err)
		report.set("embed", OutcomeFailed)
		return
	}

	lastEmbed := time.Unix(doc.LastEmbedUnix, 0)
	if !c.Embed.ShouldRun(now, lastEmbed, len(pending)) {
		report.set("embed", OutcomeSkipped)
		return
	}
	if dryRun {
		report.set("embed", OutcomePlanned)
		return
	}

	res, err := c.Embed.Run(ctx, c.IndexCollection)
	if err != nil {
		var busy *lockmgr.BusyError
		var capErr *embed.CapabilityError
		switch {
		case errors.As(err, &busy):
			c.warn(audit.CodeEmbedLocked, "embed", "run", "", "", "", true, err)
		case errors.As(err, &capErr):
			c.warn(audit.CodeEmbedCapabilityMissing, "embed", "run", "", "", "", false, err)
		default:
			c.warn(audit.CodeEmbedFailed, "embed", "run", "", "", "", true, err)
		}
		report.set("embed", OutcomeFailed)
		return
	}
	_ = res
	doc.LastEmbedUnix = now.Unix()
	report.set("embed", OutcomeOK)
}

func (c *Cycle) runCompaction(ctx context.Context, report *Report, dryRun bool, doc *state.Document, now time.Time, snap usageprobe.Snapshot, archiveRes archive.Result, haveSnapshot bool) {
	if c.CompactionTrigger == nil || !haveSnapshot {
		report.set("compaction", OutcomeSkipped)
		return
	}

	lastCompaction := time.Unix(doc.LastCompactionUnix, 0)
	decision := compaction.Evaluate(c.CompactionPolicy, snap.UsageRatio(), now, lastCompaction)
	if !decision.ShouldTrigger {
		report.set("compaction", OutcomeSkipped)
		return
	}
	if dryRun {
		report.set("compaction", OutcomePlanned)
		return
	}

	archivePath := archiveRes.Record.ProjectionPath
	req := c.CompactionTrigger.Fire(ctx, c.CompactionPolicy, snap.SessionID, archivePath)
	if req.DriftChecked {
		report.CompactionDriftChecked = true
		report.CompactionDriftOK = req.DriftOK
		report.CompactionDriftDetail = req.DriftDetail
	}
	if !req.BreadcrumbWritten && req.BreadcrumbErr != nil {
		c.warn(audit.CodeContinuityFailed, "compaction", "write_breadcrumb", snap.SessionID, archivePath, "", true, req.BreadcrumbErr)
	}
	if req.CompactionRequested {
		doc.LastCompactionUnix = now.Unix()
		report.set("compaction", OutcomeOK)
	} else {
		report.set("compaction", OutcomeSkipped)
	}
}

func (c *Cycle) runL1(ctx context.Context, report *Report, dryRun bool, today string) {
	_ = ctx
	if c.L1 == nil {
		report.set("l1", OutcomeSkipped)
		return
	}

	records, err := ledger.ListPendingForStage(c.Ledger, ledger.StageDeleted, ledger.StageRank)
	if err != nil {
		c.warn(audit.CodeLedgerReadFailed, "l1", "list_candidates", "", "", "", true, err)
		report.set("l1", OutcomeFailed)
		return
	}

	candidates := distill.SelectL1Candidates(records, c.L1MaxPerCycle)
	if len(candidates) == 0 {
		report.set("l1", OutcomeSkipped)
		return
	}
	if dryRun {
		report.set("l1", OutcomePlanned)
		return
	}

	lockPayload := lockmgr.NewPayload("watcher-l1", c.Clock.Now().Unix())
	handle, lockErr := lockmgr.Acquire(c.Paths.L1LockFile(), lockPayload)
	if lockErr != nil {
		if busy, ok := lockErr.(*lockmgr.BusyError); ok {
			c.warn(audit.CodeL1Locked, "l1", "acquire_lock", "", "", "", false, fmt.Errorf("held by pid=%d", busy.Holder.PID))
			report.set("l1", OutcomeSkipped)
			return
		}
		c.warn(audit.CodeL1Locked, "l1", "acquire_lock", "", "", "", true, lockErr)
		report.set("l1", OutcomeFailed)
		return
	}
	defer handle.Release()

	appended := 0
	var discovered []string
	for _, rec := range candidates {
		text, err := os.ReadFile(rec.ProjectionPath)
		if err != nil {
			c.warn(audit.CodeDistillSourceMissing, "l1", "read_projection", rec.SessionID, rec.Basename, rec.ProjectionPath, true, err)
			continue
		}
		block := distill.EntryBlock(rec, string(text))
		if err := c.L1.AppendEntry(today, block); err != nil {
			c.warn(audit.CodeDistillFailed, "l1", "append_entry", rec.SessionID, rec.Basename, "", true, err)
			continue
		}
		discovered = append(discovered, distill.ExtractKeywords(string(text))...)

		rec.Stage = ledger.StageDistilled
		rec.DistilledAt = c.Clock.UnixSeconds()
		if err := c.Ledger.Append(rec); err != nil {
			c.warn(audit.CodeDistillFailed, "l1", "ledger_advance", rec.SessionID, rec.Basename, "", true, err)
			continue
		}
		appended++
	}

	if c.TopicDiscoveryEnabled && appended > 0 {
		if err := c.L1.RewriteEntityAnchorsSection(today, discovered); err != nil {
			c.warn(audit.CodeDistillFailed, "l1", "rewrite_entity_anchors", "", "", "", true, err)
		}
	}

	if appended == len(candidates) {
		report.set("l1", OutcomeOK)
	} else if appended > 0 {
		report.set("l1", OutcomeOK)
	} else {
		report.set("l1", OutcomeFailed)
	}
}

func (c *Cycle) runL2(ctx context.Context, report *Report, dryRun bool, doc *state.Document, now time.Time, today string) {
	if c.L2 == nil {
		report.set("l2", OutcomeSkipped)
		return
	}
	if doc.LastL2Day == today {
		report.set("l2", OutcomeSkipped)
		return
	}
	if dryRun {
		report.set("l2", OutcomePlanned)
		return
	}

	yesterday := clock.ResidentialDay(now.Add(-24*time.Hour), c.TZ)
	sources := []string{c.Paths.DailyMemoryFile(yesterday), c.Paths.DurableMemoryFile()}

	res, err := c.L2.Run(ctx, sources)
	if err != nil {
		c.warn(audit.CodeWisdomDistillFailed, "l2", "run", "", "", "", true, err)
		report.set("l2", OutcomeFailed)
		return
	}
	if !res.Wrote {
		report.set("l2", OutcomeSkipped)
		return
	}
	doc.LastL2Day = today
	report.set("l2", OutcomeOK)
}

func (c *Cycle) runRetention(ctx context.Context, report *Report, dryRun bool, now time.Time) {
	_ = ctx
	records, err := ledger.ListPendingForStage(c.Ledger, ledger.StageDeleted, ledger.StageRank)
	if err != nil {
		c.warn(audit.CodeLedgerReadFailed, "retention", "list_candidates", "", "", "", true, err)
		report.set("retention", OutcomeFailed)
		return
	}

	candidates := retention.SelectColdCandidates(c.RetentionPolicy, records, now)
	if len(candidates) == 0 {
		report.set("retention", OutcomeSkipped)
		return
	}
	if dryRun {
		report.set("retention", OutcomePlanned)
		return
	}

	failed := 0
	for _, rec := range candidates {
		if _, err := retention.Delete(rec); err != nil {
			c.warn(audit.CodeRetentionDeleteFailed, "retention", "delete", rec.SessionID, rec.Basename, "", true, err)
			failed++
			continue
		}
		rec.Stage = ledger.StageDeleted
		if err := c.Ledger.Append(rec); err != nil {
			c.warn(audit.CodeRetentionDeleteFailed, "retention", "ledger_advance", rec.SessionID, rec.Basename, "", true, err)
			failed++
		}
	}
	if failed == 0 {
		report.set("retention", OutcomeOK)
	} else {
		report.set("retention", OutcomeFailed)
	}
}

func (c *Cycle) warn(code audit.WarnCode, stage, action, session, archivePath, source string, retry bool, err error) {
	if c.Audit == nil {
		return
	}
	c.Audit.Emit(audit.WarnEvent{
		Code:    code,
		Stage:   stage,
		Action:  action,
		Session: session,
		Archive: archivePath,
		Source:  source,
		Retry:   retry,
		Err:     err,
		At:      c.Clock.UnixSeconds(),
	})
}
