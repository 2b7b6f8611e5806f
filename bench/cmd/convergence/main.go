// Package main — bench/cmd/convergence/main.go
//
// Crash-resume convergence harness.
//
// Purpose: validate, before release, that the watcher pipeline's
// crash-recovery property actually holds: for any sequence of N cycles,
// a run that crashes and restarts between every single cycle must reach
// the exact same final archive ledger as one uninterrupted run driven by
// a single long-lived process.
//
// Model: a scripted sequence of synthetic usage-probe snapshots is
// replayed twice against two independent MOON_HOME workspaces —
//
//	continuous: one *watcher.Cycle value, reused for all N cycles
//	            (models a daemon that never restarts).
//	resumed:    a brand-new *watcher.Cycle (and brand-new ledger/state
//	            Store handles) constructed before every single cycle
//	            (models a process that crashes and is relaunched between
//	            every cycle — the worst case the on-disk ledger/state
//	            format must survive, since nothing in memory carries
//	            over).
//
// Convergence condition: the two workspaces' final ledgers must contain
// the same set of (basename, stage) pairs.
//
// Output: per-cycle CSV to stdout (cycle, session_id, archive_outcome).
// Summary: convergence result to stderr.
//
// Usage:
//
//	convergence [flags]
//	convergence -cycles 200 -sessions 12 -seed 42
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/octoreflex/moon-watchd/internal/archive"
	"github.com/octoreflex/moon-watchd/internal/audit"
	"github.com/octoreflex/moon-watchd/internal/clock"
	"github.com/octoreflex/moon-watchd/internal/index"
	"github.com/octoreflex/moon-watchd/internal/ledger"
	"github.com/octoreflex/moon-watchd/internal/paths"
	"github.com/octoreflex/moon-watchd/internal/state"
	"github.com/octoreflex/moon-watchd/internal/usageprobe"
	"github.com/octoreflex/moon-watchd/internal/watcher"
)

func main() {
	// ── Flags ───────────────────────────────────────────────────────────
	cycles := flag.Int("cycles", 200, "Number of cycles to replay")
	sessions := flag.Int("sessions", 12, "Number of distinct synthetic session ids")
	workdir := flag.String("workdir", "", "Scratch directory (default: a temp dir, removed on exit)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed for the session/content schedule")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))

	root := *workdir
	if root == "" {
		tmp, err := os.MkdirTemp("", "moon-convergence-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: create scratch dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		root = tmp
	}

	schedule := buildSchedule(*cycles, *sessions, rng)

	continuousDir := filepath.Join(root, "continuous")
	resumedDir := filepath.Join(root, "resumed")

	continuousFinal, steps, err := runContinuous(continuousDir, schedule)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: continuous run: %v\n", err)
		os.Exit(1)
	}
	resumedFinal, err := runResumed(resumedDir, schedule)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: resumed run: %v\n", err)
		os.Exit(1)
	}

	// ── Output: per-cycle CSV to stdout ─────────────────────────────────
	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"cycle", "session_id", "archive_outcome"})
	for _, s := range steps {
		_ = w.Write([]string{strconv.Itoa(s.Cycle), s.SessionID, s.ArchiveOutcome})
	}
	w.Flush()

	// ── Convergence evaluation ───────────────────────────────────────────
	missing, extra, mismatched := diffLedgers(continuousFinal, resumedFinal)

	fmt.Fprintf(os.Stderr, "\n=== CRASH-RESUME CONVERGENCE RESULT ===\n")
	fmt.Fprintf(os.Stderr, "Cycles replayed:      %d\n", *cycles)
	fmt.Fprintf(os.Stderr, "Synthetic sessions:   %d\n", *sessions)
	fmt.Fprintf(os.Stderr, "Continuous records:   %d\n", len(continuousFinal))
	fmt.Fprintf(os.Stderr, "Resumed records:      %d\n", len(resumedFinal))
	fmt.Fprintf(os.Stderr, "Missing from resumed: %d\n", len(missing))
	fmt.Fprintf(os.Stderr, "Extra in resumed:     %d\n", len(extra))
	fmt.Fprintf(os.Stderr, "Stage mismatches:     %d\n", len(mismatched))

	if len(missing) == 0 && len(extra) == 0 && len(mismatched) == 0 {
		fmt.Fprintf(os.Stderr, "RESULT: PASS — resumed run converges to the continuous run\n")
		os.Exit(0)
	}

	fmt.Fprintf(os.Stderr, "RESULT: FAIL — crash-resume convergence violated\n")
	for _, b := range missing {
		fmt.Fprintf(os.Stderr, "  missing: %s\n", b)
	}
	for _, b := range extra {
		fmt.Fprintf(os.Stderr, "  extra:   %s\n", b)
	}
	for _, b := range mismatched {
		fmt.Fprintf(os.Stderr, "  stage mismatch: %s\n", b)
	}
	os.Exit(2)
}

// cycleStep is one scripted cycle: which synthetic session is "active"
// and how much usage it has accrued. usedTokens grows monotonically
// across a session's appearances so that distinct cycles for the same
// session produce distinct content hashes, never idempotent collisions
// within one session's own history.
type cycleStep struct {
	SessionID  string
	UsedTokens int64
	MaxTokens  int64
}

func buildSchedule(cycles, sessions int, rng *rand.Rand) []cycleStep {
	used := make([]int64, sessions)
	schedule := make([]cycleStep, cycles)
	for i := 0; i < cycles; i++ {
		s := rng.Intn(sessions)
		used[s] += int64(100 + rng.Intn(900))
		schedule[i] = cycleStep{
			SessionID:  fmt.Sprintf("sess-%02d", s),
			UsedTokens: used[s],
			MaxTokens:  200000,
		}
	}
	return schedule
}

// reportStep is one row of the stdout CSV.
type reportStep struct {
	Cycle          int
	SessionID      string
	ArchiveOutcome string
}

// scriptedProbe replays one fixed cycleStep per Capture call.
type scriptedProbe struct {
	step cycleStep
	at   int64
}

func (p *scriptedProbe) Capture(ctx context.Context) (usageprobe.Snapshot, error) {
	return usageprobe.Snapshot{
		SessionID:  p.step.SessionID,
		UsedTokens: p.step.UsedTokens,
		MaxTokens:  p.step.MaxTokens,
		CapturedAt: p.at,
		Provider:   "convergence-harness",
	}, nil
}

// contentFor deterministically derives session bytes from the
// (session, used-tokens) pair so the same scripted step always produces
// the same content hash, on either workspace.
func contentFor(step cycleStep) []byte {
	return []byte(fmt.Sprintf(`{"role":"user","content":"%s turn at %d tokens"}`+"\n", step.SessionID, step.UsedTokens))
}

type fixedBytesSource struct{ raw []byte }

func (f fixedBytesSource) ReadSessionBytes(ctx context.Context, sessionID string) ([]byte, error) {
	return f.raw, nil
}

// noopIndexBackend satisfies index.Backend without doing anything; the
// convergence property under test concerns the archive ledger, not the
// index stage, so index is a pass-through here.
type noopIndexBackend struct{}

func (noopIndexBackend) Sync(ctx context.Context, collection, root, mask string) (index.SyncResult, error) {
	return index.SyncResult{}, nil
}
func (noopIndexBackend) Embed(ctx context.Context, collection string, maxDocs int) (index.EmbedResult, error) {
	return index.EmbedResult{}, nil
}
func (noopIndexBackend) Query(ctx context.Context, collection, query string, limit int) (index.QueryResult, error) {
	return index.QueryResult{}, nil
}
func (noopIndexBackend) ProbeCapability(ctx context.Context) (index.Capability, error) {
	return index.Capability{}, nil
}

func newWorkspace(root string) (paths.Registry, error) {
	reg := paths.New(root)
	for _, d := range reg.RequiredDirs() {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return paths.Registry{}, err
		}
	}
	return reg, nil
}

func buildCycle(reg paths.Registry, atUnix int64) *watcher.Cycle {
	ledgerStore := ledger.New(reg.LedgerFile())
	return &watcher.Cycle{
		Paths:  reg,
		Clock:  clock.Fixed{At: time.Unix(atUnix, 0)},
		TZ:     time.UTC,
		State:  state.New(reg.StateFile()),
		Ledger: ledgerStore,
		Audit:  audit.New(reg.AuditLogFile(), nil, nil, false),

		UsageProbe:  nil, // set per call below
		BytesSource: nil, // set per call below

		Archive: archive.NewStage(reg, ledgerStore),

		Index:           noopIndexBackend{},
		IndexCollection: "convergence",
		IndexMask:       "*.md",
	}
}

// runContinuous replays the full schedule against one long-lived Cycle.
func runContinuous(root string, schedule []cycleStep) (map[string]ledgerState, []reportStep, error) {
	reg, err := newWorkspace(root)
	if err != nil {
		return nil, nil, err
	}

	c := buildCycle(reg, 1_700_000_000)
	steps := make([]reportStep, 0, len(schedule))

	for i, step := range schedule {
		at := int64(1_700_000_000 + i)
		c.Clock = clock.Fixed{At: time.Unix(at, 0)}
		c.UsageProbe = &scriptedProbe{step: step, at: at}
		c.BytesSource = fixedBytesSource{raw: contentFor(step)}

		report, err := c.RunOnce(context.Background(), watcher.ModeOneShot)
		if err != nil {
			return nil, nil, fmt.Errorf("continuous cycle %d: %w", i, err)
		}
		steps = append(steps, reportStep{Cycle: i, SessionID: step.SessionID, ArchiveOutcome: string(report.Stages["archive"])})
	}

	return readLedgerState(reg), steps, nil
}

// runResumed replays the same schedule but rebuilds the Cycle (and every
// Store it holds) from scratch before each call — a crash+restart
// between every cycle.
func runResumed(root string, schedule []cycleStep) (map[string]ledgerState, error) {
	reg, err := newWorkspace(root)
	if err != nil {
		return nil, err
	}

	for i, step := range schedule {
		at := int64(1_700_000_000 + i)
		c := buildCycle(reg, at)
		c.UsageProbe = &scriptedProbe{step: step, at: at}
		c.BytesSource = fixedBytesSource{raw: contentFor(step)}

		if _, err := c.RunOnce(context.Background(), watcher.ModeOneShot); err != nil {
			return nil, fmt.Errorf("resumed cycle %d: %w", i, err)
		}
	}

	return readLedgerState(reg), nil
}

type ledgerState struct {
	Stage ledger.Stage
}

// readLedgerState collapses the ledger to its final per-basename state,
// the same collapsing ListPendingForStage performs internally.
func readLedgerState(reg paths.Registry) map[string]ledgerState {
	store := ledger.New(reg.LedgerFile())
	out := make(map[string]ledgerState)
	_ = store.Iter(func(rec ledger.Record) error {
		out[rec.Basename] = ledgerState{Stage: rec.Stage}
		return nil
	}, nil)
	return out
}

func diffLedgers(continuous, resumed map[string]ledgerState) (missing, extra, mismatched []string) {
	for basename, cState := range continuous {
		rState, ok := resumed[basename]
		if !ok {
			missing = append(missing, basename)
			continue
		}
		if rState.Stage != cState.Stage {
			mismatched = append(mismatched, fmt.Sprintf("%s (continuous=%s resumed=%s)", basename, cState.Stage, rState.Stage))
		}
	}
	for basename := range resumed {
		if _, ok := continuous[basename]; !ok {
			extra = append(extra, basename)
		}
	}
	return missing, extra, mismatched
}
