// Package audit is the single choke point every pipeline stage's failure
// path goes through. No stage writes to the audit log or increments a
// warning counter directly — it constructs a WarnEvent and hands it to a
// *Channel.
//
// The warn-code set is closed (spec.md §6): WarnCode is a string enum and
// Valid() is the membership check against that closed list, mirroring the teacher's ViolationType/ConstitutionalViolation
// closed-enum convention in governance/constitutional.go.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// WarnCode is one of the closed set of warning codes spec.md §6 defines.
type WarnCode string

const (
	CodeIndexFailed          WarnCode = "INDEX_FAILED"
	CodeDistillFailed        WarnCode = "DISTILL_FAILED"
	CodeWisdomDistillFailed  WarnCode = "WISDOM_DISTILL_FAILED"
	CodeContinuityFailed     WarnCode = "CONTINUITY_FAILED"
	CodeRetentionDeleteFailed WarnCode = "RETENTION_DELETE_FAILED"
	CodeLedgerReadFailed     WarnCode = "LEDGER_READ_FAILED"
	CodeIndexNoteFailed      WarnCode = "INDEX_NOTE_FAILED"
	CodeProjectionWriteFailed WarnCode = "PROJECTION_WRITE_FAILED"
	CodeDistillSourceMissing WarnCode = "DISTILL_SOURCE_MISSING"
	CodeEmbedFailed          WarnCode = "EMBED_FAILED"
	CodeEmbedLocked          WarnCode = "EMBED_LOCKED"
	CodeEmbedCapabilityMissing WarnCode = "EMBED_CAPABILITY_MISSING"
	CodeEmbedStatusFailed    WarnCode = "EMBED_STATUS_FAILED"
	CodeUsageProbeFailed     WarnCode = "USAGE_PROBE_FAILED"
	CodeDaemonPanicHalt      WarnCode = "DAEMON_PANIC_HALT"
	CodeL1Locked             WarnCode = "L1_LOCKED"
)

// allCodes is the closed set. Valid() looks codes up in it.
var allCodes = map[WarnCode]struct{}{
	CodeIndexFailed:            {},
	CodeDistillFailed:          {},
	CodeWisdomDistillFailed:    {},
	CodeContinuityFailed:       {},
	CodeRetentionDeleteFailed:  {},
	CodeLedgerReadFailed:       {},
	CodeIndexNoteFailed:        {},
	CodeProjectionWriteFailed:  {},
	CodeDistillSourceMissing:   {},
	CodeEmbedFailed:            {},
	CodeEmbedLocked:            {},
	CodeEmbedCapabilityMissing: {},
	CodeEmbedStatusFailed:      {},
	CodeUsageProbeFailed:       {},
	CodeDaemonPanicHalt:        {},
	CodeL1Locked:               {},
}

// Valid reports whether c is a member of the closed warn-code set.
func (c WarnCode) Valid() bool {
	_, ok := allCodes[c]
	return ok
}

// WarnEvent is one audit-log line: a single stage failure.
type WarnEvent struct {
	Code    WarnCode
	Stage   string
	Action  string
	Session string
	Archive string
	Source  string
	Retry   bool
	Reason  string
	Err     error
	At      int64 // epoch seconds
}

// line renders the event in the fixed `WARN code=... stage=... action=...`
// shape spec.md §6 mandates.
func (e WarnEvent) line() string {
	errStr := ""
	if e.Err != nil {
		errStr = e.Err.Error()
	}
	return fmt.Sprintf(
		"WARN code=%s stage=%s action=%s session=%s archive=%s source=%s retry=%t reason=%q err=%q at=%d\n",
		e.Code, e.Stage, e.Action, e.Session, e.Archive, e.Source, e.Retry, e.Reason, errStr, e.At,
	)
}

// Channel is the warning sink: it appends to the audit log, counts the
// event on a Prometheus counter, and logs it via zap.
type Channel struct {
	mu       sync.Mutex
	logPath  string
	log      *zap.Logger
	counter  *prometheus.CounterVec
	strict   bool // test mode: Emit of an invalid code panics instead of degrading
}

// New creates a Channel writing to logPath. strict mirrors the teacher's
// ConstitutionalKernel(logger, strict) constructor: with strict=true an
// unrecognised WarnCode makes Emit panic instead of degrading. The
// callers in this repository (the daemon, the crash-resume harness and
// the watcher tests) all pass false.
func New(logPath string, log *zap.Logger, counter *prometheus.CounterVec, strict bool) *Channel {
	return &Channel{logPath: logPath, log: log, counter: counter, strict: strict}
}

// Emit records one warning: audit-log append, Prometheus counter, zap log.
// A malformed write to the audit log is itself best-effort — Emit never
// returns an error, since a failure to record a warning must not itself
// abort the cycle (the cycle is already degrading).
func (c *Channel) Emit(e WarnEvent) {
	if !e.Code.Valid() {
		if c.strict {
			panic(fmt.Sprintf("audit: unknown warn code %q", e.Code))
		}
		e.Reason = fmt.Sprintf("(unknown code %q) %s", e.Code, e.Reason)
	}
	if e.At == 0 {
		e.At = time.Now().Unix()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.appendLine(e.line()); err != nil && c.log != nil {
		c.log.Error("audit: failed to append log line", zap.Error(err))
	}

	if c.counter != nil {
		c.counter.WithLabelValues(string(e.Code)).Inc()
	}

	if c.log != nil {
		c.log.Warn("pipeline warning",
			zap.String("code", string(e.Code)),
			zap.String("stage", e.Stage),
			zap.String("action", e.Action),
			zap.String("session", e.Session),
			zap.String("archive", e.Archive),
			zap.String("source", e.Source),
			zap.Bool("retry", e.Retry),
			zap.String("reason", e.Reason),
			zap.Error(e.Err),
		)
	}
}

func (c *Channel) appendLine(line string) error {
	if err := os.MkdirAll(filepath.Dir(c.logPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(c.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return err
	}
	return f.Sync()
}

// NewCounter builds the Prometheus counter vector Channel expects,
// registered on reg.
func NewCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "moon",
		Subsystem: "watcher",
		Name:      "warnings_total",
		Help:      "Total pipeline warnings emitted, by code.",
	}, []string{"code"})
	reg.MustRegister(c)
	return c
}
