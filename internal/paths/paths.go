// Package paths is the canonical path registry for a MOON_HOME workspace.
//
// Every other package resolves filesystem locations through a Registry
// rather than joining path segments itself, so the layout in spec.md §6
// stays in exactly one place.
package paths

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Registry resolves every workspace-relative path the pipeline touches.
type Registry struct {
	// Root is the workspace root (MOON_HOME).
	Root string
}

// New creates a Registry rooted at root. root should already be absolute;
// callers that accept a relative MOON_HOME should resolve it with
// filepath.Abs before constructing the Registry.
func New(root string) Registry {
	return Registry{Root: root}
}

// ArchivesRawDir is archives/raw — full-fidelity snapshot bytes.
func (r Registry) ArchivesRawDir() string { return filepath.Join(r.Root, "archives", "raw") }

// ArchivesMlibDir is archives/mlib — denoised markdown projections.
func (r Registry) ArchivesMlibDir() string { return filepath.Join(r.Root, "archives", "mlib") }

// LedgerFile is archives/ledger.jsonl — the append-only archive ledger.
func (r Registry) LedgerFile() string {
	return filepath.Join(r.Root, "archives", "ledger.jsonl")
}

// MemoryDir is memory/ — daily normalised logs.
func (r Registry) MemoryDir() string { return filepath.Join(r.Root, "memory") }

// DailyMemoryFile is memory/YYYY-MM-DD.md for the given residential day.
func (r Registry) DailyMemoryFile(day string) string {
	return filepath.Join(r.MemoryDir(), day+".md")
}

// DurableMemoryFile is MEMORY.md — the synthesised long-term memory.
func (r Registry) DurableMemoryFile() string { return filepath.Join(r.Root, "MEMORY.md") }

// StateFile is moon/state/moon_state.json — the pipeline state document.
func (r Registry) StateFile() string {
	return filepath.Join(r.Root, "moon", "state", "moon_state.json")
}

// StateDir is moon/state — the parent of StateFile, for MkdirAll.
func (r Registry) StateDir() string { return filepath.Join(r.Root, "moon", "state") }

// AuditLogFile is moon/logs/audit.log — the append-only warning stream.
func (r Registry) AuditLogFile() string {
	return filepath.Join(r.Root, "moon", "logs", "audit.log")
}

// LogsDir is moon/logs — the parent of AuditLogFile, for MkdirAll.
func (r Registry) LogsDir() string { return filepath.Join(r.Root, "moon", "logs") }

// DaemonLockFile is moon/logs/moon-watch.daemon.lock.
func (r Registry) DaemonLockFile() string {
	return filepath.Join(r.LogsDir(), "moon-watch.daemon.lock")
}

// EmbedLockFile is moon/logs/moon-embed.lock.
func (r Registry) EmbedLockFile() string {
	return filepath.Join(r.LogsDir(), "moon-embed.lock")
}

// L1LockFile is moon/logs/moon-l1.lock.
func (r Registry) L1LockFile() string {
	return filepath.Join(r.LogsDir(), "moon-l1.lock")
}

// OperatorSocketFile is moon/locks/operator.sock — the administrative
// Unix-domain-socket path, kept alongside the lock files by convention.
func (r Registry) OperatorSocketFile() string {
	return filepath.Join(r.Root, "moon", "locks", "operator.sock")
}

// LocksDir is moon/locks — the parent of OperatorSocketFile, for MkdirAll.
func (r Registry) LocksDir() string { return filepath.Join(r.Root, "moon", "locks") }

// RequiredDirs lists every directory that must exist before the pipeline
// can run a cycle. Callers MkdirAll each of these at startup.
func (r Registry) RequiredDirs() []string {
	return []string{
		r.ArchivesRawDir(),
		r.ArchivesMlibDir(),
		r.MemoryDir(),
		r.StateDir(),
		r.LogsDir(),
		r.LocksDir(),
	}
}

// CWDPolicyError indicates a mutating command was invoked from outside
// the daemon-recorded workspace, with no override flag set.
type CWDPolicyError struct {
	CWD               string
	RecordedWorkspace string
}

func (e *CWDPolicyError) Error() string {
	return fmt.Sprintf("paths: cwd %q is outside the recorded workspace %q (pass the override flag to bypass)", e.CWD, e.RecordedWorkspace)
}

// ValidateCWD enforces spec.md §5's workspace-isolation rule: every
// mutating command must run with its working directory at or inside
// the workspace the daemon previously recorded, unless override is set.
// An empty recordedWorkspace means no prior daemon run has stamped one
// yet (e.g. first run in a fresh workspace), which is always allowed.
func ValidateCWD(cwd, recordedWorkspace string, override bool) error {
	if override || recordedWorkspace == "" {
		return nil
	}
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return fmt.Errorf("paths: resolve cwd: %w", err)
	}
	wantAbs, err := filepath.Abs(recordedWorkspace)
	if err != nil {
		return fmt.Errorf("paths: resolve recorded workspace: %w", err)
	}
	rel, err := filepath.Rel(wantAbs, cwdAbs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &CWDPolicyError{CWD: cwdAbs, RecordedWorkspace: wantAbs}
	}
	return nil
}

// ArchiveBasename constructs the shared basename used for both the raw
// snapshot and its projection: <timestamp>-<session>-<hash>.
func ArchiveBasename(timestampUnix int64, sessionID, contentHash string) string {
	return formatBasename(timestampUnix, sessionID, contentHash)
}
