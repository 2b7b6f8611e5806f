// Package lockmgr implements the advisory, non-blocking file locks that
// serialise the daemon, the L1 distiller, and the embed stage: one lock
// file per concern (moon-watch.daemon.lock, moon-l1.lock,
// moon-embed.lock), each holding a JSON payload describing who holds it.
//
// Grounded on the teacher's internal/lockmgr-equivalent use of
// golang.org/x/sys/unix.Flock in internal/operator/server.go's PID-file
// guard, generalised into a reusable non-blocking flock(2) wrapper, and
// on the POSIX advisory-lock pattern in
// other_examples/.../transparency-dev-trillian-tessera__storage-posix-files.go.go.
package lockmgr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Payload is the JSON document written into a lock file describing the
// holder, for operator-socket introspection and postmortem debugging.
// BuildUUID and WorkspaceRoot are only populated on the daemon lock (see
// NewDaemonPayload); the L1 and embed locks leave them empty.
type Payload struct {
	PID           int    `json:"pid"`
	Hostname      string `json:"hostname"`
	AcquiredAt    int64  `json:"acquired_at"`
	Purpose       string `json:"purpose"`
	BuildUUID     string `json:"build_uuid,omitempty"`
	WorkspaceRoot string `json:"workspace_root,omitempty"`
}

// ContentionPolicy describes what a caller should do when a lock is
// already held. The policy itself is not enforced by lockmgr — callers
// choose by inspecting the *BusyError returned from Acquire.
type ContentionPolicy int

const (
	// PolicyExit means the caller should halt the whole cycle.
	PolicyExit ContentionPolicy = iota
	// PolicySkipWarn means the caller should skip the stage and emit a warning.
	PolicySkipWarn
	// PolicySkipDegrade means the caller should skip the stage for this
	// cycle and carry on with the rest of the cycle in degraded form.
	PolicySkipDegrade
)

// BusyError indicates the lock is already held by another process.
// Holder is populated from the existing lock file's payload when it can
// be read; it is the zero Payload if the file could not be parsed.
type BusyError struct {
	Path   string
	Holder Payload
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("lockmgr: %s held by pid=%d purpose=%q", e.Path, e.Holder.PID, e.Holder.Purpose)
}

// Handle represents a held advisory lock. Callers must call Release when
// done, typically via defer.
type Handle struct {
	path string
	file *os.File
}

// Acquire attempts to take a non-blocking exclusive flock(2) on the file
// at path, creating it if necessary. On success it writes payload to the
// file — a bare PID on the first line (so a legacy reader doing nothing
// more than `strconv.Atoi(firstLine)` still succeeds) followed by the
// full JSON payload — and returns a Handle. On contention it returns a
// *BusyError without blocking.
func Acquire(path string, payload Payload) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lockmgr: mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockmgr: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := readPayload(path)
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &BusyError{Path: path, Holder: holder}
		}
		return nil, fmt.Errorf("lockmgr: flock %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("lockmgr: truncate %s: %w", path, err)
	}
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("lockmgr: marshal payload: %w", err)
	}
	raw := append([]byte(fmt.Sprintf("%d\n", payload.PID)), body...)
	if _, err := f.WriteAt(raw, 0); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("lockmgr: write payload: %w", err)
	}

	return &Handle{path: path, file: f}, nil
}

// Release drops the flock and closes the file. The lock payload is left
// on disk (stale but harmless) for postmortem inspection; it is
// overwritten on the next Acquire.
func (h *Handle) Release() error {
	if h == nil || h.file == nil {
		return nil
	}
	unix.Flock(int(h.file.Fd()), unix.LOCK_UN)
	return h.file.Close()
}

// readPayload best-effort reads and parses an existing lock file's
// payload, for inclusion in a BusyError. Failures are swallowed: a
// corrupt or concurrently-rewritten payload must not block reporting
// contention. The file's first line is a bare PID for legacy readers;
// the JSON payload follows starting on the second line.
func readPayload(path string) Payload {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Payload{}
	}
	idx := bytes.IndexByte(raw, '\n')
	if idx < 0 {
		return Payload{}
	}
	var p Payload
	_ = json.Unmarshal(raw[idx+1:], &p)
	return p
}

// PeekPayload best-effort reads a lock file's holder payload without
// attempting to acquire the lock, for operator-socket status reporting.
// The bool reports whether the lock file exists at all; a true result
// with a zero Payload means the file exists but could not be parsed.
func PeekPayload(path string) (Payload, bool) {
	if _, err := os.Stat(path); err != nil {
		return Payload{}, false
	}
	return readPayload(path), true
}

// NewPayload builds a Payload for the current process.
func NewPayload(purpose string, acquiredAtUnix int64) Payload {
	host, _ := os.Hostname()
	return Payload{
		PID:        os.Getpid(),
		Hostname:   host,
		AcquiredAt: acquiredAtUnix,
		Purpose:    purpose,
	}
}

// NewDaemonPayload builds the daemon lock's payload, which additionally
// carries the provenance fields spec.md §3 requires of DaemonLockPayload:
// build uuid and workspace root (pid and started-at are covered by PID
// and AcquiredAt).
func NewDaemonPayload(acquiredAtUnix int64, buildUUID, workspaceRoot string) Payload {
	p := NewPayload("daemon", acquiredAtUnix)
	p.BuildUUID = buildUUID
	p.WorkspaceRoot = workspaceRoot
	return p
}
