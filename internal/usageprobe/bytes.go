package usageprobe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// BytesSource is the handle to the source session bytes that §4.4
// couples with a Snapshot to produce an ArchiveRecord. It is a distinct
// external collaborator from Probe: a host may report usage cheaply
// (Probe) while reading the full transcript is comparatively expensive,
// so the two are never conflated into one subprocess call.
type BytesSource interface {
	ReadSessionBytes(ctx context.Context, sessionID string) ([]byte, error)
}

// ExecBytesSource realises BytesSource by invoking a configured binary
// with the session id as its sole argument and reading the session's
// raw transcript bytes from stdout.
type ExecBytesSource struct {
	BinaryPath string
	Timeout    time.Duration
}

// NewExecBytesSource builds an ExecBytesSource.
func NewExecBytesSource(binaryPath string, timeout time.Duration) *ExecBytesSource {
	return &ExecBytesSource{BinaryPath: binaryPath, Timeout: timeout}
}

// ReadSessionBytes runs the configured binary and returns its stdout
// verbatim — the raw bytes to be written to archives/raw/ unmodified.
func (s *ExecBytesSource) ReadSessionBytes(ctx context.Context, sessionID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.BinaryPath, sessionID)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("usageprobe: read session bytes for %s: %w (stderr: %s)", sessionID, err, stderr.String())
	}
	return stdout.Bytes(), nil
}
