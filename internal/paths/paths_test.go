package paths_test

import (
	"path/filepath"
	"testing"

	"github.com/octoreflex/moon-watchd/internal/paths"
)

func TestRegistryPaths(t *testing.T) {
	r := paths.New("/home/x/.moon")

	cases := []struct {
		name string
		got  string
		want string
	}{
		{"ArchivesRawDir", r.ArchivesRawDir(), "/home/x/.moon/archives/raw"},
		{"ArchivesMlibDir", r.ArchivesMlibDir(), "/home/x/.moon/archives/mlib"},
		{"LedgerFile", r.LedgerFile(), "/home/x/.moon/archives/ledger.jsonl"},
		{"MemoryDir", r.MemoryDir(), "/home/x/.moon/memory"},
		{"DailyMemoryFile", r.DailyMemoryFile("2026-07-29"), "/home/x/.moon/memory/2026-07-29.md"},
		{"DurableMemoryFile", r.DurableMemoryFile(), "/home/x/.moon/MEMORY.md"},
		{"StateFile", r.StateFile(), "/home/x/.moon/moon/state/moon_state.json"},
		{"AuditLogFile", r.AuditLogFile(), "/home/x/.moon/moon/logs/audit.log"},
		{"DaemonLockFile", r.DaemonLockFile(), "/home/x/.moon/moon/logs/moon-watch.daemon.lock"},
		{"EmbedLockFile", r.EmbedLockFile(), "/home/x/.moon/moon/logs/moon-embed.lock"},
		{"L1LockFile", r.L1LockFile(), "/home/x/.moon/moon/logs/moon-l1.lock"},
		{"OperatorSocketFile", r.OperatorSocketFile(), "/home/x/.moon/moon/locks/operator.sock"},
	}
	for _, c := range cases {
		if c.got != filepath.FromSlash(c.want) {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
}

func TestRequiredDirs(t *testing.T) {
	r := paths.New("/tmp/workspace")
	dirs := r.RequiredDirs()
	if len(dirs) != 6 {
		t.Fatalf("RequiredDirs() returned %d entries, want 6", len(dirs))
	}
	seen := make(map[string]bool)
	for _, d := range dirs {
		seen[d] = true
	}
	for _, want := range []string{
		r.ArchivesRawDir(), r.ArchivesMlibDir(), r.MemoryDir(),
		r.StateDir(), r.LogsDir(), r.LocksDir(),
	} {
		if !seen[want] {
			t.Errorf("RequiredDirs() missing %q", want)
		}
	}
}

func TestArchiveBasename(t *testing.T) {
	got := paths.ArchiveBasename(1700000000, "sess/weird:id", "abcd1234")
	want := "1700000000-sess_weird_id-abcd1234"
	if got != want {
		t.Errorf("ArchiveBasename() = %q, want %q", got, want)
	}
}

func TestArchiveBasename_SafeSessionIDUnchanged(t *testing.T) {
	got := paths.ArchiveBasename(1, "simple-session_01.x", "h")
	want := "1-simple-session_01.x-h"
	if got != want {
		t.Errorf("ArchiveBasename() = %q, want %q", got, want)
	}
}
