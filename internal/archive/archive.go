// Archive stage (C7): the mandatory-ordering write path that turns raw
// session bytes into a durable ArchiveRecord. Grounded on the teacher's
// internal/storage/bolt.go write-ahead ordering (data file before index
// entry) and on the POSIX temp+rename write pattern shared with
// internal/state and internal/lockmgr.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/octoreflex/moon-watchd/internal/ledger"
	"github.com/octoreflex/moon-watchd/internal/paths"
)

// Stage archives session snapshots: write raw bytes, render and write
// the projection, then append the ledger entry, in that fixed order.
type Stage struct {
	Paths  paths.Registry
	Ledger *ledger.Store
	Policy NoiseFilterPolicy
}

// NewStage builds a Stage over p and l using the default noise filter
// policy.
func NewStage(p paths.Registry, l *ledger.Store) *Stage {
	return &Stage{Paths: p, Ledger: l, Policy: DefaultNoiseFilterPolicy()}
}

// Result is what Archive returns: the ledger record plus whether this
// call actually performed the write (false means an existing record with
// the same content hash was found and reused).
type Result struct {
	Record    ledger.Record
	WasNew    bool
}

// Archive is the idempotent snapshot→archive operation. raw is the full
// session byte stream; sessionID and timestampUnix identify the capture.
// residentialDay is the caller-computed local calendar day (clock.ResidentialDay),
// kept out of this package so Archive stays a deterministic function of
// its explicit inputs.
func (s *Stage) Archive(raw []byte, sessionID string, timestampUnix int64, residentialDay string) (Result, error) {
	hash := ContentHash(raw)

	if existing, ok, err := s.Ledger.FindByHash(hash); err != nil {
		return Result{}, fmt.Errorf("archive: ledger lookup: %w", err)
	} else if ok {
		return Result{Record: existing, WasNew: false}, nil
	}

	basename := paths.ArchiveBasename(timestampUnix, sessionID, hash)
	rawPath := filepath.Join(s.Paths.ArchivesRawDir(), basename+".jsonl")
	projPath := filepath.Join(s.Paths.ArchivesMlibDir(), basename+".md")

	if err := writeAtomic(rawPath, raw); err != nil {
		return Result{}, fmt.Errorf("archive: write raw: %w", err)
	}

	projection, err := Render(raw, ProjectionMeta{
		ArchiveJSONLPath: rawPath,
		SessionID:        sessionID,
		CreatedAtUnix:    timestampUnix,
	}, s.Policy)
	if err != nil {
		// The raw file is already durable; an orphaned raw with no
		// projection is exactly the state the self-heal pass backfills.
		return Result{}, fmt.Errorf("archive: render projection: %w", err)
	}
	if err := writeAtomic(projPath, projection); err != nil {
		return Result{}, fmt.Errorf("archive: write projection: %w", err)
	}

	rec := ledger.Record{
		SchemaVersion:  ledger.CurrentSchemaVersion,
		Basename:       basename,
		SessionID:      sessionID,
		ContentHash:    hash,
		TimestampUnix:  timestampUnix,
		RawPath:        rawPath,
		ProjectionPath: projPath,
		ResidentialDay: residentialDay,
		Stage:          ledger.StageArchived,
	}
	if err := s.Ledger.Append(rec); err != nil {
		return Result{}, fmt.Errorf("archive: ledger append: %w", err)
	}

	return Result{Record: rec, WasNew: true}, nil
}

// SelfHeal scans archives/raw for files with no corresponding projection
// or ledger entry and backfills them. This recovers from a crash between
// the raw write and the projection write (or the projection write and
// the ledger append), which the mandatory ordering in Archive guarantees
// is the only inconsistent state reachable by a crash.
func (s *Stage) SelfHeal() (healed int, err error) {
	entries, err := os.ReadDir(s.Paths.ArchivesRawDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("archive: self-heal readdir: %w", err)
	}

	known := make(map[string]ledger.Record)
	if err := s.Ledger.Iter(func(r ledger.Record) error {
		known[r.Basename] = r
		return nil
	}, nil); err != nil {
		return 0, fmt.Errorf("archive: self-heal ledger scan: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		basename := trimExt(entry.Name(), ".jsonl")
		if basename == entry.Name() {
			continue // not a .jsonl raw file
		}
		if _, ok := known[basename]; ok {
			continue
		}

		rawPath := filepath.Join(s.Paths.ArchivesRawDir(), entry.Name())
		raw, err := os.ReadFile(rawPath)
		if err != nil {
			return healed, fmt.Errorf("archive: self-heal read %s: %w", rawPath, err)
		}

		projPath := filepath.Join(s.Paths.ArchivesMlibDir(), basename+".md")
		if _, statErr := os.Stat(projPath); os.IsNotExist(statErr) {
			projection, err := Render(raw, ProjectionMeta{
				ArchiveJSONLPath: rawPath,
				SessionID:        sessionIDFromBasename(basename),
				CreatedAtUnix:    timestampFromBasename(basename),
			}, s.Policy)
			if err != nil {
				return healed, fmt.Errorf("archive: self-heal render %s: %w", basename, err)
			}
			if err := writeAtomic(projPath, projection); err != nil {
				return healed, fmt.Errorf("archive: self-heal write %s: %w", projPath, err)
			}
		}

		rec := ledger.Record{
			SchemaVersion:  ledger.CurrentSchemaVersion,
			Basename:       basename,
			SessionID:      sessionIDFromBasename(basename),
			ContentHash:    ContentHash(raw),
			TimestampUnix:  timestampFromBasename(basename),
			RawPath:        rawPath,
			ProjectionPath: projPath,
			Stage:          ledger.StageArchived,
		}
		if err := s.Ledger.Append(rec); err != nil {
			return healed, fmt.Errorf("archive: self-heal ledger append %s: %w", basename, err)
		}
		healed++
	}
	return healed, nil
}

// writeAtomic writes data to path via a temp file in the same directory
// followed by fsync and rename, matching state.Store.Save's durability
// contract.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".archive-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func trimExt(name, ext string) string {
	if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
		return name[:len(name)-len(ext)]
	}
	return name
}

// basenames are "<timestamp>-<session>-<hash>"; the hash is always a
// 64-character hex sha256 digest and the timestamp is always all
// digits, so both ends are unambiguous and whatever remains between
// them (which may itself contain hyphens) is the session id.
func splitBasename(basename string) (timestampUnix int64, sessionID string, ok bool) {
	firstDash := strings.Index(basename, "-")
	lastDash := strings.LastIndex(basename, "-")
	if firstDash < 0 || lastDash <= firstDash {
		return 0, "", false
	}
	ts, err := strconv.ParseInt(basename[:firstDash], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return ts, basename[firstDash+1 : lastDash], true
}

func sessionIDFromBasename(basename string) string {
	_, session, ok := splitBasename(basename)
	if !ok {
		return ""
	}
	return session
}

func timestampFromBasename(basename string) int64 {
	ts, _, ok := splitBasename(basename)
	if !ok {
		return 0
	}
	return ts
}
