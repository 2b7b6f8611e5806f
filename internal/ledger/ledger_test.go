package ledger_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/octoreflex/moon-watchd/internal/ledger"
)

func TestAppendAndIter(t *testing.T) {
	dir := t.TempDir()
	store := ledger.New(filepath.Join(dir, "ledger.jsonl"))

	want := []ledger.Record{
		{Basename: "a", ContentHash: "h1", Stage: ledger.StageArchived},
		{Basename: "b", ContentHash: "h2", Stage: ledger.StageIndexed},
	}
	for _, r := range want {
		if err := store.Append(r); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	var got []ledger.Record
	if err := store.Iter(func(r ledger.Record) error {
		got = append(got, r)
		return nil
	}, nil); err != nil {
		t.Fatalf("Iter() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Iter() returned %d records, want 2", len(got))
	}
	if got[0].Basename != "a" || got[1].Basename != "b" {
		t.Errorf("Iter() order = %+v, want a then b", got)
	}
	for _, r := range got {
		if r.SchemaVersion != ledger.CurrentSchemaVersion {
			t.Errorf("record %q schema_version = %d, want %d", r.Basename, r.SchemaVersion, ledger.CurrentSchemaVersion)
		}
	}
}

func TestIter_MissingFileIsNotError(t *testing.T) {
	store := ledger.New(filepath.Join(t.TempDir(), "nope.jsonl"))
	count := 0
	if err := store.Iter(func(ledger.Record) error {
		count++
		return nil
	}, nil); err != nil {
		t.Fatalf("Iter() on missing file error = %v", err)
	}
	if count != 0 {
		t.Errorf("Iter() on missing file produced %d records, want 0", count)
	}
}

func TestIter_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")
	store := ledger.New(path)

	if err := store.Append(ledger.Record{Basename: "good-1", ContentHash: "h1"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	writeRaw(t, path, "not json at all\n")
	if err := store.Append(ledger.Record{Basename: "good-2", ContentHash: "h2"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	var bad []*ledger.MalformedLineError
	var good []ledger.Record
	err := store.Iter(func(r ledger.Record) error {
		good = append(good, r)
		return nil
	}, func(e *ledger.MalformedLineError) {
		bad = append(bad, e)
	})
	if err != nil {
		t.Fatalf("Iter() error = %v", err)
	}
	if len(good) != 2 {
		t.Fatalf("Iter() found %d good records, want 2", len(good))
	}
	if len(bad) != 1 {
		t.Fatalf("Iter() found %d malformed lines, want 1", len(bad))
	}
}

func TestFindByHash(t *testing.T) {
	dir := t.TempDir()
	store := ledger.New(filepath.Join(dir, "ledger.jsonl"))
	store.Append(ledger.Record{Basename: "a", ContentHash: "abc", Stage: ledger.StageArchived})
	store.Append(ledger.Record{Basename: "a", ContentHash: "abc", Stage: ledger.StageIndexed})

	rec, ok, err := store.FindByHash("abc")
	if err != nil {
		t.Fatalf("FindByHash() error = %v", err)
	}
	if !ok {
		t.Fatal("FindByHash() ok = false, want true")
	}
	if rec.Stage != ledger.StageIndexed {
		t.Errorf("FindByHash() returned stage %q, want latest (%q)", rec.Stage, ledger.StageIndexed)
	}

	_, ok, err = store.FindByHash("does-not-exist")
	if err != nil {
		t.Fatalf("FindByHash() error = %v", err)
	}
	if ok {
		t.Error("FindByHash() ok = true for unknown hash, want false")
	}
}

func TestListPendingForStage(t *testing.T) {
	dir := t.TempDir()
	store := ledger.New(filepath.Join(dir, "ledger.jsonl"))
	store.Append(ledger.Record{Basename: "a", Stage: ledger.StageArchived})
	store.Append(ledger.Record{Basename: "b", Stage: ledger.StageIndexed})
	store.Append(ledger.Record{Basename: "a", Stage: ledger.StageIndexed})

	pending, err := ledger.ListPendingForStage(store, ledger.StageEmbedded, ledger.StageRank)
	if err != nil {
		t.Fatalf("ListPendingForStage() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("ListPendingForStage() returned %d, want 2", len(pending))
	}
}

func writeRaw(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for raw append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		t.Fatalf("raw append: %v", err)
	}
}
