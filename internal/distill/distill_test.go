package distill_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/octoreflex/moon-watchd/internal/contrib"
	"github.com/octoreflex/moon-watchd/internal/distill"
	"github.com/octoreflex/moon-watchd/internal/ledger"
)

func TestSelectL1Candidates_OrderingAndCap(t *testing.T) {
	records := []ledger.Record{
		{Basename: "z", ResidentialDay: "2026-07-29", Stage: ledger.StageIndexed},
		{Basename: "a", ResidentialDay: "2026-07-28", Stage: ledger.StageIndexed},
		{Basename: "b", ResidentialDay: "2026-07-28", Stage: ledger.StageIndexed},
		{Basename: "already", ResidentialDay: "2026-07-27", Stage: ledger.StageIndexed, DistilledAt: 1},
		{Basename: "not-yet-indexed", ResidentialDay: "2026-07-27", Stage: ledger.StageArchived},
	}
	got := distill.SelectL1Candidates(records, 2)
	if len(got) != 2 {
		t.Fatalf("SelectL1Candidates() returned %d, want 2", len(got))
	}
	if got[0].Basename != "a" || got[1].Basename != "b" {
		t.Errorf("SelectL1Candidates() order = [%s, %s], want [a, b]", got[0].Basename, got[1].Basename)
	}
}

func TestEntryBlock_StripsFrontmatter(t *testing.T) {
	text := "---\narchive_jsonl_path: x\n---\n\n## Timeline\n\nhello\n"
	block := distill.EntryBlock(ledger.Record{Basename: "abc", SessionID: "S1"}, text)
	if contains(block, "archive_jsonl_path") {
		t.Error("EntryBlock() did not strip frontmatter")
	}
	if !contains(block, "## Timeline") {
		t.Error("EntryBlock() dropped body content")
	}
}

func TestNormaliser_AppendIsAppendOnly(t *testing.T) {
	dir := t.TempDir()
	n := distill.NewNormaliser(dir)
	if err := n.AppendEntry("2026-07-29", "first\n"); err != nil {
		t.Fatalf("AppendEntry() error = %v", err)
	}
	if err := n.AppendEntry("2026-07-29", "second\n"); err != nil {
		t.Fatalf("AppendEntry() error = %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "2026-07-29.md"))
	if err != nil {
		t.Fatalf("read daily file: %v", err)
	}
	if string(raw) != "first\nsecond\n" {
		t.Errorf("daily file content = %q, want both entries in order", raw)
	}
}

func TestExtractKeywords_ParsesKeywordsSection(t *testing.T) {
	text := "---\nfoo: bar\n---\n## Keywords\n\nalpha, bravo, charlie\n\n## Compaction Anchors\n\n"
	got := distill.ExtractKeywords(text)
	want := []string{"alpha", "bravo", "charlie"}
	if len(got) != len(want) {
		t.Fatalf("ExtractKeywords() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ExtractKeywords()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExtractKeywords_NoSectionReturnsNil(t *testing.T) {
	if got := distill.ExtractKeywords("no keywords here"); got != nil {
		t.Errorf("ExtractKeywords() = %v, want nil", got)
	}
}

func TestRewriteEntityAnchors_MergesAndSorts(t *testing.T) {
	got := distill.RewriteEntityAnchors([]string{"zulu", "alpha"}, []string{"mike", "alpha"})
	want := "## Entity Anchors\n\nalpha, mike, zulu\n\n"
	if got != want {
		t.Errorf("RewriteEntityAnchors() = %q, want %q", got, want)
	}
}

func TestNormaliser_RewriteEntityAnchorsSection_PreservesBodyAndMerges(t *testing.T) {
	dir := t.TempDir()
	n := distill.NewNormaliser(dir)
	if err := n.AppendEntry("2026-07-29", "## entry one\n\nbody\n"); err != nil {
		t.Fatalf("AppendEntry() error = %v", err)
	}
	if err := n.RewriteEntityAnchorsSection("2026-07-29", []string{"alpha"}); err != nil {
		t.Fatalf("RewriteEntityAnchorsSection() error = %v", err)
	}
	if err := n.RewriteEntityAnchorsSection("2026-07-29", []string{"bravo"}); err != nil {
		t.Fatalf("second RewriteEntityAnchorsSection() error = %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "2026-07-29.md"))
	if err != nil {
		t.Fatalf("read daily file: %v", err)
	}
	want := "## Entity Anchors\n\nalpha, bravo\n\n## entry one\n\nbody\n"
	if string(raw) != want {
		t.Errorf("daily file content = %q, want %q", raw, want)
	}
}

func TestPlanChunks_AutoDerivesFromModelContext(t *testing.T) {
	plan := distill.PlanChunks(0, 4096, 0)
	if plan.ChunkBytes != 16384 {
		t.Errorf("ChunkBytes = %d, want 16384", plan.ChunkBytes)
	}
	if plan.MaxChunks != 128 {
		t.Errorf("MaxChunks = %d, want default 128", plan.MaxChunks)
	}
}

func TestPlanChunks_ClampsToMinimum(t *testing.T) {
	plan := distill.PlanChunks(0, 1, 0)
	if plan.ChunkBytes != 8*1024 {
		t.Errorf("ChunkBytes = %d, want clamped to 8KiB", plan.ChunkBytes)
	}
}

func TestSplit_OversizedSourceBecomesOwnChunk(t *testing.T) {
	big := make([]byte, 100)
	for i := range big {
		big[i] = 'x'
	}
	chunks, dropped := distill.Split([]string{string(big)}, distill.ChunkPlan{ChunkBytes: 10, MaxChunks: 10})
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if len(chunks) != 1 || len(chunks[0]) != 100 {
		t.Errorf("Split() = %v, want one oversized chunk", chunks)
	}
}

type fakeClient struct {
	calls int
}

func (f *fakeClient) Synthesise(ctx context.Context, req contrib.SynthesisRequest) (contrib.SynthesisResponse, error) {
	f.calls++
	return contrib.SynthesisResponse{Document: "rewritten document"}, nil
}

func TestSynthesiser_Run_WritesDocument(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "2026-07-28.md")
	if err := os.WriteFile(srcPath, []byte("yesterday's log"), 0o644); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	memPath := filepath.Join(dir, "MEMORY.md")

	client := &fakeClient{}
	synth := &distill.Synthesiser{
		Client:             client,
		DurableMemoryPath:  memPath,
		ModelContextTokens: 1000,
	}
	res, err := synth.Run(context.Background(), []string{srcPath})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Wrote {
		t.Error("Run() Wrote = false, want true")
	}
	raw, err := os.ReadFile(memPath)
	if err != nil {
		t.Fatalf("read durable memory: %v", err)
	}
	if !strings.HasPrefix(string(raw), "<!-- MOON_MEMORY_DOCUMENT") {
		t.Errorf("durable memory content missing structural anchor, got %q", raw)
	}
	if !strings.HasSuffix(string(raw), "rewritten document") {
		t.Errorf("durable memory content = %q, want suffix %q", raw, "rewritten document")
	}
	if client.calls != 1 {
		t.Errorf("client.calls = %d, want 1", client.calls)
	}
}

func TestSynthesiser_Run_DoesNotDuplicateAnchorOnRerun(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "2026-07-28.md")
	if err := os.WriteFile(srcPath, []byte("yesterday's log"), 0o644); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	memPath := filepath.Join(dir, "MEMORY.md")

	synth := &distill.Synthesiser{
		Client:             &fakeClient{},
		DurableMemoryPath:  memPath,
		ModelContextTokens: 1000,
	}
	if _, err := synth.Run(context.Background(), []string{srcPath}); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if _, err := synth.Run(context.Background(), []string{srcPath}); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	raw, err := os.ReadFile(memPath)
	if err != nil {
		t.Fatalf("read durable memory: %v", err)
	}
	if n := strings.Count(string(raw), "MOON_MEMORY_DOCUMENT"); n != 1 {
		t.Errorf("anchor appears %d times, want 1: %q", n, raw)
	}
}

func TestSynthesiser_Run_MissingSourceSkipped(t *testing.T) {
	dir := t.TempDir()
	synth := &distill.Synthesiser{
		Client:             &fakeClient{},
		DurableMemoryPath:  filepath.Join(dir, "MEMORY.md"),
		ModelContextTokens: 1000,
	}
	res, err := synth.Run(context.Background(), []string{filepath.Join(dir, "does-not-exist.md")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Wrote {
		t.Error("Run() Wrote = true with no sources, want false")
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
