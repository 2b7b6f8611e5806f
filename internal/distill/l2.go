package distill

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/octoreflex/moon-watchd/internal/contrib"
)

const librarianSystemPrompt = `You are the Librarian: you rewrite the durable long-term memory document from the daily logs and the current document. Preserve standing facts, decisions, and open threads. Drop anything superseded. Keep the output under the given token budget. Output only the rewritten document.`

// structuralAnchor is the fixed directive string every durable memory
// document must begin with, instructing whatever reads MEMORY.md next
// (the host, or a future synthesis call) of its role. It is enforced on
// the written document, not just carried in the prompt above.
const structuralAnchor = "<!-- MOON_MEMORY_DOCUMENT: durable long-term memory, rewritten by L2 synthesis. Do not hand-edit; edits are overwritten on the next synthesis cycle. -->\n\n"

// withStructuralAnchor prepends the fixed anchor unless it is already
// present, so re-running synthesis on a document that already carries
// it never duplicates the header.
func withStructuralAnchor(document string) string {
	if strings.HasPrefix(document, structuralAnchor) {
		return document
	}
	return structuralAnchor + document
}

// L2MaxOutputTokens is the fixed size budget spec.md §4.9 assigns to
// every synthesis call.
const L2MaxOutputTokens = 4000

// Synthesiser drives L2: read the configured source set, chunk it if
// needed, call the configured contrib.Client, and write the rewritten
// durable memory document.
type Synthesiser struct {
	Client             contrib.Client
	DurableMemoryPath  string
	ModelContextTokens int
	ChunkBytes         int // 0 means "auto"
	MaxChunks          int
}

// Result reports what Run did.
type Result struct {
	Wrote        bool
	DroppedSources int
}

// Run reads sourcePaths (already selected by the caller: yesterday's
// daily file plus the current durable memory file for an automatic
// trigger, or an explicit list for a manual one), plans chunks if the
// combined size warrants it, and calls the synthesiser client once per
// chunk, folding per-chunk summaries into a final call. On success it
// writes the rewritten document via temp+rename. On any error it leaves
// the existing durable memory file untouched and returns the error —
// callers must not advance last_l2_day when Run fails.
func (s *Synthesiser) Run(ctx context.Context, sourcePaths []string) (Result, error) {
	sources := make([]string, 0, len(sourcePaths))
	for _, p := range sourcePaths {
		raw, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue // a missing yesterday-file is not an error: nothing to fold in
			}
			return Result{}, fmt.Errorf("distill: read source %s: %w", p, err)
		}
		sources = append(sources, string(raw))
	}
	if len(sources) == 0 {
		return Result{}, nil
	}

	plan := PlanChunks(s.ChunkBytes, s.ModelContextTokens, s.MaxChunks)
	chunks, dropped := Split(sources, plan)

	document, err := s.synthesiseChunks(ctx, chunks)
	if err != nil {
		return Result{}, err
	}

	document = withStructuralAnchor(document)
	if err := writeAtomic(s.DurableMemoryPath, []byte(document)); err != nil {
		return Result{}, fmt.Errorf("distill: write durable memory: %w", err)
	}
	return Result{Wrote: true, DroppedSources: dropped}, nil
}

// synthesiseChunks calls the client once per chunk when there is more
// than one, folding each chunk's output into the next call's source
// material, then returns the final call's document. A single chunk is
// sent directly with no folding pass.
func (s *Synthesiser) synthesiseChunks(ctx context.Context, chunks []string) (string, error) {
	if len(chunks) == 0 {
		return "", fmt.Errorf("distill: no chunks to synthesise")
	}

	carry := ""
	for i, chunk := range chunks {
		sources := []string{chunk}
		if carry != "" {
			sources = append([]string{carry}, sources...)
		}
		resp, err := s.Client.Synthesise(ctx, contrib.SynthesisRequest{
			SystemPrompt:    librarianSystemPrompt,
			SourceChunks:    sources,
			MaxOutputTokens: L2MaxOutputTokens,
		})
		if err != nil {
			return "", fmt.Errorf("distill: synthesise chunk %d/%d: %w", i+1, len(chunks), err)
		}
		carry = resp.Document
	}
	return carry, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".memory-*.tmp")
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
