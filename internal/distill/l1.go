// Package distill implements the two memory-distillation stages: L1
// Normalisation (C11, deterministic, no model involved) and L2
// Synthesis (C12, model-driven rewrite of the durable memory document).
//
// Grounded on the teacher's internal/escalation state-machine's
// deterministic-transition style (no randomness, explicit ordering) for
// L1, and on the teacher's contrib/scorer.go pluggable-backend pattern
// (here internal/contrib) for L2's model call.
package distill

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/octoreflex/moon-watchd/internal/archive"
	"github.com/octoreflex/moon-watchd/internal/ledger"
)

// L1Candidate is one projection eligible for normalisation this cycle.
type L1Candidate struct {
	Record         ledger.Record
	ProjectionText string
}

// SelectL1Candidates picks the deterministic ordering spec.md §4.8
// fixes: oldest-pending-day first, then lexicographic basename within
// day, capped at maxPerCycle. Only records with Stage already at or
// past StageIndexed and not yet distilled are eligible.
func SelectL1Candidates(records []ledger.Record, maxPerCycle int) []ledger.Record {
	eligible := make([]ledger.Record, 0, len(records))
	for _, r := range records {
		if r.DistilledAt != 0 {
			continue
		}
		if ledger.StageRank(r.Stage) < ledger.StageRank(ledger.StageIndexed) {
			continue
		}
		eligible = append(eligible, r)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].ResidentialDay != eligible[j].ResidentialDay {
			return eligible[i].ResidentialDay < eligible[j].ResidentialDay
		}
		return eligible[i].Basename < eligible[j].Basename
	})
	if maxPerCycle > 0 && len(eligible) > maxPerCycle {
		eligible = eligible[:maxPerCycle]
	}
	return eligible
}

// EntryBlock renders the deterministic entry block L1 appends to the
// daily memory file for one projection.
func EntryBlock(rec ledger.Record, projectionText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s (session %s)\n\n", rec.Basename, rec.SessionID)
	b.WriteString(stripFrontmatter(projectionText))
	b.WriteString("\n")
	return b.String()
}

func stripFrontmatter(text string) string {
	if !strings.HasPrefix(text, "---\n") {
		return text
	}
	rest := text[4:]
	idx := strings.Index(rest, "---\n")
	if idx < 0 {
		return text
	}
	return strings.TrimLeft(rest[idx+4:], "\n")
}

// Normaliser runs L1 over selected candidates, appending entry blocks to
// the correct day's memory file.
type Normaliser struct {
	MemoryDir string
	Policy    archive.NoiseFilterPolicy
}

// NewNormaliser builds a Normaliser writing into memoryDir.
func NewNormaliser(memoryDir string) *Normaliser {
	return &Normaliser{MemoryDir: memoryDir, Policy: archive.DefaultNoiseFilterPolicy()}
}

// AppendEntry appends one entry block to memory/<day>.md in append mode
// with a single write and fsync, matching spec.md §4.8's crash-safety
// requirement. The write never truncates or rewrites prior content.
func (n *Normaliser) AppendEntry(day string, block string) error {
	path := filepath.Join(n.MemoryDir, day+".md")
	if err := os.MkdirAll(n.MemoryDir, 0o755); err != nil {
		return fmt.Errorf("distill: mkdir memory dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("distill: open daily file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(block); err != nil {
		return fmt.Errorf("distill: write daily entry: %w", err)
	}
	return f.Sync()
}

const entityAnchorsHeader = "## Entity Anchors\n\n"

// RewriteEntityAnchors merges existingTags with discoveredTags and
// renders the regenerated "Entity Anchors" header block written to the
// top of a daily file when topic discovery is enabled. The caller
// writes it back via temp+rename of the whole daily file
// (RewriteEntityAnchorsSection).
func RewriteEntityAnchors(existingTags []string, discoveredTags []string) string {
	merged := make(map[string]struct{}, len(existingTags)+len(discoveredTags))
	for _, t := range existingTags {
		merged[t] = struct{}{}
	}
	for _, t := range discoveredTags {
		merged[t] = struct{}{}
	}
	tags := make([]string, 0, len(merged))
	for t := range merged {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	var b strings.Builder
	b.WriteString(entityAnchorsHeader)
	b.WriteString(strings.Join(tags, ", "))
	b.WriteString("\n\n")
	return b.String()
}

// ExtractKeywords pulls the comma-separated word list out of a
// projection's "## Keywords" section (written by archive.Render),
// so L1 can feed newly-appended entries' keywords into the Entity
// Anchors block without a separate extraction pass over the raw events.
func ExtractKeywords(projectionText string) []string {
	const header = "## Keywords\n\n"
	idx := strings.Index(projectionText, header)
	if idx < 0 {
		return nil
	}
	rest := projectionText[idx+len(header):]
	end := strings.Index(rest, "\n\n")
	if end >= 0 {
		rest = rest[:end]
	} else if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil
	}
	parts := strings.Split(rest, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// ReadEntityAnchors parses the tags out of an existing "## Entity
// Anchors" block at the top of a daily file's content, if present.
func ReadEntityAnchors(content string) []string {
	if !strings.HasPrefix(content, entityAnchorsHeader) {
		return nil
	}
	rest := content[len(entityAnchorsHeader):]
	end := strings.Index(rest, "\n\n")
	if end < 0 {
		return nil
	}
	line := strings.TrimSpace(rest[:end])
	if line == "" {
		return nil
	}
	parts := strings.Split(line, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// stripEntityAnchors returns content with a leading Entity Anchors block
// removed, leaving the rest of the daily file untouched.
func stripEntityAnchors(content string) string {
	if !strings.HasPrefix(content, entityAnchorsHeader) {
		return content
	}
	rest := content[len(entityAnchorsHeader):]
	end := strings.Index(rest, "\n\n")
	if end < 0 {
		return content
	}
	return rest[end+2:]
}

// RewriteEntityAnchorsSection regenerates the Entity Anchors block at
// the top of memory/<day>.md, merging any tags already recorded there
// with discoveredTags, via a temp-file-then-rename of the whole file so
// a crash mid-write never leaves a half-written daily file. It is safe
// to call on a day file that does not yet exist or carries no anchors
// block.
func (n *Normaliser) RewriteEntityAnchorsSection(day string, discoveredTags []string) error {
	path := filepath.Join(n.MemoryDir, day+".md")
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("distill: read daily file: %w", err)
	}
	content := string(existing)
	existingTags := ReadEntityAnchors(content)
	body := stripEntityAnchors(content)
	block := RewriteEntityAnchors(existingTags, discoveredTags)

	if err := os.MkdirAll(n.MemoryDir, 0o755); err != nil {
		return fmt.Errorf("distill: mkdir memory dir: %w", err)
	}
	tmp, err := os.CreateTemp(n.MemoryDir, ".entity_anchors-*.tmp")
	if err != nil {
		return fmt.Errorf("distill: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(block + body); err != nil {
		tmp.Close()
		return fmt.Errorf("distill: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("distill: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("distill: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("distill: rename: %w", err)
	}
	return nil
}
