package distill

import (
	"fmt"
)

const (
	charsPerTokenHeuristic = 4
	minChunkBytes          = 8 * 1024
	maxChunkBytes          = 2 * 1024 * 1024
	defaultMaxChunks       = 128
)

// ChunkPlan is the derived chunking parameters for one L2 synthesis run.
type ChunkPlan struct {
	ChunkBytes int
	MaxChunks  int
}

// PlanChunks derives the byte budget per chunk from configuredChunkBytes
// (explicit) or, when configuredChunkBytes is 0 ("auto"), from
// modelContextTokens using the 4 chars/token heuristic clamped to
// [minChunkBytes, maxChunkBytes].
func PlanChunks(configuredChunkBytes int, modelContextTokens int, maxChunks int) ChunkPlan {
	chunkBytes := configuredChunkBytes
	if chunkBytes == 0 {
		chunkBytes = modelContextTokens * charsPerTokenHeuristic
		if chunkBytes < minChunkBytes {
			chunkBytes = minChunkBytes
		}
		if chunkBytes > maxChunkBytes {
			chunkBytes = maxChunkBytes
		}
	}
	if maxChunks <= 0 {
		maxChunks = defaultMaxChunks
	}
	return ChunkPlan{ChunkBytes: chunkBytes, MaxChunks: maxChunks}
}

// Split divides sources (in order, oldest-first) into byte-bounded
// chunks according to plan. A single source larger than ChunkBytes
// becomes its own oversized chunk rather than being split mid-document,
// since splitting a source file would break its internal structure
// (frontmatter, markdown sections) in a way a synthesis call can't
// recover from.
//
// When the source list would produce more than plan.MaxChunks chunks,
// Split truncates by dropping the oldest non-durable sources first
// (sources[0:] order is assumed caller-sorted oldest-first) and reports
// the number of sources dropped.
func Split(sources []string, plan ChunkPlan) (chunks []string, droppedSources int) {
	var current string
	flush := func() {
		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}
	}

	kept := sources
	for len(kept) > 0 {
		trial := append([]string{}, kept...)
		planned := estimateChunkCount(trial, plan.ChunkBytes)
		if planned <= plan.MaxChunks {
			break
		}
		kept = kept[1:]
		droppedSources++
	}

	for _, src := range kept {
		if len(src) > plan.ChunkBytes {
			flush()
			chunks = append(chunks, src)
			continue
		}
		if len(current)+len(src) > plan.ChunkBytes {
			flush()
		}
		if current == "" {
			current = src
		} else {
			current = current + "\n\n" + src
		}
	}
	flush()

	if len(chunks) > plan.MaxChunks {
		chunks = chunks[:plan.MaxChunks]
	}
	return chunks, droppedSources
}

func estimateChunkCount(sources []string, chunkBytes int) int {
	if chunkBytes <= 0 {
		return len(sources)
	}
	count := 0
	var cur int
	for _, s := range sources {
		if len(s) > chunkBytes {
			count++
			continue
		}
		if cur+len(s) > chunkBytes {
			count++
			cur = 0
		}
		cur += len(s)
	}
	if cur > 0 {
		count++
	}
	return count
}

// DropWarning formats the warning message emitted when Split truncated
// the source set.
func DropWarning(dropped int, total int) string {
	return fmt.Sprintf("chunk plan dropped %d of %d oldest sources to stay within max_chunks", dropped, total)
}
