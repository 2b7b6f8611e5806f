// Package index drives the external vector-indexing tool (C8) that syncs
// rendered projections into a named collection for retrieval.
//
// Grounded on the teacher's internal/usageprobe-equivalent external-
// process collaborator pattern (the daemon never embeds a vector store
// itself; it shells out and interprets the child's exit code and
// stdout), generalised from the teacher's own os/exec usage in
// cmd/octoreflex's health-check subprocess invocation.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// Backend is the interface every pipeline stage depends on. The daemon
// never talks to a vector store directly — it always goes through this
// interface, which in production is realised by ExecBackend.
type Backend interface {
	// Sync indexes every projection under root matching mask into
	// collection.
	Sync(ctx context.Context, collection, root, mask string) (SyncResult, error)

	// Embed requests embedding of up to maxDocs pending documents in
	// collection. Callers are responsible for bounding maxDocs; Embed
	// itself does not clamp.
	Embed(ctx context.Context, collection string, maxDocs int) (EmbedResult, error)

	// Query performs a similarity search within collection.
	Query(ctx context.Context, collection, query string, limit int) (QueryResult, error)

	// ProbeCapability reports whether the backend supports bounded
	// embed (the --max-docs flag). Backends that cannot bound their
	// embed call are never invoked by the watcher cycle.
	ProbeCapability(ctx context.Context) (Capability, error)
}

// SyncResult is the parsed response of a `collection add` invocation.
type SyncResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// EmbedResult is the parsed response of an `embed` invocation.
type EmbedResult struct {
	Embedded int `json:"embedded"`
	Pending  int `json:"pending"`
}

// QueryResult is the parsed response of a `search` invocation.
type QueryResult struct {
	Matches []Match `json:"matches"`
}

// Match is one scored search hit.
type Match struct {
	ArchivePath string            `json:"archive_path,omitempty"`
	ProjectionID string           `json:"projection_id"`
	Score       float64           `json:"score"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Capability describes what the backend binary supports.
type Capability struct {
	BoundedEmbed bool
}

// ExecBackend realises Backend over a configured binary using the
// subcommands `collection add`, `collection search` and `embed`; the
// backend's `update` subcommand is never invoked. Capability is
// probed once per process lifetime and cached, since re-probing every
// cycle would cost a subprocess spawn for no benefit.
type ExecBackend struct {
	BinaryPath string
	Timeout    time.Duration

	capOnce   bool
	capCached Capability
}

// NewExecBackend builds an ExecBackend invoking binaryPath, bounding
// every subprocess call to timeout.
func NewExecBackend(binaryPath string, timeout time.Duration) *ExecBackend {
	return &ExecBackend{BinaryPath: binaryPath, Timeout: timeout}
}

func (b *ExecBackend) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.BinaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("index: %s %v: %w (stderr: %s)", b.BinaryPath, args, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// Sync invokes `<binary> collection add <collection> --root <root> --mask
// <mask>`. The backend's add is treated as an idempotent upsert here: a
// collection that already exists is re-synced in place, so the daemon
// never needs to track whether a given collection has been added before
// in order to decide between add and the separate update subcommand.
func (b *ExecBackend) Sync(ctx context.Context, collection, root, mask string) (SyncResult, error) {
	out, err := b.run(ctx, "collection", "add", collection, "--root", root, "--mask", mask)
	if err != nil {
		return SyncResult{}, err
	}
	var res SyncResult
	if err := json.Unmarshal(out, &res); err != nil {
		return SyncResult{}, fmt.Errorf("index: parse sync response: %w", err)
	}
	return res, nil
}

// Embed invokes `<binary> embed <collection> --max-docs <maxDocs>`.
// Callers must have already confirmed ProbeCapability().BoundedEmbed.
func (b *ExecBackend) Embed(ctx context.Context, collection string, maxDocs int) (EmbedResult, error) {
	out, err := b.run(ctx, "embed", collection, "--max-docs", fmt.Sprintf("%d", maxDocs))
	if err != nil {
		return EmbedResult{}, err
	}
	var res EmbedResult
	if err := json.Unmarshal(out, &res); err != nil {
		return EmbedResult{}, fmt.Errorf("index: parse embed response: %w", err)
	}
	return res, nil
}

// Query invokes `<binary> collection search <collection> --query <query>
// --limit <limit>`.
func (b *ExecBackend) Query(ctx context.Context, collection, query string, limit int) (QueryResult, error) {
	out, err := b.run(ctx, "collection", "search", collection, "--query", query, "--limit", fmt.Sprintf("%d", limit))
	if err != nil {
		return QueryResult{}, err
	}
	var res QueryResult
	if err := json.Unmarshal(out, &res); err != nil {
		return QueryResult{}, fmt.Errorf("index: parse query response: %w", err)
	}
	if res.Matches == nil {
		res.Matches = []Match{}
	}
	return res, nil
}

// ProbeCapability invokes `<binary> embed --help` once and inspects its
// output for the `--max-docs` flag. The result is cached for the
// lifetime of the ExecBackend.
func (b *ExecBackend) ProbeCapability(ctx context.Context) (Capability, error) {
	if b.capOnce {
		return b.capCached, nil
	}
	out, err := b.run(ctx, "embed", "--help")
	if err != nil {
		return Capability{}, err
	}
	result := Capability{BoundedEmbed: bytes.Contains(out, []byte("--max-docs"))}
	b.capCached = result
	b.capOnce = true
	return result, nil
}
