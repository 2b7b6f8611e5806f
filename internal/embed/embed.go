// Package embed implements the bounded embed stage (C9): capability
// negotiation against the index backend, single-flight locking via
// moon-embed.lock, and cooldown/min-pending gating. The daemon never
// issues an unbounded embed call.
//
// Grounded on the teacher's internal/lockmgr single-flight guard around
// its escalation actuator (one action in flight per resource) combined
// with the token-bucket rate gate in internal/escalation/token_bucket.go,
// repurposed here from a rate limiter into a cooldown-interval gate.
package embed

import (
	"context"
	"fmt"
	"time"

	"github.com/octoreflex/moon-watchd/internal/index"
	"github.com/octoreflex/moon-watchd/internal/lockmgr"
)

// CapabilityError indicates the index backend does not support a
// bounded embed call. The watcher must never fall back to an unbounded
// embed, so this is treated as a skip, not a degraded retry.
type CapabilityError struct {
	Backend string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("embed: backend %s does not support bounded embed (--max-docs)", e.Backend)
}

// Policy controls when the watcher cycle is allowed to embed.
type Policy struct {
	Cooldown   time.Duration
	MinPending int
	MaxDocs    int
	LockPath   string
}

// Driver runs the embed stage against a Backend.
type Driver struct {
	Backend index.Backend
	Policy  Policy
}

// New builds a Driver.
func New(backend index.Backend, policy Policy) *Driver {
	return &Driver{Backend: backend, Policy: policy}
}

// ShouldRun reports whether the cooldown and min-pending gates allow an
// embed attempt this cycle. It does not touch the lock — that happens in
// Run, so a caller can cheaply skip the whole stage without ever
// attempting to acquire the lock.
func (d *Driver) ShouldRun(now time.Time, lastEmbed time.Time, pendingDocs int) bool {
	if pendingDocs < d.Policy.MinPending {
		return false
	}
	return now.Sub(lastEmbed) >= d.Policy.Cooldown
}

// Run attempts one bounded embed call: acquire the single-flight lock,
// confirm bounded-embed capability, then invoke Embed capped at
// Policy.MaxDocs. Run does not apply the cooldown/min-pending gate
// (ShouldRun); the watcher checks it before calling Run, while a manual
// embed calls Run directly. Run does not record the embed time either:
// the caller, not Run, owns the cooldown bookkeeping.
func (d *Driver) Run(ctx context.Context, collection string) (index.EmbedResult, error) {
	lock, err := lockmgr.Acquire(d.Policy.LockPath, lockmgr.NewPayload("embed", time.Now().Unix()))
	if err != nil {
		return index.EmbedResult{}, err // *lockmgr.BusyError on contention
	}
	defer lock.Release()

	capab, err := d.Backend.ProbeCapability(ctx)
	if err != nil {
		return index.EmbedResult{}, fmt.Errorf("embed: probe capability: %w", err)
	}
	if !capab.BoundedEmbed {
		return index.EmbedResult{}, &CapabilityError{Backend: "configured backend"}
	}

	maxDocs := d.Policy.MaxDocs
	if maxDocs <= 0 {
		maxDocs = 1
	}
	return d.Backend.Embed(ctx, collection, maxDocs)
}
