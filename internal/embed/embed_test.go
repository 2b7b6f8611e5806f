package embed_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/octoreflex/moon-watchd/internal/embed"
	"github.com/octoreflex/moon-watchd/internal/index"
	"github.com/octoreflex/moon-watchd/internal/lockmgr"
)

type fakeBackend struct {
	cap        index.Capability
	lastMaxDocs int
}

func (f *fakeBackend) Sync(ctx context.Context, collection, root, mask string) (index.SyncResult, error) {
	return index.SyncResult{}, nil
}
func (f *fakeBackend) Embed(ctx context.Context, collection string, maxDocs int) (index.EmbedResult, error) {
	f.lastMaxDocs = maxDocs
	return index.EmbedResult{Embedded: maxDocs}, nil
}
func (f *fakeBackend) Query(ctx context.Context, collection, query string, limit int) (index.QueryResult, error) {
	return index.QueryResult{}, nil
}
func (f *fakeBackend) ProbeCapability(ctx context.Context) (index.Capability, error) {
	return f.cap, nil
}

func TestShouldRun(t *testing.T) {
	d := embed.New(&fakeBackend{}, embed.Policy{Cooldown: time.Hour, MinPending: 5})
	now := time.Unix(1700000000, 0)

	if d.ShouldRun(now, now, 10) {
		t.Error("ShouldRun() = true within cooldown, want false")
	}
	if d.ShouldRun(now, now.Add(-2*time.Hour), 3) {
		t.Error("ShouldRun() = true below min pending, want false")
	}
	if !d.ShouldRun(now, now.Add(-2*time.Hour), 10) {
		t.Error("ShouldRun() = false when both gates pass, want true")
	}
}

func TestRun_BoundsMaxDocs(t *testing.T) {
	dir := t.TempDir()
	backend := &fakeBackend{cap: index.Capability{BoundedEmbed: true}}
	d := embed.New(backend, embed.Policy{MaxDocs: 25, LockPath: filepath.Join(dir, "embed.lock")})

	res, err := d.Run(context.Background(), "col")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Embedded != 25 {
		t.Errorf("Embedded = %d, want 25", res.Embedded)
	}
	if backend.lastMaxDocs != 25 {
		t.Errorf("backend saw maxDocs=%d, want 25", backend.lastMaxDocs)
	}
}

func TestRun_MissingCapabilityIsCapabilityError(t *testing.T) {
	dir := t.TempDir()
	backend := &fakeBackend{cap: index.Capability{BoundedEmbed: false}}
	d := embed.New(backend, embed.Policy{MaxDocs: 10, LockPath: filepath.Join(dir, "embed.lock")})

	_, err := d.Run(context.Background(), "col")
	if err == nil {
		t.Fatal("Run() error = nil, want *CapabilityError")
	}
	if _, ok := err.(*embed.CapabilityError); !ok {
		t.Errorf("Run() error type = %T, want *CapabilityError", err)
	}
}

func TestRun_RespectsLockContention(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "embed.lock")
	held, err := lockmgr.Acquire(lockPath, lockmgr.NewPayload("someone-else", 1))
	if err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	defer held.Release()

	backend := &fakeBackend{cap: index.Capability{BoundedEmbed: true}}
	d := embed.New(backend, embed.Policy{MaxDocs: 10, LockPath: lockPath})

	_, err = d.Run(context.Background(), "col")
	if err == nil {
		t.Fatal("Run() error = nil, want *lockmgr.BusyError")
	}
	if _, ok := err.(*lockmgr.BusyError); !ok {
		t.Errorf("Run() error type = %T, want *lockmgr.BusyError", err)
	}
}
