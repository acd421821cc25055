package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/runs"
	"github.com/loomhq/loom/internal/store"
)

func TestRunOnceReclaimsExpiredState(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, ":memory:", store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	clock := time.Now()
	now := func() time.Time { return clock }
	tracker := runs.NewTracker(runs.TrackerOptions{Retention: time.Hour, Now: now})
	idem := runs.NewIdempotencyCache(runs.IdempotencyOptions{TTL: time.Minute, Now: now})

	run := tracker.Create("sess_1", "")
	if err := tracker.Complete(run.ID, "ok", 1, 10, 5); err != nil {
		t.Fatalf("complete run: %v", err)
	}
	idem.Do("key-1", func() ([]byte, bool) { return []byte(`{}`), false })

	blob, err := s.CreateBlob(ctx, []byte("audio bytes"), "audio/ogg")
	if err != nil {
		t.Fatalf("create blob: %v", err)
	}
	if err := s.ReleaseBlob(ctx, blob.ID); err != nil {
		t.Fatalf("release blob: %v", err)
	}

	sw := New(s, tracker, idem, nil, Config{})

	// Nothing has aged out yet; only the orphaned blob goes.
	res := sw.RunOnce(ctx)
	if res.RunsEvicted != 0 || res.KeysEvicted != 0 {
		t.Fatalf("premature eviction: %+v", res)
	}
	if res.BlobsReclaimed != 1 {
		t.Fatalf("blobs reclaimed %d, want 1", res.BlobsReclaimed)
	}

	clock = clock.Add(2 * time.Hour)
	res = sw.RunOnce(ctx)
	if res.RunsEvicted != 1 {
		t.Errorf("runs evicted %d, want 1", res.RunsEvicted)
	}
	if res.KeysEvicted != 1 {
		t.Errorf("keys evicted %d, want 1", res.KeysEvicted)
	}
	if idem.Len() != 0 {
		t.Errorf("idempotency cache still has %d entries", idem.Len())
	}
	if got := tracker.BySession("sess_1"); len(got) != 0 {
		t.Errorf("tracker still holds %d runs", len(got))
	}
}

func TestStartAndStop(t *testing.T) {
	sw := New(nil, runs.NewTracker(runs.TrackerOptions{}), nil, nil, Config{Schedule: "@every 1h"})
	if err := sw.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	sw.Stop()
	// Stop is idempotent.
	sw.Stop()
}

func TestBadScheduleRejected(t *testing.T) {
	sw := New(nil, nil, nil, nil, Config{Schedule: "not a schedule"})
	if err := sw.Start(); err == nil {
		t.Fatal("expected schedule parse error")
	}
}
