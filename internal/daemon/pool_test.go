package daemon

import (
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stoneworks/foreman/internal/model"
)

func newTestPool(t *testing.T, count int) *Pool {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	return NewPool("", count, "/tmp/ws", logger, LogLevelError)
}

func TestPoolSlotIDsAreStable(t *testing.T) {
	p := newTestPool(t, 3)
	workers := p.Workers()
	if len(workers) != 3 {
		t.Fatalf("len(Workers) = %d, want 3", len(workers))
	}
	for i, w := range workers {
		want := model.WorkerID(i)
		if w.ID != want {
			t.Errorf("worker[%d].ID = %q, want %q", i, w.ID, want)
		}
		if w.Workspace != filepath.Join("/tmp/ws", want) {
			t.Errorf("worker[%d].Workspace = %q", i, w.Workspace)
		}
	}
}

func TestPoolAssignRelease(t *testing.T) {
	p := newTestPool(t, 2)

	if err := p.Assign("wk_0", "wi_1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if idle := p.Idle(); len(idle) != 1 || idle[0] != "wk_1" {
		t.Errorf("Idle = %v, want [wk_1]", idle)
	}

	// Double assignment of a held slot is rejected.
	if err := p.Assign("wk_0", "wi_2"); err == nil {
		t.Error("Assign to held slot succeeded, want error")
	}

	if err := p.Release("wk_0"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if idle := p.Idle(); len(idle) != 2 {
		t.Errorf("Idle after release = %v, want both slots", idle)
	}

	// Releasing an idle slot is a no-op.
	if err := p.Release("wk_0"); err != nil {
		t.Errorf("Release idle slot: %v", err)
	}
}

func TestPoolHeartbeatRequiresAssignment(t *testing.T) {
	p := newTestPool(t, 1)

	if err := p.Heartbeat("wk_0"); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("Heartbeat on idle slot error = %v, want ErrUnknownWorker", err)
	}
	if err := p.Heartbeat("wk_9"); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("Heartbeat on unknown slot error = %v, want ErrUnknownWorker", err)
	}

	if err := p.Assign("wk_0", "wi_1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := p.Heartbeat("wk_0"); err != nil {
		t.Errorf("Heartbeat on assigned slot: %v", err)
	}
}

func TestPoolStale(t *testing.T) {
	p := newTestPool(t, 3)
	now := time.Now().UTC()

	if err := p.Assign("wk_0", "wi_fresh"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := p.Assign("wk_1", "wi_stale"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	p.workers["wk_1"].LastHeartbeat = now.Add(-2 * time.Minute).Format(time.RFC3339)

	stale := p.Stale(30*time.Second, now)
	if len(stale) != 1 {
		t.Fatalf("Stale = %d workers, want 1", len(stale))
	}
	if stale[0].ID != "wk_1" {
		t.Errorf("stale worker = %s, want wk_1", stale[0].ID)
	}
}

func TestPoolStaleUnparseableStamp(t *testing.T) {
	p := newTestPool(t, 1)
	if err := p.Assign("wk_0", "wi_1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	p.workers["wk_0"].LastHeartbeat = "not-a-timestamp"

	stale := p.Stale(time.Hour, time.Now().UTC())
	if len(stale) != 1 {
		t.Errorf("Stale = %d workers, want 1 for unparseable stamp", len(stale))
	}
}

func TestPoolPersistLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)

	p := NewPool(dir, 2, "/tmp/ws", logger, LogLevelError)
	if err := p.Assign("wk_1", "wi_42"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	reloaded := NewPool(dir, 2, "/tmp/ws", logger, LogLevelError)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	w, err := reloaded.Get("wk_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if w.ItemID == nil || *w.ItemID != "wi_42" {
		t.Errorf("reloaded assignment = %v, want wi_42", w.ItemID)
	}
}

func TestPoolLoadMarksAssignmentsStale(t *testing.T) {
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)

	p := NewPool(dir, 2, "/tmp/ws", logger, LogLevelError)
	if err := p.Assign("wk_0", "wi_1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	// Restart: the persisted heartbeat is fresh, but a pre-restart stamp says
	// nothing about whether the worker runtime survived. The assignment must
	// show up stale on the first scan, not a full threshold later.
	reloaded := NewPool(dir, 2, "/tmp/ws", logger, LogLevelError)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	stale := reloaded.Stale(30*time.Second, time.Now().UTC())
	if len(stale) != 1 || stale[0].ID != "wk_0" {
		t.Fatalf("Stale after reload = %v, want [wk_0]", stale)
	}
	if stale[0].ItemID == nil || *stale[0].ItemID != "wi_1" {
		t.Errorf("stale assignment = %v, want wi_1", stale[0].ItemID)
	}
}

func TestPoolReleaseIf(t *testing.T) {
	p := newTestPool(t, 1)
	if err := p.Assign("wk_0", "wi_1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	// Wrong item leaves the slot untouched.
	if freed, err := p.ReleaseIf("wk_0", "wi_other"); err != nil || freed {
		t.Fatalf("ReleaseIf(wi_other) = (%v, %v), want (false, nil)", freed, err)
	}
	if idle := p.Idle(); len(idle) != 0 {
		t.Fatalf("slot freed on mismatched item, Idle = %v", idle)
	}

	if freed, err := p.ReleaseIf("wk_0", "wi_1"); err != nil || !freed {
		t.Fatalf("ReleaseIf(wi_1) = (%v, %v), want (true, nil)", freed, err)
	}
	if idle := p.Idle(); len(idle) != 1 {
		t.Errorf("Idle after ReleaseIf = %v, want [wk_0]", idle)
	}

	// Idle and unknown slots are no-ops.
	if freed, _ := p.ReleaseIf("wk_0", "wi_1"); freed {
		t.Error("ReleaseIf on idle slot reported freed")
	}
	if freed, _ := p.ReleaseIf("wk_9", "wi_1"); freed {
		t.Error("ReleaseIf on unknown slot reported freed")
	}
}

func TestPoolLoadDropsSlotsBeyondConfiguredCount(t *testing.T) {
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)

	p := NewPool(dir, 4, "/tmp/ws", logger, LogLevelError)
	if err := p.Assign("wk_3", "wi_1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	// Pool shrunk in config; the persisted wk_3 assignment is ignored.
	shrunk := NewPool(dir, 2, "/tmp/ws", logger, LogLevelError)
	if err := shrunk.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(shrunk.Workers()) != 2 {
		t.Errorf("len(Workers) = %d, want 2", len(shrunk.Workers()))
	}
	if _, err := shrunk.Get("wk_3"); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("Get(wk_3) error = %v, want ErrUnknownWorker", err)
	}
}
