package daemon

import (
	"testing"
	"time"
)

func TestMetricsAccumulateAcrossScans(t *testing.T) {
	r := NewMetricsRecorder("")

	r.RecordScan(2, 0, 5*time.Millisecond)
	r.RecordScan(1, 1, 3*time.Millisecond)
	r.IncMerged()
	r.IncMerged()
	r.IncConflicts()
	r.IncCancelled()
	r.SetQueueDepth(map[string]int{"main": 2})

	m := r.Snapshot()
	if m.ItemsDispatched != 3 {
		t.Errorf("ItemsDispatched = %d, want 3", m.ItemsDispatched)
	}
	if m.WorkersReclaimed != 1 {
		t.Errorf("WorkersReclaimed = %d, want 1", m.WorkersReclaimed)
	}
	if m.ItemsMerged != 2 {
		t.Errorf("ItemsMerged = %d, want 2", m.ItemsMerged)
	}
	if m.MergeConflicts != 1 {
		t.Errorf("MergeConflicts = %d, want 1", m.MergeConflicts)
	}
	if m.ItemsCancelled != 1 {
		t.Errorf("ItemsCancelled = %d, want 1", m.ItemsCancelled)
	}
	if m.QueueDepth["main"] != 2 {
		t.Errorf("QueueDepth[main] = %d, want 2", m.QueueDepth["main"])
	}
	if m.LastScanAt == "" {
		t.Error("LastScanAt not stamped")
	}
}

func TestMetricsFlushLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	r := NewMetricsRecorder(dir)
	r.RecordScan(5, 2, time.Millisecond)
	r.IncMerged()
	if err := r.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded := NewMetricsRecorder(dir)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m := reloaded.Snapshot()
	if m.ItemsDispatched != 5 || m.WorkersReclaimed != 2 || m.ItemsMerged != 1 {
		t.Errorf("reloaded counters = %+v", m)
	}

	// Counters keep growing on the reloaded recorder.
	reloaded.RecordScan(1, 0, time.Millisecond)
	if got := reloaded.Snapshot().ItemsDispatched; got != 6 {
		t.Errorf("ItemsDispatched after restart = %d, want 6", got)
	}
}

func TestMetricsFlushSkipsWhenClean(t *testing.T) {
	r := NewMetricsRecorder(t.TempDir())
	if err := r.Flush(); err != nil {
		t.Fatalf("Flush on clean recorder: %v", err)
	}
}
