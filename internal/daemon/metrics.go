package daemon

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/stoneworks/foreman/internal/model"
	yamlutil "github.com/stoneworks/foreman/internal/yaml"
)

const metricsFile = "metrics.yaml"

// MetricsRecorder accumulates coordinator counters and flushes them to
// state/metrics.yaml. Counters are cumulative across restarts.
type MetricsRecorder struct {
	mu       sync.Mutex
	stateDir string
	m        model.Metrics
	dirty    bool
}

func NewMetricsRecorder(stateDir string) *MetricsRecorder {
	return &MetricsRecorder{
		stateDir: stateDir,
		m: model.Metrics{
			SchemaVersion: 1,
			FileType:      "state_metrics",
		},
	}
}

func (r *MetricsRecorder) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stateDir == "" {
		return nil
	}
	var persisted model.Metrics
	if err := loadYAML(filepath.Join(r.stateDir, metricsFile), &persisted); err != nil {
		return err
	}
	if persisted.SchemaVersion != 0 {
		r.m = persisted
	}
	return nil
}

// RecordScan folds one tick's results into the counters.
func (r *MetricsRecorder) RecordScan(dispatched, reclaimed int, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.m.ItemsDispatched += dispatched
	r.m.WorkersReclaimed += reclaimed
	r.m.LastScanAt = time.Now().UTC().Format(time.RFC3339)
	r.m.LastScanMs = elapsed.Milliseconds()
	r.dirty = true
}

func (r *MetricsRecorder) IncMerged() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.ItemsMerged++
	r.dirty = true
}

func (r *MetricsRecorder) IncConflicts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.MergeConflicts++
	r.dirty = true
}

func (r *MetricsRecorder) IncCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.ItemsCancelled++
	r.dirty = true
}

// SetQueueDepth records the current refinery pending depth per target.
func (r *MetricsRecorder) SetQueueDepth(depths map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.QueueDepth = depths
	r.dirty = true
}

// Snapshot returns a copy of the current counters.
func (r *MetricsRecorder) Snapshot() model.Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.m
	if r.m.QueueDepth != nil {
		out.QueueDepth = make(map[string]int, len(r.m.QueueDepth))
		for k, v := range r.m.QueueDepth {
			out.QueueDepth[k] = v
		}
	}
	return out
}

// Flush writes the counters when anything changed since the last flush.
func (r *MetricsRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.dirty || r.stateDir == "" {
		return nil
	}
	if err := yamlutil.AtomicWrite(filepath.Join(r.stateDir, metricsFile), r.m); err != nil {
		return fmt.Errorf("persist metrics: %w", err)
	}
	r.dirty = false
	return nil
}
