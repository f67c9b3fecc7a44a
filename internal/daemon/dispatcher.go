package daemon

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stoneworks/foreman/internal/events"
	"github.com/stoneworks/foreman/internal/graph"
	"github.com/stoneworks/foreman/internal/model"
	"github.com/stoneworks/foreman/internal/refinery"
)

// ErrNotAssigned is returned when a worker reports on an item it does not
// hold.
var ErrNotAssigned = errors.New("worker has no assignment")

// TickStats summarizes one dispatch pass.
type TickStats struct {
	Reclaimed  int
	Ready      int
	Dispatched int
}

// Dispatcher drives the assignment loop: reclaim stalled slots, compute the
// ready set, hand items to idle slots in readiness order. One Tick runs at a
// time; the pool size is the only concurrency cap.
type Dispatcher struct {
	store    *graph.Store
	pool     *Pool
	refinery *refinery.Refinery
	factory  NotifierFactory
	bus      *events.Bus
	metrics  *MetricsRecorder

	staleAfter    time.Duration
	defaultTarget string

	logger   *log.Logger
	logLevel LogLevel
}

func NewDispatcher(store *graph.Store, pool *Pool, ref *refinery.Refinery, factory NotifierFactory, cfg model.Config, logger *log.Logger, logLevel LogLevel) *Dispatcher {
	staleAfter := cfg.Watcher.StaleAfterSec
	if staleAfter <= 0 {
		staleAfter = 30
	}
	target := cfg.Refinery.DefaultTarget
	if target == "" {
		target = "main"
	}
	return &Dispatcher{
		store:         store,
		pool:          pool,
		refinery:      ref,
		factory:       factory,
		staleAfter:    time.Duration(staleAfter) * time.Second,
		defaultTarget: target,
		logger:        logger,
		logLevel:      logLevel,
	}
}

func (d *Dispatcher) SetEventBus(bus *events.Bus)          { d.bus = bus }
func (d *Dispatcher) SetMetrics(recorder *MetricsRecorder) { d.metrics = recorder }

// Tick runs one dispatch pass. The pass itself is not locked as a whole;
// each step reads or mutates through the store and pool locks, and the
// single-scan-loop daemon guarantees ticks never overlap.
func (d *Dispatcher) Tick() TickStats {
	var stats TickStats
	start := time.Now()

	stats.Reclaimed = d.ReclaimStale()

	ready := d.store.ComputeReady()
	stats.Ready = len(ready)

	idle := d.pool.Idle()
	for i, workerID := range idle {
		if i >= len(ready) {
			break
		}
		if err := d.assign(workerID, ready[i]); err != nil {
			d.log(LogLevelError, "assign worker=%s item=%s error=%v", workerID, ready[i].ID, err)
			continue
		}
		stats.Dispatched++
	}

	if d.metrics != nil {
		d.metrics.RecordScan(stats.Dispatched, stats.Reclaimed, time.Since(start))
	}
	if stats.Reclaimed > 0 || stats.Dispatched > 0 {
		d.log(LogLevelInfo, "tick reclaimed=%d ready=%d dispatched=%d elapsed=%s",
			stats.Reclaimed, stats.Ready, stats.Dispatched, time.Since(start).Round(time.Millisecond))
	}
	return stats
}

func (d *Dispatcher) assign(workerID string, item model.WorkItem) error {
	worker, err := d.pool.Get(workerID)
	if err != nil {
		return err
	}

	if err := d.store.Transition(item.ID, model.StatusInProgress, func(it *model.WorkItem) {
		assignee := workerID
		it.Assignee = &assignee
		it.Attempts++
	}); err != nil {
		return err
	}
	if err := d.pool.Assign(workerID, item.ID); err != nil {
		// Roll the item back; the slot was taken between Idle and Assign.
		if txErr := d.store.Transition(item.ID, model.StatusOpen, func(it *model.WorkItem) {
			it.Assignee = nil
		}); txErr != nil {
			d.log(LogLevelError, "rollback item=%s error=%v", item.ID, txErr)
		}
		return err
	}

	notifier, err := d.factory.NewNotifier(workerID, worker.Workspace)
	if err == nil {
		updated, getErr := d.store.GetItem(item.ID)
		if getErr == nil {
			err = notifier.Assign(updated)
		} else {
			err = getErr
		}
	}
	if err != nil {
		// Undelivered assignments go straight back to the queue.
		d.pool.ReleaseIf(workerID, item.ID)
		if txErr := d.store.Transition(item.ID, model.StatusOpen, func(it *model.WorkItem) {
			it.Assignee = nil
		}); txErr != nil {
			d.log(LogLevelError, "rollback item=%s error=%v", item.ID, txErr)
		}
		return fmt.Errorf("notify %s: %w", workerID, err)
	}

	if d.bus != nil {
		d.bus.Publish(events.EventItemDispatched, map[string]interface{}{
			"item_id":   item.ID,
			"worker_id": workerID,
			"attempt":   item.Attempts + 1,
		})
	}
	return nil
}

// ReclaimStale returns every item held by a stale worker to open and frees
// the slot. Safe to call from both the tick and the witness; a slot already
// reclaimed is skipped.
func (d *Dispatcher) ReclaimStale() int {
	stale := d.pool.Stale(d.staleAfter, time.Now().UTC())
	reclaimed := 0
	for _, worker := range stale {
		if worker.ItemID == nil {
			continue
		}
		if d.Reclaim(worker.ID, *worker.ItemID) {
			reclaimed++
		}
	}
	return reclaimed
}

// Reclaim returns one assignment to the queue. Reports whether anything
// changed, so repeated scans of the same stall stay no-ops. The slot is freed
// only while it still holds itemID: a concurrent scan may already have
// reclaimed it and handed the slot a fresh item.
func (d *Dispatcher) Reclaim(workerID, itemID string) bool {
	item, err := d.store.GetItem(itemID)
	if err != nil || item.Status != model.StatusInProgress ||
		item.Assignee == nil || *item.Assignee != workerID {
		// Already reclaimed, completed, or reassigned elsewhere.
		d.pool.ReleaseIf(workerID, itemID)
		return false
	}

	if err := d.store.Transition(itemID, model.StatusOpen, func(it *model.WorkItem) {
		it.Assignee = nil
		reason := "stale heartbeat"
		it.FailReason = &reason
	}); err != nil {
		d.log(LogLevelError, "reclaim item=%s error=%v", itemID, err)
		return false
	}
	d.pool.ReleaseIf(workerID, itemID)

	d.log(LogLevelWarn, "reclaim worker=%s item=%s", workerID, itemID)
	if d.bus != nil {
		d.bus.Publish(events.EventWorkerStalled, map[string]interface{}{
			"worker_id": workerID,
			"item_id":   itemID,
		})
	}
	return true
}

// Heartbeat records worker liveness.
func (d *Dispatcher) Heartbeat(workerID string) error {
	return d.pool.Heartbeat(workerID)
}

// ReportComplete accepts a finished branch from a worker. The item moves to
// pending_merge and enters the refinery queue; the slot frees immediately so
// a slow merge never holds the concurrency cap.
func (d *Dispatcher) ReportComplete(workerID, branchRef, targetRef string) error {
	worker, err := d.pool.Get(workerID)
	if err != nil {
		return err
	}
	if worker.ItemID == nil {
		return fmt.Errorf("%w: %s", ErrNotAssigned, workerID)
	}
	itemID := *worker.ItemID

	if targetRef == "" {
		targetRef = d.defaultTarget
	}
	if err := d.store.Transition(itemID, model.StatusPendingMerge, func(it *model.WorkItem) {
		ref := branchRef
		it.BranchRef = &ref
		it.Assignee = nil
		it.FailReason = nil
	}); err != nil {
		return err
	}
	if _, err := d.refinery.Submit(itemID, branchRef, targetRef); err != nil {
		return err
	}
	if _, err := d.pool.ReleaseIf(workerID, itemID); err != nil {
		return err
	}

	d.log(LogLevelInfo, "complete worker=%s item=%s branch=%s target=%s",
		workerID, itemID, branchRef, targetRef)
	return nil
}

// ReportFailure returns a worker's item to the queue with the failure
// recorded. The item keeps its attempt count and competes for the next tick.
func (d *Dispatcher) ReportFailure(workerID, reason string) error {
	worker, err := d.pool.Get(workerID)
	if err != nil {
		return err
	}
	if worker.ItemID == nil {
		return fmt.Errorf("%w: %s", ErrNotAssigned, workerID)
	}
	itemID := *worker.ItemID

	if err := d.store.Transition(itemID, model.StatusOpen, func(it *model.WorkItem) {
		it.Assignee = nil
		if reason != "" {
			r := reason
			it.FailReason = &r
		}
	}); err != nil {
		return err
	}
	if _, err := d.pool.ReleaseIf(workerID, itemID); err != nil {
		return err
	}

	d.log(LogLevelWarn, "failure worker=%s item=%s reason=%s", workerID, itemID, reason)
	return nil
}

// CancelItem cancels an item. A running assignment is abandoned and its slot
// freed; pending_merge items are refused by the store.
func (d *Dispatcher) CancelItem(itemID, reason string) error {
	assignee, err := d.store.Cancel(itemID, reason)
	if err != nil {
		return err
	}
	if assignee != "" {
		if worker, getErr := d.pool.Get(assignee); getErr == nil {
			if notifier, nErr := d.factory.NewNotifier(assignee, worker.Workspace); nErr == nil {
				if aErr := notifier.Abandon(itemID, reason); aErr != nil {
					d.log(LogLevelWarn, "abandon worker=%s item=%s error=%v", assignee, itemID, aErr)
				}
			}
		}
		d.pool.ReleaseIf(assignee, itemID)
	}

	if d.metrics != nil {
		d.metrics.IncCancelled()
	}
	if d.bus != nil {
		d.bus.Publish(events.EventItemCancelled, map[string]interface{}{
			"item_id": itemID,
			"reason":  reason,
		})
	}
	return nil
}

func (d *Dispatcher) log(level LogLevel, format string, args ...any) {
	logWith(d.logger, d.logLevel, level, "dispatcher", format, args...)
}
