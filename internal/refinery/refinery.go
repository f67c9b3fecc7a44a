// Package refinery serializes the landing of completed worker branches into
// shared integration targets. Entries for one target merge strictly in
// submission order with at most one merge in flight; distinct targets
// proceed independently.
package refinery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/stoneworks/foreman/internal/events"
	"github.com/stoneworks/foreman/internal/graph"
	"github.com/stoneworks/foreman/internal/model"
	yamlutil "github.com/stoneworks/foreman/internal/yaml"
)

const refineryFile = "refinery.yaml"

// ErrNotBlocked is returned by Resubmit when the item is not sitting in
// blocked_conflict.
var ErrNotBlocked = errors.New("item is not blocked on a conflict")

type LogLevel = graph.LogLevel

const (
	LogLevelDebug = graph.LogLevelDebug
	LogLevelInfo  = graph.LogLevelInfo
	LogLevelWarn  = graph.LogLevelWarn
	LogLevelError = graph.LogLevelError
)

// Refinery owns the per-target integration queues. It is the only component
// that attempts merges, and the only one that moves items out of
// pending_merge.
type Refinery struct {
	mu sync.Mutex

	stateDir string
	store    *graph.Store
	merger   Merger
	bus      *events.Bus

	// entries holds every queue entry ever submitted, in submission order.
	// The pending view per target is derived from it; resolved entries stay
	// as history.
	entries []*model.RefineryEntry
	// inFlight marks targets with a merge attempt mid-way. One per target,
	// never more.
	inFlight map[string]bool

	mergeTimeout time.Duration
	// onMerged is invoked (outside the lock) after an item turns done, so
	// the dispatcher can re-evaluate readiness promptly.
	onMerged func(itemID string)

	logger   *log.Logger
	logLevel LogLevel
}

func New(stateDir string, store *graph.Store, merger Merger, cfg model.RefineryConfig, logger *log.Logger, logLevel LogLevel) *Refinery {
	timeout := cfg.MergeTimeoutSec
	if timeout <= 0 {
		timeout = 120
	}
	return &Refinery{
		stateDir:     stateDir,
		store:        store,
		merger:       merger,
		inFlight:     make(map[string]bool),
		mergeTimeout: time.Duration(timeout) * time.Second,
		logger:       logger,
		logLevel:     logLevel,
	}
}

// SetEventBus wires the observability bus. Must be called before processing.
func (r *Refinery) SetEventBus(bus *events.Bus) {
	r.bus = bus
}

// SetOnMerged registers the post-merge callback.
func (r *Refinery) SetOnMerged(fn func(itemID string)) {
	r.onMerged = fn
}

// Load hydrates queue entries from state. Entries that were mid-merge when
// the previous daemon died are still pending here; they will simply be
// attempted again.
func (r *Refinery) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stateDir == "" {
		return nil
	}

	var table model.RefineryTable
	path := filepath.Join(r.stateDir, refineryFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yamlv3.Unmarshal(data, &table); err != nil {
		return fmt.Errorf("%w: parse %s: %v", graph.ErrStoreCorrupt, path, err)
	}
	r.entries = make([]*model.RefineryEntry, 0, len(table.Entries))
	for i := range table.Entries {
		entry := table.Entries[i]
		r.entries = append(r.entries, &entry)
	}
	r.log(LogLevelInfo, "loaded entries=%d pending=%d", len(r.entries), r.pendingCountLocked())
	return nil
}

// Submit enqueues a completed branch for integration. Returns the entry id.
func (r *Refinery) Submit(itemID, sourceRef, targetRef string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := model.GenerateID(model.IDTypeEntry)
	if err != nil {
		return "", fmt.Errorf("generate entry id: %w", err)
	}

	entry := &model.RefineryEntry{
		ID:          id,
		ItemID:      itemID,
		SourceRef:   sourceRef,
		TargetRef:   targetRef,
		Outcome:     model.MergeOutcomePending,
		SubmittedAt: time.Now().UTC().Format(time.RFC3339),
	}
	r.entries = append(r.entries, entry)

	r.log(LogLevelInfo, "submit entry=%s item=%s source=%s target=%s", id, itemID, sourceRef, targetRef)
	return id, r.persistLocked()
}

// Resubmit re-queues a conflict-blocked item after external resolution. The
// item returns to pending_merge with the (possibly rewritten) branch ref.
func (r *Refinery) Resubmit(itemID, sourceRef, targetRef string) (string, error) {
	item, err := r.store.GetItem(itemID)
	if err != nil {
		return "", err
	}
	if item.Status != model.StatusBlockedConflict {
		return "", fmt.Errorf("%w: %s is %s", ErrNotBlocked, itemID, item.Status)
	}

	if err := r.store.Transition(itemID, model.StatusPendingMerge, func(it *model.WorkItem) {
		ref := sourceRef
		it.BranchRef = &ref
	}); err != nil {
		return "", err
	}
	return r.Submit(itemID, sourceRef, targetRef)
}

// Depth returns the number of pending entries for a target.
func (r *Refinery) Depth(target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.TargetRef == target && e.Outcome == model.MergeOutcomePending {
			n++
		}
	}
	return n
}

// Depths returns pending depth per target for every target with history.
func (r *Refinery) Depths() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int)
	for _, e := range r.entries {
		if _, ok := out[e.TargetRef]; !ok {
			out[e.TargetRef] = 0
		}
		if e.Outcome == model.MergeOutcomePending {
			out[e.TargetRef]++
		}
	}
	return out
}

// ProcessNext attempts the head entry for target. Returns true when an entry
// was resolved (merged or conflicted). Returns false without error when the
// queue is empty or a merge is already in flight for the target. A merger
// infrastructure failure leaves the entry at the head for retry.
func (r *Refinery) ProcessNext(ctx context.Context, target string) (bool, error) {
	r.mu.Lock()
	if r.inFlight[target] {
		r.mu.Unlock()
		return false, nil
	}
	entry := r.headLocked(target)
	if entry == nil {
		r.mu.Unlock()
		return false, nil
	}
	r.inFlight[target] = true
	source, itemID, entryID := entry.SourceRef, entry.ItemID, entry.ID
	r.mu.Unlock()

	mergeCtx, cancel := context.WithTimeout(ctx, r.mergeTimeout)
	result := r.merger.Merge(mergeCtx, source, target)
	cancel()

	r.mu.Lock()
	defer func() {
		delete(r.inFlight, target)
		r.mu.Unlock()
	}()

	if result.Err != nil {
		// Infrastructure failure, not a conflict: keep the entry pending.
		r.log(LogLevelError, "merge_error entry=%s item=%s error=%v", entryID, itemID, result.Err)
		return false, fmt.Errorf("merge %s into %s: %w", source, target, result.Err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	entry.ResolvedAt = &now

	if result.Merged {
		entry.Outcome = model.MergeOutcomeMerged
		// The done transition and its readiness cascade happen inside the
		// store's single mutation lock; dependents are ready-visible before
		// any later tick.
		if err := r.store.Transition(itemID, model.StatusDone, func(it *model.WorkItem) {
			it.Assignee = nil
		}); err != nil {
			r.log(LogLevelError, "mark_done item=%s error=%v", itemID, err)
		}
		r.log(LogLevelInfo, "merged entry=%s item=%s target=%s", entryID, itemID, target)
		if r.bus != nil {
			r.bus.Publish(events.EventItemDone, map[string]interface{}{
				"item_id":  itemID,
				"entry_id": entryID,
				"target":   target,
			})
		}
		if err := r.persistLocked(); err != nil {
			return true, err
		}
		if r.onMerged != nil {
			// Release the lock around the callback; it may call back into
			// the dispatcher.
			r.mu.Unlock()
			r.onMerged(itemID)
			r.mu.Lock()
		}
		return true, nil
	}

	entry.Outcome = model.MergeOutcomeConflict
	if result.ConflictDetail != "" {
		detail := result.ConflictDetail
		entry.ConflictDetail = &detail
	}
	if err := r.store.Transition(itemID, model.StatusBlockedConflict, nil); err != nil {
		r.log(LogLevelError, "mark_conflict item=%s error=%v", itemID, err)
	}
	r.log(LogLevelWarn, "conflict entry=%s item=%s target=%s detail=%s",
		entryID, itemID, target, result.ConflictDetail)
	if r.bus != nil {
		r.bus.Publish(events.EventMergeConflict, map[string]interface{}{
			"item_id":  itemID,
			"entry_id": entryID,
			"target":   target,
			"detail":   result.ConflictDetail,
		})
	}
	return true, r.persistLocked()
}

// ProcessAll drains every target's queue. Targets run concurrently, entries
// within one target strictly in order.
func (r *Refinery) ProcessAll(ctx context.Context) error {
	r.mu.Lock()
	targets := make(map[string]bool)
	for _, e := range r.entries {
		if e.Outcome == model.MergeOutcomePending {
			targets[e.TargetRef] = true
		}
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for target := range targets {
		target := target
		g.Go(func() error {
			for {
				processed, err := r.ProcessNext(gctx, target)
				if err != nil {
					return err
				}
				if !processed {
					return nil
				}
			}
		})
	}
	return g.Wait()
}

// headLocked returns the oldest pending entry for target.
func (r *Refinery) headLocked(target string) *model.RefineryEntry {
	for _, e := range r.entries {
		if e.TargetRef == target && e.Outcome == model.MergeOutcomePending {
			return e
		}
	}
	return nil
}

func (r *Refinery) pendingCountLocked() int {
	n := 0
	for _, e := range r.entries {
		if e.Outcome == model.MergeOutcomePending {
			n++
		}
	}
	return n
}

func (r *Refinery) persistLocked() error {
	if r.stateDir == "" {
		return nil
	}

	table := model.RefineryTable{
		SchemaVersion: 1,
		FileType:      "state_refinery",
		Entries:       make([]model.RefineryEntry, 0, len(r.entries)),
	}
	for _, e := range r.entries {
		table.Entries = append(table.Entries, *e)
	}
	if err := yamlutil.AtomicWrite(filepath.Join(r.stateDir, refineryFile), table); err != nil {
		return fmt.Errorf("persist refinery: %w", err)
	}
	return nil
}

func (r *Refinery) log(level LogLevel, format string, args ...any) {
	if r.logger == nil || level < r.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case graph.LogLevelDebug:
		levelStr = "DEBUG"
	case graph.LogLevelWarn:
		levelStr = "WARN"
	case graph.LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	r.logger.Printf("%s %s refinery: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
