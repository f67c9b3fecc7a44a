// Package daemon hosts the long-running coordinator: the worker pool, the
// dispatcher that assigns ready items to idle slots, the witness that
// reclaims stalled workers, intake ingestion, and the control socket.
package daemon

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/stoneworks/foreman/internal/graph"
	"github.com/stoneworks/foreman/internal/model"
	yamlutil "github.com/stoneworks/foreman/internal/yaml"
)

const workersFile = "workers.yaml"

// ErrUnknownWorker is returned for heartbeats or reports from a worker id
// that is not an assigned slot.
var ErrUnknownWorker = errors.New("unknown or idle worker")

type LogLevel = graph.LogLevel

const (
	LogLevelDebug = graph.LogLevelDebug
	LogLevelInfo  = graph.LogLevelInfo
	LogLevelWarn  = graph.LogLevelWarn
	LogLevelError = graph.LogLevelError
)

// Pool is the fixed table of worker slots. Slot ids are stable (wk_0 ..
// wk_{n-1}); a slot is respawned in place rather than replaced, so the pool
// size is the global concurrency cap.
type Pool struct {
	mu sync.Mutex

	stateDir string
	workers  map[string]*model.Worker
	order    []string

	logger   *log.Logger
	logLevel LogLevel
}

func NewPool(stateDir string, count int, workspaceRoot string, logger *log.Logger, logLevel LogLevel) *Pool {
	if count <= 0 {
		count = 2
	}
	p := &Pool{
		stateDir: stateDir,
		workers:  make(map[string]*model.Worker),
		logger:   logger,
		logLevel: logLevel,
	}
	now := nowRFC3339()
	for i := 0; i < count; i++ {
		id := model.WorkerID(i)
		p.workers[id] = &model.Worker{
			ID:        id,
			Workspace: filepath.Join(workspaceRoot, id),
			UpdatedAt: now,
		}
		p.order = append(p.order, id)
	}
	return p
}

// Load overlays persisted slot state onto the configured slots. Persisted
// slots beyond the configured count are dropped. Assignments survive a daemon
// restart but their heartbeat stamps do not: every pre-restart heartbeat is
// stale by definition, so loaded assignments are reclaimed on the first scan
// rather than after another full threshold elapses.
func (p *Pool) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stateDir == "" {
		return nil
	}

	var table model.WorkerTable
	if err := loadYAML(filepath.Join(p.stateDir, workersFile), &table); err != nil {
		return err
	}
	for i := range table.Workers {
		persisted := table.Workers[i]
		if slot, ok := p.workers[persisted.ID]; ok {
			slot.ItemID = persisted.ItemID
			slot.LastHeartbeat = ""
			slot.UpdatedAt = persisted.UpdatedAt
		}
	}
	p.log(LogLevelInfo, "loaded slots=%d assigned=%d", len(p.workers), p.assignedCountLocked())
	return nil
}

// Idle returns the idle slot ids in stable order.
func (p *Pool) Idle() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
	for _, id := range p.order {
		if p.workers[id].ItemID == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Assigned returns copies of every slot that holds an item.
func (p *Pool) Assigned() []model.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []model.Worker
	for _, id := range p.order {
		if p.workers[id].ItemID != nil {
			out = append(out, copyWorker(p.workers[id]))
		}
	}
	return out
}

// Workers returns copies of all slots in stable order.
func (p *Pool) Workers() []model.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.Worker, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, copyWorker(p.workers[id]))
	}
	return out
}

// Get returns a copy of one slot.
func (p *Pool) Get(workerID string) (model.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.workers[workerID]
	if !ok {
		return model.Worker{}, fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	return copyWorker(slot), nil
}

// Assign binds an item to an idle slot and stamps a fresh heartbeat so the
// witness grace period starts at assignment, not at first worker report.
func (p *Pool) Assign(workerID, itemID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if slot.ItemID != nil {
		return fmt.Errorf("slot %s already holds %s", workerID, *slot.ItemID)
	}

	id := itemID
	now := nowRFC3339()
	slot.ItemID = &id
	slot.LastHeartbeat = now
	slot.UpdatedAt = now

	p.log(LogLevelInfo, "assign worker=%s item=%s", workerID, itemID)
	return p.persistLocked()
}

// Release frees a slot. Releasing an idle or unknown slot is a no-op, which
// keeps reclaim paths idempotent.
func (p *Pool) Release(workerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.workers[workerID]
	if !ok || slot.ItemID == nil {
		return nil
	}

	p.log(LogLevelInfo, "release worker=%s item=%s", workerID, *slot.ItemID)
	slot.ItemID = nil
	slot.LastHeartbeat = ""
	slot.UpdatedAt = nowRFC3339()
	return p.persistLocked()
}

// ReleaseIf frees a slot only while it still holds the given item. Reclaim
// paths work from a snapshot of the pool; by the time they act the slot may
// have been freed and reassigned, and releasing it then would drop a live
// assignment. Reports whether the slot was freed.
func (p *Pool) ReleaseIf(workerID, itemID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.workers[workerID]
	if !ok || slot.ItemID == nil || *slot.ItemID != itemID {
		return false, nil
	}

	p.log(LogLevelInfo, "release worker=%s item=%s", workerID, itemID)
	slot.ItemID = nil
	slot.LastHeartbeat = ""
	slot.UpdatedAt = nowRFC3339()
	return true, p.persistLocked()
}

// Heartbeat refreshes a slot's liveness stamp. Idle slots reject heartbeats;
// a worker whose item was reclaimed learns of it this way.
func (p *Pool) Heartbeat(workerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.workers[workerID]
	if !ok || slot.ItemID == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}

	now := nowRFC3339()
	slot.LastHeartbeat = now
	slot.UpdatedAt = now
	p.log(LogLevelDebug, "heartbeat worker=%s item=%s", workerID, *slot.ItemID)
	return p.persistLocked()
}

// Stale returns copies of assigned slots whose heartbeat age exceeds the
// threshold at the given instant. Unparseable stamps count as stale.
func (p *Pool) Stale(threshold time.Duration, now time.Time) []model.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []model.Worker
	for _, id := range p.order {
		slot := p.workers[id]
		if slot.ItemID == nil {
			continue
		}
		beat, err := time.Parse(time.RFC3339, slot.LastHeartbeat)
		if err != nil || now.Sub(beat) > threshold {
			out = append(out, copyWorker(slot))
		}
	}
	return out
}

func (p *Pool) assignedCountLocked() int {
	n := 0
	for _, w := range p.workers {
		if w.ItemID != nil {
			n++
		}
	}
	return n
}

func (p *Pool) persistLocked() error {
	if p.stateDir == "" {
		return nil
	}

	table := model.WorkerTable{
		SchemaVersion: 1,
		FileType:      "state_workers",
		Workers:       make([]model.Worker, 0, len(p.order)),
	}
	for _, id := range p.order {
		table.Workers = append(table.Workers, *p.workers[id])
	}
	if err := yamlutil.AtomicWrite(filepath.Join(p.stateDir, workersFile), table); err != nil {
		return fmt.Errorf("persist workers: %w", err)
	}
	return nil
}

func (p *Pool) log(level LogLevel, format string, args ...any) {
	logWith(p.logger, p.logLevel, level, "pool", format, args...)
}

func copyWorker(w *model.Worker) model.Worker {
	out := *w
	if w.ItemID != nil {
		id := *w.ItemID
		out.ItemID = &id
	}
	return out
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
