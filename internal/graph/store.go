// Package graph owns the work item table, the dependency edge set and the
// convoy table. It is the single writer for all of them: every mutation goes
// through the Store mutex, and readers only ever see copies.
package graph

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stoneworks/foreman/internal/model"
)

var (
	ErrItemNotFound      = errors.New("work item not found")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrUnknownConvoy     = errors.New("unknown convoy")
	ErrCycleDetected     = errors.New("dependency would create a cycle")
	// ErrItemNotOpen rejects edge additions to items that already started;
	// retroactive blocking of an in-flight assignment has no sane semantics.
	ErrItemNotOpen    = errors.New("dependent item is not open")
	ErrNotCancellable = errors.New("item cannot be cancelled in its current state")
	// ErrStoreCorrupt means the persisted state failed invariant checks on
	// load. The daemon refuses to start rather than schedule against a
	// broken graph.
	ErrStoreCorrupt = errors.New("persisted state is corrupt")
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Store holds all work items, edges and convoys behind a single mutex.
// Items are addressed by id through an arena map; edges are adjacency lists
// of ids on each item, never object references.
type Store struct {
	mu sync.RWMutex

	// stateDir is the .foreman/state directory; empty means in-memory only
	// (tests).
	stateDir string

	items       map[string]*model.WorkItem
	itemOrder   []string
	convoys     map[string]*model.Convoy
	convoyOrder []string

	logger   *log.Logger
	logLevel LogLevel
}

// New creates an empty store. Call Load to hydrate from stateDir.
func New(stateDir string, logger *log.Logger, logLevel LogLevel) *Store {
	return &Store{
		stateDir: stateDir,
		items:    make(map[string]*model.WorkItem),
		convoys:  make(map[string]*model.Convoy),
		logger:   logger,
		logLevel: logLevel,
	}
}

// AddItem creates a new work item in status open. Every id in needs must
// already exist; a named convoy must exist. No partial mutation on failure.
func (s *Store) AddItem(title, payload string, priority int, needs []string, convoyID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dep := range needs {
		if _, ok := s.items[dep]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}

	var convoyRef *string
	if convoyID != "" {
		if _, ok := s.convoys[convoyID]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownConvoy, convoyID)
		}
		convoyRef = &convoyID
	}

	id, err := model.GenerateID(model.IDTypeItem)
	if err != nil {
		return "", fmt.Errorf("generate item id: %w", err)
	}

	now := nowRFC3339()
	item := &model.WorkItem{
		ID:        id,
		Title:     title,
		Payload:   payload,
		Priority:  priority,
		Status:    model.StatusOpen,
		Needs:     append([]string(nil), needs...),
		ConvoyID:  convoyRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.items[id] = item
	s.itemOrder = append(s.itemOrder, id)

	if convoyRef != nil {
		cv := s.convoys[convoyID]
		cv.Members = append(cv.Members, id)
		cv.UpdatedAt = now
	}

	s.log(LogLevelInfo, "add_item id=%s priority=%d needs=%d convoy=%s",
		id, priority, len(needs), convoyID)
	return id, s.persistLocked()
}

// GetItem returns a copy of the item.
func (s *Store) GetItem(id string) (model.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return model.WorkItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return copyItem(item), nil
}

// Items returns copies of all items in creation order.
func (s *Store) Items() []model.WorkItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.WorkItem, 0, len(s.itemOrder))
	for _, id := range s.itemOrder {
		out = append(out, copyItem(s.items[id]))
	}
	return out
}

// AddDependency makes a depend on b. The edge is rejected when either
// endpoint is missing, when a is no longer open, or when b can already reach
// a through existing edges (which would close a cycle). The graph is
// unchanged on any failure.
func (s *Store) AddDependency(a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	itemA, ok := s.items[a]
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, a)
	}
	if _, ok := s.items[b]; !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, b)
	}
	if itemA.Status != model.StatusOpen {
		return fmt.Errorf("%w: %s is %s", ErrItemNotOpen, a, itemA.Status)
	}
	if a == b {
		return fmt.Errorf("%w: %s depends on itself", ErrCycleDetected, a)
	}

	for _, existing := range itemA.Needs {
		if existing == b {
			return nil // already present
		}
	}

	if s.reachableLocked(b, a) {
		return fmt.Errorf("%w: %s is reachable from %s", ErrCycleDetected, a, b)
	}

	itemA.Needs = append(itemA.Needs, b)
	itemA.UpdatedAt = nowRFC3339()
	s.log(LogLevelInfo, "add_dependency dependent=%s dependency=%s", a, b)
	return s.persistLocked()
}

// RemoveDependency removes the a→b edge. Missing items or a missing edge are
// a no-op; removal can make a previously blocked item ready.
func (s *Store) RemoveDependency(a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[a]
	if !ok {
		return nil
	}
	for i, dep := range item.Needs {
		if dep == b {
			item.Needs = append(item.Needs[:i], item.Needs[i+1:]...)
			item.UpdatedAt = nowRFC3339()
			s.log(LogLevelInfo, "remove_dependency dependent=%s dependency=%s", a, b)
			return s.persistLocked()
		}
	}
	return nil
}

// reachableLocked walks edges from start and reports whether goal is
// reachable. Iterative DFS over adjacency lists; caller holds the lock.
func (s *Store) reachableLocked(start, goal string) bool {
	visited := make(map[string]bool)
	stack := []string{start}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == goal {
			return true
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		if item, ok := s.items[current]; ok {
			stack = append(stack, item.Needs...)
		}
	}
	return false
}

// Transition applies a validated status change plus an optional extra
// mutation under a single lock acquisition, then persists. Dependents of an
// item that turns done become observable to the very next readiness pass;
// there is no window where the status is new but the cascade is not.
func (s *Store) Transition(id string, to model.Status, mutate func(*model.WorkItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if err := model.ValidateItemTransition(item.Status, to); err != nil {
		return err
	}

	from := item.Status
	item.Status = to
	if mutate != nil {
		mutate(item)
	}
	item.UpdatedAt = nowRFC3339()

	s.log(LogLevelInfo, "transition id=%s %s→%s", id, from, to)
	return s.persistLocked()
}

// Cancel cancels an item. Only legal from open, in_progress or
// blocked_conflict; pending_merge would race the in-flight merge attempt.
// Returns the assignee (if any) so the caller can free the worker slot.
func (s *Store) Cancel(id, reason string) (assignee string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if !model.Cancellable(item.Status) {
		return "", fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, item.Status)
	}

	if item.Assignee != nil {
		assignee = *item.Assignee
	}
	item.Status = model.StatusCancelled
	item.Assignee = nil
	if reason != "" {
		item.CancelReason = &reason
	}
	item.UpdatedAt = nowRFC3339()

	s.log(LogLevelInfo, "cancel id=%s assignee=%s reason=%s", id, assignee, reason)
	return assignee, s.persistLocked()
}

func copyItem(item *model.WorkItem) model.WorkItem {
	out := *item
	out.Needs = append([]string(nil), item.Needs...)
	out.ConvoyID = copyStrPtr(item.ConvoyID)
	out.Assignee = copyStrPtr(item.Assignee)
	out.BranchRef = copyStrPtr(item.BranchRef)
	out.FailReason = copyStrPtr(item.FailReason)
	out.CancelReason = copyStrPtr(item.CancelReason)
	return out
}

func copyStrPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (s *Store) log(level LogLevel, format string, args ...any) {
	if s.logger == nil || level < s.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s graph: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
