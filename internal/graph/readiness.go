package graph

import (
	"sort"
	"time"

	"github.com/stoneworks/foreman/internal/model"
)

// ComputeReady derives the dispatchable set: open items whose dependencies
// are all done and whose convoy (if any) is neither blocked nor waiting on a
// prerequisite convoy. Pure read over current state; ordering is priority
// ASC, then created_at ASC, then id ASC, so repeated calls over the same
// state return the same sequence.
func (s *Store) ComputeReady() []model.WorkItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type readyEntry struct {
		item      *model.WorkItem
		createdAt time.Time
	}

	var entries []readyEntry
	for _, id := range s.itemOrder {
		item := s.items[id]
		if !s.readyLocked(item) {
			continue
		}
		created, _ := time.Parse(time.RFC3339, item.CreatedAt)
		entries = append(entries, readyEntry{item: item, createdAt: created})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].item.Priority != entries[j].item.Priority {
			return entries[i].item.Priority < entries[j].item.Priority
		}
		if !entries[i].createdAt.Equal(entries[j].createdAt) {
			return entries[i].createdAt.Before(entries[j].createdAt)
		}
		return entries[i].item.ID < entries[j].item.ID
	})

	out := make([]model.WorkItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, copyItem(e.item))
	}
	return out
}

// ReadyIDs is ComputeReady reduced to identifiers, for the query surface.
func (s *Store) ReadyIDs() []string {
	ready := s.ComputeReady()
	ids := make([]string, 0, len(ready))
	for _, item := range ready {
		ids = append(ids, item.ID)
	}
	return ids
}

func (s *Store) readyLocked(item *model.WorkItem) bool {
	if item.Status != model.StatusOpen {
		return false
	}

	for _, dep := range item.Needs {
		depItem, ok := s.items[dep]
		if !ok || depItem.Status != model.StatusDone {
			return false
		}
	}

	if item.ConvoyID != nil {
		cv, ok := s.convoys[*item.ConvoyID]
		if ok {
			if s.convoyStatusLocked(cv) == model.ConvoyStatusBlocked {
				return false
			}
			// Convoy barrier: every member of every prerequisite convoy must
			// be done. Transitive chains need no special handling here; a
			// prerequisite's members face their own barrier before they can
			// ever reach done.
			for _, depConvoyID := range cv.DependsOn {
				depConvoy, ok := s.convoys[depConvoyID]
				if !ok {
					return false
				}
				if s.convoyStatusLocked(depConvoy) != model.ConvoyStatusDone {
					return false
				}
			}
		}
	}

	return true
}
