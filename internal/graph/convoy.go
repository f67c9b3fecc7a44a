package graph

import (
	"fmt"

	"github.com/stoneworks/foreman/internal/model"
)

// CreateConvoy creates a named convoy over existing items. Members may be
// empty; items join later via AddMember or AddItem with a convoy id.
func (s *Store) CreateConvoy(name string, memberIDs []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range memberIDs {
		item, ok := s.items[id]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		if item.ConvoyID != nil {
			return "", fmt.Errorf("item %s already belongs to convoy %s", id, *item.ConvoyID)
		}
	}

	id, err := model.GenerateID(model.IDTypeConvoy)
	if err != nil {
		return "", fmt.Errorf("generate convoy id: %w", err)
	}

	now := nowRFC3339()
	cv := &model.Convoy{
		ID:        id,
		Name:      name,
		Members:   append([]string(nil), memberIDs...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.convoys[id] = cv
	s.convoyOrder = append(s.convoyOrder, id)

	for _, memberID := range memberIDs {
		convoyID := id
		s.items[memberID].ConvoyID = &convoyID
		s.items[memberID].UpdatedAt = now
	}

	s.log(LogLevelInfo, "create_convoy id=%s name=%s members=%d", id, name, len(memberIDs))
	return id, s.persistLocked()
}

// AddMember adds an existing item to a convoy.
func (s *Store) AddMember(convoyID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cv, ok := s.convoys[convoyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConvoy, convoyID)
	}
	item, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if item.ConvoyID != nil {
		if *item.ConvoyID == convoyID {
			return nil
		}
		return fmt.Errorf("item %s already belongs to convoy %s", itemID, *item.ConvoyID)
	}

	now := nowRFC3339()
	cv.Members = append(cv.Members, itemID)
	cv.UpdatedAt = now
	ref := convoyID
	item.ConvoyID = &ref
	item.UpdatedAt = now

	s.log(LogLevelInfo, "add_member convoy=%s item=%s", convoyID, itemID)
	return s.persistLocked()
}

// GetConvoy returns a copy of the convoy record.
func (s *Store) GetConvoy(id string) (model.Convoy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cv, ok := s.convoys[id]
	if !ok {
		return model.Convoy{}, fmt.Errorf("%w: %s", ErrUnknownConvoy, id)
	}
	return copyConvoy(cv), nil
}

// Convoys returns copies of all convoys in creation order.
func (s *Store) Convoys() []model.Convoy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Convoy, 0, len(s.convoyOrder))
	for _, id := range s.convoyOrder {
		out = append(out, copyConvoy(s.convoys[id]))
	}
	return out
}

// ConvoyStatus derives the aggregate status: done iff every member is done,
// blocked if any member sits in blocked_conflict, otherwise in flight.
// An empty convoy is trivially done.
func (s *Store) ConvoyStatus(id string) (model.ConvoyStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cv, ok := s.convoys[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConvoy, id)
	}
	return s.convoyStatusLocked(cv), nil
}

func (s *Store) convoyStatusLocked(cv *model.Convoy) model.ConvoyStatus {
	allDone := true
	for _, memberID := range cv.Members {
		member, ok := s.items[memberID]
		if !ok {
			continue
		}
		if member.Status == model.StatusBlockedConflict {
			return model.ConvoyStatusBlocked
		}
		if member.Status != model.StatusDone {
			allDone = false
		}
	}
	if allDone {
		return model.ConvoyStatusDone
	}
	return model.ConvoyStatusInFlight
}

// ConvoyDependsOn chains convoy a after convoy b: no member of a is ready
// until every member of b is done. This is a barrier checked at readiness
// time, not an expansion into member-level edges, so chaining two convoys
// costs one edge instead of |a|×|b|.
func (s *Store) ConvoyDependsOn(a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cvA, ok := s.convoys[a]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConvoy, a)
	}
	if _, ok := s.convoys[b]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConvoy, b)
	}
	if a == b {
		return fmt.Errorf("%w: convoy %s depends on itself", ErrCycleDetected, a)
	}

	for _, existing := range cvA.DependsOn {
		if existing == b {
			return nil
		}
	}

	if s.convoyReachableLocked(b, a) {
		return fmt.Errorf("%w: convoy %s is reachable from %s", ErrCycleDetected, a, b)
	}

	cvA.DependsOn = append(cvA.DependsOn, b)
	cvA.UpdatedAt = nowRFC3339()
	s.log(LogLevelInfo, "convoy_depends_on dependent=%s dependency=%s", a, b)
	return s.persistLocked()
}

func (s *Store) convoyReachableLocked(start, goal string) bool {
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

		if cv, ok := s.convoys[current]; ok {
			stack = append(stack, cv.DependsOn...)
		}
	}
	return false
}

func copyConvoy(cv *model.Convoy) model.Convoy {
	out := *cv
	out.Members = append([]string(nil), cv.Members...)
	out.DependsOn = append([]string(nil), cv.DependsOn...)
	return out
}
