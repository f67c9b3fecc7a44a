package graph

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/stoneworks/foreman/internal/model"
	yamlutil "github.com/stoneworks/foreman/internal/yaml"
)

const (
	itemsFile   = "items.yaml"
	convoysFile = "convoys.yaml"

	schemaVersion = 1
)

// Load hydrates the store from stateDir. Missing files mean a fresh project
// and load as empty tables. Any invariant violation in an existing file is
// ErrStoreCorrupt: operating on an inconsistent graph is worse than refusing
// to start.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stateDir == "" {
		return nil
	}

	var itemTable model.ItemTable
	if err := loadTable(filepath.Join(s.stateDir, itemsFile), &itemTable); err != nil {
		return err
	}
	var convoyTable model.ConvoyTable
	if err := loadTable(filepath.Join(s.stateDir, convoysFile), &convoyTable); err != nil {
		return err
	}

	items := make(map[string]*model.WorkItem, len(itemTable.Items))
	itemOrder := make([]string, 0, len(itemTable.Items))
	for i := range itemTable.Items {
		item := itemTable.Items[i]
		if item.ID == "" || items[item.ID] != nil {
			return fmt.Errorf("%w: missing or duplicate item id %q", ErrStoreCorrupt, item.ID)
		}
		if !model.ValidStatus(item.Status) {
			return fmt.Errorf("%w: item %s has unknown status %q", ErrStoreCorrupt, item.ID, item.Status)
		}
		items[item.ID] = &item
		itemOrder = append(itemOrder, item.ID)
	}

	convoys := make(map[string]*model.Convoy, len(convoyTable.Convoys))
	convoyOrder := make([]string, 0, len(convoyTable.Convoys))
	for i := range convoyTable.Convoys {
		cv := convoyTable.Convoys[i]
		if cv.ID == "" || convoys[cv.ID] != nil {
			return fmt.Errorf("%w: missing or duplicate convoy id %q", ErrStoreCorrupt, cv.ID)
		}
		convoys[cv.ID] = &cv
		convoyOrder = append(convoyOrder, cv.ID)
	}

	if err := validateGraph(items, convoys); err != nil {
		return err
	}

	s.items = items
	s.itemOrder = itemOrder
	s.convoys = convoys
	s.convoyOrder = convoyOrder

	s.log(LogLevelInfo, "loaded items=%d convoys=%d", len(items), len(convoys))
	return nil
}

func loadTable(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yamlv3.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrStoreCorrupt, path, err)
	}
	return nil
}

// validateGraph checks referential integrity and acyclicity over the loaded
// tables.
func validateGraph(items map[string]*model.WorkItem, convoys map[string]*model.Convoy) error {
	for id, item := range items {
		for _, dep := range item.Needs {
			if _, ok := items[dep]; !ok {
				return fmt.Errorf("%w: item %s needs unknown item %s", ErrStoreCorrupt, id, dep)
			}
		}
		if item.ConvoyID != nil {
			if _, ok := convoys[*item.ConvoyID]; !ok {
				return fmt.Errorf("%w: item %s references unknown convoy %s", ErrStoreCorrupt, id, *item.ConvoyID)
			}
		}
	}

	for id, cv := range convoys {
		for _, memberID := range cv.Members {
			if _, ok := items[memberID]; !ok {
				return fmt.Errorf("%w: convoy %s lists unknown member %s", ErrStoreCorrupt, id, memberID)
			}
		}
		for _, dep := range cv.DependsOn {
			if _, ok := convoys[dep]; !ok {
				return fmt.Errorf("%w: convoy %s depends on unknown convoy %s", ErrStoreCorrupt, id, dep)
			}
		}
	}

	if cycleID := findCycle(len(items), func(visit func(string, []string)) {
		for id, item := range items {
			visit(id, item.Needs)
		}
	}); cycleID != "" {
		return fmt.Errorf("%w: dependency cycle through item %s", ErrStoreCorrupt, cycleID)
	}
	if cycleID := findCycle(len(convoys), func(visit func(string, []string)) {
		for id, cv := range convoys {
			visit(id, cv.DependsOn)
		}
	}); cycleID != "" {
		return fmt.Errorf("%w: convoy dependency cycle through %s", ErrStoreCorrupt, cycleID)
	}

	return nil
}

// findCycle runs a coloring DFS over an id graph described by enumerate and
// returns an id on a cycle, or "".
func findCycle(size int, enumerate func(visit func(id string, deps []string))) string {
	adj := make(map[string][]string, size)
	enumerate(func(id string, deps []string) {
		adj[id] = deps
	})

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, size)

	var dfs func(id string) string
	dfs = func(id string) string {
		color[id] = gray
		for _, dep := range adj[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := dfs(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for id := range adj {
		if color[id] == white {
			if hit := dfs(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// persistLocked snapshots both tables atomically. Caller holds the write
// lock; a store without a state dir (tests) skips persistence.
func (s *Store) persistLocked() error {
	if s.stateDir == "" {
		return nil
	}

	itemTable := model.ItemTable{
		SchemaVersion: schemaVersion,
		FileType:      "state_items",
		Items:         make([]model.WorkItem, 0, len(s.itemOrder)),
	}
	for _, id := range s.itemOrder {
		itemTable.Items = append(itemTable.Items, copyItem(s.items[id]))
	}

	convoyTable := model.ConvoyTable{
		SchemaVersion: schemaVersion,
		FileType:      "state_convoys",
		Convoys:       make([]model.Convoy, 0, len(s.convoyOrder)),
	}
	for _, id := range s.convoyOrder {
		convoyTable.Convoys = append(convoyTable.Convoys, copyConvoy(s.convoys[id]))
	}

	if err := yamlutil.AtomicWrite(filepath.Join(s.stateDir, itemsFile), itemTable); err != nil {
		return fmt.Errorf("persist items: %w", err)
	}
	if err := yamlutil.AtomicWrite(filepath.Join(s.stateDir, convoysFile), convoyTable); err != nil {
		return fmt.Errorf("persist convoys: %w", err)
	}
	return nil
}
