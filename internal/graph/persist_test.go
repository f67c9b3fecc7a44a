package graph

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stoneworks/foreman/internal/model"
	yamlutil "github.com/stoneworks/foreman/internal/yaml"
)

func newPersistentStore(t *testing.T, dir string) *Store {
	t.Helper()
	s := New(dir, log.New(&bytes.Buffer{}, "", 0), LogLevelDebug)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func TestPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s := newPersistentStore(t, dir)
	a, err := s.AddItem("a", "payload text", 1, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.AddItem("b", "", 2, []string{a}, "")
	if err != nil {
		t.Fatal(err)
	}
	cv, err := s.CreateConvoy("phase-1", []string{a})
	if err != nil {
		t.Fatal(err)
	}

	// Fresh store over the same directory sees everything.
	s2 := newPersistentStore(t, dir)

	itemA, err := s2.GetItem(a)
	if err != nil {
		t.Fatalf("GetItem after reload: %v", err)
	}
	if itemA.Payload != "payload text" || itemA.ConvoyID == nil || *itemA.ConvoyID != cv {
		t.Errorf("item a = %+v", itemA)
	}
	itemB, _ := s2.GetItem(b)
	if len(itemB.Needs) != 1 || itemB.Needs[0] != a {
		t.Errorf("item b needs = %v", itemB.Needs)
	}
	convoy, err := s2.GetConvoy(cv)
	if err != nil || len(convoy.Members) != 1 {
		t.Errorf("convoy = %+v err=%v", convoy, err)
	}
}

func TestLoadMissingFilesIsFresh(t *testing.T) {
	s := newPersistentStore(t, t.TempDir())
	if len(s.Items()) != 0 || len(s.Convoys()) != 0 {
		t.Error("fresh dir loaded non-empty state")
	}
}

func TestLoadRejectsDanglingDependency(t *testing.T) {
	dir := t.TempDir()
	table := model.ItemTable{
		SchemaVersion: 1,
		FileType:      "state_items",
		Items: []model.WorkItem{{
			ID:     "wi_0000000001_aaaaaaaa",
			Status: model.StatusOpen,
			Needs:  []string{"wi_0000000001_bbbbbbbb"},
		}},
	}
	if err := yamlutil.AtomicWrite(filepath.Join(dir, "items.yaml"), table); err != nil {
		t.Fatal(err)
	}

	s := New(dir, log.New(&bytes.Buffer{}, "", 0), LogLevelDebug)
	if err := s.Load(); !errors.Is(err, ErrStoreCorrupt) {
		t.Errorf("err = %v, want ErrStoreCorrupt", err)
	}
}

func TestLoadRejectsCycle(t *testing.T) {
	dir := t.TempDir()
	table := model.ItemTable{
		SchemaVersion: 1,
		FileType:      "state_items",
		Items: []model.WorkItem{
			{ID: "wi_0000000001_aaaaaaaa", Status: model.StatusOpen, Needs: []string{"wi_0000000001_bbbbbbbb"}},
			{ID: "wi_0000000001_bbbbbbbb", Status: model.StatusOpen, Needs: []string{"wi_0000000001_aaaaaaaa"}},
		},
	}
	if err := yamlutil.AtomicWrite(filepath.Join(dir, "items.yaml"), table); err != nil {
		t.Fatal(err)
	}

	s := New(dir, log.New(&bytes.Buffer{}, "", 0), LogLevelDebug)
	if err := s.Load(); !errors.Is(err, ErrStoreCorrupt) {
		t.Errorf("err = %v, want ErrStoreCorrupt", err)
	}
}

func TestLoadRejectsUnknownStatus(t *testing.T) {
	dir := t.TempDir()
	table := model.ItemTable{
		SchemaVersion: 1,
		FileType:      "state_items",
		Items: []model.WorkItem{
			{ID: "wi_0000000001_aaaaaaaa", Status: model.Status("weird")},
		},
	}
	if err := yamlutil.AtomicWrite(filepath.Join(dir, "items.yaml"), table); err != nil {
		t.Fatal(err)
	}

	s := New(dir, log.New(&bytes.Buffer{}, "", 0), LogLevelDebug)
	if err := s.Load(); !errors.Is(err, ErrStoreCorrupt) {
		t.Errorf("err = %v, want ErrStoreCorrupt", err)
	}
}

func TestLoadRejectsUnparseableFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "items.yaml"), []byte("{::: not yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	s := New(dir, log.New(&bytes.Buffer{}, "", 0), LogLevelDebug)
	if err := s.Load(); !errors.Is(err, ErrStoreCorrupt) {
		t.Errorf("err = %v, want ErrStoreCorrupt", err)
	}
}
