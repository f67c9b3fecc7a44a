package daemon

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stoneworks/foreman/internal/graph"
	"github.com/stoneworks/foreman/internal/model"
)

func newTestIngestor(t *testing.T) (*Ingestor, *graph.Store, string) {
	t.Helper()
	foremanDir := t.TempDir()
	intakeDir := filepath.Join(foremanDir, "intake")
	if err := os.MkdirAll(intakeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	logger := log.New(io.Discard, "", 0)
	store := graph.New("", logger, graph.LogLevelError)
	return NewIngestor(foremanDir, store, logger, LogLevelError), store, intakeDir
}

func writeIntake(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIngestFileCreatesItemsWithKeyReferences(t *testing.T) {
	ing, store, intakeDir := newTestIngestor(t)

	path := writeIntake(t, intakeDir, "drop.yaml", `
items:
  - key: lexer
    title: Build the lexer
    priority: 1
  - key: parser
    title: Build the parser
    needs: [lexer]
    payload: |
      Grammar lives in docs/grammar.md.
`)
	if err := ing.IngestFile(path); err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	items := store.Items()
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	var lexerID string
	for _, item := range items {
		if item.Title == "Build the lexer" {
			lexerID = item.ID
		}
	}
	for _, item := range items {
		if item.Title == "Build the parser" {
			if len(item.Needs) != 1 || item.Needs[0] != lexerID {
				t.Errorf("parser.Needs = %v, want [%s]", item.Needs, lexerID)
			}
			if item.Priority != 2 {
				t.Errorf("parser.Priority = %d, want default 2", item.Priority)
			}
		}
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("ingested file was not removed")
	}
}

func TestIngestFileKeepsExplicitPriorityZero(t *testing.T) {
	ing, store, intakeDir := newTestIngestor(t)

	path := writeIntake(t, intakeDir, "urgent.yaml", `
items:
  - title: hotfix
    priority: 0
  - title: routine
`)
	if err := ing.IngestFile(path); err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	for _, item := range store.Items() {
		switch item.Title {
		case "hotfix":
			if item.Priority != 0 {
				t.Errorf("hotfix.Priority = %d, want 0", item.Priority)
			}
		case "routine":
			if item.Priority != 2 {
				t.Errorf("routine.Priority = %d, want default 2", item.Priority)
			}
		}
	}

	// Priority 0 outranks everything in the ready ordering.
	ready := store.ComputeReady()
	if len(ready) != 2 || ready[0].Title != "hotfix" {
		t.Errorf("ready = %v, want hotfix first", readyTitles(ready))
	}
}

func TestIngestFileCreatesConvoysWithDependencies(t *testing.T) {
	ing, store, intakeDir := newTestIngestor(t)

	path := writeIntake(t, intakeDir, "phases.yaml", `
convoys:
  - name: phase-1
  - name: phase-2
    depends_on: [phase-1]
items:
  - title: groundwork
    convoy: phase-1
  - title: followup
    convoy: phase-2
`)
	if err := ing.IngestFile(path); err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	convoys := store.Convoys()
	if len(convoys) != 2 {
		t.Fatalf("len(convoys) = %d, want 2", len(convoys))
	}

	// The phase-2 member is barred until phase-1 completes.
	ready := store.ComputeReady()
	if len(ready) != 1 || ready[0].Title != "groundwork" {
		t.Errorf("ready = %v, want only groundwork", readyTitles(ready))
	}
}

func readyTitles(items []model.WorkItem) []string {
	var out []string
	for _, item := range items {
		out = append(out, item.Title)
	}
	return out
}

func TestIngestFileRejectsUnknownReference(t *testing.T) {
	ing, store, intakeDir := newTestIngestor(t)

	path := writeIntake(t, intakeDir, "bad.yaml", `
items:
  - title: orphan
    needs: [no-such-key]
`)
	if err := ing.IngestFile(path); err == nil {
		t.Fatal("IngestFile succeeded, want unknown reference error")
	}
	_ = store
}

func TestIngestDirQuarantinesMalformedFiles(t *testing.T) {
	ing, store, intakeDir := newTestIngestor(t)

	writeIntake(t, intakeDir, "good.yaml", `
items:
  - title: fine
`)
	writeIntake(t, intakeDir, "broken.yaml", "items: [title: {{{")

	ingested := ing.IngestDir(intakeDir)
	if ingested != 1 {
		t.Errorf("ingested = %d, want 1", ingested)
	}
	if len(store.Items()) != 1 {
		t.Errorf("len(items) = %d, want 1", len(store.Items()))
	}

	// The malformed file moved to quarantine and left intake/.
	if _, err := os.Stat(filepath.Join(intakeDir, "broken.yaml")); !os.IsNotExist(err) {
		t.Error("broken.yaml still present in intake dir")
	}
	quarantineDir := filepath.Join(filepath.Dir(intakeDir), "quarantine")
	entries, err := os.ReadDir(quarantineDir)
	if err != nil || len(entries) == 0 {
		t.Errorf("quarantine dir entries = %v, err = %v", entries, err)
	}
}

func TestIngestDirSkipsNonYAML(t *testing.T) {
	ing, store, intakeDir := newTestIngestor(t)
	writeIntake(t, intakeDir, "notes.txt", "not an intake document")

	if ingested := ing.IngestDir(intakeDir); ingested != 0 {
		t.Errorf("ingested = %d, want 0", ingested)
	}
	if len(store.Items()) != 0 {
		t.Errorf("len(items) = %d, want 0", len(store.Items()))
	}
}
