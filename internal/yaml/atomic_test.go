package yaml

import (
	"os"
	"path/filepath"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

type testDoc struct {
	Name  string   `yaml:"name"`
	Items []string `yaml:"items"`
}

func TestAtomicWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.yaml")

	doc := testDoc{Name: "alpha", Items: []string{"a", "b"}}
	if err := AtomicWrite(path, doc); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var got testDoc
	if err := yamlv3.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Name != "alpha" || len(got.Items) != 2 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestAtomicWriteCreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.yaml")

	if err := AtomicWrite(path, testDoc{Name: "v1"}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := AtomicWrite(path, testDoc{Name: "v2"}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	var got testDoc
	if err := yamlv3.Unmarshal(bak, &got); err != nil {
		t.Fatalf("unmarshal backup: %v", err)
	}
	if got.Name != "v1" {
		t.Errorf("backup holds %q, want v1", got.Name)
	}
}

func TestAtomicWriteNoTempLeftover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.yaml")
	if err := AtomicWrite(path, testDoc{Name: "x"}); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "doc.yaml" {
			t.Errorf("unexpected leftover file: %s", e.Name())
		}
	}
}

func TestQuarantine(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "intake.yaml")
	if err := os.WriteFile(bad, []byte("{not yaml"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := Quarantine(dir, bad); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	if _, err := os.Stat(bad); !os.IsNotExist(err) {
		t.Error("original file still present after quarantine")
	}
	entries, err := os.ReadDir(filepath.Join(dir, "quarantine"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("quarantine dir: entries=%v err=%v", entries, err)
	}
}

func TestRestoreFromBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.yaml")

	if err := AtomicWrite(path, testDoc{Name: "good"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := AtomicWrite(path, testDoc{Name: "newer"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Simulate corruption of the live file.
	if err := os.WriteFile(path, []byte(":::"), 0644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	if err := RestoreFromBackup(path); err != nil {
		t.Fatalf("RestoreFromBackup: %v", err)
	}
	data, _ := os.ReadFile(path)
	var got testDoc
	if err := yamlv3.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal restored: %v", err)
	}
	if got.Name != "good" {
		t.Errorf("restored %q, want good", got.Name)
	}
}

func TestRestoreFromBackupMissing(t *testing.T) {
	dir := t.TempDir()
	if err := RestoreFromBackup(filepath.Join(dir, "none.yaml")); err == nil {
		t.Error("expected error when no backup exists")
	}
}
