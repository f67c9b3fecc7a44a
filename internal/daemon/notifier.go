package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/stoneworks/foreman/internal/model"
	yamlutil "github.com/stoneworks/foreman/internal/yaml"
)

// Notifier delivers dispatch decisions to the worker runtime behind one
// slot. Implementations must tolerate the runtime being absent; delivery
// failure returns the item to the queue rather than wedging the slot.
type Notifier interface {
	// Assign hands the item to the worker.
	Assign(item model.WorkItem) error
	// Abandon tells the worker to drop its current item and clean its
	// workspace.
	Abandon(itemID, reason string) error
}

// NotifierFactory builds the per-slot notifier. The daemon uses the file
// notifier; tests substitute a recording fake.
type NotifierFactory interface {
	NewNotifier(workerID, workspace string) (Notifier, error)
}

// FileNotifierFactory writes assignment documents into each slot's
// workspace. Agent runtimes poll their workspace for assignment.yaml and
// remove it when they pick the item up; an abandon.yaml supersedes any
// assignment.
type FileNotifierFactory struct {
	Logger   *log.Logger
	LogLevel LogLevel
}

func (f *FileNotifierFactory) NewNotifier(workerID, workspace string) (Notifier, error) {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", workspace, err)
	}
	return &fileNotifier{
		workerID:  workerID,
		workspace: workspace,
		logger:    f.Logger,
		logLevel:  f.LogLevel,
	}, nil
}

type fileNotifier struct {
	workerID  string
	workspace string
	logger    *log.Logger
	logLevel  LogLevel
}

// assignmentDoc is the handoff format read by the worker runtime.
type assignmentDoc struct {
	WorkerID string `yaml:"worker_id"`
	ItemID   string `yaml:"item_id"`
	Title    string `yaml:"title"`
	Payload  string `yaml:"payload,omitempty"`
	Priority int    `yaml:"priority"`
	Attempt  int    `yaml:"attempt"`
}

type abandonDoc struct {
	WorkerID string `yaml:"worker_id"`
	ItemID   string `yaml:"item_id"`
	Reason   string `yaml:"reason,omitempty"`
}

func (n *fileNotifier) Assign(item model.WorkItem) error {
	doc := assignmentDoc{
		WorkerID: n.workerID,
		ItemID:   item.ID,
		Title:    item.Title,
		Payload:  item.Payload,
		Priority: item.Priority,
		Attempt:  item.Attempts,
	}
	// A fresh assignment supersedes any stale abandon marker.
	os.Remove(filepath.Join(n.workspace, "abandon.yaml"))
	if err := yamlutil.AtomicWrite(filepath.Join(n.workspace, "assignment.yaml"), doc); err != nil {
		return fmt.Errorf("deliver assignment to %s: %w", n.workerID, err)
	}
	logWith(n.logger, n.logLevel, LogLevelInfo, "notifier",
		"deliver worker=%s item=%s", n.workerID, item.ID)
	return nil
}

func (n *fileNotifier) Abandon(itemID, reason string) error {
	os.Remove(filepath.Join(n.workspace, "assignment.yaml"))
	doc := abandonDoc{WorkerID: n.workerID, ItemID: itemID, Reason: reason}
	if err := yamlutil.AtomicWrite(filepath.Join(n.workspace, "abandon.yaml"), doc); err != nil {
		return fmt.Errorf("deliver abandon to %s: %w", n.workerID, err)
	}
	logWith(n.logger, n.logLevel, LogLevelInfo, "notifier",
		"abandon worker=%s item=%s reason=%s", n.workerID, itemID, reason)
	return nil
}
