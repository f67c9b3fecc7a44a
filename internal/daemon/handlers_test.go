package daemon

import (
	"encoding/json"
	"io"
	"log"
	"testing"

	"github.com/stoneworks/foreman/internal/graph"
	"github.com/stoneworks/foreman/internal/model"
	"github.com/stoneworks/foreman/internal/uds"
)

// newHandlerDaemon wires just enough of a Daemon to invoke handlers directly.
func newHandlerDaemon(t *testing.T) *Daemon {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	return &Daemon{
		store:    graph.New("", logger, graph.LogLevelError),
		logger:   logger,
		logLevel: LogLevelError,
		scanCh:   make(chan struct{}, 1),
	}
}

func addItemRequest(t *testing.T, params any) *uds.Request {
	t.Helper()
	req, err := uds.NewRequest("add_item", params)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestHandleAddItemKeepsExplicitPriorityZero(t *testing.T) {
	d := newHandlerDaemon(t)

	resp := d.handleAddItem(addItemRequest(t, map[string]any{
		"title":    "hotfix",
		"priority": 0,
	}))
	if !resp.Success {
		t.Fatalf("add_item failed: %+v", resp.Error)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Data, &created); err != nil {
		t.Fatal(err)
	}

	item, err := d.store.GetItem(created.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if item.Priority != 0 {
		t.Errorf("Priority = %d, want explicit 0", item.Priority)
	}
}

func TestHandleAddItemDefaultsOmittedPriority(t *testing.T) {
	d := newHandlerDaemon(t)

	resp := d.handleAddItem(addItemRequest(t, map[string]any{"title": "routine"}))
	if !resp.Success {
		t.Fatalf("add_item failed: %+v", resp.Error)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Data, &created); err != nil {
		t.Fatal(err)
	}

	item, err := d.store.GetItem(created.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if item.Priority != defaultPriority {
		t.Errorf("Priority = %d, want default %d", item.Priority, defaultPriority)
	}
	if item.Status != model.StatusOpen {
		t.Errorf("Status = %s, want open", item.Status)
	}
}
