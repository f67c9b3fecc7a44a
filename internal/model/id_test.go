package model

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	for _, idType := range []IDType{IDTypeItem, IDTypeConvoy, IDTypeEntry} {
		t.Run(string(idType), func(t *testing.T) {
			id, err := GenerateID(idType)
			if err != nil {
				t.Fatalf("GenerateID: %v", err)
			}
			if !strings.HasPrefix(id, string(idType)+"_") {
				t.Errorf("id %q missing prefix %q", id, idType)
			}
			if !ValidateID(id) {
				t.Errorf("generated id %q fails validation", id)
			}
		})
	}
}

func TestGenerateIDInvalidType(t *testing.T) {
	if _, err := GenerateID(IDType("task")); err == nil {
		t.Error("expected error for invalid ID type")
	}
}

func TestGenerateIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateID(IDTypeItem)
		if err != nil {
			t.Fatalf("GenerateID: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestParseIDType(t *testing.T) {
	id, _ := GenerateID(IDTypeConvoy)
	idType, err := ParseIDType(id)
	if err != nil {
		t.Fatalf("ParseIDType: %v", err)
	}
	if idType != IDTypeConvoy {
		t.Errorf("ParseIDType = %q, want %q", idType, IDTypeConvoy)
	}

	if _, err := ParseIDType("not-an-id"); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestParseIDTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id, _ := GenerateID(IDTypeItem)
	after := time.Now().Add(time.Second)

	ts, err := ParseIDTimestamp(id)
	if err != nil {
		t.Fatalf("ParseIDTimestamp: %v", err)
	}
	if ts.Before(before) || ts.After(after) {
		t.Errorf("timestamp %v outside [%v, %v]", ts, before, after)
	}
}

func TestWorkerID(t *testing.T) {
	if got := WorkerID(0); got != "wk_0" {
		t.Errorf("WorkerID(0) = %q, want wk_0", got)
	}
	if got := WorkerID(3); got != "wk_3" {
		t.Errorf("WorkerID(3) = %q, want wk_3", got)
	}
}
