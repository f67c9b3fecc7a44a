package model

import "testing"

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusOpen, false},
		{StatusInProgress, false},
		{StatusPendingMerge, false},
		{StatusBlockedConflict, false},
		{StatusDone, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsTerminal(tt.status); got != tt.terminal {
				t.Errorf("IsTerminal(%q) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestValidateItemTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"assign", StatusOpen, StatusInProgress, false},
		{"cancel_open", StatusOpen, StatusCancelled, false},
		{"complete", StatusInProgress, StatusPendingMerge, false},
		{"reclaim", StatusInProgress, StatusOpen, false},
		{"cancel_in_progress", StatusInProgress, StatusCancelled, false},
		{"merge_success", StatusPendingMerge, StatusDone, false},
		{"merge_conflict", StatusPendingMerge, StatusBlockedConflict, false},
		{"resubmit", StatusBlockedConflict, StatusPendingMerge, false},
		{"cancel_blocked", StatusBlockedConflict, StatusCancelled, false},
		{"cancel_pending_merge", StatusPendingMerge, StatusCancelled, true},
		{"skip_assign", StatusOpen, StatusPendingMerge, true},
		{"skip_merge", StatusOpen, StatusDone, true},
		{"from_done", StatusDone, StatusOpen, true},
		{"from_cancelled", StatusCancelled, StatusInProgress, true},
		{"unknown_from", Status("bogus"), StatusOpen, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateItemTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateItemTransition(%q, %q) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestCancellable(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusOpen, true},
		{StatusInProgress, true},
		{StatusBlockedConflict, true},
		{StatusPendingMerge, false},
		{StatusDone, false},
		{StatusCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := Cancellable(tt.status); got != tt.want {
				t.Errorf("Cancellable(%q) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestValidStatus(t *testing.T) {
	for _, s := range []Status{StatusOpen, StatusInProgress, StatusPendingMerge,
		StatusBlockedConflict, StatusDone, StatusCancelled} {
		if !ValidStatus(s) {
			t.Errorf("ValidStatus(%q) = false, want true", s)
		}
	}
	if ValidStatus(Status("pending")) {
		t.Error("ValidStatus(\"pending\") = true, want false")
	}
}
