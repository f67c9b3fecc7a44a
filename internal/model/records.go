package model

// Records carry both yaml and json tags: yaml for the durable state files,
// json for the UDS status surface.

// ItemTable is the durable form of the work item table plus its dependency
// edges (state/items.yaml). Edges are stored per-item as adjacency lists of
// ids rather than embedded references so that cycle detection stays a plain
// reachability walk.
type ItemTable struct {
	SchemaVersion int        `yaml:"schema_version" json:"schema_version"`
	FileType      string     `yaml:"file_type" json:"file_type"`
	Items         []WorkItem `yaml:"items" json:"items"`
}

type WorkItem struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"title" json:"title"`
	// Payload is opaque authoring-collaborator text; the coordinator never
	// parses it.
	Payload  string `yaml:"payload,omitempty" json:"payload,omitempty"`
	Priority int    `yaml:"priority" json:"priority"`
	Status   Status `yaml:"status" json:"status"`
	// Needs lists the ids this item depends on (must all be done before
	// the item is ready).
	Needs    []string `yaml:"needs,omitempty" json:"needs,omitempty"`
	ConvoyID *string  `yaml:"convoy_id,omitempty" json:"convoy_id,omitempty"`
	Assignee *string  `yaml:"assignee,omitempty" json:"assignee,omitempty"`
	// BranchRef is set once work begins and carries the submitted branch
	// through the refinery.
	BranchRef    *string `yaml:"branch_ref,omitempty" json:"branch_ref,omitempty"`
	FailReason   *string `yaml:"fail_reason,omitempty" json:"fail_reason,omitempty"`
	CancelReason *string `yaml:"cancel_reason,omitempty" json:"cancel_reason,omitempty"`
	Attempts     int     `yaml:"attempts" json:"attempts"`
	CreatedAt    string  `yaml:"created_at" json:"created_at"`
	UpdatedAt    string  `yaml:"updated_at" json:"updated_at"`
}

// ConvoyTable is the durable form of the convoy table (state/convoys.yaml).
type ConvoyTable struct {
	SchemaVersion int      `yaml:"schema_version" json:"schema_version"`
	FileType      string   `yaml:"file_type" json:"file_type"`
	Convoys       []Convoy `yaml:"convoys" json:"convoys"`
}

type Convoy struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Members []string `yaml:"members" json:"members"`
	// DependsOn lists prerequisite convoy ids. A convoy-level dependency acts
	// as a readiness barrier on every member, not as expanded item edges.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	CreatedAt string   `yaml:"created_at" json:"created_at"`
	UpdatedAt string   `yaml:"updated_at" json:"updated_at"`
}

// WorkerTable is the durable form of the worker slot table
// (state/workers.yaml).
type WorkerTable struct {
	SchemaVersion int      `yaml:"schema_version" json:"schema_version"`
	FileType      string   `yaml:"file_type" json:"file_type"`
	Workers       []Worker `yaml:"workers" json:"workers"`
}

type Worker struct {
	ID        string  `yaml:"id" json:"id"`
	ItemID    *string `yaml:"item_id,omitempty" json:"item_id,omitempty"`
	Workspace string  `yaml:"workspace" json:"workspace"`
	// LastHeartbeat is RFC3339; empty while the slot is idle.
	LastHeartbeat string `yaml:"last_heartbeat,omitempty" json:"last_heartbeat,omitempty"`
	UpdatedAt     string `yaml:"updated_at" json:"updated_at"`
}

// RefineryTable is the durable form of the integration queue
// (state/refinery.yaml). Entries are keyed by (target, submission order).
type RefineryTable struct {
	SchemaVersion int             `yaml:"schema_version" json:"schema_version"`
	FileType      string          `yaml:"file_type" json:"file_type"`
	Entries       []RefineryEntry `yaml:"entries" json:"entries"`
}

type RefineryEntry struct {
	ID        string       `yaml:"id" json:"id"`
	ItemID    string       `yaml:"item_id" json:"item_id"`
	SourceRef string       `yaml:"source_ref" json:"source_ref"`
	TargetRef string       `yaml:"target_ref" json:"target_ref"`
	Outcome   MergeOutcome `yaml:"outcome" json:"outcome"`
	// ConflictDetail is the opaque descriptor produced by the merge
	// collaborator on conflict.
	ConflictDetail *string `yaml:"conflict_detail,omitempty" json:"conflict_detail,omitempty"`
	SubmittedAt    string  `yaml:"submitted_at" json:"submitted_at"`
	ResolvedAt     *string `yaml:"resolved_at,omitempty" json:"resolved_at,omitempty"`
}

// Metrics is the cumulative counter file (state/metrics.yaml).
type Metrics struct {
	SchemaVersion    int            `yaml:"schema_version" json:"schema_version"`
	FileType         string         `yaml:"file_type" json:"file_type"`
	ItemsDispatched  int            `yaml:"items_dispatched" json:"items_dispatched"`
	ItemsMerged      int            `yaml:"items_merged" json:"items_merged"`
	ItemsCancelled   int            `yaml:"items_cancelled" json:"items_cancelled"`
	MergeConflicts   int            `yaml:"merge_conflicts" json:"merge_conflicts"`
	WorkersReclaimed int            `yaml:"workers_reclaimed" json:"workers_reclaimed"`
	QueueDepth       map[string]int `yaml:"queue_depth,omitempty" json:"queue_depth,omitempty"`
	LastScanAt       string         `yaml:"last_scan_at,omitempty" json:"last_scan_at,omitempty"`
	LastScanMs       int64          `yaml:"last_scan_ms" json:"last_scan_ms"`
}
