package daemon

import (
	"encoding/json"
	"errors"

	"github.com/stoneworks/foreman/internal/graph"
	"github.com/stoneworks/foreman/internal/model"
	"github.com/stoneworks/foreman/internal/refinery"
	"github.com/stoneworks/foreman/internal/uds"
)

// defaultPriority applies when a request or intake document omits the field.
// Zero is a valid, highest-urgency priority and must stay expressible.
const defaultPriority = 2

type addItemParams struct {
	Title   string `json:"title"`
	Payload string `json:"payload,omitempty"`
	// Pointer so an explicit priority 0 survives; absent means the default.
	Priority *int     `json:"priority,omitempty"`
	Needs    []string `json:"needs,omitempty"`
	Convoy   string   `json:"convoy,omitempty"`
}

type depParams struct {
	Dependent  string `json:"dependent"`
	Dependency string `json:"dependency"`
}

type convoyParams struct {
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
}

type convoyDepParams struct {
	Convoy    string `json:"convoy"`
	DependsOn string `json:"depends_on"`
}

type convoyMemberParams struct {
	Convoy string `json:"convoy"`
	ItemID string `json:"item_id"`
}

type itemParams struct {
	ID string `json:"id"`
}

type cancelParams struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

type resubmitParams struct {
	ID        string `json:"id"`
	BranchRef string `json:"branch_ref"`
	TargetRef string `json:"target_ref,omitempty"`
}

type workerParams struct {
	WorkerID string `json:"worker_id"`
}

type completeParams struct {
	WorkerID  string `json:"worker_id"`
	BranchRef string `json:"branch_ref"`
	TargetRef string `json:"target_ref,omitempty"`
}

type failureParams struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

type statusReport struct {
	Items   []model.WorkItem `json:"items"`
	Convoys []model.Convoy   `json:"convoys"`
	Workers []model.Worker   `json:"workers"`
	Queue   map[string]int   `json:"queue_depth"`
	Metrics model.Metrics    `json:"metrics"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{
			"status":           "ok",
			"protocol_version": uds.ProtocolVersion,
		})
	})

	d.server.Handle("scan", func(req *uds.Request) *uds.Response {
		d.requestScan()
		return uds.SuccessResponse(map[string]string{"status": "scan_requested"})
	})

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("add_item", d.handleAddItem)
	d.server.Handle("add_dep", d.handleAddDep)
	d.server.Handle("remove_dep", d.handleRemoveDep)
	d.server.Handle("create_convoy", d.handleCreateConvoy)
	d.server.Handle("convoy_depends", d.handleConvoyDepends)
	d.server.Handle("convoy_add_member", d.handleConvoyAddMember)
	d.server.Handle("convoy_status", d.handleConvoyStatus)
	d.server.Handle("status", d.handleStatus)
	d.server.Handle("ready", d.handleReady)
	d.server.Handle("cancel", d.handleCancel)
	d.server.Handle("resubmit", d.handleResubmit)
	d.server.Handle("heartbeat", d.handleHeartbeat)
	d.server.Handle("report_complete", d.handleReportComplete)
	d.server.Handle("report_failure", d.handleReportFailure)
}

func (d *Daemon) handleAddItem(req *uds.Request) *uds.Response {
	var params addItemParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.Title == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "title is required")
	}
	priority := defaultPriority
	if params.Priority != nil {
		priority = *params.Priority
	}

	id, err := d.store.AddItem(params.Title, params.Payload, priority, params.Needs, params.Convoy)
	if err != nil {
		return errorResponse(err)
	}
	d.requestScan()
	return uds.SuccessResponse(map[string]string{"id": id})
}

func (d *Daemon) handleAddDep(req *uds.Request) *uds.Response {
	var params depParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if err := d.store.AddDependency(params.Dependent, params.Dependency); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(map[string]string{"status": "added"})
}

func (d *Daemon) handleRemoveDep(req *uds.Request) *uds.Response {
	var params depParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if err := d.store.RemoveDependency(params.Dependent, params.Dependency); err != nil {
		return errorResponse(err)
	}
	d.requestScan()
	return uds.SuccessResponse(map[string]string{"status": "removed"})
}

func (d *Daemon) handleCreateConvoy(req *uds.Request) *uds.Response {
	var params convoyParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.Name == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "name is required")
	}
	id, err := d.store.CreateConvoy(params.Name, params.Members)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(map[string]string{"id": id})
}

func (d *Daemon) handleConvoyDepends(req *uds.Request) *uds.Response {
	var params convoyDepParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if err := d.store.ConvoyDependsOn(params.Convoy, params.DependsOn); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(map[string]string{"status": "added"})
}

func (d *Daemon) handleConvoyAddMember(req *uds.Request) *uds.Response {
	var params convoyMemberParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if err := d.store.AddMember(params.Convoy, params.ItemID); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(map[string]string{"status": "added"})
}

func (d *Daemon) handleConvoyStatus(req *uds.Request) *uds.Response {
	var params itemParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	status, err := d.store.ConvoyStatus(params.ID)
	if err != nil {
		return errorResponse(err)
	}
	convoy, err := d.store.GetConvoy(params.ID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(map[string]any{
		"id":      convoy.ID,
		"name":    convoy.Name,
		"status":  status,
		"members": convoy.Members,
	})
}

// handleStatus returns one item when an id is given, otherwise the full
// coordinator snapshot.
func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	var params itemParams
	if len(req.Params) > 0 {
		if resp := decodeParams(req, &params); resp != nil {
			return resp
		}
	}
	if params.ID != "" {
		item, err := d.store.GetItem(params.ID)
		if err != nil {
			return errorResponse(err)
		}
		return uds.SuccessResponse(item)
	}

	report := statusReport{
		Items:   d.store.Items(),
		Convoys: d.store.Convoys(),
		Workers: d.pool.Workers(),
		Queue:   d.refinery.Depths(),
		Metrics: d.metrics.Snapshot(),
	}
	return uds.SuccessResponse(report)
}

func (d *Daemon) handleReady(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(map[string]any{"ready": d.store.ComputeReady()})
}

func (d *Daemon) handleCancel(req *uds.Request) *uds.Response {
	var params cancelParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if err := d.dispatcher.CancelItem(params.ID, params.Reason); err != nil {
		return errorResponse(err)
	}
	d.requestScan()
	return uds.SuccessResponse(map[string]string{"status": "cancelled"})
}

func (d *Daemon) handleResubmit(req *uds.Request) *uds.Response {
	var params resubmitParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	target := params.TargetRef
	if target == "" {
		target = d.config.Refinery.DefaultTarget
	}
	if target == "" {
		target = "main"
	}
	entryID, err := d.refinery.Resubmit(params.ID, params.BranchRef, target)
	if err != nil {
		return errorResponse(err)
	}
	d.requestScan()
	return uds.SuccessResponse(map[string]string{"entry_id": entryID})
}

func (d *Daemon) handleHeartbeat(req *uds.Request) *uds.Response {
	var params workerParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if err := d.dispatcher.Heartbeat(params.WorkerID); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(map[string]string{"status": "ok"})
}

func (d *Daemon) handleReportComplete(req *uds.Request) *uds.Response {
	var params completeParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.BranchRef == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "branch_ref is required")
	}
	if err := d.dispatcher.ReportComplete(params.WorkerID, params.BranchRef, params.TargetRef); err != nil {
		return errorResponse(err)
	}
	d.requestScan()
	return uds.SuccessResponse(map[string]string{"status": "queued_for_merge"})
}

func (d *Daemon) handleReportFailure(req *uds.Request) *uds.Response {
	var params failureParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if err := d.dispatcher.ReportFailure(params.WorkerID, params.Reason); err != nil {
		return errorResponse(err)
	}
	d.requestScan()
	return uds.SuccessResponse(map[string]string{"status": "requeued"})
}

func decodeParams(req *uds.Request, out any) *uds.Response {
	if len(req.Params) == 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation, "missing params")
	}
	if err := json.Unmarshal(req.Params, out); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, "malformed params: "+err.Error())
	}
	return nil
}

// errorResponse maps domain sentinel errors to wire error codes.
func errorResponse(err error) *uds.Response {
	switch {
	case errors.Is(err, graph.ErrItemNotFound),
		errors.Is(err, graph.ErrUnknownConvoy),
		errors.Is(err, ErrUnknownWorker):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, graph.ErrUnknownDependency),
		errors.Is(err, graph.ErrCycleDetected),
		errors.Is(err, graph.ErrItemNotOpen),
		errors.Is(err, model.ErrInvalidTransition):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	case errors.Is(err, graph.ErrNotCancellable),
		errors.Is(err, ErrNotAssigned),
		errors.Is(err, refinery.ErrNotBlocked):
		return uds.ErrorResponse(uds.ErrCodeConflict, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}
