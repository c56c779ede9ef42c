package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/state"
)

// Pagination bounds for list endpoints.
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// orderList is the payload of GET /api/v1/work-orders.
type orderList struct {
	WorkOrders []*order.WorkOrder `json:"workOrders"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

// handleListWorkOrders returns work orders newest-first, optionally
// filtered by status, with limit/offset pagination.
func (s *Server) handleListWorkOrders(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		handleError(w, err)
		return
	}

	var status order.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = order.Status(raw)
		if !status.Valid() {
			handleError(w, &gateerrors.GateError{
				Code: gateerrors.CodeValidationFailed,
				What: fmt.Sprintf("unknown status %q", raw),
			})
			return
		}
	}

	all, err := s.listCache.Orders()
	if err != nil {
		handleError(w, err)
		return
	}

	matched := all
	if status != "" {
		matched = make([]*order.WorkOrder, 0, len(all))
		for _, wo := range all {
			if wo.Status == status {
				matched = append(matched, wo)
			}
		}
	}

	total := len(matched)
	if offset >= len(matched) {
		matched = nil
	} else {
		matched = matched[offset:]
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	if matched == nil {
		matched = []*order.WorkOrder{}
	}

	writeData(w, http.StatusOK, orderList{
		WorkOrders: matched,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			return 0, 0, &gateerrors.GateError{
				Code: gateerrors.CodeValidationFailed,
				What: fmt.Sprintf("limit must be an integer between 1 and %d", maxListLimit),
			}
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, &gateerrors.GateError{
				Code: gateerrors.CodeValidationFailed,
				What: "offset must be a non-negative integer",
			}
		}
	}
	return limit, offset, nil
}

// createOrderRequest is the body of POST /api/v1/work-orders.
type createOrderRequest struct {
	TaskPrompt          string                `json:"taskPrompt"`
	WorkspaceSource     order.WorkspaceSource `json:"workspaceSource"`
	AgentType           order.AgentType       `json:"agentType,omitempty"`
	Priority            int                   `json:"priority,omitempty"`
	MaxIterations       int                   `json:"maxIterations,omitempty"`
	MaxWallClockSeconds int                   `json:"maxWallClockSeconds,omitempty"`
	ParentID            string                `json:"parentId,omitempty"`
	Publish             bool                  `json:"publish,omitempty"`
}

// handleCreateWorkOrder validates, persists, and enqueues a work order.
func (s *Server) handleCreateWorkOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleError(w, &gateerrors.GateError{
			Code: gateerrors.CodeValidationFailed,
			What: "request body is not valid JSON",
			Why:  err.Error(),
		})
		return
	}

	params := order.CreateParams{
		TaskPrompt:          req.TaskPrompt,
		WorkspaceSource:     req.WorkspaceSource,
		AgentType:           req.AgentType,
		Priority:            req.Priority,
		MaxIterations:       req.MaxIterations,
		MaxWallClockSeconds: req.MaxWallClockSeconds,
		Publish:             req.Publish,
	}

	// Children reference their parent by id only; root and depth are
	// derived here, never taken from the request.
	if req.ParentID != "" {
		parent, err := s.store.Load(req.ParentID)
		if err != nil {
			handleError(w, err)
			return
		}
		params.ParentID = parent.ID
		params.RootID = parent.RootID
		if params.RootID == "" {
			params.RootID = parent.ID
		}
		params.Depth = parent.Depth + 1
	}

	wo, err := order.New(params)
	if err != nil {
		handleError(w, err)
		return
	}
	if err := s.store.Save(wo); err != nil {
		handleError(w, err)
		return
	}

	s.listCache.Invalidate()
	s.emit(events.TypeWorkOrderCreated, wo)
	s.scheduler.Kick()

	s.logger.Info("work order created",
		"workOrderId", wo.ID, "agent", wo.AgentType, "priority", wo.Priority)
	writeData(w, http.StatusCreated, wo)
}

// handleGetWorkOrder returns one work order by id.
func (s *Server) handleGetWorkOrder(w http.ResponseWriter, r *http.Request) {
	wo, err := s.store.Load(r.PathValue("id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeData(w, http.StatusOK, wo)
}

// handleCancelWorkOrder cancels a work order. Orders with a live run
// are cancelled through the engine and report 202 while the run winds
// down; queued orders move to CANCELED immediately.
func (s *Server) handleCancelWorkOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if s.engine.CancelWorkOrder(id, "cancelled via API") {
		s.listCache.Invalidate()
		wo, err := s.store.Load(id)
		if err != nil {
			handleError(w, err)
			return
		}
		s.logger.Info("cancellation requested", "workOrderId", id)
		writeData(w, http.StatusAccepted, wo)
		return
	}

	wo, err := s.store.Update(id, func(wo *order.WorkOrder) error {
		return s.machine.Apply(wo, state.EventCancel, &state.FailureContext{
			Code:    gateerrors.CodeCancelled,
			Message: "cancelled via API",
		})
	})
	if err != nil {
		handleError(w, err)
		return
	}

	s.scheduler.CancelRetry(id)
	s.listCache.Invalidate()
	s.emit(events.TypeWorkOrderUpdated, wo)

	s.logger.Info("work order cancelled", "workOrderId", id)
	writeData(w, http.StatusOK, wo)
}

// emit publishes a lifecycle event for a work order.
func (s *Server) emit(t events.Type, wo *order.WorkOrder) {
	if s.hub == nil {
		return
	}
	e := events.New(t, wo.ID)
	e.Data = map[string]any{"status": string(wo.Status)}
	s.hub.Emit(e)
}
