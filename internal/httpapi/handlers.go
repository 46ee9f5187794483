package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openhouse-crm/openhouse/go/aiengine/internal/actions"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/auth"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/orchestrator"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/personas"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/tools"
)

type sendMessageRequest struct {
	InstanceID  string `json:"instance_id"`
	Message     string `json:"message"`
	Channel     string `json:"channel"`
	ContextType string `json:"context_type"`
	ContextID   string `json:"context_id"`
	DryRun      bool   `json:"dry_run"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	instanceID, err := uuid.Parse(req.InstanceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid instance_id")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	channel := req.Channel
	if channel == "" {
		channel = "web"
	}

	result, err := s.turns.SendMessage(r.Context(), orchestrator.TurnRequest{
		TenantID:    user.TenantID,
		InstanceID:  instanceID,
		UserID:      user.UserID.String(),
		Channel:     channel,
		ContextType: req.ContextType,
		ContextID:   req.ContextID,
		Message:     req.Message,
		DryRun:      req.DryRun,
	})
	if err != nil {
		switch {
		case errors.Is(err, actions.ErrNotFound):
			writeError(w, http.StatusNotFound, "employee not found")
		case errors.Is(err, orchestrator.ErrInstanceInactive):
			writeError(w, http.StatusConflict, "employee is not active")
		default:
			s.logger.Error("turn failed", zap.Error(err))
			writeError(w, http.StatusBadGateway, "the employee could not process this message")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": result.SessionID,
		"reply":      result.Reply,
		"actions":    result.Actions,
	})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	list, err := s.store.ListActions(r.Context(), user.TenantID, r.URL.Query().Get("status"), limit)
	if err != nil {
		s.logger.Error("list actions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list actions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions": s.engine.ViewsOf(r.Context(), list),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	user, actionID, ok := s.actionRequest(w, r)
	if !ok {
		return
	}

	view, err := s.engine.Approve(r.Context(), user.TenantID, actionID, user.UserID.String(), "web")
	if err != nil {
		var execErr *tools.ExecutionError
		var valErr *tools.ValidationError
		switch {
		case errors.Is(err, actions.ErrNotFound):
			writeError(w, http.StatusNotFound, "action not found")
		case errors.Is(err, actions.ErrInvalidState):
			writeError(w, http.StatusBadRequest, "action can no longer be approved")
		case errors.Is(err, actions.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "daily action limit reached")
		case errors.As(err, &execErr), errors.As(err, &valErr):
			// The approval itself succeeded; the tool run failed. Return
			// the failed view so the caller sees the recorded error.
			writeJSON(w, http.StatusBadGateway, view)
		default:
			s.logger.Error("approve failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to approve action")
		}
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	user, actionID, ok := s.actionRequest(w, r)
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	view, err := s.engine.Reject(r.Context(), user.TenantID, actionID, user.UserID.String(), body.Reason)
	if err != nil {
		switch {
		case errors.Is(err, actions.ErrNotFound):
			writeError(w, http.StatusNotFound, "action not found")
		case errors.Is(err, actions.ErrInvalidState):
			writeError(w, http.StatusBadRequest, "action can no longer be rejected")
		default:
			s.logger.Error("reject failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to reject action")
		}
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// actionRequest extracts the shared auth and path pieces of the approval
// endpoints.
func (s *Server) actionRequest(w http.ResponseWriter, r *http.Request) (*auth.UserContext, uuid.UUID, bool) {
	user, err := auth.GetUserContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, uuid.Nil, false
	}
	actionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid action id")
		return nil, uuid.Nil, false
	}
	return user, actionID, true
}

type employeeView struct {
	ID           string   `json:"id"`
	TemplateKey  string   `json:"template_key"`
	DisplayName  string   `json:"display_name"`
	Description  string   `json:"description,omitempty"`
	AutonomyMode string   `json:"autonomy_mode"`
	Status       string   `json:"status"`
	AllowedTools []string `json:"allowed_tools"`
}

func (s *Server) handleListEmployees(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	list, err := s.store.ListInstances(r.Context(), user.TenantID)
	if err != nil {
		s.logger.Error("list employees failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list employees")
		return
	}

	out := make([]employeeView, 0, len(list))
	for _, inst := range list {
		v := employeeView{
			ID:           inst.ID.String(),
			TemplateKey:  inst.TemplateKey,
			DisplayName:  inst.TemplateKey,
			AutonomyMode: inst.AutonomyMode,
			Status:       inst.Status,
			AllowedTools: []string(inst.AllowedTools),
		}
		if tpl, ok := s.catalog.Get(inst.TemplateKey); ok {
			v.DisplayName = tpl.DisplayName
			v.Description = tpl.Description
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"employees": out})
}

type updateEmployeeRequest struct {
	AutonomyMode *string `json:"autonomy_mode"`
	Status       *string `json:"status"`
}

// handleUpdateEmployee changes an instance's autonomy mode or status.
// Admin-only: autonomy decides what runs without a human, so agents cannot
// widen their own leash.
func (s *Server) handleUpdateEmployee(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !user.IsAdmin() {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	instanceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid employee id")
		return
	}

	var req updateEmployeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AutonomyMode == nil && req.Status == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	if req.AutonomyMode != nil {
		if !personas.ValidAutonomyMode(*req.AutonomyMode) {
			writeError(w, http.StatusBadRequest, "invalid autonomy_mode")
			return
		}
		found, err := s.store.UpdateInstanceAutonomy(r.Context(), user.TenantID, instanceID, *req.AutonomyMode)
		if err != nil {
			s.logger.Error("update autonomy failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to update employee")
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "employee not found")
			return
		}
	}

	if req.Status != nil {
		if *req.Status != personas.StatusActive && *req.Status != personas.StatusInactive {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		found, err := s.store.SetInstanceStatus(r.Context(), user.TenantID, instanceID, *req.Status)
		if err != nil {
			s.logger.Error("update status failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to update employee")
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "employee not found")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleProvision creates the tenant's instance of every active persona
// template. Idempotent, so the CRM can call it on every workspace login.
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !user.IsAdmin() {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	if err := s.provisioner.EnsureTenantInstances(r.Context(), user.TenantID); err != nil {
		s.logger.Error("provisioning failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to provision employees")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "provisioned"})
}
