package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"nutriguard.org/internal/auth"
)

type permissionCheckRequest struct {
	Permission string `json:"permission"`
}

type accessCheckRequest struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Action       string `json:"action"`
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

type revokeRequest struct {
	Permission      string `json:"permission"`
	DurationSeconds int64  `json:"duration_seconds"`
}

type roleUpgradeRequest struct {
	Role   string `json:"role"`
	Reason string `json:"reason"`
}

type roleResponse struct {
	auth.RoleAssignment
	Display auth.RoleDisplay `json:"display"`
}

func (a *API) handleMyRole(w http.ResponseWriter, r *http.Request) {
	assignment, err := a.deps.Roles.ResolveRole(r.Context(), principal(r).ID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roleResponse{
		RoleAssignment: assignment,
		Display:        auth.RoleInfo(assignment.Role),
	})
}

func (a *API) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	var req permissionCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perm := strings.TrimSpace(req.Permission)
	if perm == "" {
		writeError(w, r, http.StatusBadRequest, "permission is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"permission": perm,
		"allowed":    a.deps.Roles.HasPermission(r.Context(), principal(r).ID, perm),
	})
}

func (a *API) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	var req accessCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		writeError(w, r, http.StatusBadRequest, "action is required")
		return
	}
	allowed := a.deps.Roles.CanAccessResource(r.Context(), principal(r).ID, req.ResourceType, req.ResourceID, req.Action)
	writeJSON(w, http.StatusOK, map[string]any{
		"resource_type": req.ResourceType,
		"resource_id":   req.ResourceID,
		"action":        req.Action,
		"allowed":       allowed,
	})
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	target := chi.URLParam(r, "id")
	if err := a.deps.Roles.AssignRole(r.Context(), target, req.Role, principal(r).ID); err != nil {
		a.handleError(w, r, err)
		return
	}
	assignment, err := a.deps.Roles.ResolveRole(r.Context(), target)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.DurationSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, "duration_seconds must not be negative")
		return
	}
	target := chi.URLParam(r, "id")
	duration := time.Duration(req.DurationSeconds) * time.Second
	if err := a.deps.Roles.RevokePermission(r.Context(), target, req.Permission, duration, principal(r).ID); err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"userId":     target,
		"permission": strings.TrimSpace(req.Permission),
		"status":     "revoked",
	})
}

func (a *API) handleListRevocations(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "id")
	p := principal(r)
	if target != p.ID {
		if err := a.deps.Roles.RequirePermission(r.Context(), p, auth.PermManageRoles, "list_revocations"); err != nil {
			a.handleError(w, r, err)
			return
		}
	}
	revs, err := a.deps.Roles.ActiveRevocations(r.Context(), target)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if revs == nil {
		revs = []auth.Revocation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"revocations": revs})
}

func (a *API) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := a.deps.Roles.ListAssignments(r.Context(), principal(r).ID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if assignments == nil {
		assignments = []auth.RoleAssignment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": assignments})
}

func (a *API) handleRoleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, auth.RoleInfo(chi.URLParam(r, "name")))
}

func (a *API) handleRoleRequest(w http.ResponseWriter, r *http.Request) {
	var req roleUpgradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Roles.RequestRoleUpgrade(r.Context(), principal(r), req.Role, req.Reason); err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"requestedRole": strings.ToLower(strings.TrimSpace(req.Role)),
		"status":        "pending",
	})
}
