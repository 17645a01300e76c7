package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"nutriguard.org/internal/audit"
	"nutriguard.org/internal/auth"
)

const maxAuditLimit = 1000

func parseLimit(r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return audit.DefaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxAuditLimit {
		return 0, false
	}
	return n, true
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Roles.RequirePermission(r.Context(), principal(r), auth.PermViewAuditLogs, "view_audit_logs"); err != nil {
		a.handleError(w, r, err)
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	start, err := parseTimeParam(r, "start")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseTimeParam(r, "end")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	logs := a.deps.Trail.GetLogs(r.Context(), audit.Filter{
		EventType: q.Get("event_type"),
		UserID:    q.Get("user_id"),
		Start:     start,
		End:       end,
	}, limit)
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "count": len(logs)})
}

func (a *API) handleMyAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	logs := a.deps.Trail.MyLogs(r.Context(), principal(r).ID, limit)
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "count": len(logs)})
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "id")
	p := principal(r)
	if target != p.ID {
		if err := a.deps.Roles.RequirePermission(r.Context(), p, auth.PermExportData, "export_user_data"); err != nil {
			a.handleError(w, r, err)
			return
		}
	}
	export, err := a.deps.Trail.ExportUserData(r.Context(), actorFor(r), target)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

func (a *API) handleDeleteData(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Roles.RequirePermission(r.Context(), principal(r), auth.PermManageUsers, "delete_user_data"); err != nil {
		a.handleError(w, r, err)
		return
	}
	if err := a.deps.Trail.DeleteUserData(r.Context(), actorFor(r), chi.URLParam(r, "id")); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Roles.RequirePermission(r.Context(), principal(r), auth.PermViewAuditLogs, "compliance_report"); err != nil {
		a.handleError(w, r, err)
		return
	}
	start, err := parseTimeParam(r, "start")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseTimeParam(r, "end")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		writeError(w, r, http.StatusBadRequest, "end must not precede start")
		return
	}
	report, err := a.deps.Trail.GenerateComplianceReport(r.Context(), start, end)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
