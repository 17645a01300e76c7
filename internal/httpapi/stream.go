package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nutriguard.org/internal/audit"
	"nutriguard.org/internal/auth"
)

const streamHeartbeat = 25 * time.Second

// Stream pushes audit records logged by this process as Server-Sent Events.
// ?event_type=a,b limits the stream to those types.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.deps.Trail == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	if err := a.deps.Roles.RequirePermission(r.Context(), principal(r), auth.PermViewAuditLogs, "stream_audit_logs"); err != nil {
		a.handleError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	wanted := eventTypeSet(r.URL.Query().Get("event_type"))

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	records := a.deps.Trail.Subscribe(r.Context())
	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	fmt.Fprint(w, ": audit stream\n\n")
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case rec, ok := <-records:
			if !ok {
				return
			}
			if len(wanted) > 0 && !wanted[rec.EventType] {
				continue
			}
			if err := writeEvent(w, rec); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, rec audit.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", rec.ID, rec.EventType, payload)
	return err
}

func eventTypeSet(raw string) map[string]bool {
	set := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			set[part] = true
		}
	}
	return set
}
