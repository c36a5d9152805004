package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"sitegrid.org/internal/access"
	"sitegrid.org/internal/audit"
)

func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actorID, ok := a.currentUserID(w, r)
	if !ok {
		return
	}
	if err := a.engine.Authorize(r.Context(), actorID, access.PermAuditView, access.GlobalScope()); err != nil {
		handleAccessError(w, r, err)
		return
	}
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.recorder.List(r.Context(), filter)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actorID, ok := a.currentUserID(w, r)
	if !ok {
		return
	}
	if err := a.engine.Authorize(r.Context(), actorID, access.PermAuditExport, access.GlobalScope()); err != nil {
		handleAccessError(w, r, err)
		return
	}
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.recorder.List(r.Context(), filter)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	if err := audit.ExportCSV(w, entries); err != nil {
		// Headers are out; nothing sensible left to send.
		return
	}
}

func (a *API) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actorID, ok := a.currentUserID(w, r)
	if !ok {
		return
	}
	if err := a.engine.Authorize(r.Context(), actorID, access.PermAuditView, access.GlobalScope()); err != nil {
		handleAccessError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.recorder.Subscribe(ctx)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for entry := range ch {
		payload, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

func auditFilterFromQuery(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), audit.DefaultLimit, 1, 1000)
	if err != nil {
		return audit.Filter{}, err
	}
	f := audit.Filter{
		ActorUserID:  strings.TrimSpace(q.Get("actor")),
		EventType:    strings.TrimSpace(q.Get("event_type")),
		Status:       audit.Status(strings.TrimSpace(q.Get("status"))),
		TargetUserID: strings.TrimSpace(q.Get("target_user")),
		Limit:        limit,
	}
	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, err
		}
		f.DateFrom = t
	}
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, err
		}
		f.DateTo = t
	}
	return f, nil
}
