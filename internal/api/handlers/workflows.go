package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voicereport/voicereport/internal/broadcast"
	"github.com/voicereport/voicereport/internal/control"
	"github.com/voicereport/voicereport/internal/export"
	"github.com/voicereport/voicereport/internal/ingest"
	"github.com/voicereport/voicereport/internal/models"
	"github.com/voicereport/voicereport/internal/workflow"
)

// maxMultipartMemory bounds the in-memory part of a multipart upload parse.
const maxMultipartMemory = 8 << 20

type WorkflowHandler struct {
	store       workflow.Store
	ingestSvc   *ingest.Service
	controlSvc  *control.Service
	broadcaster *broadcast.Broadcaster
}

func NewWorkflowHandler(store workflow.Store, ingestSvc *ingest.Service, controlSvc *control.Service, b *broadcast.Broadcaster) *WorkflowHandler {
	return &WorkflowHandler{store: store, ingestSvc: ingestSvc, controlSvc: controlSvc, broadcaster: b}
}

// Ingest accepts an audio artifact as a multipart upload or a JSON body with
// a pre-uploaded storage reference, and returns the new workflow id.
func (h *WorkflowHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart body"})
			return
		}
		file, header, err := r.FormFile("audio")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "audio file required"})
			return
		}
		defer file.Close()

		req = ingest.Request{
			SessionKey:  r.FormValue("session_key"),
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Data:        file,
		}

	default:
		var body struct {
			SessionKey  string `json:"session_key"`
			AudioRef    string `json:"audio_ref"`
			ContentType string `json:"content_type"`
			SizeBytes   int64  `json:"size_bytes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		req = ingest.Request{
			SessionKey:  body.SessionKey,
			ContentType: body.ContentType,
			Size:        body.SizeBytes,
			AudioRef:    body.AudioRef,
		}
	}

	wf, err := h.ingestSvc.Ingest(r.Context(), req)
	if err != nil {
		var vErr *ingest.ValidationError
		switch {
		case errors.As(err, &vErr):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": vErr.Reason})
		case errors.Is(err, workflow.ErrConflict):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": wf.ID.String(),
		"status":      string(wf.Status),
	})
}

func (h *WorkflowHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workflowID(w, r)
	if !ok {
		return
	}
	wf, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *WorkflowHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r, 50)
	wfs, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": wfs})
}

// Status is the pull side of progress reporting: always served from the
// store, so it can never trail behind a delivered push event.
func (h *WorkflowHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workflowID(w, r)
	if !ok {
		return
	}
	snap, err := h.broadcaster.Snapshot(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Events streams status snapshots over SSE until the workflow reaches a
// terminal state or the subscriber disconnects.
func (h *WorkflowHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workflowID(w, r)
	if !ok {
		return
	}

	flusher, okFlush := w.(http.Flusher)
	if !okFlush {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	events, cancel, err := h.broadcaster.Subscribe(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send the current state first so late subscribers start consistent.
	snap, err := h.broadcaster.Snapshot(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeEvent(w, flusher, snap)
	if snap.Status.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, open := <-events:
			if !open {
				return
			}
			writeEvent(w, flusher, snap)
			if snap.Status.Terminal() {
				return
			}
		}
	}
}

func (h *WorkflowHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workflowID(w, r)
	if !ok {
		return
	}
	wf, err := h.controlSvc.Cancel(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": wf.ID.String(),
		"status":      string(wf.Status),
	})
}

func (h *WorkflowHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workflowID(w, r)
	if !ok {
		return
	}
	wf, err := h.controlSvc.Resume(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": wf.ID.String(),
		"status":      string(wf.Status),
	})
}

// UpdateRecords applies a human edit to the extracted records; edited records
// are stamped source=manual to distinguish them from pipeline output.
func (h *WorkflowHandler) UpdateRecords(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workflowID(w, r)
	if !ok {
		return
	}
	var body struct {
		Records []models.ContactRecord `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	wf, err := h.store.ReplaceRecords(r.Context(), id, body.Records)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *WorkflowHandler) Export(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workflowID(w, r)
	if !ok {
		return
	}
	format := export.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatJSON
	}

	wf, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if wf.Status != models.StatusCompleted {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "workflow is not completed"})
		return
	}

	data, contentType, err := export.Render(wf, format)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=report-%s.%s", wf.ID, format))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *WorkflowHandler) workflowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid workflow id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *WorkflowHandler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workflow not found"})
	case errors.Is(err, workflow.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, snap models.StatusSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func paginationParams(r *http.Request, defaultLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		fmt.Sscanf(v, "%d", &offset)
	}
	if limit <= 0 || limit > 200 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
