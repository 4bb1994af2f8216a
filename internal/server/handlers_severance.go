package server

import (
	"net/http"

	"github.com/ashita-ai/kizuna/internal/model"
)

// HandleListSeverances handles GET /v1/severances?instance=&open=&first=&after=.
func (h *Handlers) HandleListSeverances(w http.ResponseWriter, r *http.Request) {
	instance, err := queryDomain(r, "instance")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	open, err := queryBool(r, "open")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	first, err := queryLimit(r, "first", 0)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	page := model.Page{First: first}
	if after := r.URL.Query().Get("after"); after != "" {
		page.After = &after
	}

	list, info, err := h.engine.SeveredRelationships(instance, open != nil && *open, page)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeConnection(w, r, list, info)
}

// HandleGetSeverance handles GET /v1/severances/{id}.
func (h *Handlers) HandleGetSeverance(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.SeveredRelationship(r.PathValue("id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

// HandleAcknowledge handles POST /v1/severances/{id}/acknowledge.
func (h *Handlers) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.AcknowledgeSeverance(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleReconnect handles POST /v1/severances/{id}/reconnect.
func (h *Handlers) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.AttemptReconnection(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}
