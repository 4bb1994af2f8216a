package server

import (
	"net/http"

	"github.com/ashita-ai/kizuna/internal/model"
)

// HandleListFederation handles GET /v1/federation.
func (h *Handlers) HandleListFederation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.engine.FederationStatuses(r.Context()))
}

// HandleFederationStatus handles GET /v1/federation/{domain}.
func (h *Handlers) HandleFederationStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.FederationStatus(r.Context(), r.PathValue("domain"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// HandleFederationHistory handles GET /v1/federation/{domain}/history.
func (h *Handlers) HandleFederationHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, "limit", 50)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	hist, err := h.engine.FederationHistory(r.PathValue("domain"), limit)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, hist)
}

// HandlePause handles POST /v1/federation/{domain}/pause.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	var req model.PauseRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	st, err := h.engine.PauseFederation(r.Context(), r.PathValue("domain"), req.Reason, req.Until)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// HandleResume handles POST /v1/federation/{domain}/resume.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.ResumeFederation(r.Context(), r.PathValue("domain"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// HandleSetLimit handles PUT /v1/federation/{domain}/limit.
func (h *Handlers) HandleSetLimit(w http.ResponseWriter, r *http.Request) {
	var req model.SetLimitRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	st, err := h.engine.SetFederationLimit(r.Context(), r.PathValue("domain"), req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// HandleListLimits handles GET /v1/limits.
func (h *Handlers) HandleListLimits(w http.ResponseWriter, r *http.Request) {
	domain, err := queryDomain(r, "domain")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	limits, err := h.engine.FederationLimits(r.Context(), domain)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, limits)
}

// HandleBlock handles POST /v1/federation/{domain}/block.
func (h *Handlers) HandleBlock(w http.ResponseWriter, r *http.Request) {
	h.handleBlock(w, r, false)
}

// HandleDefederate handles POST /v1/federation/{domain}/defederate.
func (h *Handlers) HandleDefederate(w http.ResponseWriter, r *http.Request) {
	h.handleBlock(w, r, true)
}

func (h *Handlers) handleBlock(w http.ResponseWriter, r *http.Request, defederate bool) {
	var req model.BlockRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	var (
		out model.BlockPayload
		err error
	)
	if defederate {
		out, err = h.engine.Defederate(r.Context(), r.PathValue("domain"), req)
	} else {
		out, err = h.engine.BlockFederation(r.Context(), r.PathValue("domain"), req)
	}
	if err != nil {
		if out.Status.Domain == "" {
			h.writeEngineError(w, r, err)
			return
		}
		// The block committed; only the severance record failed.
		h.logger.Error("block committed without severance", "domain", out.Status.Domain, "error", err)
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleUnblock handles POST /v1/federation/{domain}/unblock.
func (h *Handlers) HandleUnblock(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.UnblockFederation(r.Context(), r.PathValue("domain"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// HandleAdmit handles POST /v1/federation/{domain}/admit. A denial is a
// normal 200 answer; callers read Allowed.
func (h *Handlers) HandleAdmit(w http.ResponseWriter, r *http.Request) {
	dec, err := h.engine.AdmitDelivery(r.Context(), r.PathValue("domain"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dec)
}
