package server

import (
	"net/http"

	"github.com/ashita-ai/kizuna/internal/model"
)

// HandleFederationHealth handles GET /v1/health?threshold=.
func (h *Handlers) HandleFederationHealth(w http.ResponseWriter, r *http.Request) {
	threshold, err := queryFloat(r, "threshold")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	reports, err := h.engine.FederationHealth(threshold)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, reports)
}

// HandleInstanceHealth handles GET /v1/health/{domain}.
func (h *Handlers) HandleInstanceHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.InstanceHealthReport(r.Context(), r.PathValue("domain"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleReportHealth handles POST /v1/health/{domain}: the delivery
// pipeline reports an observed sample.
func (h *Handlers) HandleReportHealth(w http.ResponseWriter, r *http.Request) {
	var sample model.HealthSample
	if err := decodeJSON(w, r, &sample, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	sample.Domain = r.PathValue("domain")
	report, err := h.engine.ReportHealth(r.Context(), sample)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}
