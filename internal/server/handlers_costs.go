package server

import (
	"net/http"

	"github.com/ashita-ai/kizuna/internal/model"
)

// HandleListBudgets handles GET /v1/budgets?exceeded=.
func (h *Handlers) HandleListBudgets(w http.ResponseWriter, r *http.Request) {
	exceeded, err := queryBool(r, "exceeded")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, h.engine.InstanceBudgets(exceeded))
}

// HandleGetBudget handles GET /v1/budgets/{domain}.
func (h *Handlers) HandleGetBudget(w http.ResponseWriter, r *http.Request) {
	b, err := h.engine.InstanceBudget(r.PathValue("domain"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleSetBudget handles PUT /v1/budgets/{domain}.
func (h *Handlers) HandleSetBudget(w http.ResponseWriter, r *http.Request) {
	var req model.SetBudgetRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	b, err := h.engine.SetInstanceBudget(r.Context(), r.PathValue("domain"), req.MonthlyBudgetUSD, req.AutoLimit, req.AlertThreshold)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleCostBreakdown handles GET /v1/costs?domain=&period=.
func (h *Handlers) HandleCostBreakdown(w http.ResponseWriter, r *http.Request) {
	domain, err := queryDomain(r, "domain")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	period, err := queryPeriod(r)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	b, err := h.engine.CostBreakdown(domain, period)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleCostProjections handles GET /v1/costs/projections?period=.
func (h *Handlers) HandleCostProjections(w http.ResponseWriter, r *http.Request) {
	period, err := queryPeriod(r)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	p, err := h.engine.CostProjections(period)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleInstanceCost handles GET /v1/costs/{domain}.
func (h *Handlers) HandleInstanceCost(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.InstanceCost(r.PathValue("domain"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// HandleRecentCosts handles GET /v1/costs/{domain}/items?limit=.
func (h *Handlers) HandleRecentCosts(w http.ResponseWriter, r *http.Request) {
	d, err := model.NormalizeDomain(r.PathValue("domain"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	limit, err := queryLimit(r, "limit", 100)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, h.engine.RecentCosts(d, limit))
}

// HandleRecordCost handles POST /v1/costs.
func (h *Handlers) HandleRecordCost(w http.ResponseWriter, r *http.Request) {
	var req model.RecordCostRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	u, err := h.engine.RecordCost(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, u)
}

// HandleOptimize handles POST /v1/costs/optimize.
func (h *Handlers) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	var req model.OptimizeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	res, err := h.engine.OptimizeFederationCosts(r.Context(), req.ThresholdUSD, req.Execute)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}
