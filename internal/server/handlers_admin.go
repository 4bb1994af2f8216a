package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/kizuna/internal/auth"
	"github.com/ashita-ai/kizuna/internal/ctxutil"
	"github.com/ashita-ai/kizuna/internal/model"
	"github.com/ashita-ai/kizuna/internal/storage"
)

// createOperatorResponse returns the generated key once, at creation.
type createOperatorResponse struct {
	model.Operator
	APIKey string `json:"api_key,omitempty"`
}

// HandleCreateOperator handles POST /v1/operators (admin-only). When no
// api_key is supplied one is generated and returned in the response.
func (h *Handlers) HandleCreateOperator(w http.ResponseWriter, r *http.Request) {
	var req model.CreateOperatorRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateOperatorID(req.OperatorID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Name == "" {
		req.Name = req.OperatorID
	}
	if req.Role == "" {
		req.Role = model.RoleReader
	}
	if model.RoleRank(req.Role) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"invalid role: must be one of admin, operator, reader")
		return
	}

	generated := ""
	if req.APIKey == "" {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			h.writeInternalError(w, r, "failed to generate api key", err)
			return
		}
		req.APIKey = key
		generated = key
	}
	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	op, err := h.operators.CreateOperator(r.Context(), model.Operator{
		OperatorID: req.OperatorID,
		Name:       req.Name,
		Role:       req.Role,
		APIKeyHash: &hash,
	})
	if err != nil {
		if errors.Is(err, storage.ErrOperatorExists) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "operator_id already exists")
			return
		}
		h.writeInternalError(w, r, "failed to create operator", err)
		return
	}
	h.logger.Info("operator created", "operator_id", op.OperatorID, "role", op.Role, "actor", ctxutil.Actor(r.Context()))

	writeJSON(w, r, http.StatusCreated, createOperatorResponse{Operator: op, APIKey: generated})
}

// HandleListOperators handles GET /v1/operators (admin-only).
func (h *Handlers) HandleListOperators(w http.ResponseWriter, r *http.Request) {
	ops, err := h.operators.ListOperators(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list operators", err)
		return
	}
	writeJSON(w, r, http.StatusOK, ops)
}

// HandleDeleteOperator handles DELETE /v1/operators/{operator_id} (admin-only).
func (h *Handlers) HandleDeleteOperator(w http.ResponseWriter, r *http.Request) {
	operatorID := r.PathValue("operator_id")
	if err := model.ValidateOperatorID(operatorID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	// Protect the seed admin and the caller's own identity.
	if operatorID == "admin" {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot delete the admin operator")
		return
	}
	if c := ctxutil.ClaimsFromContext(r.Context()); c != nil && c.OperatorID == operatorID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot delete yourself")
		return
	}

	if err := h.operators.DeleteOperator(r.Context(), operatorID); err != nil {
		if isNotFound(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "operator not found")
			return
		}
		h.writeInternalError(w, r, "failed to delete operator", err)
		return
	}
	h.logger.Info("operator deleted", "operator_id", operatorID, "actor", ctxutil.Actor(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
