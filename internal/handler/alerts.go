package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/valve/internal/alert"
	"github.com/faucetdb/valve/internal/model"
)

// AlertHandler manages alert rules and runs evaluation on demand.
type AlertHandler struct {
	rules     *alert.Rules
	evaluator *alert.Evaluator
}

// NewAlertHandler creates a new AlertHandler.
func NewAlertHandler(rules *alert.Rules, evaluator *alert.Evaluator) *AlertHandler {
	return &AlertHandler{rules: rules, evaluator: evaluator}
}

// ListRules returns all alert rules, or those of ?key_id=.
// GET /api/v1/system/alert
func (h *AlertHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.List(r.Context(), queryString(r, "key_id"))
	if err != nil {
		writeServiceError(w, err, "Failed to list alert rules")
		return
	}
	if rules == nil {
		rules = []model.AlertRule{}
	}
	writeJSON(w, http.StatusOK, listResponse(rules, len(rules)))
}

// CreateRule adds an alert rule to a key.
// POST /api/v1/system/alert
func (h *AlertHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeyID            string          `json:"key_id"`
		AlertType        model.AlertType `json:"alert_type"`
		ThresholdPercent int             `json:"threshold_percent"`
		Enabled          *bool           `json:"enabled"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	rule, err := h.rules.Create(r.Context(), alert.CreateRuleInput{
		KeyID:            req.KeyID,
		AlertType:        req.AlertType,
		ThresholdPercent: req.ThresholdPercent,
		Enabled:          req.Enabled,
	})
	if err != nil {
		writeServiceError(w, err, "Failed to create alert rule")
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// GetRule returns one alert rule.
// GET /api/v1/system/alert/{id}
func (h *AlertHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "Failed to get alert rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// UpdateRule changes a rule's threshold or enabled flag.
// PATCH /api/v1/system/alert/{id}
func (h *AlertHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ThresholdPercent *int  `json:"threshold_percent"`
		Enabled          *bool `json:"enabled"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	rule, err := h.rules.Update(r.Context(), chi.URLParam(r, "id"), alert.UpdateRuleInput{
		ThresholdPercent: req.ThresholdPercent,
		Enabled:          req.Enabled,
	})
	if err != nil {
		writeServiceError(w, err, "Failed to update alert rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// DeleteRule removes an alert rule.
// DELETE /api/v1/system/alert/{id}
func (h *AlertHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.rules.Delete(r.Context(), id); err != nil {
		writeServiceError(w, err, "Failed to delete alert rule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"id":      id,
	})
}

// Evaluate runs one evaluation cycle now and returns its report.
// POST /api/v1/system/alert/evaluate
func (h *AlertHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	report, err := h.evaluator.Evaluate(r.Context())
	if err != nil {
		writeServiceError(w, err, "Alert evaluation failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
