package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/rule"
)

// RuleService is the rule registry of the dispatcher.
type RuleService interface {
	Add(r rule.Rule) (rule.Rule, error)
	Remove(id string) error
	Get(id string) (rule.Rule, error)
	List() []rule.Rule
}

// RuleHandler serves trading rule endpoints.
type RuleHandler struct {
	rules  RuleService
	logger *slog.Logger
}

// NewRuleHandler creates a RuleHandler.
func NewRuleHandler(rules RuleService, logger *slog.Logger) *RuleHandler {
	return &RuleHandler{rules: rules, logger: logHandler(logger, "rules")}
}

// ListRules returns every registered rule.
// GET /api/rules
func (h *RuleHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rules.List())
}

// GetRule returns one rule.
// GET /api/rules/{id}
func (h *RuleHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	ru, err := h.rules.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ru)
}

// AddRule registers a rule. Rules are armed unless the body says otherwise.
// POST /api/rules
func (h *RuleHandler) AddRule(w http.ResponseWriter, r *http.Request) {
	body := rule.Rule{Active: true}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	body.Market = strings.ToUpper(body.Market)
	body.OrderID = ""
	if tt := body.Trailing; tt != nil {
		body.Trailing = &rule.TrailingTakeProfit{TakeProfitPrice: tt.TakeProfitPrice, Percent: tt.Percent}
	}

	added, err := h.rules.Add(body)
	switch {
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Info("rule added", slog.String("rule_id", added.ID), slog.String("market", added.Market))
	writeJSON(w, http.StatusCreated, added)
}

// RemoveRule drops a rule.
// DELETE /api/rules/{id}
func (h *RuleHandler) RemoveRule(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.Remove(r.PathValue("id")); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
