package api

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"alertflow/internal/rules"
)

// RuleHandler exposes the active correlation rule set. Rules live in the
// rules file; the API only reads the loaded set and triggers reloads.
type RuleHandler struct {
	registry *rules.Registry
	logger   *slog.Logger
}

// NewRuleHandler creates a new rule handler.
func NewRuleHandler(registry *rules.Registry, logger *slog.Logger) *RuleHandler {
	return &RuleHandler{
		registry: registry,
		logger:   logger,
	}
}

// Get handles GET /v1/rules
// Returns the currently loaded rule set.
func (h *RuleHandler) Get(c *fiber.Ctx) error {
	return Success(c, h.registry.Current())
}

// Reload handles POST /v1/rules/reload
// Re-reads the rules file. On failure the previous rule set stays active.
func (h *RuleHandler) Reload(c *fiber.Ctx) error {
	if err := h.registry.Reload(); err != nil {
		h.logger.Error("rule reload failed", "error", err)
		return ValidationError(c, err.Error())
	}

	rs := h.registry.Current()
	h.logger.Info("rule set reloaded", "rules", len(rs.Rules))
	return Success(c, map[string]interface{}{
		"status": "reloaded",
		"rules":  len(rs.Rules),
	})
}
