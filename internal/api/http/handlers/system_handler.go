package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/qr-token-service/internal/api/dto"
	"github.com/spec-kit/qr-token-service/internal/observability"
	"github.com/spec-kit/qr-token-service/internal/service"
)

// SystemHandler serves the banner, aggregate info and request counters.
type SystemHandler struct {
	appName  string
	version  string
	database string
	queries  *service.TokenQueryService
	metrics  *observability.Metrics
}

// NewSystemHandler constructs handler.
func NewSystemHandler(appName, version, database string, queries *service.TokenQueryService, metrics *observability.Metrics) *SystemHandler {
	return &SystemHandler{appName: appName, version: version, database: database, queries: queries, metrics: metrics}
}

// Root handles GET /.
func (h *SystemHandler) Root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": fiber.Map{"service": h.appName, "version": h.version}})
}

// Info handles GET /info.
func (h *SystemHandler) Info(c *fiber.Ctx) error {
	info, err := h.queries.Info(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.InfoResponse{
		App:         h.appName,
		Version:     h.version,
		Database:    h.database,
		QRAvailable: info.RendererAvailable,
		Stats:       info.Stats,
		GeneratedAt: info.GeneratedAt,
	}})
}

// Metrics handles GET /metrics.
func (h *SystemHandler) Metrics(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.metrics.Snapshot()})
}
