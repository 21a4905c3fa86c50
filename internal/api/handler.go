// Package api exposes the ingestion pipeline over HTTP and WebSocket.
package api

import (
	"errors"
	"go-bms-telemetry/internal/hub"
	"go-bms-telemetry/internal/ingest"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

const categoryDatabase = "Database error"

type Handler struct {
	logger  *zerolog.Logger
	service *ingest.Service
	hub     *hub.Hub
}

func NewHandler(logger *zerolog.Logger, service *ingest.Service, h *hub.Hub) *Handler {
	return &Handler{
		logger:  logger,
		service: service,
		hub:     h,
	}
}

// Register mounts the telemetry routes on router.
func (h *Handler) Register(router fiber.Router) {
	router.Post("/battery-data", h.postBatteryData)
	router.Get("/latest-data", h.getLatestData)
	router.Get("/historical-data", h.getHistoricalData)

	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws", websocket.New(h.serveLive))
}

func (h *Handler) postBatteryData(c *fiber.Ctx) error {
	if _, err := h.service.Ingest(c.UserContext(), c.Body()); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Data received"})
}

func (h *Handler) getLatestData(c *fiber.Ctx) error {
	sample, err := h.service.Latest(c.UserContext())
	if err != nil {
		return h.writeError(c, err)
	}
	if sample == nil {
		return c.JSON(fiber.Map{})
	}
	return c.JSON(sample)
}

func (h *Handler) getHistoricalData(c *fiber.Ctx) error {
	samples, err := h.service.History(c.UserContext())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(samples)
}

// serveLive keeps the connection registered until the peer goes away.
// Anything the client sends is discarded.
func (h *Handler) serveLive(conn *websocket.Conn) {
	sub, err := h.hub.Register(conn)
	if err != nil {
		h.logger.Warn().Err(err).Msg("rejecting live subscriber")
		return
	}
	defer h.hub.Unregister(sub)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// HandleError is the app-wide fiber error handler. Errors raised by fiber
// itself keep their status code but use the same JSON body as the routes.
func (h *Handler) HandleError(c *fiber.Ctx, err error) error {
	var ferr *fiber.Error
	if errors.As(err, &ferr) {
		if ferr.Code >= fiber.StatusInternalServerError {
			h.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		}
		return c.Status(ferr.Code).JSON(fiber.Map{"error": ferr.Message})
	}
	return h.writeError(c, err)
}

func (h *Handler) writeError(c *fiber.Ctx, err error) error {
	var (
		verr *ingest.ValidationError
		serr *ingest.StoreError
	)
	switch {
	case errors.As(err, &verr):
		body := fiber.Map{"error": verr.Category}
		if details := verr.Details(); details != "" {
			body["details"] = details
		}
		return c.Status(fiber.StatusBadRequest).JSON(body)
	case errors.As(err, &serr):
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("store error")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   categoryDatabase,
			"details": serr.Err.Error(),
		})
	}
	h.logger.Error().Err(err).Str("path", c.Path()).Msg("unexpected error")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal error"})
}
