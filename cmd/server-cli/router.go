package main

import (
	"go-bms-telemetry/internal/api"
	"go-bms-telemetry/internal/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
)

func configureRouter(handler *api.Handler, m *metrics.Metrics, staticDir string) *fiber.App {
	router := fiber.New(fiber.Config{
		AppName:               "bms-telemetry " + Version,
		DisableStartupMessage: true,
		ErrorHandler:          handler.HandleError,
	})
	router.Use(logger.New())

	router.Get("/ping", func(c *fiber.Ctx) error {
		return c.SendString("Pong!")
	})
	router.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	handler.Register(router)

	if staticDir != "" {
		router.Static("/", staticDir)
	}

	return router
}
