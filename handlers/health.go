// handlers/health.go
package handlers

import (
	"log"

	"github.com/ZkNoid/wizard-battle-sub004/middleware"
	"github.com/ZkNoid/wizard-battle-sub004/services"
	"github.com/gofiber/fiber/v2"
)

// OpsDeps bundles the services the health and admin endpoints read from.
type OpsDeps struct {
	Hub     *services.Hub
	Store   services.RoomStore
	Queue   *services.CommitQueueService
	Janitor *services.JanitorService
}

func SetupOpsRoutes(app *fiber.App, deps *OpsDeps) {
	// 🔓 Liveness probe — no auth
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 🔐 Operational endpoints — service token required
	admin := app.Group("/", middleware.AdminAuthMiddleware())

	admin.Get("/health/stats", func(c *fiber.Ctx) error {
		ctx := c.Context()
		stats := fiber.Map{
			"localConnections": deps.Hub.LocalConnections(),
		}
		if n, err := deps.Store.RoomCount(ctx); err == nil {
			stats["activeRooms"] = n
		} else {
			log.Printf("[HEALTH] room count: %v", err)
		}
		if counts, err := deps.Store.QueueCounts(ctx); err == nil {
			stats["matchmakingQueues"] = counts
		} else {
			log.Printf("[HEALTH] queue counts: %v", err)
		}
		if counts, err := deps.Queue.Counts(ctx); err == nil {
			stats["commitJobs"] = counts
		} else {
			log.Printf("[HEALTH] commit job counts: %v", err)
		}
		if n, err := deps.Store.GetCounter(ctx, "desync_total"); err == nil {
			stats["desyncTotal"] = n
		}
		if n, err := deps.Store.GetCounter(ctx, "evictions_total"); err == nil {
			stats["evictionsTotal"] = n
		}
		return c.JSON(stats)
	})

	admin.Get("/admin/rooms", func(c *fiber.Ctx) error {
		rooms, err := deps.Store.ListRooms(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"rooms": rooms})
	})

	admin.Post("/admin/rooms/clear", func(c *fiber.Ctx) error {
		var req struct {
			RoomIDs []string `json:"roomIds"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed body"})
		}
		cleared := deps.Janitor.Clear(c.Context(), req.RoomIDs)
		return c.JSON(fiber.Map{"roomIds": cleared})
	})
}
