package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peerbanhelper/backend/internal/api/handlers"
	"github.com/peerbanhelper/backend/internal/api/middleware"
	"github.com/peerbanhelper/backend/internal/engine"
)

// Register wires up API routes. The health endpoint stays public; everything
// else under /api/v1 requires the operator token when one is configured.
func Register(router *gin.Engine, e *engine.Engine) error {
	router.GET("/api/v1/health", handlers.HealthHandler)

	api := router.Group("/api/v1")
	api.Use(middleware.APIHeaders(), middleware.TokenAuth(e.Config.APITokenHash))

	api.GET("/metrics", gin.WrapH(promhttp.HandlerFor(e.Registry, promhttp.HandlerOpts{})))

	// Avoid handing a typed nil pointer to the handlers' interface fields.
	var sync handlers.SyncController
	if e.Scheduler != nil {
		sync = e.Scheduler
	}
	var detector handlers.CheatController
	if e.Detector != nil {
		detector = e.Detector
	}

	rulesHandler := handlers.NewRulesHandler(sync, e.Matcher)
	api.GET("/rules/status", rulesHandler.Status)
	api.POST("/rules/sync", rulesHandler.Sync)
	api.POST("/rules/match", rulesHandler.Match)

	observationHandler := handlers.NewObservationHandler(e.Observations)
	api.POST("/observations", observationHandler.Submit)

	cheatHandler := handlers.NewCheatHandler(e.CheatStore, detector)
	api.GET("/cheat/records", cheatHandler.ListRecords)
	api.DELETE("/torrents/:id", cheatHandler.ForgetTorrent)

	banHandler := handlers.NewBanHandler(e.Bans, detector)
	api.GET("/bans", banHandler.List)
	api.DELETE("/bans", banHandler.Unban)

	alertHandler := handlers.NewAlertHandler(e.Alerts)
	api.GET("/alerts", alertHandler.List)
	api.POST("/alerts/read-all", alertHandler.MarkAllAsRead)
	api.POST("/alerts/:identifier/read", alertHandler.MarkAsRead)
	api.GET("/alerts/providers", alertHandler.ListProviders)
	api.POST("/alerts/providers", alertHandler.CreateProvider)
	api.DELETE("/alerts/providers/:id", alertHandler.DeleteProvider)

	return nil
}
