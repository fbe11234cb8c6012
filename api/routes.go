package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NethermindEth/agent-lounge/api/handlers"
)

// SetupRoutes initializes all API endpoints
func SetupRoutes(router *gin.Engine, h *handlers.Handlers, gatherer prometheus.Gatherer) {
	api := router.Group("/api")
	{
		api.GET("/status", h.GetStatus)
		api.POST("/pause", h.Pause)
		api.POST("/resume", h.Resume)

		api.GET("/agents", h.ListAgents)
		api.POST("/agents", h.RegisterAgent)
		api.GET("/agents/:id", h.GetAgent)
		api.POST("/agents/:id/visit", h.SendToSpace)
		api.POST("/agents/:id/join", h.JoinRoom)
		api.POST("/agents/:id/leave", h.LeaveRoom)

		api.GET("/rooms", h.ListRooms)
		api.POST("/rooms", h.CreateRoom)
		api.DELETE("/rooms/:id", h.DeleteRoom)
		api.POST("/rooms/:id/bans", h.BanAgent)
		api.GET("/rooms/:id/summaries", h.GetSummaries)

		api.GET("/trades", h.GetTrades)
		api.GET("/intel", h.GetIntel)
		api.GET("/events", h.GetEvents)
	}
	router.GET("/ws", h.HandleWebSocket)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}
