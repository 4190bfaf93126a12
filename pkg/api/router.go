package api

import (
	"github.com/gm-agent-org/kode/pkg/api/handler"
	"github.com/gm-agent-org/kode/pkg/api/middleware"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health (no auth required)
	s.engine.GET("/health", handler.Health)

	// API v1 group
	v1 := s.engine.Group("/api/v1")
	v1.Use(middleware.Auth(s.config.APIKey))

	convHandler := handler.NewConversationHandler(s.convSvc)
	v1.POST("/conversation", convHandler.Create)
	v1.GET("/conversation", convHandler.List)
	v1.GET("/conversation/:id", convHandler.Get)
	v1.DELETE("/conversation/:id", convHandler.Delete)
	v1.GET("/conversation/:id/event", convHandler.SSE)
	v1.POST("/conversation/:id/input", convHandler.Input)
	v1.POST("/conversation/:id/cancel", convHandler.Cancel)
}
