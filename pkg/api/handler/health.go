package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gm-agent-org/kode/pkg/api/dto"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

// Health returns server health and version.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, dto.HealthResponse{
		Status:  "healthy",
		Version: Version,
	})
}
