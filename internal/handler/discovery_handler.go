// internal/handler/discovery_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mfdeploy/internal/service"
	"mfdeploy/internal/utils"
)

// DiscoveryHandler handles port discovery requests
type DiscoveryHandler struct {
	discoveryService *service.DiscoveryService
	logger           *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(discoveryService *service.DiscoveryService, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		discoveryService: discoveryService,
		logger:           utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// RegisterRoutes registers discovery routes
func (h *DiscoveryHandler) RegisterRoutes(router *gin.RouterGroup) {
	ports := router.Group("/ports")
	{
		ports.GET("", h.ScanPorts)
		ports.GET("/scanners", h.ListScanners)
	}
}

// ScanPorts enumerates the ports of the requested kind
func (h *DiscoveryHandler) ScanPorts(c *gin.Context) {
	kind := c.DefaultQuery("kind", "all")
	switch kind {
	case "all", "serial", "usb", "tcp":
	default:
		utils.ValidationErrorResponse(c, map[string]string{"kind": "must be one of all, serial, usb, tcp"})
		return
	}

	ports, err := h.discoveryService.ScanPorts(c.Request.Context(), kind)
	if err != nil {
		h.logger.Error("Failed to scan ports", zap.Error(err), zap.String("kind", kind))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to scan ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Port scan completed", gin.H{
		"ports_found": len(ports),
		"ports":       ports,
	})
}

// ListScanners returns the scanners usable on this host
func (h *DiscoveryHandler) ListScanners(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Scanners retrieved successfully", gin.H{
		"scanners": h.discoveryService.AvailableScanners(),
	})
}
