// internal/handler/session_handler.go
package handler

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mfdeploy/internal/device"
	"mfdeploy/internal/model"
	"mfdeploy/internal/repository"
	"mfdeploy/internal/service"
	"mfdeploy/internal/transport"
	"mfdeploy/internal/utils"
)

// SessionHandler handles device session HTTP requests
type SessionHandler struct {
	sessionService *service.SessionService
	maxUploadBytes int64
	logger         *utils.ServiceLogger
}

// NewSessionHandler creates a new session handler. maxUploadMB bounds
// deploy uploads; zero means 32 MB.
func NewSessionHandler(sessionService *service.SessionService, maxUploadMB int64, logger *zap.Logger) *SessionHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 32
	}
	return &SessionHandler{
		sessionService: sessionService,
		maxUploadBytes: maxUploadMB << 20,
		logger:         utils.NewServiceLogger(logger, "session-handler"),
	}
}

// RegisterRoutes registers session routes
func (h *SessionHandler) RegisterRoutes(router *gin.RouterGroup) {
	sessions := router.Group("/sessions")
	{
		sessions.POST("", h.OpenSession)
		sessions.GET("", h.ListSessions)

		session := sessions.Group("/:id")
		{
			session.GET("", h.GetSession)
			session.DELETE("", h.CloseSession)
			session.POST("/ping", h.Ping)
			session.POST("/erase", h.Erase)
			session.POST("/deploy", h.Deploy)
			session.POST("/execute", h.Execute)
			session.POST("/reboot", h.Reboot)
			session.POST("/cancel", h.Cancel)
			session.GET("/info", h.DeviceInfo)
			session.GET("/oem-info", h.OemInfo)
		}
	}
}

// classify maps service and device errors onto an HTTP status and error code
func classify(err error) (int, string) {
	var connErr *transport.ConnectionError

	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, utils.CodeSessionNotFound
	case errors.Is(err, repository.ErrOperationNotFound):
		return http.StatusNotFound, utils.CodeOperationNotFound
	case errors.Is(err, service.ErrSessionBusy):
		return http.StatusConflict, utils.CodeSessionBusy
	case errors.Is(err, device.ErrNotBootloader), errors.Is(err, device.ErrNotRuntime):
		return http.StatusConflict, utils.CodeWrongMode
	case errors.Is(err, service.ErrSessionLimit):
		return http.StatusServiceUnavailable, utils.CodeSessionLimit
	case errors.Is(err, service.ErrServiceClosed):
		return http.StatusServiceUnavailable, utils.CodeServiceClosed
	case errors.Is(err, service.ErrNotResponding), errors.Is(err, device.ErrNoResponse):
		return http.StatusGatewayTimeout, utils.CodeDeviceTimeout
	case errors.As(err, &connErr), errors.Is(err, device.ErrNoEngine):
		return http.StatusBadGateway, utils.CodeDeviceUnavailable
	default:
		return http.StatusInternalServerError, ""
	}
}

// sessionID parses the :id path parameter
func (h *SessionHandler) sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid session ID", err)
		return uuid.Nil, false
	}
	return id, true
}

func (h *SessionHandler) fail(c *gin.Context, message string, err error) {
	status, code := classify(err)
	requestID := zap.String("request_id", c.GetString("request_id"))

	// Device errors carry raw transport text; only the fixed message leaves the service.
	if device.IsDeviceError(err) || device.IsUserExit(err) {
		h.logger.Debug(message, zap.Error(err), requestID)
		utils.CodedErrorResponse(c, status, code, message, errors.New(device.UserMessage(err)))
		return
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err), requestID)
	}
	utils.CodedErrorResponse(c, status, code, message, err)
}

// OpenSession connects to a device
func (h *SessionHandler) OpenSession(c *gin.Context) {
	var req service.OpenSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	validation := map[string]string{}
	if _, err := model.ParsePortSpec(req.Port); err != nil {
		validation["port"] = err.Error()
	}
	if req.BootloaderPort != "" {
		if _, err := model.ParsePortSpec(req.BootloaderPort); err != nil {
			validation["bootloader_port"] = err.Error()
		}
	}
	if req.TimeoutMs < 0 {
		validation["timeout_ms"] = "must not be negative"
	}
	if len(validation) > 0 {
		utils.ValidationErrorResponse(c, validation)
		return
	}

	session, err := h.sessionService.OpenSession(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, "Failed to open session", err)
		return
	}

	utils.SuccessResponse(c, http.StatusCreated, "Session opened", session)
}

// ListSessions lists open sessions
func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions := h.sessionService.ListSessions()
	utils.SuccessResponse(c, http.StatusOK, "Sessions retrieved successfully", gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession returns one session
func (h *SessionHandler) GetSession(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	session, err := h.sessionService.GetSession(id)
	if err != nil {
		h.fail(c, "Session not found", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Session retrieved successfully", session)
}

// CloseSession cancels any job and disconnects
func (h *SessionHandler) CloseSession(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	if err := h.sessionService.CloseSession(id); err != nil {
		h.fail(c, "Failed to close session", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Session closed", nil)
}

// Ping reports which firmware is answering
func (h *SessionHandler) Ping(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	source, err := h.sessionService.Ping(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Ping failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device answered", gin.H{
		"source": source.String(),
	})
}

// EraseRequest selects the regions to erase; empty means all
type EraseRequest struct {
	Options []string `json:"options"`
}

// Erase starts an erase job
func (h *SessionHandler) Erase(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	var req EraseRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	for _, name := range req.Options {
		if _, err := device.ParseEraseOption(name); err != nil {
			utils.ValidationErrorResponse(c, map[string]string{"options": err.Error()})
			return
		}
	}

	op, err := h.sessionService.Erase(c.Request.Context(), id, req.Options)
	if err != nil {
		h.fail(c, "Failed to start erase", err)
		return
	}

	utils.SuccessResponse(c, http.StatusAccepted, "Erase started", op)
}

// Deploy uploads an image and starts a deploy job
func (h *SessionHandler) Deploy(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	image, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.ErrorResponse(c, http.StatusRequestEntityTooLarge, "Upload too large", err)
			return
		}
		utils.ValidationErrorResponse(c, map[string]string{"image": "an S-record image file is required"})
		return
	}

	execute := false
	if v := c.PostForm("execute"); v != "" {
		execute, err = strconv.ParseBool(v)
		if err != nil {
			utils.ValidationErrorResponse(c, map[string]string{"execute": "must be a boolean"})
			return
		}
	}

	dir, err := os.MkdirTemp("", "mfdeploy-upload-")
	if err != nil {
		h.fail(c, "Failed to store upload", err)
		return
	}
	cleanup := func() { os.RemoveAll(dir) }

	imagePath := filepath.Join(dir, "image"+filepath.Ext(image.Filename))
	if err := c.SaveUploadedFile(image, imagePath); err != nil {
		cleanup()
		h.fail(c, "Failed to store upload", err)
		return
	}

	sigPath := ""
	if sig, err := c.FormFile("signature"); err == nil {
		sigPath = imagePath + ".sig"
		if err := c.SaveUploadedFile(sig, sigPath); err != nil {
			cleanup()
			h.fail(c, "Failed to store upload", err)
			return
		}
	}

	op, err := h.sessionService.Deploy(c.Request.Context(), id, &service.DeployRequest{
		ImagePath:     imagePath,
		SignaturePath: sigPath,
		Execute:       execute,
		Cleanup:       cleanup,
	})
	if err != nil {
		h.fail(c, "Failed to start deploy", err)
		return
	}

	h.logger.Info("Deploy started",
		zap.String("session_id", id.String()),
		zap.String("operation_id", op.ID.String()),
		zap.String("image", image.Filename),
		zap.Int64("size", image.Size),
	)

	utils.SuccessResponse(c, http.StatusAccepted, "Deploy started", op)
}

// ExecuteRequest carries the entry point as a decimal or 0x-prefixed
// hexadecimal string
type ExecuteRequest struct {
	EntryPoint string `json:"entry_point" binding:"required"`
}

// Execute starts code at an address
func (h *SessionHandler) Execute(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	entry, err := strconv.ParseUint(req.EntryPoint, 0, 32)
	if err != nil {
		utils.ValidationErrorResponse(c, map[string]string{"entry_point": fmt.Sprintf("invalid address %q", req.EntryPoint)})
		return
	}

	op, err := h.sessionService.Execute(c.Request.Context(), id, uint32(entry))
	if err != nil {
		h.fail(c, "Execute failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Execution started", op)
}

// RebootRequest selects a cold or warm reboot
type RebootRequest struct {
	Cold bool `json:"cold"`
}

// Reboot restarts the device
func (h *SessionHandler) Reboot(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	var req RebootRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	op, err := h.sessionService.Reboot(c.Request.Context(), id, req.Cold)
	if err != nil {
		h.fail(c, "Reboot failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device rebooted", op)
}

// Cancel aborts the running job
func (h *SessionHandler) Cancel(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	running, err := h.sessionService.Cancel(id)
	if err != nil {
		h.fail(c, "Cancel failed", err)
		return
	}

	message := "No job running"
	if running {
		message = "Cancellation requested"
	}
	utils.SuccessResponse(c, http.StatusOK, message, gin.H{"cancelled": running})
}

// DeviceInfo returns the runtime description
func (h *SessionHandler) DeviceInfo(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	info, err := h.sessionService.DeviceInfo(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to read device info", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device info retrieved successfully", info)
}

// OemInfo returns the bootloader OEM information
func (h *SessionHandler) OemInfo(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}

	info, err := h.sessionService.OemInfo(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to read OEM info", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "OEM info retrieved successfully", info)
}
