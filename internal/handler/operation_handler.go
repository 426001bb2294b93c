// internal/handler/operation_handler.go
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mfdeploy/internal/model"
	"mfdeploy/internal/repository"
	"mfdeploy/internal/service"
	"mfdeploy/internal/utils"
)

// OperationHandler serves the job history
type OperationHandler struct {
	operationService *service.OperationService
	logger           *utils.ServiceLogger
}

// NewOperationHandler creates a new operation handler
func NewOperationHandler(operationService *service.OperationService, logger *zap.Logger) *OperationHandler {
	return &OperationHandler{
		operationService: operationService,
		logger:           utils.NewServiceLogger(logger, "operation-handler"),
	}
}

// RegisterRoutes registers operation routes
func (h *OperationHandler) RegisterRoutes(router *gin.RouterGroup) {
	operations := router.Group("/operations")
	{
		operations.GET("", h.ListOperations)
		operations.GET("/:id", h.GetOperation)
	}
}

// ListOperations lists operations with filtering, newest first. limit is
// accepted as an alias of per_page.
func (h *OperationHandler) ListOperations(c *gin.Context) {
	filter := &service.OperationFilter{
		Page:    1,
		PerPage: 20,
	}

	if page := c.Query("page"); page != "" {
		if p, err := strconv.Atoi(page); err == nil && p > 0 {
			filter.Page = p
		}
	}
	for _, key := range []string{"limit", "per_page"} {
		if v := c.Query(key); v != "" {
			if pp, err := strconv.Atoi(v); err == nil && pp > 0 && pp <= 100 {
				filter.PerPage = pp
			}
		}
	}

	validation := map[string]string{}
	if sessionID := c.Query("session_id"); sessionID != "" {
		id, err := uuid.Parse(sessionID)
		if err != nil {
			validation["session_id"] = "must be a UUID"
		} else {
			filter.SessionID = &id
		}
	}
	if operationType := c.Query("operation_type"); operationType != "" {
		ot := model.OperationType(operationType)
		filter.OperationType = &ot
	}
	if status := c.Query("status"); status != "" {
		s := model.OperationStatus(status)
		filter.Status = &s
	}
	if startDate := c.Query("start_date"); startDate != "" {
		date, err := time.Parse(time.RFC3339, startDate)
		if err != nil {
			validation["start_date"] = "must be an RFC3339 timestamp"
		} else {
			filter.StartDate = &date
		}
	}
	if len(validation) > 0 {
		utils.ValidationErrorResponse(c, validation)
		return
	}

	operations, pagination, err := h.operationService.ListOperations(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list operations", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list operations", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Operations retrieved successfully", gin.H{
		"operations": operations,
		"pagination": pagination,
	})
}

// GetOperation returns one operation
func (h *OperationHandler) GetOperation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid operation ID", err)
		return
	}

	operation, err := h.operationService.GetOperation(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrOperationNotFound) {
			utils.CodedErrorResponse(c, http.StatusNotFound, utils.CodeOperationNotFound, "Operation not found", err)
			return
		}
		h.logger.Error("Failed to get operation", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to get operation", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Operation retrieved successfully", operation)
}
