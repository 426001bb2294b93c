// internal/service/operation_service.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mfdeploy/internal/device"
	"mfdeploy/internal/model"
	"mfdeploy/internal/repository"
	"mfdeploy/internal/utils"
)

// OperationService records the history of device jobs
type OperationService struct {
	operationRepo repository.OperationRepository
	logger        *utils.ServiceLogger
}

// NewOperationService creates a new operation service instance
func NewOperationService(operationRepo repository.OperationRepository, logger *zap.Logger) *OperationService {
	return &OperationService{
		operationRepo: operationRepo,
		logger:        utils.NewServiceLogger(logger, "operation-service"),
	}
}

// Begin stores a new operation in PROCESSING state
func (os *OperationService) Begin(ctx context.Context, sessionID uuid.UUID, opType model.OperationType, port model.PortDefinition, params model.JSONObject) (*model.DeviceOperation, error) {
	operation := model.NewDeviceOperation(sessionID, opType, port, params)
	operation.Status = model.OperationStatusProcessing

	if err := os.operationRepo.Create(ctx, operation); err != nil {
		return nil, fmt.Errorf("failed to create operation: %w", err)
	}
	return operation, nil
}

// SaveProgress persists the progress fields of a running operation
func (os *OperationService) SaveProgress(ctx context.Context, operation *model.DeviceOperation) {
	if err := os.operationRepo.Update(ctx, operation); err != nil {
		os.logger.Warn("Failed to save operation progress",
			zap.String("operation_id", operation.ID.String()),
			zap.Error(err),
		)
	}
}

// Complete moves the operation to its final status. A cancelled job ends
// CANCELLED, any other error FAILED. Device failures are recorded by their
// fixed user message; the full error chain only reaches the debug log.
func (os *OperationService) Complete(ctx context.Context, operation *model.DeviceOperation, err error) {
	message := failureMessage(err)
	switch {
	case err == nil:
		operation.Finish(model.OperationStatusSuccess, "")
	case device.IsUserExit(err):
		operation.Finish(model.OperationStatusCancelled, message)
	default:
		operation.Finish(model.OperationStatusFailed, message)
	}
	if err != nil {
		operation.StatusText = message
		os.logger.Debug("Operation failed",
			zap.String("operation_id", operation.ID.String()),
			zap.Error(err),
		)
	}

	if updateErr := os.operationRepo.Update(ctx, operation); updateErr != nil {
		os.logger.Error("Failed to update operation", zap.Error(updateErr))
	}
}

// failureMessage is the text users see for a failed job
func failureMessage(err error) string {
	if err == nil {
		return ""
	}
	if device.IsUserExit(err) || device.IsDeviceError(err) {
		return device.UserMessage(err)
	}
	return err.Error()
}

// GetOperation retrieves operation details
func (os *OperationService) GetOperation(ctx context.Context, operationID uuid.UUID) (*model.DeviceOperation, error) {
	operation, err := os.operationRepo.GetByID(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("operation not found: %w", err)
	}
	return operation, nil
}

// ListOperations lists operations with filtering
func (os *OperationService) ListOperations(ctx context.Context, filter *OperationFilter) ([]*model.DeviceOperation, *PaginationResult, error) {
	if filter == nil {
		filter = &OperationFilter{}
	}
	repoFilter := filter.toRepoFilter()
	operations, total, err := os.operationRepo.List(ctx, repoFilter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list operations: %w", err)
	}

	perPage := repoFilter.Limit
	pagination := &PaginationResult{
		Total:      total,
		Page:       max(filter.Page, 1),
		PerPage:    perPage,
		TotalPages: (total + perPage - 1) / perPage,
	}

	return operations, pagination, nil
}

// CleanupOldOperations deletes records older than retention
func (os *OperationService) CleanupOldOperations(ctx context.Context, retention time.Duration) (int64, error) {
	deleted, err := os.operationRepo.DeleteOldOperations(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup operations: %w", err)
	}
	return deleted, nil
}

// OperationFilter represents operation listing filters
type OperationFilter struct {
	SessionID     *uuid.UUID             `json:"session_id,omitempty"`
	OperationType *model.OperationType   `json:"operation_type,omitempty"`
	Status        *model.OperationStatus `json:"status,omitempty"`
	StartDate     *time.Time             `json:"start_date,omitempty"`
	Page          int                    `json:"page"`
	PerPage       int                    `json:"per_page"`
}

// toRepoFilter converts to repository filter
func (of *OperationFilter) toRepoFilter() *repository.OperationFilter {
	page := of.Page
	if page < 1 {
		page = 1
	}
	perPage := of.PerPage
	if perPage <= 0 {
		perPage = repository.DefaultListLimit
	}
	return &repository.OperationFilter{
		SessionID:     of.SessionID,
		OperationType: of.OperationType,
		Status:        of.Status,
		StartDate:     of.StartDate,
		Limit:         perPage,
		Offset:        (page - 1) * perPage,
	}
}

// PaginationResult represents pagination information
type PaginationResult struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
}
