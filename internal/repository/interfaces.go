// internal/repository/interfaces.go
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"mfdeploy/internal/model"
)

// ErrOperationNotFound is returned for unknown operation ids
var ErrOperationNotFound = errors.New("operation not found")

// OperationRepository stores the job history
type OperationRepository interface {
	Create(ctx context.Context, operation *model.DeviceOperation) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.DeviceOperation, error)
	Update(ctx context.Context, operation *model.DeviceOperation) error
	List(ctx context.Context, filter *OperationFilter) ([]*model.DeviceOperation, int, error)
	DeleteOldOperations(ctx context.Context, olderThan time.Time) (int64, error)
}

// OperationFilter represents operation listing filters. Results are
// ordered newest first.
type OperationFilter struct {
	SessionID     *uuid.UUID             `json:"session_id,omitempty"`
	OperationType *model.OperationType   `json:"operation_type,omitempty"`
	Status        *model.OperationStatus `json:"status,omitempty"`
	StartDate     *time.Time             `json:"start_date,omitempty"`
	Limit         int                    `json:"limit"`
	Offset        int                    `json:"offset"`
}

// DefaultListLimit applies when a filter sets no limit
const DefaultListLimit = 50

func (f *OperationFilter) limit() int {
	if f == nil || f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f *OperationFilter) offset() int {
	if f == nil || f.Offset < 0 {
		return 0
	}
	return f.Offset
}
