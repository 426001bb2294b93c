// internal/repository/memory_repository.go
package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mfdeploy/internal/model"
)

// memoryRepository keeps the operation history in process when no
// database is configured
type memoryRepository struct {
	mu         sync.RWMutex
	operations map[uuid.UUID]*model.DeviceOperation
	logger     *zap.Logger
}

// NewMemoryOperationRepository creates an in-process operation repository
func NewMemoryOperationRepository(logger *zap.Logger) OperationRepository {
	return &memoryRepository{
		operations: make(map[uuid.UUID]*model.DeviceOperation),
		logger:     logger,
	}
}

func (r *memoryRepository) Create(ctx context.Context, op *model.DeviceOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.operations[op.ID]; exists {
		return fmt.Errorf("failed to create operation: duplicate id %s", op.ID)
	}
	copied := *op
	r.operations[op.ID] = &copied
	return nil
}

func (r *memoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.DeviceOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.operations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	copied := *op
	return &copied, nil
}

func (r *memoryRepository) Update(ctx context.Context, op *model.DeviceOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.operations[op.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, op.ID)
	}
	copied := *op
	r.operations[op.ID] = &copied
	return nil
}

func matches(op *model.DeviceOperation, filter *OperationFilter) bool {
	if filter == nil {
		return true
	}
	if filter.SessionID != nil && op.SessionID != *filter.SessionID {
		return false
	}
	if filter.OperationType != nil && op.OperationType != *filter.OperationType {
		return false
	}
	if filter.Status != nil && op.Status != *filter.Status {
		return false
	}
	if filter.StartDate != nil && op.CreatedAt.Before(*filter.StartDate) {
		return false
	}
	return true
}

func (r *memoryRepository) List(ctx context.Context, filter *OperationFilter) ([]*model.DeviceOperation, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	selected := []*model.DeviceOperation{}
	for _, op := range r.operations {
		if matches(op, filter) {
			copied := *op
			selected = append(selected, &copied)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].CreatedAt.After(selected[j].CreatedAt)
	})

	total := len(selected)
	start := filter.offset()
	if start > total {
		start = total
	}
	end := start + filter.limit()
	if end > total {
		end = total
	}

	return selected[start:end], total, nil
}

func (r *memoryRepository) DeleteOldOperations(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, op := range r.operations {
		if op.CreatedAt.Before(olderThan) {
			delete(r.operations, id)
			deleted++
		}
	}

	r.logger.Info("Deleted old operations",
		zap.Int64("rows_deleted", deleted),
		zap.Time("older_than", olderThan),
	)
	return deleted, nil
}
