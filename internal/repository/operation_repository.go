// internal/repository/operation_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mfdeploy/internal/database"
	"mfdeploy/internal/model"
)

const operationColumns = `id, session_id, operation_type, port_kind, port_id, parameters,
	status, bytes_total, bytes_done, status_text, entry_point, error_message,
	started_at, completed_at, duration_ms, created_at`

// operationRepository implements OperationRepository on postgres
type operationRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewOperationRepository creates a postgres backed operation repository
func NewOperationRepository(db *database.DB, logger *zap.Logger) OperationRepository {
	return &operationRepository{
		db:     db,
		logger: logger,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*model.DeviceOperation, error) {
	op := &model.DeviceOperation{}
	err := row.Scan(
		&op.ID, &op.SessionID, &op.OperationType, &op.PortKind, &op.PortID, &op.Parameters,
		&op.Status, &op.BytesTotal, &op.BytesDone, &op.StatusText, &op.EntryPoint, &op.ErrorMessage,
		&op.StartedAt, &op.CompletedAt, &op.DurationMs, &op.CreatedAt,
	)
	return op, err
}

// Create creates a new operation
func (r *operationRepository) Create(ctx context.Context, op *model.DeviceOperation) error {
	query := `
		INSERT INTO device_operations (` + operationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := r.db.ExecContext(ctx, query,
		op.ID, op.SessionID, op.OperationType, op.PortKind, op.PortID, op.Parameters,
		op.Status, op.BytesTotal, op.BytesDone, op.StatusText, op.EntryPoint, op.ErrorMessage,
		op.StartedAt, op.CompletedAt, op.DurationMs, op.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create operation", zap.Error(err))
		return fmt.Errorf("failed to create operation: %w", err)
	}

	return nil
}

// GetByID retrieves an operation by ID
func (r *operationRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.DeviceOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM device_operations WHERE id = $1`

	op, err := scanOperation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
		}
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	return op, nil
}

// Update stores the mutable fields of an operation
func (r *operationRepository) Update(ctx context.Context, op *model.DeviceOperation) error {
	query := `
		UPDATE device_operations SET
			status = $2, bytes_total = $3, bytes_done = $4, status_text = $5,
			entry_point = $6, error_message = $7, completed_at = $8, duration_ms = $9
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		op.ID, op.Status, op.BytesTotal, op.BytesDone, op.StatusText,
		op.EntryPoint, op.ErrorMessage, op.CompletedAt, op.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, op.ID)
	}

	return nil
}

// buildWhere turns a filter into a WHERE clause and its arguments
func buildWhere(filter *OperationFilter) (string, []interface{}) {
	if filter == nil {
		return "", nil
	}

	whereConditions := []string{}
	args := []interface{}{}
	argIndex := 1

	if filter.SessionID != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("session_id = $%d", argIndex))
		args = append(args, *filter.SessionID)
		argIndex++
	}
	if filter.OperationType != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("operation_type = $%d", argIndex))
		args = append(args, *filter.OperationType)
		argIndex++
	}
	if filter.Status != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, *filter.Status)
		argIndex++
	}
	if filter.StartDate != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("created_at >= $%d", argIndex))
		args = append(args, *filter.StartDate)
	}

	if len(whereConditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(whereConditions, " AND "), args
}

// List retrieves operations with filtering and pagination
func (r *operationRepository) List(ctx context.Context, filter *OperationFilter) ([]*model.DeviceOperation, int, error) {
	whereClause, args := buildWhere(filter)

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM device_operations %s", whereClause)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count operations: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM device_operations %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, operationColumns, whereClause, len(args)+1, len(args)+2)
	args = append(args, filter.limit(), filter.offset())

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	operations := []*model.DeviceOperation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			r.logger.Error("Failed to scan operation row", zap.Error(err))
			continue
		}
		operations = append(operations, op)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read operations: %w", err)
	}

	return operations, total, nil
}

// DeleteOldOperations removes old operation records
func (r *operationRepository) DeleteOldOperations(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM device_operations WHERE created_at < $1`

	result, err := r.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old operations: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	r.logger.Info("Deleted old operations",
		zap.Int64("rows_deleted", rowsAffected),
		zap.Time("older_than", olderThan),
	)

	return rowsAffected, nil
}
