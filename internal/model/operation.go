// internal/model/operation.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperationType represents the type of a device job
type OperationType string

const (
	OperationTypeDeploy  OperationType = "DEPLOY"
	OperationTypeErase   OperationType = "ERASE"
	OperationTypeExecute OperationType = "EXECUTE"
	OperationTypeReboot  OperationType = "REBOOT"
)

// OperationStatus represents the status of an operation
type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "PENDING"
	OperationStatusProcessing OperationStatus = "PROCESSING"
	OperationStatusSuccess    OperationStatus = "SUCCESS"
	OperationStatusFailed     OperationStatus = "FAILED"
	OperationStatusCancelled  OperationStatus = "CANCELLED"
)

// JSONObject type for PostgreSQL JSONB objects
type JSONObject map[string]interface{}

func (j *JSONObject) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONObject) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// DeviceOperation is the history record of one job run against a session
type DeviceOperation struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	SessionID     uuid.UUID       `json:"session_id" db:"session_id"`
	OperationType OperationType   `json:"operation_type" db:"operation_type"`
	PortKind      PortKind        `json:"port_kind" db:"port_kind"`
	PortID        string          `json:"port_id" db:"port_id"`
	Parameters    JSONObject      `json:"parameters" db:"parameters"`
	Status        OperationStatus `json:"status" db:"status"`
	BytesTotal    int64           `json:"bytes_total" db:"bytes_total"`
	BytesDone     int64           `json:"bytes_done" db:"bytes_done"`
	StatusText    string          `json:"status_text" db:"status_text"`
	EntryPoint    *int64          `json:"entry_point,omitempty" db:"entry_point"`
	ErrorMessage  *string         `json:"error_message,omitempty" db:"error_message"`
	StartedAt     time.Time       `json:"started_at" db:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs    *int            `json:"duration_ms,omitempty" db:"duration_ms"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// NewDeviceOperation creates a pending operation record
func NewDeviceOperation(sessionID uuid.UUID, opType OperationType, port PortDefinition, params JSONObject) *DeviceOperation {
	now := time.Now()
	return &DeviceOperation{
		ID:            uuid.New(),
		SessionID:     sessionID,
		OperationType: opType,
		PortKind:      port.Kind,
		PortID:        port.UniqueID,
		Parameters:    params,
		Status:        OperationStatusPending,
		StartedAt:     now,
		CreatedAt:     now,
	}
}

// IsCompleted checks if operation reached a final status
func (op *DeviceOperation) IsCompleted() bool {
	return op.Status == OperationStatusSuccess ||
		op.Status == OperationStatusFailed ||
		op.Status == OperationStatusCancelled
}

// Finish moves the operation to a final status and stamps its duration.
// An empty message leaves ErrorMessage unset.
func (op *DeviceOperation) Finish(status OperationStatus, message string) {
	completedAt := time.Now()
	durationMs := int(completedAt.Sub(op.StartedAt).Milliseconds())

	op.Status = status
	op.CompletedAt = &completedAt
	op.DurationMs = &durationMs
	if message != "" {
		op.ErrorMessage = &message
	}
}
