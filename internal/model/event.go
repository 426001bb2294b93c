// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventSessionConnected    EventType = "SESSION_CONNECTED"
	EventSessionDisconnected EventType = "SESSION_DISCONNECTED"
	EventSessionState        EventType = "SESSION_STATE"
	EventOperationStarted    EventType = "OPERATION_STARTED"
	EventOperationProgress   EventType = "OPERATION_PROGRESS"
	EventOperationCompleted  EventType = "OPERATION_COMPLETED"
	EventOperationFailed     EventType = "OPERATION_FAILED"
	EventDeviceOutput        EventType = "DEVICE_OUTPUT"
)

// DeviceEvent represents an event published to event stream subscribers
type DeviceEvent struct {
	ID          uuid.UUID  `json:"id"`
	EventType   EventType  `json:"event_type"`
	SessionID   uuid.UUID  `json:"session_id"`
	OperationID *uuid.UUID `json:"operation_id,omitempty"`
	Data        JSONObject `json:"data"`
	Timestamp   time.Time  `json:"timestamp"`
	Source      string     `json:"source"`
	Severity    string     `json:"severity"` // INFO, WARNING, ERROR
}

// NewDeviceEvent creates an event stamped with a fresh id and the current time
func NewDeviceEvent(eventType EventType, sessionID uuid.UUID, data JSONObject) DeviceEvent {
	severity := "INFO"
	if eventType == EventOperationFailed {
		severity = "ERROR"
	}

	return DeviceEvent{
		ID:        uuid.New(),
		EventType: eventType,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now(),
		Source:    "mfdeploy",
		Severity:  severity,
	}
}

// ProgressEventData represents the payload of an OPERATION_PROGRESS event
type ProgressEventData struct {
	Value   int64   `json:"value"`
	Total   int64   `json:"total"`
	Status  string  `json:"status"`
	Percent float64 `json:"percent"`
}
